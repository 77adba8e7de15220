// Package sqlite implements store.Backend on an SQLite database file using
// the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/a-essam23/go-chatroom/pkg/store"
	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"
)

const (
	busyTimeout   = 5 * time.Second
	nameCacheSize = 4096
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		username   TEXT UNIQUE NOT NULL,
		password   BLOB NOT NULL,
		salt       BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_status (
		user_id     INTEGER PRIMARY KEY REFERENCES users(id),
		online      INTEGER NOT NULL DEFAULT 0,
		last_active INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chat_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id   INTEGER NOT NULL REFERENCES users(id),
		receiver_id INTEGER NOT NULL REFERENCES users(id),
		kind        TEXT NOT NULL,
		text        TEXT NOT NULL,
		sent_at     INTEGER NOT NULL,
		delivered   INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS chat_log_receiver ON chat_log (receiver_id, delivered)`,
	`CREATE INDEX IF NOT EXISTS chat_log_sender ON chat_log (sender_id)`,
}

// Store owns the database handle. Sessions are dedicated connections taken
// from it, so each worker gets its own SQLite connection.
type Store struct {
	db     *sql.DB
	clock  clock.Clock
	names  *lru.Cache[string, int64]
	logger *slog.Logger
}

var _ store.Backend = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, logger *slog.Logger, path string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.New()
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, multierr.Append(fmt.Errorf("ping sqlite %q: %w", path, err), db.Close())
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, multierr.Append(fmt.Errorf("apply schema: %w", err), db.Close())
		}
	}

	names, err := lru.New[string, int64](nameCacheSize)
	if err != nil {
		return nil, multierr.Append(err, db.Close())
	}

	logger = logger.With(slog.String("component", "store_sqlite"))
	logger.Info("Store opened", slog.String("path", path))
	return &Store{db: db, clock: clk, names: names, logger: logger}, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func (s *Store) Session(ctx context.Context) (store.Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite session: %w", err)
	}
	return &session{s: s, conn: conn}, nil
}

func (s *Store) ResetPresence(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, `UPDATE user_status SET online = 0 WHERE online = 1`)
	if err != nil {
		return fmt.Errorf("reset presence: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("Cleared stale online flags", slog.Int64("users", n))
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type session struct {
	s    *Store
	conn *sql.Conn
}

func (ss *session) CreateCredential(ctx context.Context, name, pass string) (bool, error) {
	hash, salt, err := store.HashPassword(pass)
	if err != nil {
		return false, err
	}

	tx, err := ss.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("create credential: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := ss.s.clock.Now().Unix()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO users (username, password, salt, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (username) DO NOTHING`,
		name, hash, salt, now)
	if err != nil {
		return false, fmt.Errorf("insert user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert user: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("insert user: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_status (user_id, online, last_active) VALUES (?, 0, ?)`, id, now); err != nil {
		return false, fmt.Errorf("insert user status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("create credential: %w", err)
	}
	ss.s.names.Add(name, id)
	return true, nil
}

func (ss *session) VerifyCredential(ctx context.Context, name, pass string) (bool, error) {
	var hash, salt []byte
	err := ss.conn.QueryRowContext(ctx,
		`SELECT password, salt FROM users WHERE username = ?`, name).Scan(&hash, &salt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("verify credential: %w", err)
	}
	return store.CheckPassword(pass, hash, salt), nil
}

// UserID resolves a name, consulting the cache first. Accounts are never
// deleted, so a cached id stays valid.
func (ss *session) UserID(ctx context.Context, name string) (int64, bool, error) {
	if id, ok := ss.s.names.Get(name); ok {
		return id, true, nil
	}
	var id int64
	err := ss.conn.QueryRowContext(ctx, `SELECT id FROM users WHERE username = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup user %q: %w", name, err)
	}
	ss.s.names.Add(name, id)
	return id, true, nil
}

func (ss *session) setStatus(ctx context.Context, id int64, online int) error {
	_, err := ss.conn.ExecContext(ctx,
		`UPDATE user_status SET online = ?, last_active = ? WHERE user_id = ?`,
		online, ss.s.clock.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set status of user %d: %w", id, err)
	}
	return nil
}

func (ss *session) SetOnline(ctx context.Context, id int64) error  { return ss.setStatus(ctx, id, 1) }
func (ss *session) SetOffline(ctx context.Context, id int64) error { return ss.setStatus(ctx, id, 0) }

func (ss *session) Touch(ctx context.Context, id int64) error {
	_, err := ss.conn.ExecContext(ctx,
		`UPDATE user_status SET last_active = ? WHERE user_id = ?`, ss.s.clock.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("touch user %d: %w", id, err)
	}
	return nil
}

func (ss *session) RecordMessage(ctx context.Context, msg store.Message) (int64, error) {
	sentAt := msg.SentAt
	if sentAt.IsZero() {
		sentAt = ss.s.clock.Now()
	}
	delivered := 0
	if msg.Delivered {
		delivered = 1
	}
	res, err := ss.conn.ExecContext(ctx,
		`INSERT INTO chat_log (sender_id, receiver_id, kind, text, sent_at, delivered)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.SenderID, msg.ReceiverID, string(msg.Kind), msg.Text, sentAt.UnixMilli(), delivered)
	if err != nil {
		return 0, fmt.Errorf("record message: %w", err)
	}
	return res.LastInsertId()
}

const selectMessages = `
	SELECT m.id, m.sender_id, m.receiver_id, s.username, r.username,
	       m.kind, m.text, m.sent_at, m.delivered
	FROM chat_log m
	JOIN users s ON s.id = m.sender_id
	JOIN users r ON r.id = m.receiver_id`

func (ss *session) FetchUndelivered(ctx context.Context, name string) ([]store.Message, error) {
	return ss.queryMessages(ctx,
		selectMessages+` WHERE r.username = ? AND m.delivered = 0 ORDER BY m.id`, name)
}

func (ss *session) MarkDelivered(ctx context.Context, receiverID, throughID int64) error {
	_, err := ss.conn.ExecContext(ctx,
		`UPDATE chat_log SET delivered = 1 WHERE receiver_id = ? AND delivered = 0 AND id <= ?`,
		receiverID, throughID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func (ss *session) ListOnline(ctx context.Context) ([]string, error) {
	rows, err := ss.conn.QueryContext(ctx,
		`SELECT u.username FROM user_status st JOIN users u ON u.id = st.user_id
		 WHERE st.online = 1 ORDER BY u.username`)
	if err != nil {
		return nil, fmt.Errorf("list online: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list online: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (ss *session) History(ctx context.Context, name string) ([]store.Message, error) {
	return ss.queryMessages(ctx,
		selectMessages+` WHERE s.username = ? OR r.username = ? ORDER BY m.id`, name, name)
}

func (ss *session) queryMessages(ctx context.Context, query string, args ...any) ([]store.Message, error) {
	rows, err := ss.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var (
			m      store.Message
			kind   string
			sentAt int64
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Sender, &m.Receiver,
			&kind, &m.Text, &sentAt, &m.Delivered); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Kind = store.MessageKind(kind)
		m.SentAt = time.UnixMilli(sentAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (ss *session) Close() error {
	return ss.conn.Close()
}
