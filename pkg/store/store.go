// Package store defines the persistence operations the chat engine needs and
// a bounded pool of sessions that workers check out for one task at a time.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPoolClosed = errors.New("store: session pool is closed")
)

// TimeLayout is used for send times in replies.
const TimeLayout = "2006-01-02 15:04:05"

// MessageKind records how a chat message was addressed.
type MessageKind string

const (
	KindSingle    MessageKind = "single"
	KindMulti     MessageKind = "multi"
	KindBroadcast MessageKind = "broadcast"
)

// Message is one chat_log row. Rows are ordered by ID, which follows
// insertion and therefore send order.
type Message struct {
	ID         int64
	SenderID   int64
	ReceiverID int64
	Sender     string
	Receiver   string
	Kind       MessageKind
	Text       string
	SentAt     time.Time
	Delivered  bool
}

// Session is one handle onto the backing store. A session is used by one
// worker at a time and needs no locking of its own beyond what the backend
// requires.
type Session interface {
	// CreateCredential stores a new account. It reports false when the name is taken.
	CreateCredential(ctx context.Context, user, pass string) (bool, error)
	VerifyCredential(ctx context.Context, user, pass string) (bool, error)
	UserID(ctx context.Context, name string) (int64, bool, error)
	SetOnline(ctx context.Context, id int64) error
	SetOffline(ctx context.Context, id int64) error
	// Touch refreshes the user's last activity time.
	Touch(ctx context.Context, id int64) error
	RecordMessage(ctx context.Context, msg Message) (int64, error)
	// FetchUndelivered returns the user's undelivered messages, oldest first.
	FetchUndelivered(ctx context.Context, user string) ([]Message, error)
	// MarkDelivered flags the receiver's undelivered messages with ID <= throughID.
	MarkDelivered(ctx context.Context, receiverID, throughID int64) error
	ListOnline(ctx context.Context) ([]string, error)
	// History returns every message the user sent or received, oldest first.
	History(ctx context.Context, user string) ([]Message, error)
	Close() error
}

// Backend opens sessions onto one store.
type Backend interface {
	Session(ctx context.Context) (Session, error)
	// ResetPresence marks every user offline. Called once at startup since
	// no connection survives a restart.
	ResetPresence(ctx context.Context) error
	Close() error
}
