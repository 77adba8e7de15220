// Package memstore is an in-memory store.Backend. All sessions share one
// dataset, so it behaves like a single database opened several times.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/a-essam23/go-chatroom/pkg/store"
	"github.com/benbjohnson/clock"
)

type user struct {
	id         int64
	name       string
	hash, salt []byte
	online     bool
	lastActive int64
}

type Store struct {
	clock clock.Clock

	mu       sync.Mutex
	users    map[string]*user
	byID     map[int64]*user
	messages []store.Message
	nextUser int64
	nextMsg  int64
}

var _ store.Backend = (*Store)(nil)

// New returns an empty store. A nil clock means the wall clock.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		clock: clk,
		users: make(map[string]*user),
		byID:  make(map[int64]*user),
	}
}

func (s *Store) Session(context.Context) (store.Session, error) {
	return &session{s: s}, nil
}

func (s *Store) ResetPresence(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		u.online = false
	}
	return nil
}

func (s *Store) Close() error { return nil }

type session struct {
	s *Store
}

func (ss *session) CreateCredential(_ context.Context, name, pass string) (bool, error) {
	hash, salt, err := store.HashPassword(pass)
	if err != nil {
		return false, err
	}

	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[name]; exists {
		return false, nil
	}
	s.nextUser++
	u := &user{
		id:         s.nextUser,
		name:       name,
		hash:       hash,
		salt:       salt,
		lastActive: s.clock.Now().Unix(),
	}
	s.users[name] = u
	s.byID[u.id] = u
	return true, nil
}

func (ss *session) VerifyCredential(_ context.Context, name, pass string) (bool, error) {
	ss.s.mu.Lock()
	u, ok := ss.s.users[name]
	ss.s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return store.CheckPassword(pass, u.hash, u.salt), nil
}

func (ss *session) UserID(_ context.Context, name string) (int64, bool, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	if u, ok := ss.s.users[name]; ok {
		return u.id, true, nil
	}
	return 0, false, nil
}

func (ss *session) setOnline(id int64, online bool) {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.byID[id]; ok {
		u.online = online
		u.lastActive = s.clock.Now().Unix()
	}
}

func (ss *session) SetOnline(_ context.Context, id int64) error {
	ss.setOnline(id, true)
	return nil
}

func (ss *session) SetOffline(_ context.Context, id int64) error {
	ss.setOnline(id, false)
	return nil
}

func (ss *session) Touch(_ context.Context, id int64) error {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.byID[id]; ok {
		u.lastActive = s.clock.Now().Unix()
	}
	return nil
}

func (ss *session) RecordMessage(_ context.Context, msg store.Message) (int64, error) {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsg++
	msg.ID = s.nextMsg
	if msg.SentAt.IsZero() {
		msg.SentAt = s.clock.Now()
	}
	if u, ok := s.byID[msg.SenderID]; ok {
		msg.Sender = u.name
	}
	if u, ok := s.byID[msg.ReceiverID]; ok {
		msg.Receiver = u.name
	}
	s.messages = append(s.messages, msg)
	return msg.ID, nil
}

func (ss *session) FetchUndelivered(_ context.Context, name string) ([]store.Message, error) {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for _, m := range s.messages {
		if m.Receiver == name && !m.Delivered {
			out = append(out, m)
		}
	}
	return out, nil
}

func (ss *session) MarkDelivered(_ context.Context, receiverID, throughID int64) error {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		m := &s.messages[i]
		if m.ReceiverID == receiverID && m.ID <= throughID {
			m.Delivered = true
		}
	}
	return nil
}

func (ss *session) ListOnline(context.Context) ([]string, error) {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name, u := range s.users {
		if u.online {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (ss *session) History(_ context.Context, name string) ([]store.Message, error) {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for _, m := range s.messages {
		if m.Sender == name || m.Receiver == name {
			out = append(out, m)
		}
	}
	return out, nil
}

func (ss *session) Close() error { return nil }

// LastActive reports the unix time of the user's last recorded activity.
func (s *Store) LastActive(name string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[name]; ok {
		return u.lastActive, true
	}
	return 0, false
}

// Online reports the stored status flag for name.
func (s *Store) Online(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[name]
	return ok && u.online
}
