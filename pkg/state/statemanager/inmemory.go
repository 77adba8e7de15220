package statemanager

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/a-essam23/go-chatroom/pkg/state"
)

type connEntry struct {
	remoteAddr string
	identity   state.Identity
	createdAt  time.Time
	boundAt    time.Time
}

// InMemoryManager guards both directions of the presence mapping with one
// mutex so that a bind, a lookup and a teardown never interleave.
type InMemoryManager struct {
	conns map[state.ConnID]*connEntry
	users map[state.Identity]state.ConnID

	mu sync.RWMutex

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:  make(map[state.ConnID]*connEntry),
		users:  make(map[state.Identity]state.ConnID),
		logger: logger.With(slog.String("component", "presence_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Directory.
var _ state.Directory = (*InMemoryManager)(nil)

func (m *InMemoryManager) RegisterConnection(id state.ConnID, remoteAddr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conns[id]; exists {
		return state.ErrDuplicateConn
	}
	m.conns[id] = &connEntry{remoteAddr: remoteAddr, createdAt: time.Now()}
	m.logger.Debug("Connection registered", slog.String("connID", id.String()))
	return nil
}

func (m *InMemoryManager) DeregisterConnection(id state.ConnID) (state.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[id]
	if !ok {
		// connection is already deregistered
		return "", false
	}
	delete(m.conns, id)
	if conn.identity == "" {
		m.logger.Debug("Connection deregistered", slog.String("connID", id.String()))
		return "", false
	}
	delete(m.users, conn.identity)
	m.logger.Debug("Connection deregistered and identity unbound",
		slog.String("connID", id.String()), slog.String("identity", conn.identity))
	return conn.identity, true
}

func (m *InMemoryManager) GetConnection(id state.ConnID) (state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[id]
	if !ok {
		return state.Connection{}, false
	}
	return state.Connection{
		ID:         id,
		RemoteAddr: conn.remoteAddr,
		Identity:   conn.identity,
		CreatedAt:  conn.createdAt,
		BoundAt:    conn.boundAt,
	}, true
}

// --- Presence ---

func (m *InMemoryManager) Bind(identity state.Identity, id state.ConnID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[id]
	if !ok {
		return state.ErrUnknownConnection
	}
	if owner, bound := m.users[identity]; bound {
		if owner == id {
			return nil
		}
		return state.ErrAlreadyBound
	}
	if conn.identity != "" {
		return state.ErrConnectionBound
	}

	conn.identity = identity
	conn.boundAt = time.Now()
	m.users[identity] = id
	m.logger.Debug("Identity bound", slog.String("identity", identity), slog.String("connID", id.String()))
	return nil
}

func (m *InMemoryManager) Unbind(id state.ConnID) (state.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[id]
	if !ok || conn.identity == "" {
		return "", false
	}
	identity := conn.identity
	delete(m.users, identity)
	conn.identity = ""
	conn.boundAt = time.Time{}
	m.logger.Debug("Identity unbound", slog.String("identity", identity), slog.String("connID", id.String()))
	return identity, true
}

func (m *InMemoryManager) Lookup(identity state.Identity) (state.ConnID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.users[identity]
	return id, ok
}

func (m *InMemoryManager) IdentityOf(id state.ConnID) (state.Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[id]
	if !ok || conn.identity == "" {
		return "", false
	}
	return conn.identity, true
}

func (m *InMemoryManager) Route(identity state.Identity, fn func(state.ConnID)) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.users[identity]
	if !ok {
		return false
	}
	fn(id)
	return true
}

func (m *InMemoryManager) Snapshot() []state.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]state.Identity, 0, len(m.users))
	for name := range m.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *InMemoryManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}
