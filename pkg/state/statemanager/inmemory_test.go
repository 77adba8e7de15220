package statemanager_test

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/a-essam23/go-chatroom/pkg/logging"
	"github.com/a-essam23/go-chatroom/pkg/state"
	"github.com/a-essam23/go-chatroom/pkg/state/statemanager"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Suite Setup ---

func newTestManager() *statemanager.InMemoryManager {
	return statemanager.NewInMemoryManager(logging.Discard())
}

func registerConn(t *testing.T, m *statemanager.InMemoryManager) state.ConnID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, m.RegisterConnection(id, "127.0.0.1:40000"))
	return id
}

// --- Connection Lifecycle Tests ---

func TestConnectionLifecycle(t *testing.T) {
	m := newTestManager()
	id := registerConn(t, m)

	assert.ErrorIs(t, m.RegisterConnection(id, "again"), state.ErrDuplicateConn)

	conn, found := m.GetConnection(id)
	require.True(t, found)
	assert.Equal(t, id, conn.ID)
	assert.Equal(t, "127.0.0.1:40000", conn.RemoteAddr)
	assert.Empty(t, conn.Identity)

	_, bound := m.DeregisterConnection(id)
	assert.False(t, bound, "unbound connection reports no identity")

	_, found = m.GetConnection(id)
	assert.False(t, found)

	// deregistering twice is harmless
	_, bound = m.DeregisterConnection(id)
	assert.False(t, bound)
}

func TestBindLookupUnbind(t *testing.T) {
	m := newTestManager()
	id := registerConn(t, m)

	require.NoError(t, m.Bind("alice", id))
	require.NoError(t, m.Bind("alice", id), "rebinding the same pair is a no-op")

	got, ok := m.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, id, got)

	name, ok := m.IdentityOf(id)
	require.True(t, ok)
	assert.Equal(t, "alice", name)
	assert.Equal(t, 1, m.Count())

	name, ok = m.Unbind(id)
	require.True(t, ok)
	assert.Equal(t, "alice", name)

	_, ok = m.Lookup("alice")
	assert.False(t, ok)
	_, ok = m.IdentityOf(id)
	assert.False(t, ok)

	// the connection stays registered and can bind again
	_, found := m.GetConnection(id)
	assert.True(t, found)
	require.NoError(t, m.Bind("alice", id))
}

func TestBindRejectsDuplicates(t *testing.T) {
	m := newTestManager()
	first := registerConn(t, m)
	second := registerConn(t, m)

	require.NoError(t, m.Bind("alice", first))
	assert.ErrorIs(t, m.Bind("alice", second), state.ErrAlreadyBound)
	assert.ErrorIs(t, m.Bind("bob", first), state.ErrConnectionBound)
	assert.ErrorIs(t, m.Bind("carol", uuid.New()), state.ErrUnknownConnection)

	got, _ := m.Lookup("alice")
	assert.Equal(t, first, got, "the first login keeps the identity")
}

func TestDeregisterUnbindsIdentity(t *testing.T) {
	m := newTestManager()
	id := registerConn(t, m)
	require.NoError(t, m.Bind("alice", id))

	name, ok := m.DeregisterConnection(id)
	require.True(t, ok)
	assert.Equal(t, "alice", name)

	_, ok = m.Lookup("alice")
	assert.False(t, ok)
	assert.ErrorIs(t, m.Bind("alice", id), state.ErrUnknownConnection,
		"a torn down connection can never be bound again")
}

func TestSnapshotSorted(t *testing.T) {
	m := newTestManager()
	for _, name := range []string{"carol", "alice", "bob"} {
		require.NoError(t, m.Bind(name, registerConn(t, m)))
	}
	registerConn(t, m) // anonymous connections are not listed

	assert.Equal(t, []state.Identity{"alice", "bob", "carol"}, m.Snapshot())
}

func TestRoute(t *testing.T) {
	m := newTestManager()
	id := registerConn(t, m)
	require.NoError(t, m.Bind("alice", id))

	var got state.ConnID
	assert.True(t, m.Route("alice", func(c state.ConnID) { got = c }))
	assert.Equal(t, id, got)

	called := false
	assert.False(t, m.Route("nobody", func(state.ConnID) { called = true }))
	assert.False(t, called)
}

// --- Concurrency Tests ---

// A worker routing to "bob" races the event loop tearing bob's connection
// down. Once DeregisterConnection has returned, no Route or Lookup may see the
// old connection.
func TestRouteNeverSeesDeregisteredConnection(t *testing.T) {
	m := newTestManager()
	const rounds = 200
	const routers = 8

	for round := 0; round < rounds; round++ {
		id := registerConn(t, m)
		require.NoError(t, m.Bind("bob", id))

		var gone atomic.Bool
		var violations atomic.Int64
		var wg sync.WaitGroup
		start := make(chan struct{})

		for i := 0; i < routers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 50; j++ {
					m.Route("bob", func(c state.ConnID) {
						if c == id && gone.Load() {
							violations.Add(1)
						}
					})
					wasGone := gone.Load()
					if c, ok := m.Lookup("bob"); ok && c == id && wasGone {
						violations.Add(1)
					}
				}
			}()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			m.DeregisterConnection(id)
			gone.Store(true)
		}()

		close(start)
		wg.Wait()
		require.Zero(t, violations.Load(), "round %d: connection observed after deregistration", round)
	}
}

func TestConcurrentBindSingleWinner(t *testing.T) {
	m := newTestManager()
	const contenders = 32

	ids := make([]state.ConnID, contenders)
	for i := range ids {
		ids[i] = registerConn(t, m)
	}

	var wins atomic.Int64
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id state.ConnID) {
			defer wg.Done()
			if err := m.Bind("alice", id); err == nil {
				wins.Add(1)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
	assert.Equal(t, 1, m.Count())
}

func TestConcurrentMixedOperations(t *testing.T) {
	m := newTestManager()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := uuid.New()
			name := "user" + strconv.Itoa(i)
			_ = m.RegisterConnection(id, "")
			_ = m.Bind(name, id)
			m.Lookup(name)
			m.Snapshot()
			m.DeregisterConnection(id)
		}(i)
	}
	wg.Wait()

	assert.Zero(t, m.Count())
	assert.Empty(t, m.Snapshot())
}
