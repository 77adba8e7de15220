package state

import "errors"

var (
	ErrUnknownConnection = errors.New("state: connection is not registered")
	ErrDuplicateConn     = errors.New("state: connection is already registered")
	ErrAlreadyBound      = errors.New("state: identity is bound to another connection")
	ErrConnectionBound   = errors.New("state: connection is bound to another identity")
)

// Directory is the presence directory: the single source of truth for who is
// online and on which connection. Every method is safe for concurrent use.
type Directory interface {
	// --- Connection Lifecycle ---
	// called by the event loop only.
	RegisterConnection(id ConnID, remoteAddr string) error
	// DeregisterConnection forgets the connection and unbinds its identity,
	// returning the identity that was bound, if any.
	DeregisterConnection(id ConnID) (Identity, bool)
	GetConnection(id ConnID) (Connection, bool)

	// --- Presence ---
	// Bind links identity to a live connection. Rebinding the same pair is a no-op.
	Bind(identity Identity, id ConnID) error
	Unbind(id ConnID) (Identity, bool)
	Lookup(identity Identity) (ConnID, bool)
	IdentityOf(id ConnID) (Identity, bool)
	// Route calls fn with the identity's connection while the directory lock
	// is held, so the connection cannot be unbound until fn returns. fn must
	// not block or call back into the directory.
	Route(identity Identity, fn func(ConnID)) bool
	// Snapshot returns every bound identity, sorted.
	Snapshot() []Identity
	Count() int
}
