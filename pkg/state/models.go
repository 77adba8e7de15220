package state

import (
	"time"

	"github.com/google/uuid"
)

// ConnID identifies one accepted connection for its whole lifetime. Unlike a
// file descriptor it is never reused, so a stale ConnID can only miss.
type ConnID = uuid.UUID

// Identity is an authenticated username.
type Identity = string

// Connection is the directory's view of a live connection.
type Connection struct {
	ID         ConnID
	RemoteAddr string
	Identity   Identity // empty until bound
	CreatedAt  time.Time
	BoundAt    time.Time
}

// Entry is one identity <-> connection pair.
type Entry struct {
	Identity Identity
	Conn     ConnID
}
