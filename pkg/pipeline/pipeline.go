package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/a-essam23/go-chatroom/pkg/metrics"
	"github.com/a-essam23/go-chatroom/pkg/protocol"
	"github.com/a-essam23/go-chatroom/pkg/state"
	"github.com/a-essam23/go-chatroom/pkg/store"
)

/*
 * The purpose of this is to detach the implementation of command handlers
 * from the event loop and the worker pool that carry them
 */

// Task is one unit of inbound work: the complete frames read from one
// connection in one drain, or a disconnect notice emitted on teardown.
type Task struct {
	Conn   state.ConnID
	Frames [][]byte
	// Disconnect marks the internal task submitted after the connection was
	// torn down. Identity then holds the identity it was bound to, if any.
	Disconnect bool
	Identity   state.Identity
	Enqueued   time.Time
}

// Response is outbound bytes for one connection.
type Response struct {
	Conn       state.ConnID
	Payload    []byte
	CloseAfter bool
	// Identity, when set, tells the event loop the connection is now
	// authenticated as this identity.
	Identity state.Identity
}

// Responder carries responses back to the goroutine that owns the sockets.
// Send never blocks.
type Responder interface {
	Send(Response)
}

// Cargo is everything a handler may touch while running one command.
type Cargo struct {
	Logger    *slog.Logger
	Ctx       context.Context
	Conn      state.ConnID
	Identity  state.Identity // empty until the connection signs in
	Task      *Task
	Session   store.Session
	Directory state.Directory
	Responder Responder
	Metrics   *metrics.Metrics
}

// Reply queues payload for the caller.
func (c *Cargo) Reply(payload []byte) {
	c.Responder.Send(Response{Conn: c.Conn, Payload: payload})
}

// Push queues payload for another connection.
func (c *Cargo) Push(conn state.ConnID, payload []byte) {
	c.Responder.Send(Response{Conn: conn, Payload: payload})
}

// HandlerFunc runs one parsed command. A returned error is logged; replies to
// the client are the handler's own business.
type HandlerFunc func(pctx *Cargo, cmd protocol.Command) error
