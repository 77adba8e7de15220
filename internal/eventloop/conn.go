package eventloop

import (
	"log/slog"

	"github.com/a-essam23/go-chatroom/pkg/protocol"
	"github.com/a-essam23/go-chatroom/pkg/state"
)

type connState int

const (
	stateConnecting connState = iota
	stateOpen
	stateAuthenticated
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateAuthenticated:
		return "authenticated"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	}
	return "invalid"
}

// conn is touched only by the loop goroutine.
type conn struct {
	id       state.ConnID
	fd       int
	remote   string
	state    connState
	identity state.Identity
	logger   *slog.Logger

	decoder *protocol.Decoder
	out     []byte
	// closeAfter is honoured once out has been flushed.
	closeAfter bool
	writeArmed bool
	dirty      bool
}

// advance moves the connection forward. States never go back.
func (c *conn) advance(to connState) {
	if to > c.state {
		c.state = to
	}
}

func (c *conn) accepting() bool {
	return c.state == stateOpen || c.state == stateAuthenticated
}
