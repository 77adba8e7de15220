// Package transport bridges browser WebSocket sessions onto the framed TCP
// chat protocol.
package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/a-essam23/go-chatroom/pkg/protocol"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

type OnCloseHandler func(connId uuid.UUID, err error)

type ConnectionConfig struct {
	ReadTimeout   time.Duration
	MaxFrameBytes int
}

// Connection pairs one WebSocket with one upstream chat connection. Browser
// messages become frames upstream; every upstream frame becomes one text
// message.
type Connection struct {
	id       uuid.UUID
	conn     *websocket.Conn
	upstream net.Conn
	config   ConnectionConfig

	// send is written only by upstreamPump, which closes it on exit.
	send        chan []byte
	upstreamErr error

	onClose OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, upstream net.Conn, config ConnectionConfig, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))

	return &Connection{
		id:       id,
		conn:     conn,
		upstream: upstream,
		logger:   connLogger,
		config:   config,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		ctx:      connCtx,
		cancel:   cancel,
		wg:       wg,
	}
}

func (c *Connection) Run() {
	c.wg.Add(1)
	go c.readPump()
	go c.upstreamPump()
	go c.writePump()

	c.logger.Info("Gateway session established", slog.String("upstream", c.upstream.RemoteAddr().String()))
}

// readPump forwards browser messages upstream as frames.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := c.readContext()
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			cancelRead()
			readErr = err
			return
		}
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			readErr = err
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}

		payload, err := Translate(message)
		if err != nil {
			c.logger.Debug("Dropping untranslatable message", slog.Any("error", err))
			continue
		}
		if err := protocol.WriteFrame(c.upstream, payload); err != nil {
			readErr = err
			return
		}
	}
}

func (c *Connection) readContext() (context.Context, context.CancelFunc) {
	if c.config.ReadTimeout <= 0 {
		return context.WithCancel(c.ctx)
	}
	return context.WithTimeout(c.ctx, c.config.ReadTimeout)
}

// upstreamPump reads frames from the chat server and queues them for the
// browser. Closing send tells writePump to flush and finish.
func (c *Connection) upstreamPump() {
	defer close(c.send)
	for {
		frame, err := protocol.ReadFrame(c.upstream, c.config.MaxFrameBytes)
		if err != nil {
			c.upstreamErr = err
			return
		}
		select {
		case c.send <- frame:
		case <-c.ctx.Done():
			return
		}
	}
}

// writePump pumps frames from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error

	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// upstream finished; everything it sent has been written
				if errors.Is(c.upstreamErr, io.EOF) {
					c.conn.Close(websocket.StatusNormalClosure, "")
				} else {
					writeErr = c.upstreamErr
					c.conn.Close(websocket.StatusGoingAway, "upstream closed")
				}
				return
			}
			if err := c.conn.Write(c.ctx, websocket.MessageText, message); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusGoingAway, "gateway closing")
			return
		}
	}
}

// Close tears down both sides of the session. It is safe to call more than once.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Info("Gateway session closing", slog.Any("reason", err), slog.String("status", status.String()))

		c.cancel()
		_ = c.upstream.Close()
		c.conn.Close(websocket.StatusNormalClosure, "")
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
