// Package eventloop owns every client socket. One goroutine, pinned to its
// OS thread, multiplexes the listener, all connections and the response
// bridge through a single edge-triggered epoll set.
package eventloop

import "errors"

var (
	ErrLoopAlreadyRunning = errors.New("eventloop: loop is already running")
	ErrLoopClosed         = errors.New("eventloop: loop is closed")
)
