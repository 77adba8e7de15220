//go:build linux

package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/a-essam23/go-chatroom/pkg/metrics"
	"github.com/a-essam23/go-chatroom/pkg/pipeline"
	"github.com/a-essam23/go-chatroom/pkg/protocol"
	"github.com/a-essam23/go-chatroom/pkg/state"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET
	writeEvents = readEvents | unix.EPOLLOUT
)

const (
	loopIdle int32 = iota
	loopRunning
	loopClosed
)

// Submitter accepts inbound work; the worker pool implements it.
type Submitter interface {
	Submit(pipeline.Task) error
}

type Options struct {
	Address         string
	MaxFrameBytes   int
	MaxPendingBytes int
	ReadBufferBytes int
	MaxEvents       int
}

type Loop struct {
	logger    *slog.Logger
	opts      Options
	bridge    *Bridge
	directory state.Directory
	tasks     Submitter
	metrics   *metrics.Metrics

	epfd int
	lfd  int
	addr *net.TCPAddr

	// loop goroutine only
	conns    map[int]*conn
	byID     map[state.ConnID]*conn
	readBuf  []byte
	events   []unix.EpollEvent
	touched  []*conn
	intake   bool
	exit     bool
	graceful bool

	ctrlMu sync.Mutex
	ctrl   []func()

	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
}

// New binds the listener and builds the epoll set. Nothing is accepted
// until Run.
func New(logger *slog.Logger, opts Options, bridge *Bridge, dir state.Directory, tasks Submitter, m *metrics.Metrics) (*Loop, error) {
	if opts.MaxFrameBytes <= 0 || opts.ReadBufferBytes <= 0 || opts.MaxEvents <= 0 {
		return nil, fmt.Errorf("eventloop: invalid options %+v", opts)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	lfd, addr, err := listenTCP(opts.Address)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	l := &Loop{
		logger:    logger.With(slog.String("component", "event_loop")),
		opts:      opts,
		bridge:    bridge,
		directory: dir,
		tasks:     tasks,
		metrics:   m,
		epfd:      epfd,
		lfd:       lfd,
		addr:      addr,
		conns:     make(map[int]*conn),
		byID:      make(map[state.ConnID]*conn),
		readBuf:   make([]byte, opts.ReadBufferBytes),
		events:    make([]unix.EpollEvent, opts.MaxEvents),
		intake:    true,
		done:      make(chan struct{}),
	}

	if err := l.ctl(unix.EPOLL_CTL_ADD, lfd, unix.EPOLLIN|unix.EPOLLET); err != nil {
		l.release()
		return nil, fmt.Errorf("register listener: %w", err)
	}
	if err := l.ctl(unix.EPOLL_CTL_ADD, bridge.fd(), unix.EPOLLIN|unix.EPOLLET); err != nil {
		l.release()
		return nil, fmt.Errorf("register bridge: %w", err)
	}
	return l, nil
}

// Addr is the bound listener address.
func (l *Loop) Addr() net.Addr {
	return l.addr
}

// Run multiplexes until Shutdown is called or ctx ends. Cancelling ctx is an
// abrupt stop: queued responses are discarded and connections closed.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(loopIdle, loopRunning) {
		if l.state.Load() == loopClosed {
			return ErrLoopClosed
		}
		return ErrLoopAlreadyRunning
	}
	defer close(l.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stop := context.AfterFunc(ctx, func() {
		l.post(func() { l.exit = true })
	})
	defer stop()

	l.logger.Info("Event loop listening", slog.String("address", l.addr.String()))
	err := l.run()
	l.finish()
	return err
}

func (l *Loop) run() error {
	for !l.exit {
		n, err := unix.EpollWait(l.epfd, l.events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			ev := l.events[i]
			fd := int(ev.Fd)
			switch {
			case fd == l.bridge.fd():
				l.drainBridge()
			case fd == l.lfd:
				l.acceptAll()
			default:
				l.handle(fd, ev.Events)
			}
		}
	}
	return nil
}

// post schedules fn on the loop goroutine.
func (l *Loop) post(fn func()) bool {
	if l.state.Load() != loopRunning {
		return false
	}
	l.ctrlMu.Lock()
	l.ctrl = append(l.ctrl, fn)
	l.ctrlMu.Unlock()
	l.bridge.wake()
	return true
}

// StopIntake closes the listener and stops turning reads into tasks.
// Responses keep flowing.
func (l *Loop) StopIntake() error {
	if !l.post(l.stopIntake) {
		return ErrLoopClosed
	}
	return nil
}

// Shutdown delivers whatever the bridge still holds, flushes what the
// sockets will take, closes every connection and waits for Run to return.
func (l *Loop) Shutdown(ctx context.Context) error {
	if l.state.CompareAndSwap(loopIdle, loopClosed) {
		l.release()
		return nil
	}
	l.post(func() {
		l.graceful = true
		l.exit = true
	})
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event loop shutdown: %w", ctx.Err())
	}
}

func (l *Loop) stopIntake() {
	if !l.intake {
		return
	}
	l.intake = false
	if l.lfd >= 0 {
		_ = l.ctl(unix.EPOLL_CTL_DEL, l.lfd, 0)
		_ = unix.Close(l.lfd)
		l.lfd = -1
	}
	l.logger.Info("Stopped accepting connections")
}

func (l *Loop) acceptAll() {
	for l.lfd >= 0 {
		nfd, sa, err := unix.Accept4(l.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				// The listener is edge triggered: connections left in the
				// backlog (EMFILE, ENFILE, ENOBUFS) wait for the next arrival.
				errno := "unknown"
				var en unix.Errno
				if errors.As(err, &en) {
					errno = unix.ErrnoName(en)
				}
				l.metrics.AcceptFailed(errno)
				l.logger.Warn("Accept failed; pending connections wait for the next edge",
					slog.String("errno", errno), slog.Any("error", err))
			}
			return
		}
		l.register(nfd, sockaddrString(sa))
	}
}

func (l *Loop) register(fd int, remote string) {
	c := &conn{
		id:      uuid.New(),
		fd:      fd,
		remote:  remote,
		state:   stateConnecting,
		decoder: protocol.NewDecoder(l.opts.MaxFrameBytes),
	}
	c.logger = l.logger.With(slog.String("connID", c.id.String()), slog.String("remote", remote))

	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	if err := l.directory.RegisterConnection(c.id, remote); err != nil {
		c.logger.Error("Could not register connection", slog.Any("error", err))
		_ = unix.Close(fd)
		return
	}
	if err := l.ctl(unix.EPOLL_CTL_ADD, fd, readEvents); err != nil {
		c.logger.Error("Could not watch connection", slog.Any("error", err))
		l.directory.DeregisterConnection(c.id)
		_ = unix.Close(fd)
		return
	}
	c.advance(stateOpen)
	l.conns[fd] = c
	l.byID[c.id] = c
	l.metrics.ConnectionAccepted()
	c.logger.Debug("Connection accepted")
}

func (l *Loop) handle(fd int, events uint32) {
	c, ok := l.conns[fd]
	if !ok {
		return
	}
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		l.read(c)
	}
	if events&unix.EPOLLOUT != 0 && c.state != stateClosed {
		l.flush(c)
	}
}

func (l *Loop) read(c *conn) {
	res := drain(fdReader(c.fd), l.readBuf, c.decoder)

	if len(res.frames) > 0 && l.intake && c.accepting() {
		task := pipeline.Task{Conn: c.id, Frames: res.frames}
		if err := l.tasks.Submit(task); err != nil {
			c.logger.Warn("Task rejected", slog.Any("error", err))
		}
	}

	switch {
	case errors.Is(res.err, protocol.ErrFrameTooLarge):
		c.logger.Warn("Closing connection on framing violation", slog.Any("error", res.err))
		l.metrics.FrameRejected()
		l.teardown(c, "frame_too_large")
	case res.err != nil:
		c.logger.Debug("Read failed", slog.Any("error", res.err))
		l.teardown(c, "read_error")
	case res.eof:
		l.teardown(c, "eof")
	}
}

func (l *Loop) drainBridge() {
	l.deliver(l.bridge.drain())

	l.ctrlMu.Lock()
	ops := l.ctrl
	l.ctrl = nil
	l.ctrlMu.Unlock()
	for _, op := range ops {
		op()
	}
}

// deliver appends each response to its connection's buffer, then flushes
// every connection that got something.
func (l *Loop) deliver(batch []pipeline.Response) {
	for _, resp := range batch {
		c, ok := l.byID[resp.Conn]
		if !ok || !c.accepting() {
			l.metrics.ResponseDropped()
			continue
		}
		if resp.Identity != "" && c.state == stateOpen {
			c.identity = resp.Identity
			c.advance(stateAuthenticated)
		}
		c.out = protocol.AppendFrame(c.out, resp.Payload)
		if resp.CloseAfter {
			c.closeAfter = true
			c.advance(stateClosing)
		}
		if !c.dirty {
			c.dirty = true
			l.touched = append(l.touched, c)
		}
	}

	for i, c := range l.touched {
		c.dirty = false
		l.touched[i] = nil
		if c.state == stateClosed {
			continue
		}
		if l.opts.MaxPendingBytes > 0 && len(c.out) > l.opts.MaxPendingBytes {
			c.logger.Warn("Closing slow consumer", slog.Int("pending", len(c.out)))
			l.teardown(c, "slow_consumer")
			continue
		}
		l.flush(c)
	}
	l.touched = l.touched[:0]
}

// flush writes until the socket would block. Leftover bytes wait for
// EPOLLOUT; once everything is out the write interest is dropped again.
func (l *Loop) flush(c *conn) {
	for len(c.out) > 0 {
		n, err := unix.Write(c.fd, c.out)
		if n > 0 {
			l.metrics.BytesWritten(n)
			c.out = c.out[n:]
		}
		switch {
		case err == nil:
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if !c.writeArmed {
				if err := l.ctl(unix.EPOLL_CTL_MOD, c.fd, writeEvents); err != nil {
					l.teardown(c, "epoll_error")
					return
				}
				c.writeArmed = true
			}
			return
		default:
			c.logger.Debug("Write failed", slog.Any("error", err))
			l.teardown(c, "write_error")
			return
		}
	}

	c.out = nil
	if c.writeArmed {
		if err := l.ctl(unix.EPOLL_CTL_MOD, c.fd, readEvents); err != nil {
			l.teardown(c, "epoll_error")
			return
		}
		c.writeArmed = false
	}
	if c.closeAfter {
		l.teardown(c, "quit")
	}
}

// teardown closes the socket and releases the connection everywhere. A
// worker marks the identity offline via the disconnect task; the loop never
// touches the store.
func (l *Loop) teardown(c *conn, reason string) {
	if c.state == stateClosed {
		return
	}
	c.advance(stateClosed)

	_ = l.ctl(unix.EPOLL_CTL_DEL, c.fd, 0)
	_ = unix.Close(c.fd)
	delete(l.conns, c.fd)
	delete(l.byID, c.id)
	c.out = nil

	identity, _ := l.directory.DeregisterConnection(c.id)
	l.metrics.ConnectionClosed(reason)
	c.logger.Debug("Connection closed", slog.String("reason", reason), slog.String("identity", identity))

	err := l.tasks.Submit(pipeline.Task{Conn: c.id, Disconnect: true, Identity: identity})
	if err != nil && identity != "" {
		c.logger.Debug("Disconnect task not submitted", slog.String("identity", identity), slog.Any("error", err))
	}
}

// finish runs on the loop goroutine after the last epoll round.
func (l *Loop) finish() {
	if l.graceful {
		l.deliver(l.bridge.drain())
	}
	l.stopIntake()
	for _, c := range l.conns {
		l.teardown(c, "shutdown")
	}
	l.state.Store(loopClosed)
	l.release()
	l.logger.Info("Event loop stopped")
}

func (l *Loop) release() {
	l.closeOnce.Do(func() {
		if l.lfd >= 0 {
			_ = unix.Close(l.lfd)
			l.lfd = -1
		}
		_ = l.bridge.Close()
		_ = unix.Close(l.epfd)
	})
}

func (l *Loop) ctl(op, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(l.epfd, op, fd, &ev)
}
