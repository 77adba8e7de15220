//go:build linux

package eventloop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/a-essam23/go-chatroom/pkg/metrics"
	"github.com/a-essam23/go-chatroom/pkg/pipeline"
	"golang.org/x/sys/unix"
)

// Bridge carries responses from workers to the loop goroutine. Producers
// append under a mutex and signal an eventfd that sits in the loop's epoll
// set; concurrent signals coalesce into one wake.
type Bridge struct {
	mu     sync.Mutex
	queue  []pipeline.Response
	closed bool

	efd     int
	pending atomic.Bool

	metrics *metrics.Metrics
}

var _ pipeline.Responder = (*Bridge)(nil)

func NewBridge(m *metrics.Metrics) (*Bridge, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &Bridge{efd: efd, metrics: m}, nil
}

// Send queues resp for the loop. It never blocks; after Close the response
// is dropped.
func (b *Bridge) Send(resp pipeline.Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.metrics.ResponseDropped()
		return
	}
	b.queue = append(b.queue, resp)
	b.wakeLocked()
}

// wake signals the loop without queueing anything.
func (b *Bridge) wake() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.wakeLocked()
	}
}

// wakeLocked writes the eventfd unless a wake is already pending. Holding
// mu keeps the write from racing Close.
func (b *Bridge) wakeLocked() {
	if !b.pending.CompareAndSwap(false, true) {
		return
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	for {
		_, err := unix.Write(b.efd, one[:])
		if !errors.Is(err, unix.EINTR) {
			// EAGAIN means the counter is saturated, so a wake is readable anyway.
			return
		}
	}
}

// drain takes everything queued so far. The pending flag is cleared before
// the swap: a Send landing after the swap raises a fresh signal, one landing
// before it is already in the returned batch.
func (b *Bridge) drain() []pipeline.Response {
	var counter [8]byte
	for {
		_, err := unix.Read(b.efd, counter[:])
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	b.pending.Store(false)

	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()
	return batch
}

func (b *Bridge) fd() int {
	return b.efd
}

// Close drops everything still queued and releases the eventfd.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for range b.queue {
		b.metrics.ResponseDropped()
	}
	b.queue = nil
	return unix.Close(b.efd)
}
