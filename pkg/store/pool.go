package store

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Pool is a bounded set of sessions. Acquire receives from the channel and
// blocks while every session is checked out; Release sends it back.
type Pool struct {
	sessions chan Session
	size     int

	closeOnce sync.Once
	closed    chan struct{}
}

func NewPool(sessions []Session) *Pool {
	p := &Pool{
		sessions: make(chan Session, len(sessions)),
		size:     len(sessions),
		closed:   make(chan struct{}),
	}
	for _, s := range sessions {
		p.sessions <- s
	}
	return p
}

// OpenPool opens size sessions from backend.
func OpenPool(ctx context.Context, backend Backend, size int) (*Pool, error) {
	sessions := make([]Session, 0, size)
	for i := 0; i < size; i++ {
		s, err := backend.Session(ctx)
		if err != nil {
			for _, opened := range sessions {
				err = multierr.Append(err, opened.Close())
			}
			return nil, fmt.Errorf("open session %d of %d: %w", i+1, size, err)
		}
		sessions = append(sessions, s)
	}
	return NewPool(sessions), nil
}

func (p *Pool) Size() int {
	return p.size
}

// Acquire checks out a session, waiting until one is free.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}
	select {
	case s := <-p.sessions:
		return s, nil
	case <-p.closed:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a session obtained from Acquire.
func (p *Pool) Release(s Session) {
	if s == nil {
		return
	}
	p.sessions <- s
}

// Close waits for every session to be released, then closes them all.
func (p *Pool) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		for i := 0; i < p.size; i++ {
			select {
			case s := <-p.sessions:
				err = multierr.Append(err, s.Close())
			case <-ctx.Done():
				err = multierr.Append(err, fmt.Errorf("close session pool: %w", ctx.Err()))
				return
			}
		}
	})
	return err
}
