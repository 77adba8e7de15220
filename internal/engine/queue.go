package engine

import (
	"errors"
	"sync"

	"github.com/a-essam23/go-chatroom/pkg/pipeline"
	"github.com/a-essam23/go-chatroom/pkg/state"
)

var ErrQueueClosed = errors.New("engine: task queue is closed")

// Queue is an unbounded FIFO of tasks with per-connection serialization:
// Pop hands out the oldest task whose connection has no task in flight, and
// the connection stays busy until Done is called for it.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []pipeline.Task
	busy   map[state.ConnID]struct{}
	closed bool
}

func NewQueue() *Queue {
	q := &Queue{busy: make(map[state.ConnID]struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a task. It fails once the queue is closed.
func (q *Queue) Push(t pipeline.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.tasks = append(q.tasks, t)
	q.cond.Signal()
	return nil
}

// Pop blocks until a task is runnable. It reports false once the queue is
// closed and empty.
func (q *Queue) Pop() (pipeline.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for i, t := range q.tasks {
			if _, running := q.busy[t.Conn]; running {
				continue
			}
			q.busy[t.Conn] = struct{}{}
			copy(q.tasks[i:], q.tasks[i+1:])
			q.tasks[len(q.tasks)-1] = pipeline.Task{}
			q.tasks = q.tasks[:len(q.tasks)-1]
			return t, true
		}
		if q.closed && len(q.tasks) == 0 {
			return pipeline.Task{}, false
		}
		q.cond.Wait()
	}
}

// Done releases conn so its next task may run.
func (q *Queue) Done(conn state.ConnID) {
	q.mu.Lock()
	delete(q.busy, conn)
	q.mu.Unlock()
	// Any waiter may be the one blocked on conn.
	q.cond.Broadcast()
}

// Close rejects further pushes and wakes every waiter. Queued tasks are
// still handed out.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
