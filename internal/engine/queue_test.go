package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-chatroom/pkg/pipeline"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	a, b := uuid.New(), uuid.New()
	require.NoError(t, q.Push(pipeline.Task{Conn: a, Frames: [][]byte{[]byte("1")}}))
	require.NoError(t, q.Push(pipeline.Task{Conn: b, Frames: [][]byte{[]byte("2")}}))
	assert.Equal(t, 2, q.Len())

	t1, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, a, t1.Conn)
	t2, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, b, t2.Conn)
}

func TestQueueSkipsBusyConnection(t *testing.T) {
	q := NewQueue()
	a, b := uuid.New(), uuid.New()
	require.NoError(t, q.Push(pipeline.Task{Conn: a, Frames: [][]byte{[]byte("a1")}}))
	require.NoError(t, q.Push(pipeline.Task{Conn: a, Frames: [][]byte{[]byte("a2")}}))
	require.NoError(t, q.Push(pipeline.Task{Conn: b, Frames: [][]byte{[]byte("b1")}}))

	first, _ := q.Pop()
	assert.Equal(t, "a1", string(first.Frames[0]))

	// a is in flight, so b1 jumps ahead of a2
	second, _ := q.Pop()
	assert.Equal(t, "b1", string(second.Frames[0]))

	got := make(chan pipeline.Task, 1)
	go func() {
		task, _ := q.Pop()
		got <- task
	}()
	select {
	case <-got:
		t.Fatal("a2 handed out while a1 was still running")
	case <-time.After(20 * time.Millisecond):
	}

	q.Done(a)
	select {
	case task := <-got:
		assert.Equal(t, "a2", string(task.Frames[0]))
	case <-time.After(time.Second):
		t.Fatal("Done did not release the connection")
	}
}

func TestQueueCloseDrainsThenStops(t *testing.T) {
	q := NewQueue()
	conn := uuid.New()
	require.NoError(t, q.Push(pipeline.Task{Conn: conn}))
	q.Close()

	assert.ErrorIs(t, q.Push(pipeline.Task{Conn: conn}), ErrQueueClosed)

	_, ok := q.Pop()
	require.True(t, ok, "tasks queued before Close are still handed out")
	q.Done(conn)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestQueueCloseWakesWaiters(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.Pop()
			assert.False(t, ok)
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close left workers blocked")
	}
}
