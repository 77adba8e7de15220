package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/a-essam23/go-chatroom/pkg/metrics"
	"github.com/a-essam23/go-chatroom/pkg/pipeline"
	"github.com/a-essam23/go-chatroom/pkg/protocol"
	"github.com/a-essam23/go-chatroom/pkg/state"
	"github.com/a-essam23/go-chatroom/pkg/store"
)

// Options wires a WorkerPool to the rest of the server.
type Options struct {
	Workers   int
	Registry  *Registry
	Sessions  *store.Pool
	Directory state.Directory
	Responder pipeline.Responder
	Metrics   *metrics.Metrics
}

// WorkerPool runs a fixed number of workers over one Queue. Each task gets
// exactly one store session for its whole run.
type WorkerPool struct {
	logger *slog.Logger
	opts   Options
	queue  *Queue

	startOnce sync.Once
	wg        sync.WaitGroup
	ctx       context.Context
}

func NewWorkerPool(logger *slog.Logger, opts Options) (*WorkerPool, error) {
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("worker pool needs at least one worker, got %d", opts.Workers)
	}
	if opts.Registry == nil || opts.Sessions == nil || opts.Directory == nil || opts.Responder == nil {
		return nil, errors.New("worker pool: registry, sessions, directory and responder are required")
	}
	return &WorkerPool{
		logger: logger.With(slog.String("component", "worker_pool")),
		opts:   opts,
		queue:  NewQueue(),
		ctx:    context.Background(),
	}, nil
}

// Start launches the workers. ctx bounds session checkout and is handed to
// handlers; cancelling it makes workers drop what they cannot start.
func (p *WorkerPool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.ctx = ctx
		for i := 0; i < p.opts.Workers; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
		p.logger.Info("Worker pool started", slog.Int("workers", p.opts.Workers))
	})
}

// Submit enqueues a task. It returns ErrQueueClosed after Shutdown began.
func (p *WorkerPool) Submit(task pipeline.Task) error {
	if task.Enqueued.IsZero() {
		task.Enqueued = time.Now()
	}
	if err := p.queue.Push(task); err != nil {
		return err
	}
	p.opts.Metrics.SetQueued(p.queue.Len())
	return nil
}

// Shutdown stops intake, lets the workers drain every queued task and waits
// for them to exit or for ctx to end.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.queue.Close()
	p.startOnce.Do(func() {}) // no workers may start after this

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Worker pool drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

func (p *WorkerPool) worker(n int) {
	defer p.wg.Done()
	logger := p.logger.With(slog.Int("worker", n))
	for {
		task, ok := p.queue.Pop()
		if !ok {
			return
		}
		p.opts.Metrics.SetQueued(p.queue.Len())
		p.process(logger, &task)
		p.queue.Done(task.Conn)
	}
}

func (p *WorkerPool) process(logger *slog.Logger, task *pipeline.Task) {
	logger = logger.With(slog.String("connID", task.Conn.String()))

	session, err := p.opts.Sessions.Acquire(p.ctx)
	if err != nil {
		logger.Warn("Dropping task, no store session", slog.Any("error", err))
		return
	}
	defer p.opts.Sessions.Release(session)

	pctx := &pipeline.Cargo{
		Logger:    logger,
		Ctx:       p.ctx,
		Conn:      task.Conn,
		Task:      task,
		Session:   session,
		Directory: p.opts.Directory,
		Responder: p.opts.Responder,
		Metrics:   p.opts.Metrics,
	}

	if task.Disconnect {
		pctx.Identity = task.Identity
		p.dispatch(pctx, protocol.Command{Kind: protocol.KindDisconnect, Name: protocol.KindDisconnect.String()})
		return
	}

	for _, frame := range task.Frames {
		cmd, err := protocol.Parse(frame)
		if err != nil {
			logger.Debug("Dropping malformed command", slog.Any("error", err))
			continue
		}
		if cmd.Kind == protocol.KindUnknown {
			logger.Debug("Ignoring unknown command", slog.String("command", cmd.Name))
			continue
		}
		// A sign_in earlier in the same task changes who the caller is.
		pctx.Identity, _ = p.opts.Directory.IdentityOf(task.Conn)
		p.dispatch(pctx, cmd)
	}
}

func (p *WorkerPool) dispatch(pctx *pipeline.Cargo, cmd protocol.Command) {
	fn, ok := p.opts.Registry.Handler(cmd.Kind)
	if !ok {
		pctx.Logger.Debug("No handler registered", slog.String("command", cmd.Name))
		return
	}

	start := time.Now()
	status := "ok"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			p.opts.Metrics.HandlerPanicked()
			pctx.Logger.Error("Handler panicked",
				slog.String("command", cmd.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
		p.opts.Metrics.CommandHandled(cmd.Kind.String(), status, time.Since(start))
	}()

	if err := fn(pctx, cmd); err != nil {
		status = "error"
		pctx.Logger.Warn("Command failed", slog.String("command", cmd.Name), slog.Any("error", err))
	}
}
