// Package server assembles the chat server: store, presence directory,
// worker pool, event loop and the HTTP side serving /metrics and the
// WebSocket gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/go-chatroom/internal/engine"
	"github.com/a-essam23/go-chatroom/internal/eventloop"
	"github.com/a-essam23/go-chatroom/internal/router"
	"github.com/a-essam23/go-chatroom/internal/server/middleware"
	"github.com/a-essam23/go-chatroom/pkg/config"
	"github.com/a-essam23/go-chatroom/pkg/metrics"
	"github.com/a-essam23/go-chatroom/pkg/state"
	"github.com/a-essam23/go-chatroom/pkg/state/statemanager"
	"github.com/a-essam23/go-chatroom/pkg/store"
	"github.com/a-essam23/go-chatroom/pkg/store/memstore"
	"github.com/a-essam23/go-chatroom/pkg/store/sqlite"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const defaultShutdownTimeout = 10 * time.Second

type App struct {
	logger   *slog.Logger
	config   *config.Config
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	backend   store.Backend
	sessions  *store.Pool
	directory state.Directory
	bridge    *eventloop.Bridge
	pool      *engine.WorkerPool
	loop      *eventloop.Loop

	http         *http.Server
	httpListener net.Listener
	gateway      *gatewaySessions
	upstream     string
	wg           sync.WaitGroup

	ctx context.Context
	// workCtx outlives ctx so that queued work can drain after a signal.
	workCtx  context.Context
	stopWork context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
	stopped      chan struct{}
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (_ *App, err error) {
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(rootCtx))
	app := &App{
		logger:   logger,
		config:   cfg,
		registry: prometheus.NewRegistry(),
		gateway:  newGatewaySessions(),
		ctx:      rootCtx,
		workCtx:  workCtx,
		stopWork: stopWork,
		stopped:  make(chan struct{}),
	}
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = metrics.New(app.registry)

	defer func() {
		if err != nil {
			err = multierr.Append(err, app.release())
		}
	}()

	if app.backend, err = openBackend(rootCtx, logger, cfg.Store); err != nil {
		return nil, err
	}
	// no connection survives a restart
	if err = app.backend.ResetPresence(rootCtx); err != nil {
		return nil, fmt.Errorf("reset presence: %w", err)
	}
	if app.sessions, err = store.OpenPool(rootCtx, app.backend, cfg.Server.Workers); err != nil {
		return nil, err
	}

	app.directory = statemanager.NewInMemoryManager(logger)
	if app.bridge, err = eventloop.NewBridge(app.metrics); err != nil {
		return nil, err
	}

	registry := engine.NewRegistry(logger)
	router.NewCommandRouter(logger).Register(registry)
	app.pool, err = engine.NewWorkerPool(logger, engine.Options{
		Workers:   cfg.Server.Workers,
		Registry:  registry,
		Sessions:  app.sessions,
		Directory: app.directory,
		Responder: app.bridge,
		Metrics:   app.metrics,
	})
	if err != nil {
		return nil, err
	}

	app.loop, err = eventloop.New(logger, eventloop.Options{
		Address:         cfg.Server.Address,
		MaxFrameBytes:   cfg.Server.MaxFrameBytes,
		MaxPendingBytes: cfg.Server.MaxPendingBytes,
		ReadBufferBytes: cfg.Server.ReadBufferBytes,
		MaxEvents:       cfg.Server.MaxEvents,
	}, app.bridge, app.directory, app.pool, app.metrics)
	if err != nil {
		return nil, err
	}

	if err = app.setupHTTP(); err != nil {
		return nil, err
	}
	return app, nil
}

func openBackend(ctx context.Context, logger *slog.Logger, cfg config.StoreConfig) (store.Backend, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("Using in-memory store; nothing survives a restart")
		return memstore.New(clock.New()), nil
	case "sqlite":
		return sqlite.Open(ctx, logger, cfg.Path, clock.New())
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// setupHTTP binds the HTTP listener. /metrics is always served; /ws only
// when the gateway is enabled.
func (a *App) setupHTTP() error {
	if a.config.Gateway.Address == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	if a.config.Gateway.Enabled {
		a.upstream = a.config.Gateway.Upstream
		if a.upstream == "" {
			a.upstream = a.loop.Addr().String()
		}

		var auth middleware.Middleware
		if a.config.Gateway.Auth.JWTSecret != "" {
			auth = middleware.NewAuthMiddleware(a.logger, a.config.Gateway.Auth.JWTSecret)
		}
		connCycler := func(ip string) {
			if oldest, found := a.gateway.oldest(ip); found {
				a.logger.Info("Cycling gateway session: closing oldest", slog.String("ip", ip), slog.String("connID", oldest.ID().String()))
				oldest.Close(errors.New("connection cycled by new connection"))
			}
		}
		mux.Handle("/ws",
			middleware.Chain(http.HandlerFunc(a.upgradeHandler),
				middleware.RequestMetadataMiddleware(),
				middleware.NewRequestLogger(a.logger),
				middleware.NewConnectionLimiter(
					a.logger,
					a.gateway.count,
					connCycler,
					a.config.Gateway.ConnectionLimit,
				),
				auth,
			),
		)
	}

	ln, err := net.Listen("tcp", a.config.Gateway.Address)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", a.config.Gateway.Address, err)
	}
	a.httpListener = ln
	a.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second, BaseContext: func(l net.Listener) context.Context {
		return a.workCtx
	}}
	return nil
}

// ChatAddr is the bound address of the chat listener.
func (a *App) ChatAddr() net.Addr {
	return a.loop.Addr()
}

// HTTPAddr is the bound address of the HTTP listener, or nil when disabled.
func (a *App) HTTPAddr() net.Addr {
	if a.httpListener == nil {
		return nil
	}
	return a.httpListener.Addr()
}

// Run serves until the root context ends or a listener fails, then shuts
// everything down in order.
func (a *App) Run() error {
	a.pool.Start(a.workCtx)

	g, gctx := errgroup.WithContext(a.ctx)
	g.Go(func() error {
		err := a.loop.Run(a.workCtx)
		if errors.Is(err, eventloop.ErrLoopClosed) {
			return nil
		}
		return err
	})
	if a.http != nil {
		g.Go(func() error {
			a.logger.Info("HTTP server starting", slog.String("addr", a.httpListener.Addr().String()),
				slog.Bool("gateway", a.config.Gateway.Enabled))
			if err := a.http.Serve(a.httpListener); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-a.stopped:
		}
		return a.Shutdown()
	})
	return g.Wait()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown()
		close(a.stopped)
	})
	return a.shutdownErr
}

func (a *App) shutdown() error {
	a.logger.Info("Shutting down server...")
	timeout := a.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	defer a.stopWork()

	var err error
	if e := a.loop.StopIntake(); e != nil && !errors.Is(e, eventloop.ErrLoopClosed) {
		err = multierr.Append(err, e)
	}
	err = multierr.Append(err, a.pool.Shutdown(ctx))
	err = multierr.Append(err, a.loop.Shutdown(ctx))

	if a.http != nil {
		err = multierr.Append(err, a.http.Shutdown(ctx))
		a.logger.Info("Closing all gateway sessions...")
		a.gateway.closeAll(errors.New("graceful shutdown"))
		err = multierr.Append(err, waitGroup(ctx, &a.wg))
	}

	// disconnect tasks from the final teardown were refused by the closed queue
	err = multierr.Append(err, a.backend.ResetPresence(ctx))
	err = multierr.Append(err, a.sessions.Close(ctx))
	err = multierr.Append(err, a.backend.Close())

	if err != nil {
		a.logger.Error("Server shut down with errors", slog.Any("error", err))
		return err
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}

// release frees whatever NewApp managed to open before failing.
func (a *App) release() error {
	var err error
	if a.httpListener != nil {
		err = multierr.Append(err, a.httpListener.Close())
	}
	switch {
	case a.loop != nil:
		// the loop owns the bridge from here
		err = multierr.Append(err, a.loop.Shutdown(context.Background()))
	case a.bridge != nil:
		err = multierr.Append(err, a.bridge.Close())
	}
	if a.sessions != nil {
		err = multierr.Append(err, a.sessions.Close(context.Background()))
	}
	if a.backend != nil {
		err = multierr.Append(err, a.backend.Close())
	}
	a.stopWork()
	return err
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for gateway sessions: %w", ctx.Err())
	}
}
