// Package app wires all mictrail subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the capture loop, the event feed, and the HTTP
// server, and Shutdown releases what New acquired.
//
// For testing, inject doubles via functional options (WithSource,
// WithRecorder, WithMetrics). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/mictrail/internal/api"
	"github.com/MrWong99/mictrail/internal/buffering"
	"github.com/MrWong99/mictrail/internal/catalog"
	"github.com/MrWong99/mictrail/internal/catalog/postgres"
	"github.com/MrWong99/mictrail/internal/config"
	"github.com/MrWong99/mictrail/internal/health"
	"github.com/MrWong99/mictrail/internal/observe"
	"github.com/MrWong99/mictrail/pkg/audio"
)

// shutdownGrace bounds the HTTP server drain.
const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	storage *buffering.DirStorage
	ctrl    *buffering.Controller
	session *Session
	feed    *catalog.Feed
	hub     *api.Hub
	history catalog.Recorder

	server     *http.Server
	listener   net.Listener
	baseCancel context.CancelFunc

	// injected or defaulted
	source         audio.Source
	registry       *config.Registry
	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects a capture source instead of creating one through the
// registry.
func WithSource(src audio.Source) Option {
	return func(a *App) { a.source = src }
}

// WithRegistry overrides [DefaultRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithRecorder injects a segment history instead of connecting to
// catalog.postgres_dsn.
func WithRecorder(r catalog.Recorder) Option {
	return func(a *App) { a.history = r }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets hot reloads change the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// New creates an App from cfg. It removes stale segment files, opens the
// catalog connection when configured, and binds the HTTP listener, so
// configuration problems surface here rather than in Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = DefaultRegistry()
	}

	if err := a.init(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	storage, err := buffering.NewDirStorage(a.cfg.Buffering.Directory)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.storage = storage

	if err := a.initHistory(ctx); err != nil {
		return err
	}

	a.hub = api.NewHub(a.metrics)
	feedOpts := []catalog.FeedOption{
		catalog.WithFeedMetrics(a.metrics),
		catalog.WithSink("websocket", a.hub),
	}
	if a.history != nil {
		feedOpts = append(feedOpts, catalog.WithSink("history", a.history))
	}
	a.feed = catalog.NewFeed(feedOpts...)

	a.ctrl = buffering.New(storage,
		buffering.Config{
			ChunkDurationSeconds: a.cfg.Buffering.ChunkDurationSeconds,
			MaxBufferedMinutes:   a.cfg.Buffering.MaxBufferedMinutes,
		},
		buffering.WithMetrics(a.metrics),
		buffering.WithObserver(a.feed),
		buffering.WithEnabled(a.cfg.Buffering.Enabled),
	)
	n, err := a.ctrl.RemoveStale()
	if err != nil {
		slog.Warn("failed to remove stale segments", "dir", storage.Dir(), "err", err)
	} else if n > 0 {
		slog.Info("removed stale segments from a previous run", "dir", storage.Dir(), "count", n)
	}

	if a.source == nil {
		src, err := a.registry.CreateSource(a.cfg.Capture)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.source = src
	}
	a.session, err = NewSession(a.source, a.ctrl)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	return a.initHTTP()
}

// initHistory connects the durable segment history when configured.
func (a *App) initHistory(ctx context.Context) error {
	if a.history != nil || a.cfg.Catalog.PostgresDSN == "" {
		return nil
	}
	store, err := postgres.NewStore(ctx, a.cfg.Catalog.PostgresDSN)
	if err != nil {
		return fmt.Errorf("app: catalog: %w", err)
	}
	a.history = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("segment catalog connected")
	return nil
}

func (a *App) initHTTP() error {
	if a.cfg.Server.ListenAddr == "-" {
		slog.Info("http server disabled")
		return nil
	}
	mux := http.NewServeMux()
	api.New(a.ctrl, api.WithHub(a.hub), api.WithHistory(a.history)).Register(mux)

	checkers := []health.Checker{health.CheckFunc("buffer_directory", a.storage.CheckWritable)}
	if p, ok := a.history.(interface{ Ping(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "catalog", Check: p.Ping})
	}
	health.New(checkers...).Register(mux)

	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.listener = ln

	// WebSocket handlers outlive Server.Shutdown; cancelling the base
	// context ends them.
	baseCtx, cancel := context.WithCancel(context.Background())
	a.baseCancel = cancel
	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	return nil
}

// Addr returns the address the HTTP server listens on, or "" when the
// server is disabled.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Controller exposes the buffering engine.
func (a *App) Controller() *buffering.Controller {
	return a.ctrl
}

// Run captures audio and serves HTTP until ctx is cancelled. Extra tasks,
// such as a config watcher, run alongside and are stopped with the rest.
//
// On return the open segment has been finalized and every resulting event
// has been handed to the catalog sinks. A capture source that ends on its
// own does not stop Run; the buffered segments stay available over HTTP.
func (a *App) Run(ctx context.Context, extra ...func(context.Context) error) error {
	feedCtx, stopFeed := context.WithCancel(context.WithoutCancel(ctx))
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		_ = a.feed.Run(feedCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.session.Run(gctx)
	})

	if a.server != nil {
		g.Go(func() error {
			slog.Info("http server listening", "addr", a.Addr())
			if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			a.baseCancel()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
			defer cancel()
			if err := a.server.Shutdown(sctx); err != nil {
				slog.Warn("http server shutdown", "err", err)
			}
			return nil
		})
	} else {
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	}

	for _, fn := range extra {
		g.Go(func() error { return fn(gctx) })
	}

	slog.Info("app running",
		"buffering", a.ctrl.Enabled(),
		"dir", a.storage.Dir(),
		"chunk_seconds", a.ctrl.Config().ChunkDurationSeconds,
		"max_buffered_minutes", a.ctrl.Config().MaxBufferedMinutes,
	)
	err := g.Wait()

	if cerr := a.session.Close(); cerr != nil {
		slog.Warn("session close error", "err", cerr)
	}
	stopFeed()
	<-feedDone
	return err
}

// ApplyConfig reacts to a hot-reloaded config. It matches
// [config.ChangeFunc].
func (a *App) ApplyConfig(_, next *config.Config, diff config.ConfigDiff) {
	if diff.BufferingToggled {
		a.ctrl.SetBufferingEnabled(diff.BufferingEnabled)
	}
	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(diff.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", string(diff.NewLogLevel))
	}
	a.cfg = next
}

// Shutdown releases resources acquired by New. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned. Call it after Run returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if a.baseCancel != nil {
			a.baseCancel()
		}
		if a.listener != nil {
			// Already closed when Run served on it.
			_ = a.listener.Close()
		}
		switch {
		case a.session != nil:
			if err := a.session.Close(); err != nil {
				slog.Warn("session close error", "err", err)
			}
		case a.source != nil:
			_ = a.source.Close()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
