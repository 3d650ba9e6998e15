// Package app wires greenline's subsystems into a running process.
//
// The supervisor process is an [App]: New opens the data store for readiness
// checks, builds the supervisor and the HTTP gateway; Run launches the tool
// groups and serves HTTP; Shutdown tears everything down in order.
//
// Worker processes are started with [RunWorker].
//
// For testing, inject doubles via functional options (WithStore,
// WithLauncher). When an option is not provided, New creates real
// implementations from the config.
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

	"github.com/MrWong99/greenline/internal/config"
	"github.com/MrWong99/greenline/internal/gateway"
	"github.com/MrWong99/greenline/internal/health"
	"github.com/MrWong99/greenline/internal/observe"
	"github.com/MrWong99/greenline/internal/resilience"
	"github.com/MrWong99/greenline/internal/store"
	"github.com/MrWong99/greenline/internal/supervisor"
)

// App owns the supervisor process lifecycle.
type App struct {
	cfg     *config.Config
	version string

	store    store.Store
	launcher supervisor.Launcher
	metrics  *observe.Metrics
	listener net.Listener

	sup    *supervisor.Supervisor
	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a data store instead of opening one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLauncher injects a worker launcher instead of spawning subprocesses.
func WithLauncher(l supervisor.Launcher) Option {
	return func(a *App) { a.launcher = l }
}

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener serves the gateway on l instead of cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithVersion sets the version reported in MCP handshakes.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// New creates an App. The configPath is forwarded to worker subprocesses so
// they load the same configuration.
func New(ctx context.Context, cfg *config.Config, configPath string, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, version: "dev"}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.store == nil {
		s, closeStore, err := OpenStore(ctx, cfg.Store, a.metrics)
		if err != nil {
			return nil, fmt.Errorf("app: init store: %w", err)
		}
		a.store = s
		a.closers = append(a.closers, closeStore)
	}

	if a.launcher == nil {
		var extra []string
		if configPath != "" {
			extra = []string{"-config", configPath}
		}
		a.launcher = &supervisor.CommandLauncher{ExtraArgs: extra, Version: a.version}
	}

	sc := cfg.Supervisor
	a.sup = supervisor.New(a.launcher, supervisor.Config{
		MaxRestarts:     sc.MaxRestarts,
		Backoff:         sc.Backoff,
		MaxBackoff:      sc.MaxBackoff,
		StableAfter:     sc.StableAfter,
		CallTimeout:     sc.CallTimeout,
		BreakerFailures: sc.Breaker.MaxFailures,
		BreakerReset:    sc.Breaker.ResetTimeout,
		Metrics:         a.metrics,
	})

	checkers := []health.Checker{a.sup.HealthChecker()}
	if p, ok := a.store.(store.Pinger); ok {
		checkers = append(checkers, storeChecker(p))
	}
	router := gateway.NewRouter(gateway.Config{
		Backend: a.sup,
		Health:  health.New(checkers...),
		Metrics: a.metrics,
		RateLimit: gateway.RateLimit{
			Requests: cfg.Server.RateLimit.Requests,
			Window:   cfg.Server.RateLimit.Window,
		},
	})
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// storeChecker pings the store through a circuit breaker so a dead database
// does not stall every readiness check.
func storeChecker(p store.Pinger) health.Checker {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "store",
		MaxFailures:  3,
		ResetTimeout: 15 * time.Second,
	})
	return health.Checker{
		Name: "store",
		Check: func(ctx context.Context) error {
			return cb.Execute(func() error { return p.Ping(ctx) })
		},
	}
}

// Supervisor returns the process supervisor.
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Handler returns the gateway HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Run starts every configured tool group and serves the gateway until ctx is
// cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.sup.StartAll(ctx, a.cfg.Supervisor.Groups); err != nil {
		return fmt.Errorf("app: start tool groups: %w", err)
	}

	ln := a.listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", a.server.Addr); err != nil {
			return fmt.Errorf("app: listen %q: %w", a.server.Addr, err)
		}
	}
	slog.Info("gateway listening", "addr", ln.Addr().String(), "groups", a.cfg.Supervisor.Groups)

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// Shutdown stops the gateway, then the supervisor, then runs the closers. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("gateway shutdown error", "err", err)
		}
		if err := a.sup.Shutdown(ctx); err != nil {
			slog.Warn("supervisor shutdown error", "err", err)
			shutdownErr = err
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
