package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/greenline/internal/config"
	"github.com/MrWong99/greenline/internal/dispatch"
	"github.com/MrWong99/greenline/internal/observe"
	"github.com/MrWong99/greenline/internal/worker"
)

// BuildWorker opens the store and builds the worker for group. The returned
// closer releases the store.
func BuildWorker(ctx context.Context, cfg *config.Config, group, version string, m *observe.Metrics) (*worker.Worker, func() error, error) {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	if !worker.KnownGroup(group) {
		return nil, nil, fmt.Errorf("%w %q (known: %v)", worker.ErrUnknownGroup, group, worker.Groups())
	}
	s, closeStore, err := OpenStore(ctx, cfg.Store, m)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	w, err := worker.New(group, version, worker.Deps{Store: s},
		dispatch.WithDefaultTimeout(cfg.Dispatch.DefaultTimeout),
		dispatch.WithMaxConcurrency(cfg.Dispatch.MaxConcurrency),
		dispatch.WithMetrics(m),
	)
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}
	return w, closeStore, nil
}

// RunWorker serves group over stdio until the supervisor disconnects or ctx
// is cancelled. Logs go to stderr; stdout carries MCP only.
func RunWorker(ctx context.Context, cfg *config.Config, group, version string) error {
	w, closeStore, err := BuildWorker(ctx, cfg, group, version, nil)
	if err != nil {
		slog.Error("worker failed to start", "group", group, "err", err)
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			slog.Warn("worker store close error", "group", group, "err", err)
		}
	}()

	if err := w.Run(ctx, &mcp.StdioTransport{}); err != nil {
		slog.Error("worker stopped", "group", group, "err", err)
		return err
	}
	slog.Info("worker stopped", "group", group)
	return nil
}
