package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/greenline/internal/config"
	"github.com/MrWong99/greenline/internal/observe"
	"github.com/MrWong99/greenline/internal/store"
	"github.com/MrWong99/greenline/internal/store/memstore"
	"github.com/MrWong99/greenline/internal/store/postgres"
)

// OpenStore builds the Data Access Boundary selected by cfg. The returned
// closer releases the pool or stops the fixture watcher.
func OpenStore(ctx context.Context, cfg config.StoreConfig, m *observe.Metrics) (store.Store, func() error, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.PostgresDSN, cfg.MaxConns, postgres.WithMetrics(m))
		if err != nil {
			return nil, nil, err
		}
		if cfg.Migrate {
			if err := s.Migrate(ctx); err != nil {
				s.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		if len(cfg.ReplicaDSNs) == 0 {
			slog.Info("store opened", "driver", cfg.Driver)
			return s, func() error { s.Close(); return nil }, nil
		}
		return openReplicas(ctx, cfg, s, m)

	case config.DriverMemory:
		return openMemStore(cfg)

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// openReplicas puts primary and the configured read replicas behind a
// [store.Failover]. Replicas are opened lazily by pgxpool, so an unreachable
// replica does not block startup.
func openReplicas(ctx context.Context, cfg config.StoreConfig, primary *postgres.Store, m *observe.Metrics) (store.Store, func() error, error) {
	f := store.NewFailover(primary, store.FailoverConfig{
		MaxFailures:  cfg.Failover.MaxFailures,
		ResetTimeout: cfg.Failover.ResetTimeout,
	})
	pools := []*postgres.Store{primary}
	closeAll := func() error {
		for _, p := range pools {
			p.Close()
		}
		return nil
	}
	for i, dsn := range cfg.ReplicaDSNs {
		r, err := postgres.Connect(ctx, dsn, cfg.MaxConns, postgres.WithMetrics(m))
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("replica %d: %w", i, err)
		}
		pools = append(pools, r)
		f.AddReplica(fmt.Sprintf("replica-%d", i), r)
	}
	slog.Info("store opened", "driver", cfg.Driver, "replicas", len(cfg.ReplicaDSNs))
	return f, closeAll, nil
}

func openMemStore(cfg config.StoreConfig) (store.Store, func() error, error) {
	if cfg.ReloadInterval <= 0 {
		ff, err := memstore.LoadFixtureFile(cfg.FixturesPath)
		if err != nil {
			return nil, nil, err
		}
		logTierWarnings(ff)
		ms := memstore.New(ff)
		slog.Info("store opened", "driver", cfg.Driver, "tenants", ms.TenantCount())
		return ms, func() error { return nil }, nil
	}

	ms := memstore.New(nil)
	w, err := config.NewFileWatcher(cfg.FixturesPath, memstore.LoadFixturesFromReader,
		func(_, next *memstore.FixtureFile) {
			logTierWarnings(next)
			ms.Replace(next)
			slog.Info("tenant fixtures reloaded", "path", cfg.FixturesPath, "tenants", ms.TenantCount())
		},
		config.WithInterval(cfg.ReloadInterval),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("memstore: %w", err)
	}
	ff := w.Current()
	logTierWarnings(ff)
	ms.Replace(ff)
	slog.Info("store opened",
		"driver", cfg.Driver,
		"tenants", ms.TenantCount(),
		"reload_interval", cfg.ReloadInterval,
	)
	return ms, func() error { w.Stop(); return nil }, nil
}

func logTierWarnings(ff *memstore.FixtureFile) {
	for id, err := range ff.TierWarnings() {
		slog.Warn("tenant pricing tiers have gaps or overlaps", "tenant_id", id, "err", err)
	}
}
