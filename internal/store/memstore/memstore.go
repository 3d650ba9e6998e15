// Package memstore provides an in-memory implementation of [store.Store].
//
// It serves tenant data loaded from YAML fixtures and is also the
// substitutable fake used throughout the test suite: every boundary method
// increments a call counter so tests can assert that no data was read.
//
// The tenant snapshot is swapped atomically by [MemStore.Replace], so readers
// never block each other or a concurrent reload.
package memstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/MrWong99/greenline/internal/store"
	"github.com/MrWong99/greenline/internal/tenant"
)

// Method names accepted by [MemStore.Calls].
const (
	MethodTenantExists       = "TenantExists"
	MethodGetQuoteForLotSize = "GetQuoteForLotSize"
	MethodIsInServiceArea    = "IsInServiceArea"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ store.Store = (*MemStore)(nil)

type tenantData struct {
	tiers []tenant.PricingTier
	rules []tenant.ServiceAreaRule
}

type snapshot struct {
	tenants   map[tenant.ID]tenantData
	centroids map[string]tenant.LatLng
}

// Option configures a [MemStore].
type Option func(*MemStore)

// WithLatency makes every boundary call wait for d (or until its context is
// done) before answering. Used to simulate a slow data store.
func WithLatency(d time.Duration) Option {
	return func(s *MemStore) { s.latency = d }
}

// MemStore is a concurrency-safe, in-memory [store.Store].
type MemStore struct {
	snap    atomic.Pointer[snapshot]
	latency time.Duration

	tenantExistsCalls atomic.Int64
	quoteCalls        atomic.Int64
	areaCalls         atomic.Int64
}

// New returns a MemStore serving the given fixtures. ff may be nil for an
// empty store.
func New(ff *FixtureFile, opts ...Option) *MemStore {
	s := &MemStore{}
	for _, o := range opts {
		o(s)
	}
	s.Replace(ff)
	return s
}

// Replace atomically swaps the served tenant data for the contents of ff.
// In-flight calls finish against the snapshot they started with.
func (s *MemStore) Replace(ff *FixtureFile) {
	snap := &snapshot{
		tenants:   make(map[tenant.ID]tenantData),
		centroids: make(map[string]tenant.LatLng),
	}
	if ff != nil {
		for _, tf := range ff.Tenants {
			snap.tenants[tf.ID] = tenantData{tiers: tf.tiers(), rules: tf.rules()}
		}
		for z, c := range ff.ZIPCentroids {
			snap.centroids[z] = c
		}
	}
	s.snap.Store(snap)
}

// TenantCount returns the number of tenants currently served.
func (s *MemStore) TenantCount() int {
	return len(s.snap.Load().tenants)
}

// TenantExists implements [store.Store].
func (s *MemStore) TenantExists(ctx context.Context, tenantID tenant.ID) (bool, error) {
	s.tenantExistsCalls.Add(1)
	if err := s.wait(ctx); err != nil {
		return false, err
	}
	_, ok := s.snap.Load().tenants[tenantID]
	return ok, nil
}

// GetQuoteForLotSize implements [store.Store].
func (s *MemStore) GetQuoteForLotSize(ctx context.Context, tenantID tenant.ID, lotSizeSqft int64, _ tenant.Frequency) (*tenant.QuoteRow, error) {
	s.quoteCalls.Add(1)
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	td, ok := s.snap.Load().tenants[tenantID]
	if !ok {
		return nil, store.ErrTenantNotFound
	}
	tier, ok := tenant.SelectTier(td.tiers, lotSizeSqft)
	if !ok {
		return nil, nil
	}
	return tenant.QuoteRowFromTier(tier), nil
}

// IsInServiceArea implements [store.Store].
func (s *MemStore) IsInServiceArea(ctx context.Context, tenantID tenant.ID, zip string) (bool, error) {
	s.areaCalls.Add(1)
	if err := s.wait(ctx); err != nil {
		return false, err
	}
	snap := s.snap.Load()
	td, ok := snap.tenants[tenantID]
	if !ok {
		return false, store.ErrTenantNotFound
	}
	var centroid *tenant.LatLng
	if c, ok := snap.centroids[zip]; ok {
		centroid = &c
	}
	return tenant.AnyCovers(td.rules, zip, centroid), nil
}

// Calls returns how many times the named boundary method was invoked.
func (s *MemStore) Calls(method string) int {
	switch method {
	case MethodTenantExists:
		return int(s.tenantExistsCalls.Load())
	case MethodGetQuoteForLotSize:
		return int(s.quoteCalls.Load())
	case MethodIsInServiceArea:
		return int(s.areaCalls.Load())
	}
	return 0
}

// TotalCalls returns the number of boundary calls across all methods.
func (s *MemStore) TotalCalls() int {
	return int(s.tenantExistsCalls.Load() + s.quoteCalls.Load() + s.areaCalls.Load())
}

// Ping implements [store.Pinger]. An in-memory store is always reachable.
func (s *MemStore) Ping(context.Context) error { return nil }

func (s *MemStore) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
