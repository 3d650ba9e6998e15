package store

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/greenline/internal/resilience"
	"github.com/MrWong99/greenline/internal/tenant"
)

// Failover serves reads from a primary store and falls back to read replicas
// when the primary is failing. Each member sits behind its own circuit
// breaker, so a dead primary costs one breaker-open check per call instead of
// a connect timeout.
//
// [ErrTenantNotFound] and context errors are answers, not outages: they are
// returned as-is and never trip a breaker.
type Failover struct {
	group *resilience.FallbackGroup[Store]
}

// FailoverConfig tunes the per-member breakers.
type FailoverConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
}

// NewFailover creates a Failover whose first member is primary.
func NewFailover(primary Store, cfg FailoverConfig) *Failover {
	return &Failover{group: resilience.NewFallbackGroup("primary", primary, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.MaxFailures,
			ResetTimeout: cfg.ResetTimeout,
			IsFailure:    isOutage,
		},
	})}
}

// AddReplica registers a read replica. Replicas are tried in the order they
// were added. AddReplica must not be called once the Failover is in use.
func (f *Failover) AddReplica(name string, s Store) {
	f.group.Add(name, s)
}

// Members returns each member's breaker state keyed by name.
func (f *Failover) Members() map[string]resilience.State {
	return f.group.States()
}

func isOutage(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrTenantNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// TenantExists implements [Store].
func (f *Failover) TenantExists(ctx context.Context, tenantID tenant.ID) (bool, error) {
	return resilience.Do(ctx, f.group, func(ctx context.Context, s Store) (bool, error) {
		return s.TenantExists(ctx, tenantID)
	})
}

// GetQuoteForLotSize implements [Store].
func (f *Failover) GetQuoteForLotSize(ctx context.Context, tenantID tenant.ID, lotSizeSqft int64, frequency tenant.Frequency) (*tenant.QuoteRow, error) {
	return resilience.Do(ctx, f.group, func(ctx context.Context, s Store) (*tenant.QuoteRow, error) {
		return s.GetQuoteForLotSize(ctx, tenantID, lotSizeSqft, frequency)
	})
}

// IsInServiceArea implements [Store].
func (f *Failover) IsInServiceArea(ctx context.Context, tenantID tenant.ID, zip string) (bool, error) {
	return resilience.Do(ctx, f.group, func(ctx context.Context, s Store) (bool, error) {
		return s.IsInServiceArea(ctx, tenantID, zip)
	})
}

// Ping succeeds when any member that implements [Pinger] answers.
func (f *Failover) Ping(ctx context.Context) error {
	return f.group.Execute(ctx, func(ctx context.Context, s Store) error {
		p, ok := s.(Pinger)
		if !ok {
			return nil
		}
		return p.Ping(ctx)
	})
}
