// Package store defines the data access boundary of the tool layer.
//
// Every method takes the tenant id as an explicit parameter and must only
// ever read rows belonging to that tenant. The tool layer never writes
// tenant configuration; implementations are read-only from its perspective.
//
// Two implementations ship with Greenline:
//
//   - [github.com/MrWong99/greenline/internal/store/postgres] reads the
//     dashboard's relational store.
//   - [github.com/MrWong99/greenline/internal/store/memstore] serves YAML
//     fixtures and doubles as the test fake.
package store

import (
	"context"
	"errors"

	"github.com/MrWong99/greenline/internal/tenant"
)

// ErrTenantNotFound is returned when a tenant id does not reference an
// existing tenant.
var ErrTenantNotFound = errors.New("tenant not found")

// Store is the tenant-scoped query contract used by tool handlers.
// Implementations must be safe for concurrent use and must not hold any
// process-wide lock while waiting on I/O.
type Store interface {
	// TenantExists reports whether tenantID references a known tenant.
	TenantExists(ctx context.Context, tenantID tenant.ID) (bool, error)

	// GetQuoteForLotSize returns the price row of the tenant's tier that
	// contains lotSizeSqft. It returns (nil, nil) when no tier matches.
	GetQuoteForLotSize(ctx context.Context, tenantID tenant.ID, lotSizeSqft int64, frequency tenant.Frequency) (*tenant.QuoteRow, error)

	// IsInServiceArea reports whether zip is covered by any of the tenant's
	// service-area rules. A tenant without rules covers nothing.
	IsInServiceArea(ctx context.Context, tenantID tenant.ID, zip string) (bool, error)
}

// Pinger is implemented by stores that can report connectivity for
// readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}
