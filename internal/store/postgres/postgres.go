// Package postgres implements [store.Store] on top of the dashboard's
// PostgreSQL database.
//
// The tool layer only reads. Every query carries the tenant id as a bound
// parameter in its WHERE clause; there is no query in this package that can
// return rows of another tenant.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/greenline/internal/observe"
	"github.com/MrWong99/greenline/internal/store"
	"github.com/MrWong99/greenline/internal/tenant"
)

// Schema is the DDL of the tables this package reads. The dashboard owns the
// schema; [Store.Migrate] exists for local development and integration tests.
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
    id   UUID PRIMARY KEY,
    name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS pricing_tiers (
    id                   TEXT PRIMARY KEY,
    tenant_id            UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    min_sqft             BIGINT NOT NULL,
    max_sqft             BIGINT,
    weekly_price_cents   BIGINT NOT NULL,
    biweekly_price_cents BIGINT NOT NULL,
    service_inclusions   TEXT[] NOT NULL DEFAULT '{}',
    pricing_type         TEXT NOT NULL DEFAULT 'flat'
);
CREATE INDEX IF NOT EXISTS idx_pricing_tiers_tenant ON pricing_tiers(tenant_id, min_sqft);
CREATE TABLE IF NOT EXISTS service_areas (
    id           BIGSERIAL PRIMARY KEY,
    tenant_id    UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    kind         TEXT NOT NULL,
    zips         TEXT[] NOT NULL DEFAULT '{}',
    center_lat   DOUBLE PRECISION NOT NULL DEFAULT 0,
    center_lng   DOUBLE PRECISION NOT NULL DEFAULT 0,
    radius_miles DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_service_areas_tenant ON service_areas(tenant_id);
CREATE TABLE IF NOT EXISTS zip_centroids (
    zip TEXT PRIMARY KEY,
    lat DOUBLE PRECISION NOT NULL,
    lng DOUBLE PRECISION NOT NULL
);
`

const backendName = "postgres"

// DB is the subset of pgx used by [Store]. Both *pgxpool.Pool and *pgx.Conn
// satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [store.Store] backed by PostgreSQL.
type Store struct {
	db      DB
	pool    *pgxpool.Pool
	metrics *observe.Metrics
}

var _ store.Store = (*Store)(nil)

// Option configures a [Store].
type Option func(*Store)

// WithMetrics records query latency to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New wraps an existing connection or pool.
func New(db DB, opts ...Option) *Store {
	s := &Store{db: db}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Open creates a connection pool for dsn and verifies connectivity. The
// returned Store owns the pool; call [Store.Close] when done.
func Open(ctx context.Context, dsn string, maxConns int32, opts ...Option) (*Store, error) {
	s, err := Connect(ctx, dsn, maxConns, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.pool.Ping(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	return s, nil
}

// Connect is [Open] without the connectivity check. The pool dials on first
// use, which suits read replicas that may be down at startup.
func Connect(ctx context.Context, dsn string, maxConns int32, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	s := New(pool, opts...)
	s.pool = pool
	return s, nil
}

// Close releases the pool if the Store owns one.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping implements [store.Pinger].
func (s *Store) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	var one int
	return s.db.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// Migrate applies [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	return nil
}

// TenantExists implements [store.Store].
func (s *Store) TenantExists(ctx context.Context, tenantID tenant.ID) (bool, error) {
	defer s.observe(ctx, "TenantExists", time.Now())

	exists, err := s.tenantExists(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("postgres store: tenant exists: %w", err)
	}
	return exists, nil
}

func (s *Store) tenantExists(ctx context.Context, tenantID tenant.ID) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1)`
	var exists bool
	if err := s.db.QueryRow(ctx, query, tenantID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// GetQuoteForLotSize implements [store.Store]. All of the tenant's tiers are
// read and matched with [tenant.SelectTier], so boundary and overlap handling
// is identical to the in-memory store.
func (s *Store) GetQuoteForLotSize(ctx context.Context, tenantID tenant.ID, lotSizeSqft int64, _ tenant.Frequency) (*tenant.QuoteRow, error) {
	defer s.observe(ctx, "GetQuoteForLotSize", time.Now())

	const query = `
		SELECT id, min_sqft, max_sqft, weekly_price_cents, biweekly_price_cents,
		       service_inclusions, pricing_type
		FROM pricing_tiers
		WHERE tenant_id = $1
		ORDER BY min_sqft, id`

	rows, err := s.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query tiers: %w", err)
	}
	tiers, err := scanTiers(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan tiers: %w", err)
	}

	if len(tiers) == 0 {
		if err := s.requireTenant(ctx, tenantID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	tier, ok := tenant.SelectTier(tiers, lotSizeSqft)
	if !ok {
		return nil, nil
	}
	return tenant.QuoteRowFromTier(tier), nil
}

func scanTiers(rows pgx.Rows) ([]tenant.PricingTier, error) {
	defer rows.Close()

	var tiers []tenant.PricingTier
	for rows.Next() {
		var (
			t           tenant.PricingTier
			weekly      int64
			biweekly    int64
			pricingType string
		)
		if err := rows.Scan(&t.ID, &t.MinSqft, &t.MaxSqft, &weekly, &biweekly, &t.ServiceInclusions, &pricingType); err != nil {
			return nil, err
		}
		t.WeeklyPrice = tenant.Cents(weekly)
		t.BiweeklyPrice = tenant.Cents(biweekly)
		t.PricingType = tenant.PricingType(pricingType)
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

// IsInServiceArea implements [store.Store]. The ZIP centroid is joined in the
// same round trip so radius rules need no second query.
func (s *Store) IsInServiceArea(ctx context.Context, tenantID tenant.ID, zip string) (bool, error) {
	defer s.observe(ctx, "IsInServiceArea", time.Now())

	const query = `
		SELECT a.kind, a.zips, a.center_lat, a.center_lng, a.radius_miles, c.lat, c.lng
		FROM service_areas a
		LEFT JOIN zip_centroids c ON c.zip = $2
		WHERE a.tenant_id = $1`

	rows, err := s.db.Query(ctx, query, tenantID, zip)
	if err != nil {
		return false, fmt.Errorf("postgres store: query service areas: %w", err)
	}
	rules, centroid, err := scanAreas(rows)
	if err != nil {
		return false, fmt.Errorf("postgres store: scan service areas: %w", err)
	}

	if len(rules) == 0 {
		if err := s.requireTenant(ctx, tenantID); err != nil {
			return false, err
		}
		return false, nil
	}
	return tenant.AnyCovers(rules, zip, centroid), nil
}

func scanAreas(rows pgx.Rows) ([]tenant.ServiceAreaRule, *tenant.LatLng, error) {
	defer rows.Close()

	var (
		rules    []tenant.ServiceAreaRule
		centroid *tenant.LatLng
	)
	for rows.Next() {
		var (
			r        tenant.ServiceAreaRule
			kind     string
			lat, lng *float64
		)
		if err := rows.Scan(&kind, &r.ZIPs, &r.Center.Lat, &r.Center.Lng, &r.RadiusMiles, &lat, &lng); err != nil {
			return nil, nil, err
		}
		r.Kind = tenant.AreaKind(kind)
		if lat != nil && lng != nil && centroid == nil {
			centroid = &tenant.LatLng{Lat: *lat, Lng: *lng}
		}
		rules = append(rules, r)
	}
	return rules, centroid, rows.Err()
}

// requireTenant distinguishes "tenant has no rows" from "tenant does not
// exist". It only runs when the main query came back empty.
func (s *Store) requireTenant(ctx context.Context, tenantID tenant.ID) error {
	exists, err := s.tenantExists(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("postgres store: tenant exists: %w", err)
	}
	if !exists {
		return store.ErrTenantNotFound
	}
	return nil
}

func (s *Store) observe(ctx context.Context, method string, start time.Time) {
	s.metrics.RecordStoreQuery(ctx, backendName, method, time.Since(start))
}
