// Package pricing resolves lawn-care quotes from a tenant's pricing tiers.
//
// Quotes are computed per request from the data boundary and never cached:
// a tenant editing prices in the dashboard must see the change on the very
// next call. All amounts are integer cents.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/greenline/internal/observe"
	"github.com/MrWong99/greenline/internal/store"
	"github.com/MrWong99/greenline/internal/tenant"
	"github.com/MrWong99/greenline/internal/tool"
)

// Quote is the resolved price of one service visit.
type Quote struct {
	PriceCents        tenant.Cents       `json:"price_cents"`
	Frequency         tenant.Frequency   `json:"frequency"`
	ServiceInclusions []string           `json:"service_inclusions"`
	PricingType       tenant.PricingType `json:"pricing_type"`
	TierMinSqft       int64              `json:"tier_min_sqft"`
	TierMaxSqft       *int64             `json:"tier_max_sqft"`
	TierRange         string             `json:"tier_range"`

	// PriceDisplay is the price formatted for speech, e.g. "$40.00".
	PriceDisplay string `json:"price_display"`
}

// Resolver looks up quotes through a [store.Store].
type Resolver struct {
	store store.Store
}

// NewResolver returns a Resolver reading from s.
func NewResolver(s store.Store) *Resolver {
	return &Resolver{store: s}
}

// ResolveQuote returns the price of servicing a lot of lotSizeSqft square feet
// at the given frequency. An empty frequency means weekly.
//
// Errors are already classified: invalid arguments yield a ValidationError, a
// lot size outside every tier yields a NoMatchingTierError and an unknown
// tenant a HandlerError with reason TenantNotFound. There is no nearest-tier
// fallback.
func (r *Resolver) ResolveQuote(ctx context.Context, tenantID tenant.ID, lotSizeSqft int64, frequency tenant.Frequency) (Quote, error) {
	if frequency == "" {
		frequency = tenant.FrequencyWeekly
	}
	if fe := checkArgs(tenantID, lotSizeSqft, frequency); len(fe) > 0 {
		return Quote{}, tool.Validation(fe)
	}

	row, err := r.store.GetQuoteForLotSize(ctx, tenantID, lotSizeSqft, frequency)
	if err != nil {
		return Quote{}, classifyStoreError(err)
	}
	if row == nil {
		return Quote{}, tool.NoMatchingTier(lotSizeSqft)
	}

	tier := row.Tier()
	q := Quote{
		PriceCents:        tier.Price(frequency),
		Frequency:         frequency,
		ServiceInclusions: row.ServiceInclusions,
		PricingType:       row.PricingType,
		TierMinSqft:       row.TierMinSqft,
		TierMaxSqft:       row.TierMaxSqft,
		TierRange:         tier.Range(),
	}
	if q.ServiceInclusions == nil {
		q.ServiceInclusions = []string{}
	}
	if q.PricingType == "" {
		q.PricingType = tenant.PricingFlat
	}
	q.PriceDisplay = q.PriceCents.String()

	observe.Logger(ctx).Debug("quote resolved",
		"tenant_id", tenantID.String(),
		"lot_size_sqft", lotSizeSqft,
		"tier_range", q.TierRange,
		"price_cents", int64(q.PriceCents),
	)
	return q, nil
}

func checkArgs(tenantID tenant.ID, lotSizeSqft int64, frequency tenant.Frequency) tool.FieldErrors {
	var fe tool.FieldErrors
	if tenantID == (tenant.ID{}) {
		fe.Add(tool.TenantField, "is required")
	}
	if lotSizeSqft <= 0 {
		fe.Add("lot_size_sqft", "must be a positive integer")
	}
	if !frequency.IsValid() {
		fe.Addf("frequency", "must be one of %s, %s", tenant.FrequencyWeekly, tenant.FrequencyBiweekly)
	}
	return fe
}

// classifyStoreError maps data boundary failures onto the tool taxonomy.
// Context errors pass through so the dispatcher can tell a timeout from a
// broken store.
func classifyStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrTenantNotFound):
		return tool.HandlerFailure(tool.ReasonTenantNotFound, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	default:
		return tool.HandlerFailure(tool.ReasonStoreUnavailable, fmt.Errorf("pricing: get quote: %w", err))
	}
}
