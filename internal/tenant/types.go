// Package tenant defines the per-tenant business configuration that the tool
// layer evaluates: pricing tiers and service-area rules.
//
// Every value in this package belongs to exactly one tenant. Nothing here
// looks up a "current" tenant; callers always pass the tenant id explicitly.
package tenant

import (
	"fmt"

	"github.com/google/uuid"
)

// ID identifies a tenant. It is an opaque UUID.
type ID = uuid.UUID

// Cents is a currency amount in minor units. Prices are never stored or
// compared as floating point.
type Cents int64

// String renders c as a dollar amount, e.g. 4000 → "$40.00".
func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%02d", sign, v/100, v%100)
}

// Frequency is the service cadence a quote is priced for.
type Frequency string

const (
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
)

// IsValid reports whether f is a recognised frequency.
func (f Frequency) IsValid() bool {
	return f == FrequencyWeekly || f == FrequencyBiweekly
}

// PricingType tags how a tier's prices were produced.
type PricingType string

const (
	PricingFlat     PricingType = "flat"
	PricingComputed PricingType = "computed"
)

// IsValid reports whether p is a recognised pricing type.
func (p PricingType) IsValid() bool {
	return p == PricingFlat || p == PricingComputed
}

// PricingTier is one lot-size band of a tenant's price list.
//
// Bounds are half-open: a tier contains sizes in [MinSqft, MaxSqft). A nil
// MaxSqft means the tier is unbounded above.
type PricingTier struct {
	ID                string
	MinSqft           int64
	MaxSqft           *int64
	WeeklyPrice       Cents
	BiweeklyPrice     Cents
	ServiceInclusions []string
	PricingType       PricingType
}

// Contains reports whether lotSizeSqft falls inside the tier's bounds.
func (t PricingTier) Contains(lotSizeSqft int64) bool {
	if lotSizeSqft < t.MinSqft {
		return false
	}
	return t.MaxSqft == nil || lotSizeSqft < *t.MaxSqft
}

// Price returns the tier's price for the given frequency. An unknown
// frequency falls back to the weekly price.
func (t PricingTier) Price(f Frequency) Cents {
	if f == FrequencyBiweekly {
		return t.BiweeklyPrice
	}
	return t.WeeklyPrice
}

// Range renders the tier bounds for audit logs, e.g. "0-5000" or "5000+".
func (t PricingTier) Range() string {
	if t.MaxSqft == nil {
		return fmt.Sprintf("%d+", t.MinSqft)
	}
	return fmt.Sprintf("%d-%d", t.MinSqft, *t.MaxSqft)
}

// QuoteRow is the row shape returned by the data boundary for a lot-size
// lookup. It carries both prices so callers may pick by frequency.
type QuoteRow struct {
	WeeklyPrice       Cents
	BiweeklyPrice     Cents
	ServiceInclusions []string
	PricingType       PricingType
	TierMinSqft       int64
	TierMaxSqft       *int64
}

// QuoteRowFromTier copies the quote-relevant fields out of t.
func QuoteRowFromTier(t PricingTier) *QuoteRow {
	row := &QuoteRow{
		WeeklyPrice:       t.WeeklyPrice,
		BiweeklyPrice:     t.BiweeklyPrice,
		ServiceInclusions: append([]string(nil), t.ServiceInclusions...),
		PricingType:       t.PricingType,
		TierMinSqft:       t.MinSqft,
	}
	if t.MaxSqft != nil {
		maxSqft := *t.MaxSqft
		row.TierMaxSqft = &maxSqft
	}
	return row
}

// Tier rebuilds the tier bounds and prices described by the row.
func (r QuoteRow) Tier() PricingTier {
	return PricingTier{
		MinSqft:           r.TierMinSqft,
		MaxSqft:           r.TierMaxSqft,
		WeeklyPrice:       r.WeeklyPrice,
		BiweeklyPrice:     r.BiweeklyPrice,
		ServiceInclusions: r.ServiceInclusions,
		PricingType:       r.PricingType,
	}
}
