package tenant

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

// SelectTier returns the tier containing lotSizeSqft, or false when no tier
// does. A configuration gap is never bridged by picking a nearby tier.
//
// Overlapping tiers are tolerated: the matching tier with the lowest MinSqft
// wins, ties broken by ID, so the same input always resolves the same way.
func SelectTier(tiers []PricingTier, lotSizeSqft int64) (PricingTier, bool) {
	var (
		best  PricingTier
		found bool
	)
	for _, t := range tiers {
		if !t.Contains(lotSizeSqft) {
			continue
		}
		if !found || compareTiers(t, best) < 0 {
			best = t
			found = true
		}
	}
	return best, found
}

func compareTiers(a, b PricingTier) int {
	if c := cmp.Compare(a.MinSqft, b.MinSqft); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortTiers orders tiers by MinSqft then ID, in place.
func SortTiers(tiers []PricingTier) {
	slices.SortFunc(tiers, compareTiers)
}

// CheckTiers reports configuration problems in a tenant's tier list: invalid
// bounds, negative prices, overlaps, gaps, and a missing unbounded top tier.
// The resolver does not require a clean list; this is used when loading
// fixtures so admins get a warning instead of a silent misquote.
func CheckTiers(tiers []PricingTier) error {
	if len(tiers) == 0 {
		return nil
	}
	sorted := slices.Clone(tiers)
	SortTiers(sorted)

	var errs []error
	for i, t := range sorted {
		if t.MinSqft < 0 {
			errs = append(errs, fmt.Errorf("tier %s: min_sqft %d is negative", t.Range(), t.MinSqft))
		}
		if t.MaxSqft != nil && *t.MaxSqft <= t.MinSqft {
			errs = append(errs, fmt.Errorf("tier %s: max_sqft must be greater than min_sqft", t.Range()))
		}
		if t.WeeklyPrice < 0 || t.BiweeklyPrice < 0 {
			errs = append(errs, fmt.Errorf("tier %s: prices must not be negative", t.Range()))
		}
		if t.PricingType != "" && !t.PricingType.IsValid() {
			errs = append(errs, fmt.Errorf("tier %s: pricing_type %q is invalid; valid values: flat, computed", t.Range(), t.PricingType))
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		switch {
		case prev.MaxSqft == nil:
			errs = append(errs, fmt.Errorf("tier %s overlaps unbounded tier %s", t.Range(), prev.Range()))
		case *prev.MaxSqft > t.MinSqft:
			errs = append(errs, fmt.Errorf("tier %s overlaps tier %s", t.Range(), prev.Range()))
		case *prev.MaxSqft < t.MinSqft:
			errs = append(errs, fmt.Errorf("gap between tier %s and tier %s", prev.Range(), t.Range()))
		}
	}
	if last := sorted[len(sorted)-1]; last.MaxSqft != nil {
		errs = append(errs, fmt.Errorf("top tier %s has an upper bound; lot sizes above %d will not be quoted", last.Range(), *last.MaxSqft))
	}
	return errors.Join(errs...)
}
