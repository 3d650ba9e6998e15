package tenant

import (
	"math"
	"strings"
	"testing"
)

func ptr(v int64) *int64 { return &v }

func TestSelectTier(t *testing.T) {
	t.Parallel()

	tiers := []PricingTier{
		{ID: "small", MinSqft: 0, MaxSqft: ptr(5000), WeeklyPrice: 4000, BiweeklyPrice: 6000},
		{ID: "large", MinSqft: 5000, MaxSqft: nil, WeeklyPrice: 7000, BiweeklyPrice: 9500},
	}

	tests := []struct {
		name   string
		size   int64
		wantID string
		wantOK bool
	}{
		{name: "inside first tier", size: 3000, wantID: "small", wantOK: true},
		{name: "lower bound inclusive", size: 0, wantID: "small", wantOK: true},
		{name: "upper bound exclusive", size: 5000, wantID: "large", wantOK: true},
		{name: "unbounded top tier", size: 999999, wantID: "large", wantOK: true},
		{name: "below every tier", size: -1, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectTier(tiers, tt.size)
			if ok != tt.wantOK {
				t.Fatalf("SelectTier(%d) ok = %v, want %v", tt.size, ok, tt.wantOK)
			}
			if ok && got.ID != tt.wantID {
				t.Errorf("SelectTier(%d) = %q, want %q", tt.size, got.ID, tt.wantID)
			}
		})
	}
}

func TestSelectTier_GapIsNotBridged(t *testing.T) {
	t.Parallel()

	tiers := []PricingTier{
		{ID: "a", MinSqft: 0, MaxSqft: ptr(1000)},
		{ID: "b", MinSqft: 2000, MaxSqft: ptr(5000)},
	}
	if _, ok := SelectTier(tiers, 1500); ok {
		t.Fatal("expected no tier for a lot size inside a configuration gap")
	}
	if _, ok := SelectTier(tiers, 6000); ok {
		t.Fatal("expected no tier above a bounded top tier")
	}
}

func TestSelectTier_OverlapIsDeterministic(t *testing.T) {
	t.Parallel()

	tiers := []PricingTier{
		{ID: "z", MinSqft: 1000, MaxSqft: ptr(4000)},
		{ID: "y", MinSqft: 0, MaxSqft: ptr(3000)},
		{ID: "x", MinSqft: 0, MaxSqft: ptr(2500)},
	}
	for range 10 {
		got, ok := SelectTier(tiers, 2000)
		if !ok {
			t.Fatal("expected a match")
		}
		if got.ID != "x" {
			t.Fatalf("overlap resolved to %q, want %q", got.ID, "x")
		}
	}
}

func TestPricingTier_PriceAndRange(t *testing.T) {
	t.Parallel()

	tier := PricingTier{MinSqft: 0, MaxSqft: ptr(5000), WeeklyPrice: 4000, BiweeklyPrice: 6000}
	if got := tier.Price(FrequencyWeekly); got != 4000 {
		t.Errorf("weekly price = %d, want 4000", got)
	}
	if got := tier.Price(FrequencyBiweekly); got != 6000 {
		t.Errorf("biweekly price = %d, want 6000", got)
	}
	if got := tier.Range(); got != "0-5000" {
		t.Errorf("Range() = %q, want %q", got, "0-5000")
	}
	top := PricingTier{MinSqft: 5000}
	if got := top.Range(); got != "5000+" {
		t.Errorf("Range() = %q, want %q", got, "5000+")
	}
}

func TestCents_String(t *testing.T) {
	t.Parallel()

	tests := map[Cents]string{
		0:     "$0.00",
		5:     "$0.05",
		4000:  "$40.00",
		12345: "$123.45",
		-250:  "-$2.50",
	}
	for in, want := range tests {
		if got := in.String(); got != want {
			t.Errorf("Cents(%d).String() = %q, want %q", in, got, want)
		}
	}
}

func TestCheckTiers(t *testing.T) {
	t.Parallel()

	t.Run("clean list", func(t *testing.T) {
		err := CheckTiers([]PricingTier{
			{MinSqft: 0, MaxSqft: ptr(5000), PricingType: PricingFlat},
			{MinSqft: 5000, PricingType: PricingComputed},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("reports every problem", func(t *testing.T) {
		err := CheckTiers([]PricingTier{
			{MinSqft: 0, MaxSqft: ptr(1000)},
			{MinSqft: 2000, MaxSqft: ptr(5000)},
			{MinSqft: 4000, MaxSqft: ptr(6000), PricingType: "tiered"},
		})
		if err == nil {
			t.Fatal("expected an error")
		}
		msg := err.Error()
		for _, want := range []string{"gap between", "overlaps", "pricing_type", "top tier"} {
			if !strings.Contains(msg, want) {
				t.Errorf("error %q does not mention %q", msg, want)
			}
		}
	})
}

func TestServiceAreaRule_Covers(t *testing.T) {
	t.Parallel()

	dallas := LatLng{Lat: 32.7767, Lng: -96.7970}
	nearby := LatLng{Lat: 32.7876, Lng: -96.7994}
	beverlyHills := LatLng{Lat: 34.0901, Lng: -118.4065}

	tests := []struct {
		name     string
		rule     ServiceAreaRule
		zip      string
		centroid *LatLng
		want     bool
	}{
		{name: "zip on list", rule: ServiceAreaRule{Kind: AreaZIPList, ZIPs: []string{"75202"}}, zip: "75202", want: true},
		{name: "zip not on list", rule: ServiceAreaRule{Kind: AreaZIPList, ZIPs: []string{"75202"}}, zip: "90210", want: false},
		{name: "centroid within radius", rule: ServiceAreaRule{Kind: AreaRadius, Center: dallas, RadiusMiles: 5}, zip: "75201", centroid: &nearby, want: true},
		{name: "centroid outside radius", rule: ServiceAreaRule{Kind: AreaRadius, Center: dallas, RadiusMiles: 5}, zip: "90210", centroid: &beverlyHills, want: false},
		{name: "radius without centroid", rule: ServiceAreaRule{Kind: AreaRadius, Center: dallas, RadiusMiles: 5}, zip: "75201", want: false},
		{name: "unknown kind", rule: ServiceAreaRule{Kind: "polygon"}, zip: "75202", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.Covers(tt.zip, tt.centroid); got != tt.want {
				t.Errorf("Covers(%q) = %v, want %v", tt.zip, got, tt.want)
			}
		})
	}
}

func TestAnyCovers_EmptyRuleSet(t *testing.T) {
	t.Parallel()
	if AnyCovers(nil, "75202", nil) {
		t.Fatal("empty rule set must cover nothing")
	}
}

func TestDistanceMiles(t *testing.T) {
	t.Parallel()

	// Dallas to Los Angeles is roughly 1240 miles.
	d := DistanceMiles(LatLng{Lat: 32.7767, Lng: -96.7970}, LatLng{Lat: 34.0522, Lng: -118.2437})
	if math.Abs(d-1240) > 15 {
		t.Errorf("DistanceMiles = %.1f, want about 1240", d)
	}
	if d := DistanceMiles(LatLng{Lat: 10, Lng: 10}, LatLng{Lat: 10, Lng: 10}); d != 0 {
		t.Errorf("distance to self = %f, want 0", d)
	}
}

func TestValidZIP(t *testing.T) {
	for zip, want := range map[string]bool{
		"75202":  true,
		"00501":  true,
		"7520":   false,
		"752021": false,
		"7520a":  false,
		"":       false,
		"75 02":  false,
		"75-02":  false,
		"７５２０２": false,
	} {
		if got := ValidZIP(zip); got != want {
			t.Errorf("ValidZIP(%q) = %v, want %v", zip, got, want)
		}
	}
}
