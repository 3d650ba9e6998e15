package memstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/greenline/internal/store"
	"github.com/MrWong99/greenline/internal/tenant"
)

var (
	tenantA = uuid.MustParse("6f1d7c1e-8a43-4c8e-9d3b-2f0a4b5c6d7e")
	tenantB = uuid.MustParse("0b9e2d44-7c1a-4f6e-8e21-5a3c9d0f1b2a")
)

const sampleFixtures = `
zip_centroids:
  "75201": {lat: 32.7876, lng: -96.7994}
  "90210": {lat: 34.0901, lng: -118.4065}
tenants:
  - id: 6f1d7c1e-8a43-4c8e-9d3b-2f0a4b5c6d7e
    name: Prairie Lawn Co.
    pricing_tiers:
      - {min_sqft: 0, max_sqft: 5000, weekly_cents: 4000, biweekly_cents: 6000, service_inclusions: [mow, edge]}
      - {min_sqft: 5000, weekly_cents: 5500, biweekly_cents: 8000, pricing_type: computed}
    service_areas:
      - {kind: zip_list, zips: ["75202"]}
      - {kind: radius, center: {lat: 32.7767, lng: -96.7970}, radius_miles: 5}
  - id: 0b9e2d44-7c1a-4f6e-8e21-5a3c9d0f1b2a
    name: Coastal Turf
    pricing_tiers:
      - {min_sqft: 0, max_sqft: 1000, weekly_cents: 2500, biweekly_cents: 3500}
      - {min_sqft: 2000, max_sqft: 5000, weekly_cents: 4500, biweekly_cents: 6500}
`

func newSampleStore(t *testing.T, opts ...Option) *MemStore {
	t.Helper()
	ff, err := LoadFixturesFromReader(strings.NewReader(sampleFixtures))
	if err != nil {
		t.Fatalf("LoadFixturesFromReader: %v", err)
	}
	return New(ff, opts...)
}

func TestMemStore_TenantExists(t *testing.T) {
	s := newSampleStore(t)
	ctx := context.Background()

	ok, err := s.TenantExists(ctx, tenantA)
	if err != nil || !ok {
		t.Fatalf("TenantExists(A) = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.TenantExists(ctx, uuid.New())
	if err != nil || ok {
		t.Fatalf("TenantExists(unknown) = %v, %v; want false, nil", ok, err)
	}
	if got := s.Calls(MethodTenantExists); got != 2 {
		t.Errorf("Calls(TenantExists) = %d, want 2", got)
	}
}

func TestMemStore_GetQuoteForLotSize(t *testing.T) {
	s := newSampleStore(t)
	ctx := context.Background()

	row, err := s.GetQuoteForLotSize(ctx, tenantA, 3000, tenant.FrequencyWeekly)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row == nil {
		t.Fatal("expected a row")
	}
	if row.WeeklyPrice != 4000 || row.BiweeklyPrice != 6000 {
		t.Errorf("prices = %d/%d, want 4000/6000", row.WeeklyPrice, row.BiweeklyPrice)
	}
	if row.PricingType != tenant.PricingFlat {
		t.Errorf("pricing type = %q, want default flat", row.PricingType)
	}

	row, err = s.GetQuoteForLotSize(ctx, tenantB, 1500, tenant.FrequencyWeekly)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row != nil {
		t.Fatalf("expected no row for a gap, got %+v", row)
	}

	_, err = s.GetQuoteForLotSize(ctx, uuid.New(), 100, tenant.FrequencyWeekly)
	if !errors.Is(err, store.ErrTenantNotFound) {
		t.Fatalf("err = %v, want ErrTenantNotFound", err)
	}
}

func TestMemStore_IsInServiceArea(t *testing.T) {
	s := newSampleStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		tenant uuid.UUID
		zip    string
		want   bool
	}{
		{"allow-listed", tenantA, "75202", true},
		{"inside radius", tenantA, "75201", true},
		{"far away", tenantA, "90210", false},
		{"unknown centroid", tenantA, "10001", false},
		{"tenant without areas", tenantB, "75202", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.IsInServiceArea(ctx, tt.tenant, tt.zip)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsInServiceArea(%q) = %v, want %v", tt.zip, got, tt.want)
			}
		})
	}
}

func TestMemStore_ReplaceSwapsSnapshot(t *testing.T) {
	s := newSampleStore(t)
	if s.TenantCount() != 2 {
		t.Fatalf("TenantCount = %d, want 2", s.TenantCount())
	}
	s.Replace(nil)
	if s.TenantCount() != 0 {
		t.Fatalf("TenantCount after Replace(nil) = %d, want 0", s.TenantCount())
	}
	ok, _ := s.TenantExists(context.Background(), tenantA)
	if ok {
		t.Fatal("tenant A should be gone after Replace")
	}
}

func TestMemStore_LatencyHonoursContext(t *testing.T) {
	s := newSampleStore(t, WithLatency(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.GetQuoteForLotSize(ctx, tenantA, 3000, tenant.FrequencyWeekly)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestMemStore_ConcurrentReadsDuringReplace(t *testing.T) {
	s := newSampleStore(t)
	ff, err := LoadFixturesFromReader(strings.NewReader(sampleFixtures))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			if i%10 == 0 {
				s.Replace(ff)
				return
			}
			row, err := s.GetQuoteForLotSize(context.Background(), tenantA, 3000, tenant.FrequencyWeekly)
			if err != nil || row == nil || row.WeeklyPrice != 4000 {
				t.Errorf("concurrent read = %+v, %v", row, err)
			}
		})
	}
	wg.Wait()
}

func TestLoadFixtures_Validation(t *testing.T) {
	const bad = `
zip_centroids:
  "7520": {lat: 1, lng: 1}
tenants:
  - name: missing id
  - id: 6f1d7c1e-8a43-4c8e-9d3b-2f0a4b5c6d7e
    service_areas:
      - {kind: polygon}
      - {kind: zip_list, zips: ["ABCDE"]}
      - {kind: radius, radius_miles: 0}
  - id: 6f1d7c1e-8a43-4c8e-9d3b-2f0a4b5c6d7e
`
	_, err := LoadFixturesFromReader(strings.NewReader(bad))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"tenants[0].id is required",
		"kind \"polygon\" is invalid",
		"\"ABCDE\" is not a 5-digit ZIP code",
		"radius_miles must be positive",
		"is a duplicate of tenants[1]",
		"zip_centroids: \"7520\"",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestLoadFixtures_UnknownField(t *testing.T) {
	_, err := LoadFixturesFromReader(strings.NewReader("tenant: []\n"))
	if err == nil {
		t.Fatal("expected an error for an unknown top-level key")
	}
}

func TestFixtureFile_TierWarnings(t *testing.T) {
	ff, err := LoadFixturesFromReader(strings.NewReader(sampleFixtures))
	if err != nil {
		t.Fatal(err)
	}
	warnings := ff.TierWarnings()
	if _, ok := warnings[tenantA]; ok {
		t.Errorf("tenant A has a clean price list, got warning %v", warnings[tenantA])
	}
	if _, ok := warnings[tenantB]; !ok {
		t.Error("tenant B has a gap and a bounded top tier; expected a warning")
	}
}
