package memstore

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/greenline/internal/tenant"
)

// FixtureFile is the top-level structure of a tenant fixture YAML file.
//
// Example:
//
//	zip_centroids:
//	  "75202": {lat: 32.7812, lng: -96.8005}
//	tenants:
//	  - id: 6f1d7c1e-8a43-4c8e-9d3b-2f0a4b5c6d7e
//	    name: Prairie Lawn Co.
//	    pricing_tiers:
//	      - {min_sqft: 0, max_sqft: 5000, weekly_cents: 4000, biweekly_cents: 6000}
//	      - {min_sqft: 5000, weekly_cents: 5500, biweekly_cents: 8000}
//	    service_areas:
//	      - {kind: zip_list, zips: ["75202", "75201"]}
type FixtureFile struct {
	ZIPCentroids map[string]tenant.LatLng `yaml:"zip_centroids"`
	Tenants      []TenantFixture          `yaml:"tenants"`
}

// TenantFixture is the configuration of a single tenant.
type TenantFixture struct {
	ID           uuid.UUID     `yaml:"id"`
	Name         string        `yaml:"name"`
	PricingTiers []TierFixture `yaml:"pricing_tiers"`
	ServiceAreas []AreaFixture `yaml:"service_areas"`
}

// TierFixture is one pricing tier. MaxSqft is omitted for the unbounded top
// tier.
type TierFixture struct {
	ID                string             `yaml:"id"`
	MinSqft           int64              `yaml:"min_sqft"`
	MaxSqft           *int64             `yaml:"max_sqft"`
	WeeklyCents       int64              `yaml:"weekly_cents"`
	BiweeklyCents     int64              `yaml:"biweekly_cents"`
	ServiceInclusions []string           `yaml:"service_inclusions"`
	PricingType       tenant.PricingType `yaml:"pricing_type"`
}

// AreaFixture is one service-area rule.
type AreaFixture struct {
	Kind        tenant.AreaKind `yaml:"kind"`
	ZIPs        []string        `yaml:"zips"`
	Center      tenant.LatLng   `yaml:"center"`
	RadiusMiles float64         `yaml:"radius_miles"`
}

// LoadFixtureFile reads and validates a fixture file from disk.
func LoadFixtureFile(path string) (*FixtureFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("memstore: open fixtures %q: %w", path, err)
	}
	defer f.Close()

	ff, err := LoadFixturesFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("memstore: parse fixtures %q: %w", path, err)
	}
	return ff, nil
}

// LoadFixturesFromReader decodes fixtures from r and validates them.
func LoadFixturesFromReader(r io.Reader) (*FixtureFile, error) {
	var ff FixtureFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&ff); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("memstore: decode fixtures yaml: %w", err)
	}
	if err := ff.Validate(); err != nil {
		return nil, err
	}
	return &ff, nil
}

// Validate checks structural problems that would make a fixture unusable.
// Tier gaps and overlaps are reported by [FixtureFile.TierWarnings] instead,
// since the resolver tolerates them.
func (ff *FixtureFile) Validate() error {
	var errs []error
	seen := make(map[uuid.UUID]int, len(ff.Tenants))
	for i, tf := range ff.Tenants {
		prefix := fmt.Sprintf("tenants[%d]", i)
		if tf.ID == uuid.Nil {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else if prev, ok := seen[tf.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %s is a duplicate of tenants[%d]", prefix, tf.ID, prev))
		} else {
			seen[tf.ID] = i
		}
		for j, a := range tf.ServiceAreas {
			aprefix := fmt.Sprintf("%s.service_areas[%d]", prefix, j)
			if !a.Kind.IsValid() {
				errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: zip_list, radius", aprefix, a.Kind))
			}
			for _, z := range a.ZIPs {
				if !tenant.ValidZIP(z) {
					errs = append(errs, fmt.Errorf("%s.zips: %q is not a 5-digit ZIP code", aprefix, z))
				}
			}
			if a.Kind == tenant.AreaRadius && a.RadiusMiles <= 0 {
				errs = append(errs, fmt.Errorf("%s.radius_miles must be positive", aprefix))
			}
		}
	}
	for z := range ff.ZIPCentroids {
		if !tenant.ValidZIP(z) {
			errs = append(errs, fmt.Errorf("zip_centroids: %q is not a 5-digit ZIP code", z))
		}
	}
	return errors.Join(errs...)
}

// TierWarnings returns the tier configuration problems of every tenant,
// keyed by tenant id. Tenants with a clean price list are omitted.
func (ff *FixtureFile) TierWarnings() map[uuid.UUID]error {
	out := make(map[uuid.UUID]error)
	for _, tf := range ff.Tenants {
		if err := tenant.CheckTiers(tf.tiers()); err != nil {
			out[tf.ID] = err
		}
	}
	return out
}

func (tf TenantFixture) tiers() []tenant.PricingTier {
	tiers := make([]tenant.PricingTier, 0, len(tf.PricingTiers))
	for i, t := range tf.PricingTiers {
		id := t.ID
		if id == "" {
			id = fmt.Sprintf("%s/%d", tf.ID, i)
		}
		pt := t.PricingType
		if pt == "" {
			pt = tenant.PricingFlat
		}
		tier := tenant.PricingTier{
			ID:                id,
			MinSqft:           t.MinSqft,
			WeeklyPrice:       tenant.Cents(t.WeeklyCents),
			BiweeklyPrice:     tenant.Cents(t.BiweeklyCents),
			ServiceInclusions: append([]string(nil), t.ServiceInclusions...),
			PricingType:       pt,
		}
		if t.MaxSqft != nil {
			maxSqft := *t.MaxSqft
			tier.MaxSqft = &maxSqft
		}
		tiers = append(tiers, tier)
	}
	tenant.SortTiers(tiers)
	return tiers
}

func (tf TenantFixture) rules() []tenant.ServiceAreaRule {
	rules := make([]tenant.ServiceAreaRule, 0, len(tf.ServiceAreas))
	for _, a := range tf.ServiceAreas {
		rules = append(rules, tenant.ServiceAreaRule{
			Kind:        a.Kind,
			ZIPs:        append([]string(nil), a.ZIPs...),
			Center:      a.Center,
			RadiusMiles: a.RadiusMiles,
		})
	}
	return rules
}
