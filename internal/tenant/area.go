package tenant

import (
	"math"
	"slices"
)

// AreaKind distinguishes the two supported service-area rule shapes.
type AreaKind string

const (
	// AreaZIPList covers an explicit allow-list of ZIP codes.
	AreaZIPList AreaKind = "zip_list"

	// AreaRadius covers every ZIP whose centroid lies within RadiusMiles of
	// Center.
	AreaRadius AreaKind = "radius"
)

// IsValid reports whether k is a recognised area kind.
func (k AreaKind) IsValid() bool {
	return k == AreaZIPList || k == AreaRadius
}

// LatLng is a WGS84 coordinate in decimal degrees.
type LatLng struct {
	Lat float64 `yaml:"lat"`
	Lng float64 `yaml:"lng"`
}

// ServiceAreaRule is one coverage rule of a tenant.
type ServiceAreaRule struct {
	Kind        AreaKind
	ZIPs        []string
	Center      LatLng
	RadiusMiles float64
}

// earthRadiusMiles is the mean Earth radius used for great-circle distance.
const earthRadiusMiles = 3958.8

// DistanceMiles returns the haversine great-circle distance between a and b.
func DistanceMiles(a, b LatLng) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMiles * math.Asin(math.Sqrt(h))
}

// Covers reports whether the rule covers zip. centroid is the ZIP's location
// when known; radius rules never match a ZIP without one.
func (r ServiceAreaRule) Covers(zip string, centroid *LatLng) bool {
	switch r.Kind {
	case AreaZIPList:
		return slices.Contains(r.ZIPs, zip)
	case AreaRadius:
		if centroid == nil || r.RadiusMiles <= 0 {
			return false
		}
		return DistanceMiles(r.Center, *centroid) <= r.RadiusMiles
	default:
		return false
	}
}

// AnyCovers reports whether at least one rule covers zip. An empty rule set
// covers nothing.
func AnyCovers(rules []ServiceAreaRule, zip string, centroid *LatLng) bool {
	for _, r := range rules {
		if r.Covers(zip, centroid) {
			return true
		}
	}
	return false
}

// NeedsCentroid reports whether any rule requires a ZIP centroid to evaluate.
func NeedsCentroid(rules []ServiceAreaRule) bool {
	return slices.ContainsFunc(rules, func(r ServiceAreaRule) bool { return r.Kind == AreaRadius })
}

// ValidZIP reports whether zip is a five-digit US ZIP code.
func ValidZIP(zip string) bool {
	if len(zip) != 5 {
		return false
	}
	for i := range len(zip) {
		if zip[i] < '0' || zip[i] > '9' {
			return false
		}
	}
	return true
}
