// Package spatial holds the geometry rules shared by every storage backend:
// ring validation, derived centroid/area, and great-circle proximity.
//
// Distances are haversine great-circle distances (orb/geo). Backends with a
// native spatial index use it only as a prefilter; the final inclusion test
// and ordering always go through WithinRadius so every backend agrees.
package spatial

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
	"github.com/stwalsh4118/echosphere/internal/models"
)

// Coordinate validation constants
const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
)

// CoincidentToleranceDeg is how close (per axis, in degrees) a centroid must
// be to the query point for a zero-radius query to match it.
const CoincidentToleranceDeg = 1e-6

// MinRingPoints is the minimum vertex count of a closed ring (first == last).
const MinRingPoints = 4

// prefilterSlack widens index prefilters so that differences between the
// index's earth model and the haversine radius never drop a true match.
const prefilterSlack = 1.01

// ValidatePoint checks that p lies inside the WGS84 coordinate range.
func ValidatePoint(p models.Point) error {
	if math.IsNaN(p.Lat) || p.Lat < MinLatitude || p.Lat > MaxLatitude {
		return fmt.Errorf("%w: latitude must be between %f and %f, got %f",
			models.ErrInvalidCoordinates, MinLatitude, MaxLatitude, p.Lat)
	}
	if math.IsNaN(p.Lng) || p.Lng < MinLongitude || p.Lng > MaxLongitude {
		return fmt.Errorf("%w: longitude must be between %f and %f, got %f",
			models.ErrInvalidCoordinates, MinLongitude, MaxLongitude, p.Lng)
	}
	return nil
}

// ValidateRadius rejects negative and non-finite radii.
func ValidateRadius(radiusKm float64) error {
	if math.IsNaN(radiusKm) || math.IsInf(radiusKm, 0) || radiusKm < 0 {
		return fmt.Errorf("%w: radius must be a non-negative number of kilometers, got %f",
			models.ErrInvalidInput, radiusKm)
	}
	return nil
}

// HaversineKm returns the great-circle distance between a and b.
func HaversineKm(a, b models.Point) float64 {
	return geo.DistanceHaversine(a.Orb(), b.Orb()) / 1000
}

// WithinRadius reports whether p is inside the query circle and its distance
// from center. A zero radius matches only points coincident with center.
func WithinRadius(center, p models.Point, radiusKm float64) (float64, bool) {
	d := HaversineKm(center, p)
	if radiusKm == 0 {
		return d, math.Abs(center.Lat-p.Lat) <= CoincidentToleranceDeg &&
			math.Abs(center.Lng-p.Lng) <= CoincidentToleranceDeg
	}
	return d, d <= radiusKm
}

// prefilterFloorMeters is added to every prefilter radius. It covers
// zero-radius queries and the quantization of geohash-based indexes.
const prefilterFloorMeters = 1.0

// PrefilterMeters is the radius handed to a spatial index before the exact
// haversine check.
func PrefilterMeters(radiusKm float64) float64 {
	return radiusKm*1000*prefilterSlack + prefilterFloorMeters
}

// Ranked is a proximity result: the item, its distance and its creation
// sequence used for tie-breaking.
type Ranked[T any] struct {
	Item       T
	DistanceKm float64
	Seq        int64
}

// SortRanked orders results by distance ascending, then creation order.
func SortRanked[T any](items []Ranked[T]) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].DistanceKm != items[j].DistanceKm {
			return items[i].DistanceKm < items[j].DistanceKm
		}
		return items[i].Seq < items[j].Seq
	})
}

// Centroid returns the planar area-weighted centroid of the ring.
func Centroid(ring orb.Ring) models.Point {
	c, _ := planar.CentroidArea(orb.Polygon{ring})
	return models.PointFromOrb(c)
}

// AreaKm2 returns the geodesic (spherical) area enclosed by the ring.
func AreaKm2(ring orb.Ring) float64 {
	return math.Abs(geo.Area(orb.Polygon{ring})) / 1e6
}
