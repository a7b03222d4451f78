package spatial

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/stwalsh4118/echosphere/internal/models"
)

// ValidateRing checks the footprint invariants: at least MinRingPoints
// vertices, closed, inside WGS84 bounds, no zero-length or doubled-back
// edges, no self-intersection and a non-zero enclosed area. Rings that
// cross the antimeridian are rejected; split them into two areas.
// Every failure wraps models.ErrInvalidGeometry.
func ValidateRing(ring orb.Ring) error {
	if len(ring) < MinRingPoints {
		return fmt.Errorf("%w: ring has %d points, need at least %d",
			models.ErrInvalidGeometry, len(ring), MinRingPoints)
	}
	if !ring.Closed() {
		return fmt.Errorf("%w: ring is not closed: first point %v != last point %v",
			models.ErrInvalidGeometry, ring[0], ring[len(ring)-1])
	}

	for i, pt := range ring {
		if err := ValidatePoint(models.PointFromOrb(pt)); err != nil {
			return fmt.Errorf("%w: vertex %d: %v", models.ErrInvalidGeometry, i, err)
		}
	}

	n := len(ring) - 1
	for i := 0; i < n; i++ {
		if ring[i] == ring[i+1] {
			return fmt.Errorf("%w: repeated vertex at position %d", models.ErrInvalidGeometry, i+1)
		}
		if math.Abs(ring[i+1][0]-ring[i][0]) > 180 {
			return fmt.Errorf("%w: edge %d crosses the antimeridian", models.ErrInvalidGeometry, i)
		}
	}

	// Adjacent edges only meet at their shared vertex unless the ring
	// doubles back on itself.
	for i := 0; i < n; i++ {
		prev := ring[(i+n-1)%n]
		cur := ring[i]
		next := ring[i+1]
		if orientation(prev, cur, next) == 0 && dot(prev, cur, next) > 0 {
			return fmt.Errorf("%w: ring doubles back at vertex %d", models.ErrInvalidGeometry, i)
		}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsIntersect(ring[i], ring[i+1], ring[j], ring[j+1]) {
				return fmt.Errorf("%w: ring self-intersects between edges %d and %d",
					models.ErrInvalidGeometry, i, j)
			}
		}
	}

	if AreaKm2(ring) == 0 || math.IsNaN(AreaKm2(ring)) {
		return fmt.Errorf("%w: ring encloses no area", models.ErrInvalidGeometry)
	}
	return nil
}

// orientation is the z component of (b-a) x (c-a).
func orientation(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

// dot is (a-b) . (c-b); positive when a and c lie on the same side of b.
func dot(a, b, c orb.Point) float64 {
	return (a[0]-b[0])*(c[0]-b[0]) + (a[1]-b[1])*(c[1]-b[1])
}

func onSegment(a, b, p orb.Point) bool {
	return p[0] >= math.Min(a[0], b[0]) && p[0] <= math.Max(a[0], b[0]) &&
		p[1] >= math.Min(a[1], b[1]) && p[1] <= math.Max(a[1], b[1])
}

// segmentsIntersect reports whether segments p1p2 and p3p4 share any point,
// including touching endpoints and collinear overlap.
func segmentsIntersect(p1, p2, p3, p4 orb.Point) bool {
	d1 := orientation(p3, p4, p1)
	d2 := orientation(p3, p4, p2)
	d3 := orientation(p1, p2, p3)
	d4 := orientation(p1, p2, p4)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}

	switch {
	case d1 == 0 && onSegment(p3, p4, p1):
		return true
	case d2 == 0 && onSegment(p3, p4, p2):
		return true
	case d3 == 0 && onSegment(p1, p2, p3):
		return true
	case d4 == 0 && onSegment(p1, p2, p4):
		return true
	}
	return false
}
