package models

import (
	"database/sql/driver"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// SRIDWGS84 is the only coordinate reference system stored by this service.
const SRIDWGS84 = 4326

// Point is a WGS84 location. JSON and validation use lat/lng order; the
// orb representation (and PostGIS) use lng/lat order.
type Point struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// Orb returns the point in orb's [lng, lat] order.
func (p Point) Orb() orb.Point {
	return orb.Point{p.Lng, p.Lat}
}

// PointFromOrb converts an orb point back to lat/lng.
func PointFromOrb(p orb.Point) Point {
	return Point{Lat: p.Lat(), Lng: p.Lon()}
}

// Polygon is an Area footprint: one closed outer ring of [lng, lat] pairs.
// The ring is held structurally; WKT is only produced when writing to
// PostGIS and GeoJSON only when encoding JSON.
type Polygon struct {
	Ring orb.Ring
	SRID int
}

// NewPolygon builds a Polygon from GeoJSON-ordered [lng, lat] pairs.
func NewPolygon(coordinates [][2]float64) Polygon {
	ring := make(orb.Ring, len(coordinates))
	for i, c := range coordinates {
		ring[i] = orb.Point{c[0], c[1]}
	}
	return Polygon{Ring: ring, SRID: SRIDWGS84}
}

// Coordinates returns the ring as [lng, lat] pairs.
func (p Polygon) Coordinates() [][2]float64 {
	out := make([][2]float64, len(p.Ring))
	for i, pt := range p.Ring {
		out[i] = [2]float64{pt[0], pt[1]}
	}
	return out
}

// Orb returns the footprint as a single-ring orb.Polygon.
func (p Polygon) Orb() orb.Polygon {
	return orb.Polygon{p.Ring}
}

// Scan implements sql.Scanner. Rows are read with ST_AsText(geom).
func (p *Polygon) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	var text string
	switch v := value.(type) {
	case string:
		text = v
	case []byte:
		text = string(v)
	default:
		return fmt.Errorf("failed to scan Polygon: expected WKT text, got %T", value)
	}

	poly, err := wkt.UnmarshalPolygon(text)
	if err != nil {
		return fmt.Errorf("failed to unmarshal polygon WKT: %w", err)
	}
	if len(poly) == 0 {
		return fmt.Errorf("polygon WKT has no rings")
	}

	p.Ring = poly[0]
	p.SRID = SRIDWGS84
	return nil
}

// Value implements driver.Valuer, returning WKT for use with ST_GeomFromText.
func (p Polygon) Value() (driver.Value, error) {
	if len(p.Ring) == 0 {
		return nil, nil
	}
	return wkt.MarshalString(p.Orb()), nil
}

// MarshalJSON encodes the footprint as a GeoJSON Polygon geometry.
func (p Polygon) MarshalJSON() ([]byte, error) {
	return geojson.NewGeometry(p.Orb()).MarshalJSON()
}

// UnmarshalJSON parses a GeoJSON Polygon geometry. Only the outer ring is kept.
func (p *Polygon) UnmarshalJSON(data []byte) error {
	geom, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return fmt.Errorf("failed to unmarshal polygon: %w", err)
	}

	poly, ok := geom.Coordinates.(orb.Polygon)
	if !ok {
		return fmt.Errorf("expected Polygon type, got %s", geom.Type)
	}
	if len(poly) == 0 {
		return fmt.Errorf("polygon has no rings")
	}

	p.Ring = poly[0]
	p.SRID = SRIDWGS84
	return nil
}

// Footprint is the optional spatial tag of a cache entry: either a single
// point (Min == Max) or a bounding box. Distance queries use its center.
type Footprint struct {
	Bound orb.Bound
}

// PointFootprint tags an entry with a single location.
func PointFootprint(p Point) Footprint {
	return Footprint{Bound: p.Orb().Bound()}
}

// BoxFootprint tags an entry with the box spanned by two corners.
func BoxFootprint(a, b Point) Footprint {
	return Footprint{Bound: a.Orb().Bound().Extend(b.Orb())}
}

// IsPoint reports whether the footprint is a single location.
func (f Footprint) IsPoint() bool {
	return f.Bound.Min == f.Bound.Max
}

// Center returns the footprint center used for proximity ranking.
func (f Footprint) Center() Point {
	return PointFromOrb(f.Bound.Center())
}

// Geometry returns the footprint as an orb point or polygon.
func (f Footprint) Geometry() orb.Geometry {
	if f.IsPoint() {
		return f.Bound.Min
	}
	return f.Bound.ToPolygon()
}

// Value implements driver.Valuer, returning WKT (POINT or POLYGON).
func (f Footprint) Value() (driver.Value, error) {
	return wkt.MarshalString(f.Geometry()), nil
}

// Scan implements sql.Scanner for ST_AsText(footprint).
func (f *Footprint) Scan(value interface{}) error {
	var text string
	switch v := value.(type) {
	case string:
		text = v
	case []byte:
		text = string(v)
	default:
		return fmt.Errorf("failed to scan Footprint: expected WKT text, got %T", value)
	}

	geom, err := wkt.Unmarshal(text)
	if err != nil {
		return fmt.Errorf("failed to unmarshal footprint WKT: %w", err)
	}
	f.Bound = geom.Bound()
	return nil
}

// MarshalJSON encodes the footprint as GeoJSON.
func (f Footprint) MarshalJSON() ([]byte, error) {
	return geojson.NewGeometry(f.Geometry()).MarshalJSON()
}

// UnmarshalJSON accepts a GeoJSON Point or Polygon and keeps its bounds.
func (f *Footprint) UnmarshalJSON(data []byte) error {
	geom, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return fmt.Errorf("failed to unmarshal footprint: %w", err)
	}
	if geom.Coordinates == nil {
		return fmt.Errorf("footprint has no coordinates")
	}
	f.Bound = geom.Coordinates.Bound()
	return nil
}
