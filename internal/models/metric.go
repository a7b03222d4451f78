package models

import "time"

// Well-known metric types. The set is open: any non-empty identifier is
// accepted and stored verbatim.
const (
	MetricHeatIndex         = "heat_index"
	MetricAirQuality        = "air_quality"
	MetricGreenCoverage     = "green_coverage"
	MetricWaterStress       = "water_stress"
	MetricFloodRisk         = "flood_risk"
	MetricPopulationDensity = "population_density"
)

// MetricSample is one append-only time-series point owned by an Area.
// Unit is advisory; values are never converted.
type MetricSample struct {
	RecordedAt time.Time `json:"recordedAt"`
	AreaID     string    `json:"areaId" validate:"required"`
	MetricType string    `json:"metricType" validate:"required,max=64,identifier"`
	Unit       string    `json:"unit" validate:"max=32"`
	Source     string    `json:"source" validate:"max=64"`
	Value      float64   `json:"value"`

	// ID is the store-assigned insertion sequence.
	ID int64 `json:"id"`
}
