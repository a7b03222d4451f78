package models

import (
	"time"
)

// Area is a user-drawn region of interest. Centroid and AreaKm2 are derived
// from Footprint when the area is created and are never set independently.
// Nullable fields use pointers to distinguish absent values from empty ones.
type Area struct {
	CreatedAt time.Time `json:"createdAt"`
	OwnerID   *string   `json:"ownerId,omitempty"`
	Name      *string   `json:"name,omitempty"`
	ID        string    `json:"id"`
	Footprint Polygon   `json:"geometry"`
	Centroid  Point     `json:"centroid"`
	AreaKm2   float64   `json:"areaKm2"`

	// Seq is the store-assigned creation sequence, used as the stable
	// tie-break for proximity ordering.
	Seq int64 `json:"-"`
}

// RiskLevel classifies an AreaAnalysis.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// AreaAnalysis is an analysis result owned by an Area. Summary is an opaque
// JSON document produced by the caller.
type AreaAnalysis struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
	AreaID    string    `json:"areaId"`
	RiskLevel RiskLevel `json:"riskLevel"`
	Summary   []byte    `json:"summary,omitempty"`
}
