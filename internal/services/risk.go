package services

import (
	"github.com/stwalsh4118/echosphere/internal/models"
)

// Thresholds on an area's latest samples. Flood risk is scored 1 (low)
// to 4 (very high).
const (
	HeatIndexRiskAbove     = 32.0
	AirQualityRiskAbove    = 100.0
	GreenCoverageRiskBelow = 25.0
	FloodRiskAtLeast       = 3.0
)

// Risk factor labels reported by RiskFactors.
const (
	RiskFactorHeat       = "High heat stress"
	RiskFactorAirQuality = "Poor air quality"
	RiskFactorGreen      = "Low green coverage"
	RiskFactorFlood      = "High flood risk"
)

// riskMetrics are the metric types read when assessing an area.
var riskMetrics = []string{
	models.MetricHeatIndex,
	models.MetricAirQuality,
	models.MetricGreenCoverage,
	models.MetricFloodRisk,
}

// AreaRisk is an area whose latest samples cross at least one threshold.
type AreaRisk struct {
	Area        models.Area                    `json:"area"`
	Latest      map[string]models.MetricSample `json:"latest"`
	RiskFactors []string                       `json:"riskFactors"`
}

// RiskFactors lists the thresholds crossed by the given latest samples,
// keyed by metric type. Missing metrics contribute nothing.
func RiskFactors(latest map[string]models.MetricSample) []string {
	factors := make([]string, 0, len(riskMetrics))
	if s, ok := latest[models.MetricHeatIndex]; ok && s.Value > HeatIndexRiskAbove {
		factors = append(factors, RiskFactorHeat)
	}
	if s, ok := latest[models.MetricAirQuality]; ok && s.Value > AirQualityRiskAbove {
		factors = append(factors, RiskFactorAirQuality)
	}
	if s, ok := latest[models.MetricGreenCoverage]; ok && s.Value < GreenCoverageRiskBelow {
		factors = append(factors, RiskFactorGreen)
	}
	if s, ok := latest[models.MetricFloodRisk]; ok && s.Value >= FloodRiskAtLeast {
		factors = append(factors, RiskFactorFlood)
	}
	return factors
}
