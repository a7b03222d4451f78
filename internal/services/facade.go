package services

import (
	"context"
	"fmt"
	"time"

	"github.com/stwalsh4118/echosphere/internal/models"
	"github.com/stwalsh4118/echosphere/internal/repository"
)

// QueryFacade is the single entry point for callers. It composes the
// spatial, time-series and cache services and adds operation context to
// their errors; the domain sentinels stay matchable with errors.Is.
type QueryFacade struct {
	spatial    SpatialService
	timeseries TimeSeriesService
	cache      CacheService
	now        Clock
}

// NewQueryFacade wires the facade over already constructed services.
func NewQueryFacade(spatial SpatialService, timeseries TimeSeriesService, cache CacheService, now Clock) *QueryFacade {
	if now == nil {
		now = time.Now
	}
	return &QueryFacade{
		spatial:    spatial,
		timeseries: timeseries,
		cache:      cache,
		now:        now,
	}
}

func wrapOp(op string, err error) error {
	return fmt.Errorf("while %s: %w", op, err)
}

// CreateArea stores a new area from a closed ring of [lng, lat] pairs.
func (f *QueryFacade) CreateArea(ctx context.Context, coordinates [][2]float64, name, ownerID *string) (*models.Area, error) {
	area, err := f.spatial.UpsertArea(ctx, AreaInput{
		Coordinates: coordinates,
		Name:        name,
		OwnerID:     ownerID,
	})
	if err != nil {
		return nil, wrapOp("creating area", err)
	}
	return area, nil
}

// UpsertArea creates the area or, when in.ID exists, renames it.
func (f *QueryFacade) UpsertArea(ctx context.Context, in AreaInput) (*models.Area, error) {
	area, err := f.spatial.UpsertArea(ctx, in)
	if err != nil {
		return nil, wrapOp("upserting area", err)
	}
	return area, nil
}

func (f *QueryFacade) RenameArea(ctx context.Context, id string, name *string) (*models.Area, error) {
	area, err := f.spatial.RenameArea(ctx, id, name)
	if err != nil {
		return nil, wrapOp("renaming area", err)
	}
	return area, nil
}

func (f *QueryFacade) GetArea(ctx context.Context, id string) (*models.Area, error) {
	area, err := f.spatial.GetArea(ctx, id)
	if err != nil {
		return nil, wrapOp("fetching area", err)
	}
	return area, nil
}

// DeleteArea removes the area with its samples, analyses and scoped cache
// entries. Unknown ids succeed.
func (f *QueryFacade) DeleteArea(ctx context.Context, id string) error {
	if err := f.spatial.DeleteArea(ctx, id); err != nil {
		return wrapOp("deleting area", err)
	}
	return nil
}

func (f *QueryFacade) ListAreasByOwner(ctx context.Context, ownerID string, limit int) ([]models.Area, error) {
	areas, err := f.spatial.ListAreasByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, wrapOp("listing areas", err)
	}
	return areas, nil
}

func (f *QueryFacade) NearbyAreas(ctx context.Context, point models.Point, radiusKm float64) ([]repository.AreaWithDistance, error) {
	areas, err := f.spatial.NearbyAreas(ctx, point, radiusKm)
	if err != nil {
		return nil, wrapOp("fetching nearby areas", err)
	}
	return areas, nil
}

// RecordMetric appends a sample recorded now.
func (f *QueryFacade) RecordMetric(ctx context.Context, areaID, metricType string, value float64, unit, source string) (*models.MetricSample, error) {
	sample := &models.MetricSample{
		AreaID:     areaID,
		MetricType: metricType,
		Value:      value,
		Unit:       unit,
		Source:     source,
		RecordedAt: f.now(),
	}
	if err := f.timeseries.Append(ctx, sample); err != nil {
		return nil, wrapOp("recording metric", err)
	}
	return sample, nil
}

// MetricTrend returns the area's samples of one type recorded within the
// trailing window, oldest first.
func (f *QueryFacade) MetricTrend(ctx context.Context, areaID, metricType string, window time.Duration) ([]models.MetricSample, error) {
	if window <= 0 {
		return nil, wrapOp("fetching metric trend", fmt.Errorf("%w: window must be positive", models.ErrInvalidInput))
	}

	w, err := f.timeseries.Window(ctx, areaID, metricType, f.now().Add(-window))
	if err != nil {
		return nil, wrapOp("fetching metric trend", err)
	}
	samples, err := w.Collect(ctx)
	if err != nil {
		return nil, wrapOp("fetching metric trend", err)
	}
	return samples, nil
}

func (f *QueryFacade) LatestMetric(ctx context.Context, areaID, metricType string) (*models.MetricSample, error) {
	sample, err := f.timeseries.Latest(ctx, areaID, metricType)
	if err != nil {
		return nil, wrapOp("fetching latest metric", err)
	}
	return sample, nil
}

// CachedFetch serves key from the cache, calling fetch on a miss.
func (f *QueryFacade) CachedFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc, opts ...CacheOption) ([]byte, error) {
	payload, err := f.cache.GetOrFetch(ctx, key, ttl, fetch, opts...)
	if err != nil {
		return nil, wrapOp("fetching cached response", err)
	}
	return payload, nil
}

func (f *QueryFacade) InvalidateCache(ctx context.Context, key string) error {
	if err := f.cache.Invalidate(ctx, key); err != nil {
		return wrapOp("invalidating cache", err)
	}
	return nil
}

func (f *QueryFacade) NearbyCached(ctx context.Context, point models.Point, radiusKm float64) ([]repository.CacheEntryWithDistance, error) {
	entries, err := f.cache.NearbyCached(ctx, point, radiusKm)
	if err != nil {
		return nil, wrapOp("fetching nearby cache entries", err)
	}
	return entries, nil
}

func (f *QueryFacade) CacheStats(ctx context.Context) (models.CacheStats, error) {
	stats, err := f.cache.Stats(ctx)
	if err != nil {
		return models.CacheStats{}, wrapOp("computing cache stats", err)
	}
	return stats, nil
}

// IngestEvent upserts a hazard event keyed on its external source id.
func (f *QueryFacade) IngestEvent(ctx context.Context, in EventInput) (*models.Event, error) {
	event, _, err := f.spatial.IngestEvent(ctx, in)
	if err != nil {
		return nil, wrapOp("ingesting event", err)
	}
	return event, nil
}

// NearbyEvents returns events within radiusKm. The zero filter matches
// every open event; closed ones are included when filter.IncludeClosed is set.
func (f *QueryFacade) NearbyEvents(ctx context.Context, point models.Point, radiusKm float64, filter models.EventFilter) ([]repository.EventWithDistance, error) {
	events, err := f.spatial.NearbyEvents(ctx, point, radiusKm, filter)
	if err != nil {
		return nil, wrapOp("fetching nearby events", err)
	}
	return events, nil
}

func (f *QueryFacade) SaveAnalysis(ctx context.Context, areaID string, risk models.RiskLevel, summary []byte) (*models.AreaAnalysis, error) {
	analysis, err := f.spatial.SaveAnalysis(ctx, areaID, risk, summary)
	if err != nil {
		return nil, wrapOp("saving analysis", err)
	}
	return analysis, nil
}

func (f *QueryFacade) ListAnalyses(ctx context.Context, areaID string, limit int) ([]models.AreaAnalysis, error) {
	analyses, err := f.spatial.ListAnalyses(ctx, areaID, limit)
	if err != nil {
		return nil, wrapOp("listing analyses", err)
	}
	return analyses, nil
}

// HighRiskAreas returns the owner's areas whose latest metrics cross a
// risk threshold, with the factors each one crosses.
func (f *QueryFacade) HighRiskAreas(ctx context.Context, ownerID string, limit int) ([]AreaRisk, error) {
	risks, err := f.timeseries.HighRiskAreas(ctx, ownerID, limit)
	if err != nil {
		return nil, wrapOp("assessing high-risk areas", err)
	}
	return risks, nil
}

func (f *QueryFacade) CriticalAnalyses(ctx context.Context, ownerID string, limit int) ([]models.AreaAnalysis, error) {
	analyses, err := f.spatial.CriticalAnalyses(ctx, ownerID, limit)
	if err != nil {
		return nil, wrapOp("listing critical analyses", err)
	}
	return analyses, nil
}

// HealthSnapshot reports store sizes. Cache figures include expired
// entries that have not been swept yet.
func (f *QueryFacade) HealthSnapshot(ctx context.Context) (models.HealthSnapshot, error) {
	areas, events, err := f.spatial.Counts(ctx)
	if err != nil {
		return models.HealthSnapshot{}, wrapOp("taking health snapshot", err)
	}
	stats, err := f.cache.Stats(ctx)
	if err != nil {
		return models.HealthSnapshot{}, wrapOp("taking health snapshot", err)
	}
	return models.HealthSnapshot{
		AreaCount:       areas,
		EventCount:      events,
		CacheEntryCount: stats.TotalEntries,
		CacheHitTotal:   stats.TotalHits,
	}, nil
}
