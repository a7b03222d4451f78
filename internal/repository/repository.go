package repository

import (
	"context"
	"time"

	"github.com/stwalsh4118/echosphere/internal/models"
)

// AreaWithDistance represents an area with its centroid's distance from a reference point.
type AreaWithDistance struct {
	Area       models.Area `json:"area"`
	DistanceKm float64     `json:"distanceKm"`
}

// EventWithDistance represents an event with its distance from a reference point.
type EventWithDistance struct {
	Event      models.Event `json:"event"`
	DistanceKm float64      `json:"distanceKm"`
}

// CacheEntryWithDistance represents a footprint-tagged cache entry with the
// distance of its footprint center from a reference point.
type CacheEntryWithDistance struct {
	Entry      models.CacheEntry `json:"entry"`
	DistanceKm float64           `json:"distanceKm"`
}

// AreaRepository defines data access for Areas.
type AreaRepository interface {
	// Create persists a fully derived area and assigns its creation sequence.
	Create(ctx context.Context, area *models.Area) error

	// Rename updates only the name. Returns false if the area does not exist.
	Rename(ctx context.Context, id string, name *string) (bool, error)

	// FindByID returns nil, nil when the area does not exist.
	FindByID(ctx context.Context, id string) (*models.Area, error)

	// ListByOwner returns the owner's areas, newest first.
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.Area, error)

	// FindNearby returns areas whose centroid is within radiusKm of center,
	// ordered by distance then creation order. Returns an empty slice if none match.
	FindNearby(ctx context.Context, center models.Point, radiusKm float64) ([]AreaWithDistance, error)

	// Delete removes the area together with its samples and analyses.
	// Deleting a missing area is not an error.
	Delete(ctx context.Context, id string) error

	Count(ctx context.Context) (int64, error)
}

// EventRepository defines data access for hazard Events.
type EventRepository interface {
	// Upsert inserts or updates by ExternalSourceID and fills in the stored
	// ID, Seq and CreatedAt. Reports whether a new row was created.
	Upsert(ctx context.Context, event *models.Event) (bool, error)

	// FindByExternalID returns nil, nil when no event has that id.
	FindByExternalID(ctx context.Context, externalID string) (*models.Event, error)

	FindNearby(ctx context.Context, center models.Point, radiusKm float64, filter models.EventFilter) ([]EventWithDistance, error)

	// PruneClosedBefore deletes closed events observed before cutoff.
	PruneClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Count(ctx context.Context) (int64, error)
}

// WindowQuery selects one page of an area's samples of one metric type.
// Pages are keyed by (RecordedAt, ID) so iteration is restartable, and
// MaxID pins the result to the samples present when the window was opened.
type WindowQuery struct {
	Since           time.Time
	AfterRecordedAt time.Time
	AreaID          string
	MetricType      string
	AfterID         int64
	MaxID           int64
}

// MetricRepository defines data access for MetricSamples.
type MetricRepository interface {
	// Append stores the sample and assigns its ID. Fails with
	// models.ErrAreaNotFound when the owning area does not exist.
	Append(ctx context.Context, sample *models.MetricSample) error

	// HighWaterMark returns the largest sample ID assigned so far.
	HighWaterMark(ctx context.Context) (int64, error)

	// WindowPage returns up to limit samples after the query cursor, ordered
	// by recorded_at then ID.
	WindowPage(ctx context.Context, q WindowQuery, limit int) ([]models.MetricSample, error)

	// Latest returns nil, nil when the area has no sample of that type.
	Latest(ctx context.Context, areaID, metricType string) (*models.MetricSample, error)

	// PruneBefore deletes every sample recorded strictly before cutoff.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AnalysisRepository defines data access for AreaAnalyses.
type AnalysisRepository interface {
	// Save fails with models.ErrAreaNotFound when the area does not exist.
	Save(ctx context.Context, analysis *models.AreaAnalysis) error

	// ListByArea returns the newest analyses first.
	ListByArea(ctx context.Context, areaID string, limit int) ([]models.AreaAnalysis, error)
}

// CacheRepository defines data access for CacheEntries.
type CacheRepository interface {
	// GetLive returns the entry only if it is live at now, incrementing its
	// hit count. Returns nil, nil on a miss.
	GetLive(ctx context.Context, key string, now time.Time) (*models.CacheEntry, error)

	// Put writes or replaces the entry for entry.Key. A replaced entry keeps
	// its hit count and becomes valid again.
	Put(ctx context.Context, entry *models.CacheEntry) error

	// Invalidate marks the entry invalid. Missing keys are not an error.
	Invalidate(ctx context.Context, key string, now time.Time) error

	// FindNearbyLive returns live footprint-tagged entries within radiusKm.
	FindNearbyLive(ctx context.Context, center models.Point, radiusKm float64, now time.Time) ([]CacheEntryWithDistance, error)

	// DeleteByArea removes entries scoped to the area.
	DeleteByArea(ctx context.Context, areaID string) (int64, error)

	// Sweep physically deletes entries that expired, or were invalidated,
	// at or before cutoff.
	Sweep(ctx context.Context, cutoff time.Time) (int64, error)

	Stats(ctx context.Context, now time.Time) (models.CacheStats, error)
}

// Store bundles the repositories of one storage backend.
type Store struct {
	Areas    AreaRepository
	Events   EventRepository
	Metrics  MetricRepository
	Analyses AnalysisRepository
	Cache    CacheRepository

	ping func(ctx context.Context) error
}

// Ping checks that the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}
