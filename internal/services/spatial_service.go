package services

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stwalsh4118/echosphere/internal/logger"
	"github.com/stwalsh4118/echosphere/internal/models"
	"github.com/stwalsh4118/echosphere/internal/repository"
	"github.com/stwalsh4118/echosphere/internal/spatial"
)

// List limits for owner and analysis listings.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// AreaInput is a caller-submitted area. Coordinates are [lng, lat] pairs
// forming a closed ring. ID is optional; an existing ID renames the area.
type AreaInput struct {
	ID          string       `json:"id,omitempty" validate:"omitempty,max=128"`
	Name        *string      `json:"name,omitempty" validate:"omitempty,max=200"`
	OwnerID     *string      `json:"ownerId,omitempty" validate:"omitempty,max=128"`
	Coordinates [][2]float64 `json:"coordinates" validate:"required"`
}

// EventInput is one hazard event from an upstream feed.
type EventInput struct {
	ObservedAt       time.Time          `json:"observedAt" validate:"required"`
	ExternalSourceID string             `json:"externalSourceId" validate:"required,max=256"`
	Category         string             `json:"category" validate:"required,max=64"`
	Status           models.EventStatus `json:"status" validate:"omitempty,oneof=open closed"`
	Point            models.Point       `json:"point"`
	Payload          []byte             `json:"payload,omitempty"`
}

// SpatialService manages Areas, Events and AreaAnalyses and answers
// proximity queries over them.
type SpatialService interface {
	// UpsertArea validates and stores a new area, computing its centroid and
	// area. If in.ID names an existing area only its name may change.
	// Returns ErrInvalidGeometry for malformed rings.
	UpsertArea(ctx context.Context, in AreaInput) (*models.Area, error)

	// GetArea returns ErrNotFound when the area does not exist.
	GetArea(ctx context.Context, id string) (*models.Area, error)

	// RenameArea returns ErrNotFound when the area does not exist.
	RenameArea(ctx context.Context, id string, name *string) (*models.Area, error)

	ListAreasByOwner(ctx context.Context, ownerID string, limit int) ([]models.Area, error)

	// NearbyAreas returns areas whose centroid is within radiusKm, nearest
	// first, ties in creation order.
	NearbyAreas(ctx context.Context, point models.Point, radiusKm float64) ([]repository.AreaWithDistance, error)

	// DeleteArea removes the area and everything it owns. Missing ids succeed.
	DeleteArea(ctx context.Context, id string) error

	// IngestEvent upserts by ExternalSourceID and reports whether the event is new.
	IngestEvent(ctx context.Context, in EventInput) (*models.Event, bool, error)

	NearbyEvents(ctx context.Context, point models.Point, radiusKm float64, filter models.EventFilter) ([]repository.EventWithDistance, error)

	// PruneClosedEvents deletes closed events observed more than retention ago.
	PruneClosedEvents(ctx context.Context, retention time.Duration) (int64, error)

	// SaveAnalysis returns ErrAreaNotFound when the area does not exist.
	SaveAnalysis(ctx context.Context, areaID string, risk models.RiskLevel, summary []byte) (*models.AreaAnalysis, error)

	// ListAnalyses returns the area's analyses, newest first.
	ListAnalyses(ctx context.Context, areaID string, limit int) ([]models.AreaAnalysis, error)

	// CriticalAnalyses returns critical analyses across the owner's areas,
	// newest first.
	CriticalAnalyses(ctx context.Context, ownerID string, limit int) ([]models.AreaAnalysis, error)

	// Counts returns the number of stored areas and events.
	Counts(ctx context.Context) (areas, events int64, err error)
}

// spatialService is the concrete implementation of SpatialService.
type spatialService struct {
	areas    repository.AreaRepository
	events   repository.EventRepository
	analyses repository.AnalysisRepository
	cache    repository.CacheRepository
	validate *validator.Validate
	now      Clock
	log      *logger.Logger
}

// NewSpatialService creates a SpatialService over the store's repositories.
// cache receives area-scoped cache deletions and may be a different backend
// than store.Cache.
func NewSpatialService(store *repository.Store, cache repository.CacheRepository, now Clock, log *logger.Logger) SpatialService {
	if now == nil {
		now = time.Now
	}
	return &spatialService{
		areas:    store.Areas,
		events:   store.Events,
		analyses: store.Analyses,
		cache:    cache,
		validate: newValidator(),
		now:      now,
		log:      log.Component("spatial"),
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func (s *spatialService) UpsertArea(ctx context.Context, in AreaInput) (*models.Area, error) {
	if err := validateStruct(s.validate, in); err != nil {
		s.log.Warn("Invalid area input", map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	footprint := models.NewPolygon(in.Coordinates)
	if err := spatial.ValidateRing(footprint.Ring); err != nil {
		s.log.Warn("Rejected area geometry", map[string]interface{}{
			"points": len(in.Coordinates),
			"error":  err.Error(),
		})
		return nil, err
	}

	if in.ID != "" {
		existing, err := s.areas.FindByID(ctx, in.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up area %s: %w", in.ID, err)
		}
		if existing != nil {
			if !existing.Footprint.Ring.Equal(footprint.Ring) {
				return nil, fmt.Errorf("%w: footprint of area %s cannot change", models.ErrInvalidInput, in.ID)
			}
			return s.RenameArea(ctx, in.ID, in.Name)
		}
	}

	area := &models.Area{
		ID:        in.ID,
		OwnerID:   in.OwnerID,
		Name:      in.Name,
		Footprint: footprint,
		Centroid:  spatial.Centroid(footprint.Ring),
		AreaKm2:   spatial.AreaKm2(footprint.Ring),
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
	}
	if area.ID == "" {
		area.ID = uuid.New().String()
	}

	if err := s.areas.Create(ctx, area); err != nil {
		s.log.Error("Failed to create area", err, map[string]interface{}{"area_id": area.ID})
		return nil, fmt.Errorf("failed to create area: %w", err)
	}

	s.log.Info("Area created", map[string]interface{}{
		"area_id":    area.ID,
		"center_lat": area.Centroid.Lat,
		"center_lng": area.Centroid.Lng,
		"area_km2":   area.AreaKm2,
	})
	return area, nil
}

func (s *spatialService) GetArea(ctx context.Context, id string) (*models.Area, error) {
	area, err := s.areas.FindByID(ctx, id)
	if err != nil {
		s.log.Error("Failed to query area", err, map[string]interface{}{"area_id": id})
		return nil, fmt.Errorf("failed to query area: %w", err)
	}
	if area == nil {
		return nil, fmt.Errorf("%w: area %s", models.ErrNotFound, id)
	}
	return area, nil
}

func (s *spatialService) RenameArea(ctx context.Context, id string, name *string) (*models.Area, error) {
	if name != nil && len(*name) > 200 {
		return nil, fmt.Errorf("%w: name exceeds 200 characters", models.ErrInvalidInput)
	}

	ok, err := s.areas.Rename(ctx, id, name)
	if err != nil {
		s.log.Error("Failed to rename area", err, map[string]interface{}{"area_id": id})
		return nil, fmt.Errorf("failed to rename area: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: area %s", models.ErrNotFound, id)
	}
	return s.GetArea(ctx, id)
}

func (s *spatialService) ListAreasByOwner(ctx context.Context, ownerID string, limit int) ([]models.Area, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", models.ErrInvalidInput)
	}

	areas, err := s.areas.ListByOwner(ctx, ownerID, clampLimit(limit))
	if err != nil {
		s.log.Error("Failed to list areas", err, map[string]interface{}{"owner_id": ownerID})
		return nil, fmt.Errorf("failed to list areas: %w", err)
	}
	return areas, nil
}

func (s *spatialService) validateQuery(point models.Point, radiusKm float64) error {
	if err := spatial.ValidatePoint(point); err != nil {
		s.log.Warn("Invalid coordinates provided", map[string]interface{}{
			"lat": point.Lat,
			"lng": point.Lng,
		})
		return err
	}
	if err := spatial.ValidateRadius(radiusKm); err != nil {
		s.log.Warn("Invalid radius provided", map[string]interface{}{"radius_km": radiusKm})
		return err
	}
	return nil
}

func (s *spatialService) NearbyAreas(ctx context.Context, point models.Point, radiusKm float64) ([]repository.AreaWithDistance, error) {
	if err := s.validateQuery(point, radiusKm); err != nil {
		return nil, err
	}

	areas, err := s.areas.FindNearby(ctx, point, radiusKm)
	if err != nil {
		s.log.Error("Failed to query nearby areas", err, map[string]interface{}{
			"lat":       point.Lat,
			"lng":       point.Lng,
			"radius_km": radiusKm,
		})
		return nil, fmt.Errorf("failed to query nearby areas: %w", err)
	}

	s.log.Debug("Nearby areas found", map[string]interface{}{
		"lat":       point.Lat,
		"lng":       point.Lng,
		"radius_km": radiusKm,
		"count":     len(areas),
	})
	return areas, nil
}

// DeleteArea removes the area first so no new samples can be appended,
// then clears area-scoped cache entries from the cache backend.
func (s *spatialService) DeleteArea(ctx context.Context, id string) error {
	if err := s.areas.Delete(ctx, id); err != nil {
		s.log.Error("Failed to delete area", err, map[string]interface{}{"area_id": id})
		return fmt.Errorf("failed to delete area: %w", err)
	}

	removed, err := s.cache.DeleteByArea(ctx, id)
	if err != nil {
		s.log.Error("Failed to delete cache entries of area", err, map[string]interface{}{"area_id": id})
		return fmt.Errorf("failed to delete cache entries of area: %w", err)
	}

	s.log.Info("Area deleted", map[string]interface{}{
		"area_id":               id,
		"cache_entries_removed": removed,
	})
	return nil
}

func (s *spatialService) IngestEvent(ctx context.Context, in EventInput) (*models.Event, bool, error) {
	if err := spatial.ValidatePoint(in.Point); err != nil {
		return nil, false, err
	}
	if err := validateStruct(s.validate, in); err != nil {
		s.log.Warn("Invalid event input", map[string]interface{}{
			"external_source_id": in.ExternalSourceID,
			"error":              err.Error(),
		})
		return nil, false, err
	}

	status := in.Status
	if status == "" {
		status = models.StatusOpen
	}
	event := &models.Event{
		ExternalSourceID: in.ExternalSourceID,
		Category:         models.ParseEventCategory(in.Category),
		Status:           status,
		Point:            in.Point,
		ObservedAt:       in.ObservedAt.UTC().Truncate(time.Microsecond),
		Payload:          in.Payload,
		UpdatedAt:        s.now().UTC(),
	}

	created, err := s.events.Upsert(ctx, event)
	if err != nil {
		s.log.Error("Failed to ingest event", err, map[string]interface{}{
			"external_source_id": in.ExternalSourceID,
		})
		return nil, false, fmt.Errorf("failed to ingest event: %w", err)
	}

	s.log.Debug("Event ingested", map[string]interface{}{
		"external_source_id": event.ExternalSourceID,
		"category":           event.Category,
		"status":             event.Status,
		"created":            created,
	})
	return event, created, nil
}

func (s *spatialService) NearbyEvents(ctx context.Context, point models.Point, radiusKm float64, filter models.EventFilter) ([]repository.EventWithDistance, error) {
	if err := s.validateQuery(point, radiusKm); err != nil {
		return nil, err
	}

	events, err := s.events.FindNearby(ctx, point, radiusKm, filter)
	if err != nil {
		s.log.Error("Failed to query nearby events", err, map[string]interface{}{
			"lat":       point.Lat,
			"lng":       point.Lng,
			"radius_km": radiusKm,
		})
		return nil, fmt.Errorf("failed to query nearby events: %w", err)
	}
	return events, nil
}

func (s *spatialService) PruneClosedEvents(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("%w: event retention must be positive", models.ErrInvalidInput)
	}

	removed, err := s.events.PruneClosedBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune closed events: %w", err)
	}
	return removed, nil
}

func (s *spatialService) SaveAnalysis(ctx context.Context, areaID string, risk models.RiskLevel, summary []byte) (*models.AreaAnalysis, error) {
	if !risk.Valid() {
		return nil, fmt.Errorf("%w: unknown risk level %q", models.ErrInvalidInput, risk)
	}

	analysis := &models.AreaAnalysis{
		ID:        uuid.New().String(),
		AreaID:    areaID,
		RiskLevel: risk,
		Summary:   summary,
		CreatedAt: s.now().UTC(),
	}
	if err := s.analyses.Save(ctx, analysis); err != nil {
		s.log.Error("Failed to save analysis", err, map[string]interface{}{"area_id": areaID})
		return nil, fmt.Errorf("failed to save analysis: %w", err)
	}
	return analysis, nil
}

func (s *spatialService) ListAnalyses(ctx context.Context, areaID string, limit int) ([]models.AreaAnalysis, error) {
	area, err := s.areas.FindByID(ctx, areaID)
	if err != nil {
		return nil, fmt.Errorf("failed to query area: %w", err)
	}
	if area == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrAreaNotFound, areaID)
	}

	analyses, err := s.analyses.ListByArea(ctx, areaID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	return analyses, nil
}

func (s *spatialService) CriticalAnalyses(ctx context.Context, ownerID string, limit int) ([]models.AreaAnalysis, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", models.ErrInvalidInput)
	}

	areas, err := s.areas.ListByOwner(ctx, ownerID, MaxListLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list areas: %w", err)
	}

	critical := make([]models.AreaAnalysis, 0)
	for _, area := range areas {
		analyses, err := s.analyses.ListByArea(ctx, area.ID, MaxListLimit)
		if err != nil {
			s.log.Error("Failed to list analyses", err, map[string]interface{}{"area_id": area.ID})
			return nil, fmt.Errorf("failed to list analyses: %w", err)
		}
		for _, a := range analyses {
			if a.RiskLevel == models.RiskCritical {
				critical = append(critical, a)
			}
		}
	}

	slices.SortStableFunc(critical, func(a, b models.AreaAnalysis) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit = clampLimit(limit); len(critical) > limit {
		critical = critical[:limit]
	}
	return critical, nil
}

func (s *spatialService) Counts(ctx context.Context) (int64, int64, error) {
	areas, err := s.areas.Count(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count areas: %w", err)
	}
	events, err := s.events.Count(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count events: %w", err)
	}
	return areas, events, nil
}
