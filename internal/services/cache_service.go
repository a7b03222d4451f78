package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stwalsh4118/echosphere/internal/logger"
	"github.com/stwalsh4118/echosphere/internal/models"
	"github.com/stwalsh4118/echosphere/internal/repository"
	"github.com/stwalsh4118/echosphere/internal/spatial"
)

// DefaultCacheTTL applies when no TTL is configured.
const DefaultCacheTTL = time.Hour

// FetchFunc produces the payload for a cache miss. It runs without any
// cache lock held and may be called concurrently for the same key.
type FetchFunc func(ctx context.Context) ([]byte, error)

// CacheOption tags an entry written by GetOrFetch.
type CacheOption func(*cacheOptions)

type cacheOptions struct {
	footprint *models.Footprint
	areaID    *string
}

// WithFootprint tags the entry with a location or bounding box so it can be
// found by NearbyCached.
func WithFootprint(f models.Footprint) CacheOption {
	return func(o *cacheOptions) { o.footprint = &f }
}

// WithArea scopes the entry to an area. It is deleted together with the area.
func WithArea(areaID string) CacheOption {
	return func(o *cacheOptions) { o.areaID = &areaID }
}

// CacheService memoizes upstream responses with per-entry TTLs.
type CacheService interface {
	// Get returns the live payload for key or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetOrFetch returns the cached payload, or calls fetch and stores its
	// result for ttl. A failed fetch returns ErrFetchFailed and is never cached.
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc, opts ...CacheOption) ([]byte, error)

	// Invalidate marks the entry stale. Unknown keys are ignored.
	Invalidate(ctx context.Context, key string) error

	// NearbyCached returns live footprint-tagged entries within radiusKm.
	NearbyCached(ctx context.Context, point models.Point, radiusKm float64) ([]repository.CacheEntryWithDistance, error)

	Stats(ctx context.Context) (models.CacheStats, error)

	// SweepExpired deletes entries that expired or were invalidated more
	// than grace ago.
	SweepExpired(ctx context.Context, grace time.Duration) (int64, error)
}

type cacheService struct {
	cache      repository.CacheRepository
	areas      repository.AreaRepository
	defaultTTL time.Duration
	now        Clock
	log        *logger.Logger
}

// NewCacheService creates a CacheService. areas is used to check WithArea
// scopes; defaultTTL replaces non-positive TTLs.
func NewCacheService(cache repository.CacheRepository, areas repository.AreaRepository, defaultTTL time.Duration, now Clock, log *logger.Logger) CacheService {
	if defaultTTL <= 0 {
		defaultTTL = DefaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &cacheService{
		cache:      cache,
		areas:      areas,
		defaultTTL: defaultTTL,
		now:        now,
		log:        log.Component("cache"),
	}
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: cache key is required", models.ErrInvalidInput)
	}
	if len(key) > 512 {
		return fmt.Errorf("%w: cache key exceeds 512 bytes", models.ErrInvalidInput)
	}
	return nil
}

func (s *cacheService) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	entry, err := s.cache.GetLive(ctx, key, s.now())
	if err != nil {
		s.log.Error("Failed to read cache entry", err, map[string]interface{}{"key": key})
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrCacheMiss, key)
	}
	return entry.Payload, nil
}

func (s *cacheService) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc, opts ...CacheOption) ([]byte, error) {
	var o cacheOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := s.checkOptions(ctx, o); err != nil {
		return nil, err
	}

	payload, err := s.Get(ctx, key)
	if err == nil {
		s.log.Debug("Cache hit", map[string]interface{}{"key": key})
		return payload, nil
	}
	if !errors.Is(err, models.ErrCacheMiss) {
		return nil, err
	}

	payload, err = fetch(ctx)
	if err != nil {
		s.log.Warn("Upstream fetch failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return nil, fmt.Errorf("%w: %s: %w", models.ErrFetchFailed, key, err)
	}

	if payload == nil {
		payload = []byte{}
	}

	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	entry := &models.CacheEntry{
		Key:       key,
		Payload:   payload,
		Footprint: o.footprint,
		AreaID:    o.areaID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.cache.Put(ctx, entry); err != nil {
		s.log.Warn("Failed to write cache entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return payload, nil
	}

	s.log.Debug("Cache entry stored", map[string]interface{}{
		"key":         key,
		"ttl_seconds": ttl.Seconds(),
	})
	return payload, nil
}

func (s *cacheService) checkOptions(ctx context.Context, o cacheOptions) error {
	if o.footprint != nil {
		for _, p := range []models.Point{
			models.PointFromOrb(o.footprint.Bound.Min),
			models.PointFromOrb(o.footprint.Bound.Max),
		} {
			if err := spatial.ValidatePoint(p); err != nil {
				return err
			}
		}
	}
	if o.areaID != nil {
		area, err := s.areas.FindByID(ctx, *o.areaID)
		if err != nil {
			return fmt.Errorf("failed to query area: %w", err)
		}
		if area == nil {
			return fmt.Errorf("%w: %s", models.ErrAreaNotFound, *o.areaID)
		}
	}
	return nil
}

func (s *cacheService) Invalidate(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.cache.Invalidate(ctx, key, s.now().UTC()); err != nil {
		s.log.Error("Failed to invalidate cache entry", err, map[string]interface{}{"key": key})
		return fmt.Errorf("failed to invalidate cache entry: %w", err)
	}
	return nil
}

func (s *cacheService) NearbyCached(ctx context.Context, point models.Point, radiusKm float64) ([]repository.CacheEntryWithDistance, error) {
	if err := spatial.ValidatePoint(point); err != nil {
		return nil, err
	}
	if err := spatial.ValidateRadius(radiusKm); err != nil {
		return nil, err
	}

	entries, err := s.cache.FindNearbyLive(ctx, point, radiusKm, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to query nearby cache entries: %w", err)
	}
	return entries, nil
}

func (s *cacheService) Stats(ctx context.Context) (models.CacheStats, error) {
	stats, err := s.cache.Stats(ctx, s.now())
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("failed to compute cache stats: %w", err)
	}
	if stats.Prefixes == nil {
		stats.Prefixes = make(map[string]models.PrefixStats)
	}
	return stats, nil
}

func (s *cacheService) SweepExpired(ctx context.Context, grace time.Duration) (int64, error) {
	if grace < 0 {
		grace = 0
	}
	removed, err := s.cache.Sweep(ctx, s.now().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep cache: %w", err)
	}
	return removed, nil
}
