package repository

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stwalsh4118/echosphere/internal/models"
	"github.com/stwalsh4118/echosphere/internal/spatial"
)

// memoryState is the shared state behind the in-process backend. One
// RWMutex guards the maps; critical sections never call out of the package.
type memoryState struct {
	mu       sync.RWMutex
	seq      int64
	areas    map[string]*models.Area
	events   map[string]*models.Event // keyed by ExternalSourceID
	samples  map[string][]models.MetricSample
	analyses map[string][]models.AreaAnalysis
	cache    map[string]*memoryCacheEntry
}

// memoryCacheEntry keeps the hit counter outside the entry so a read can
// bump it under the shared read lock.
type memoryCacheEntry struct {
	entry models.CacheEntry
	hits  *atomic.Int64
}

func (s *memoryState) nextSeq() int64 {
	s.seq++
	return s.seq
}

// NewMemoryStore creates an in-process Store. It is used for local
// development (STORE_DRIVER=memory) and as the backend of package tests.
func NewMemoryStore() *Store {
	st := &memoryState{
		areas:    make(map[string]*models.Area),
		events:   make(map[string]*models.Event),
		samples:  make(map[string][]models.MetricSample),
		analyses: make(map[string][]models.AreaAnalysis),
		cache:    make(map[string]*memoryCacheEntry),
	}
	return &Store{
		Areas:    &memoryAreaRepository{st},
		Events:   &memoryEventRepository{st},
		Metrics:  &memoryMetricRepository{st},
		Analyses: &memoryAnalysisRepository{st},
		Cache:    &memoryCacheRepository{st},
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

type memoryAreaRepository struct{ st *memoryState }

func (r *memoryAreaRepository) Create(ctx context.Context, area *models.Area) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	area.Seq = r.st.nextSeq()
	stored := *area
	r.st.areas[area.ID] = &stored
	return nil
}

func (r *memoryAreaRepository) Rename(ctx context.Context, id string, name *string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	area, ok := r.st.areas[id]
	if !ok {
		return false, nil
	}
	renamed := *area
	renamed.Name = name
	r.st.areas[id] = &renamed
	return true, nil
}

func (r *memoryAreaRepository) FindByID(ctx context.Context, id string) (*models.Area, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.st.mu.RLock()
	defer r.st.mu.RUnlock()

	area, ok := r.st.areas[id]
	if !ok {
		return nil, nil
	}
	out := *area
	return &out, nil
}

func (r *memoryAreaRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.Area, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.st.mu.RLock()
	results := []models.Area{}
	for _, area := range r.st.areas {
		if area.OwnerID != nil && *area.OwnerID == ownerID {
			results = append(results, *area)
		}
	}
	r.st.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].Seq > results[j].Seq })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (r *memoryAreaRepository) FindNearby(ctx context.Context, center models.Point, radiusKm float64) ([]AreaWithDistance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.st.mu.RLock()
	var ranked []spatial.Ranked[models.Area]
	for _, area := range r.st.areas {
		if d, ok := spatial.WithinRadius(center, area.Centroid, radiusKm); ok {
			ranked = append(ranked, spatial.Ranked[models.Area]{Item: *area, DistanceKm: d, Seq: area.Seq})
		}
	}
	r.st.mu.RUnlock()

	return rankAreas(ranked), nil
}

func (r *memoryAreaRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	delete(r.st.areas, id)
	delete(r.st.samples, id)
	delete(r.st.analyses, id)
	for key, ce := range r.st.cache {
		if ce.entry.AreaID != nil && *ce.entry.AreaID == id {
			delete(r.st.cache, key)
		}
	}
	return nil
}

func (r *memoryAreaRepository) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.st.mu.RLock()
	defer r.st.mu.RUnlock()
	return int64(len(r.st.areas)), nil
}

type memoryEventRepository struct{ st *memoryState }

func (r *memoryEventRepository) Upsert(ctx context.Context, event *models.Event) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	existing, ok := r.st.events[event.ExternalSourceID]
	if ok {
		event.ID = existing.ID
		event.Seq = existing.Seq
		event.CreatedAt = existing.CreatedAt
	} else {
		if event.ID == "" {
			event.ID = uuid.New().String()
		}
		event.Seq = r.st.nextSeq()
		if event.CreatedAt.IsZero() {
			event.CreatedAt = event.UpdatedAt
		}
	}

	stored := *event
	stored.Payload = cloneBytes(event.Payload)
	r.st.events[event.ExternalSourceID] = &stored
	return !ok, nil
}

func (r *memoryEventRepository) FindByExternalID(ctx context.Context, externalID string) (*models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.st.mu.RLock()
	defer r.st.mu.RUnlock()

	event, ok := r.st.events[externalID]
	if !ok {
		return nil, nil
	}
	out := *event
	out.Payload = cloneBytes(event.Payload)
	return &out, nil
}

func (r *memoryEventRepository) FindNearby(ctx context.Context, center models.Point, radiusKm float64, filter models.EventFilter) ([]EventWithDistance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.st.mu.RLock()
	var ranked []spatial.Ranked[models.Event]
	for _, event := range r.st.events {
		if !filter.Matches(*event) {
			continue
		}
		if d, ok := spatial.WithinRadius(center, event.Point, radiusKm); ok {
			out := *event
			out.Payload = cloneBytes(event.Payload)
			ranked = append(ranked, spatial.Ranked[models.Event]{Item: out, DistanceKm: d, Seq: event.Seq})
		}
	}
	r.st.mu.RUnlock()

	return rankEvents(ranked), nil
}

func (r *memoryEventRepository) PruneClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	var removed int64
	for id, event := range r.st.events {
		if event.Status == models.StatusClosed && event.ObservedAt.Before(cutoff) {
			delete(r.st.events, id)
			removed++
		}
	}
	return removed, nil
}

func (r *memoryEventRepository) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.st.mu.RLock()
	defer r.st.mu.RUnlock()
	return int64(len(r.st.events)), nil
}

type memoryMetricRepository struct{ st *memoryState }

func (r *memoryMetricRepository) Append(ctx context.Context, sample *models.MetricSample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	if _, ok := r.st.areas[sample.AreaID]; !ok {
		return models.ErrAreaNotFound
	}
	sample.ID = r.st.nextSeq()
	r.st.samples[sample.AreaID] = append(r.st.samples[sample.AreaID], *sample)
	return nil
}

func (r *memoryMetricRepository) HighWaterMark(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.st.mu.RLock()
	defer r.st.mu.RUnlock()
	return r.st.seq, nil
}

// afterCursor reports whether s sorts strictly after the (recordedAt, id) cursor.
func afterCursor(s models.MetricSample, recordedAt time.Time, id int64) bool {
	if s.RecordedAt.Equal(recordedAt) {
		return s.ID > id
	}
	return s.RecordedAt.After(recordedAt)
}

func (r *memoryMetricRepository) WindowPage(ctx context.Context, q WindowQuery, limit int) ([]models.MetricSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.st.mu.RLock()
	var matched []models.MetricSample
	for _, s := range r.st.samples[q.AreaID] {
		if s.MetricType != q.MetricType || s.ID > q.MaxID || s.RecordedAt.Before(q.Since) {
			continue
		}
		if !afterCursor(s, q.AfterRecordedAt, q.AfterID) {
			continue
		}
		matched = append(matched, s)
	}
	r.st.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].RecordedAt.Equal(matched[j].RecordedAt) {
			return matched[i].RecordedAt.Before(matched[j].RecordedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (r *memoryMetricRepository) Latest(ctx context.Context, areaID, metricType string) (*models.MetricSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.st.mu.RLock()
	defer r.st.mu.RUnlock()

	var latest *models.MetricSample
	for i := range r.st.samples[areaID] {
		s := r.st.samples[areaID][i]
		if s.MetricType != metricType {
			continue
		}
		if latest == nil || s.RecordedAt.After(latest.RecordedAt) ||
			(s.RecordedAt.Equal(latest.RecordedAt) && s.ID > latest.ID) {
			latest = &s
		}
	}
	return latest, nil
}

func (r *memoryMetricRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	var removed int64
	for areaID, samples := range r.st.samples {
		kept := samples[:0:0]
		for _, s := range samples {
			if s.RecordedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		r.st.samples[areaID] = kept
	}
	return removed, nil
}

type memoryAnalysisRepository struct{ st *memoryState }

func (r *memoryAnalysisRepository) Save(ctx context.Context, analysis *models.AreaAnalysis) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	if _, ok := r.st.areas[analysis.AreaID]; !ok {
		return models.ErrAreaNotFound
	}
	stored := *analysis
	stored.Summary = cloneBytes(analysis.Summary)
	r.st.analyses[analysis.AreaID] = append(r.st.analyses[analysis.AreaID], stored)
	return nil
}

func (r *memoryAnalysisRepository) ListByArea(ctx context.Context, areaID string, limit int) ([]models.AreaAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.st.mu.RLock()
	stored := r.st.analyses[areaID]
	results := make([]models.AreaAnalysis, 0, len(stored))
	// Appended in creation order; newest first is the reverse.
	for i := len(stored) - 1; i >= 0; i-- {
		a := stored[i]
		a.Summary = cloneBytes(a.Summary)
		results = append(results, a)
	}
	r.st.mu.RUnlock()

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

type memoryCacheRepository struct{ st *memoryState }

func (r *memoryCacheRepository) snapshot(ce *memoryCacheEntry) models.CacheEntry {
	out := ce.entry
	out.Payload = cloneBytes(ce.entry.Payload)
	out.HitCount = ce.hits.Load()
	return out
}

func (r *memoryCacheRepository) GetLive(ctx context.Context, key string, now time.Time) (*models.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.st.mu.RLock()
	defer r.st.mu.RUnlock()

	ce, ok := r.st.cache[key]
	if !ok || !ce.entry.Live(now) {
		return nil, nil
	}
	ce.hits.Add(1)
	out := r.snapshot(ce)
	return &out, nil
}

func (r *memoryCacheRepository) Put(ctx context.Context, entry *models.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := *entry
	stored.Payload = cloneBytes(entry.Payload)
	stored.Valid = true
	stored.InvalidatedAt = nil

	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	hits := new(atomic.Int64)
	if existing, ok := r.st.cache[entry.Key]; ok {
		hits = existing.hits
	}
	r.st.cache[entry.Key] = &memoryCacheEntry{entry: stored, hits: hits}
	entry.HitCount = hits.Load()
	entry.Valid = true
	entry.InvalidatedAt = nil
	return nil
}

func (r *memoryCacheRepository) Invalidate(ctx context.Context, key string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	ce, ok := r.st.cache[key]
	if !ok || !ce.entry.Valid {
		return nil
	}
	updated := ce.entry
	updated.Valid = false
	at := now
	updated.InvalidatedAt = &at
	r.st.cache[key] = &memoryCacheEntry{entry: updated, hits: ce.hits}
	return nil
}

func (r *memoryCacheRepository) FindNearbyLive(ctx context.Context, center models.Point, radiusKm float64, now time.Time) ([]CacheEntryWithDistance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.st.mu.RLock()
	var ranked []spatial.Ranked[models.CacheEntry]
	for _, ce := range r.st.cache {
		if ce.entry.Footprint == nil || !ce.entry.Live(now) {
			continue
		}
		if d, ok := spatial.WithinRadius(center, ce.entry.Footprint.Center(), radiusKm); ok {
			ranked = append(ranked, spatial.Ranked[models.CacheEntry]{
				Item:       r.snapshot(ce),
				DistanceKm: d,
				Seq:        ce.entry.CreatedAt.UnixNano(),
			})
		}
	}
	r.st.mu.RUnlock()

	return rankCacheEntries(ranked), nil
}

func (r *memoryCacheRepository) DeleteByArea(ctx context.Context, areaID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	var removed int64
	for key, ce := range r.st.cache {
		if ce.entry.AreaID != nil && *ce.entry.AreaID == areaID {
			delete(r.st.cache, key)
			removed++
		}
	}
	return removed, nil
}

func (r *memoryCacheRepository) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	var removed int64
	for key, ce := range r.st.cache {
		if ce.entry.Sweepable(cutoff) {
			delete(r.st.cache, key)
			removed++
		}
	}
	return removed, nil
}

func (r *memoryCacheRepository) Stats(ctx context.Context, now time.Time) (models.CacheStats, error) {
	if err := ctx.Err(); err != nil {
		return models.CacheStats{}, err
	}
	r.st.mu.RLock()
	defer r.st.mu.RUnlock()

	stats := models.CacheStats{Prefixes: make(map[string]models.PrefixStats)}
	for key, ce := range r.st.cache {
		stats.Add(key, ce.hits.Load(), ce.entry.Live(now))
	}
	return stats, nil
}

func rankAreas(ranked []spatial.Ranked[models.Area]) []AreaWithDistance {
	spatial.SortRanked(ranked)
	results := make([]AreaWithDistance, len(ranked))
	for i, r := range ranked {
		results[i] = AreaWithDistance{Area: r.Item, DistanceKm: r.DistanceKm}
	}
	return results
}

func rankEvents(ranked []spatial.Ranked[models.Event]) []EventWithDistance {
	spatial.SortRanked(ranked)
	results := make([]EventWithDistance, len(ranked))
	for i, r := range ranked {
		results[i] = EventWithDistance{Event: r.Item, DistanceKm: r.DistanceKm}
	}
	return results
}

func rankCacheEntries(ranked []spatial.Ranked[models.CacheEntry]) []CacheEntryWithDistance {
	spatial.SortRanked(ranked)
	results := make([]CacheEntryWithDistance, len(ranked))
	for i, r := range ranked {
		results[i] = CacheEntryWithDistance{Entry: r.Item, DistanceKm: r.DistanceKm}
	}
	return results
}
