package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stwalsh4118/echosphere/internal/models"
	"github.com/stwalsh4118/echosphere/internal/spatial"
)

// The contract tests below run against every backend so that the memory,
// PostGIS and Redis implementations stay interchangeable.

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

// squareArea builds an area whose footprint is a small square centered on
// (lat, lng), with derived fields filled in.
func squareArea(id string, lat, lng float64) *models.Area {
	const d = 0.01
	poly := models.NewPolygon([][2]float64{
		{lng - d, lat - d},
		{lng + d, lat - d},
		{lng + d, lat + d},
		{lng - d, lat + d},
		{lng - d, lat - d},
	})
	return &models.Area{
		ID:        id,
		Footprint: poly,
		Centroid:  spatial.Centroid(poly.Ring),
		AreaKm2:   spatial.AreaKm2(poly.Ring),
		CreatedAt: baseTime,
	}
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) *Store) {
	t.Run("AreaLifecycle", func(t *testing.T) { testAreaLifecycle(t, newStore(t)) })
	t.Run("AreaNearbyOrdering", func(t *testing.T) { testAreaNearbyOrdering(t, newStore(t)) })
	t.Run("AreaDeleteCascades", func(t *testing.T) { testAreaDeleteCascades(t, newStore(t)) })
	t.Run("EventUpsertAndNearby", func(t *testing.T) { testEventUpsertAndNearby(t, newStore(t)) })
	t.Run("MetricWindowPaging", func(t *testing.T) { testMetricWindowPaging(t, newStore(t)) })
	t.Run("MetricLatestAndPrune", func(t *testing.T) { testMetricLatestAndPrune(t, newStore(t)) })
	t.Run("Analyses", func(t *testing.T) { testAnalyses(t, newStore(t)) })
}

func testAreaLifecycle(t *testing.T, store *Store) {
	ctx := context.Background()

	area := squareArea("area-1", 2.30, 111.82)
	area.OwnerID = strPtr("user-1")
	area.Name = strPtr("Sibu")
	require.NoError(t, store.Areas.Create(ctx, area))
	assert.Positive(t, area.Seq)

	found, err := store.Areas.FindByID(ctx, "area-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "Sibu", *found.Name)
	assert.InDelta(t, 2.30, found.Centroid.Lat, 1e-9)
	assert.InDelta(t, 111.82, found.Centroid.Lng, 1e-9)
	assert.Len(t, found.Footprint.Ring, 5)
	assert.InDelta(t, area.AreaKm2, found.AreaKm2, 1e-9)

	missing, err := store.Areas.FindByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	ok, err := store.Areas.Rename(ctx, "area-1", strPtr("Sibu town"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Areas.Rename(ctx, "nope", strPtr("x"))
	require.NoError(t, err)
	assert.False(t, ok)

	second := squareArea("area-2", 3.0, 112.0)
	second.OwnerID = strPtr("user-1")
	require.NoError(t, store.Areas.Create(ctx, second))
	require.NoError(t, store.Areas.Create(ctx, squareArea("area-3", 4.0, 113.0)))

	owned, err := store.Areas.ListByOwner(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.Equal(t, "area-2", owned[0].ID, "newest first")
	assert.Equal(t, "Sibu town", *owned[1].Name)

	n, err := store.Areas.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func testAreaNearbyOrdering(t *testing.T, store *Store) {
	ctx := context.Background()

	require.NoError(t, store.Areas.Create(ctx, squareArea("far", 2.40, 111.82)))
	require.NoError(t, store.Areas.Create(ctx, squareArea("twin-a", 2.31, 111.82)))
	require.NoError(t, store.Areas.Create(ctx, squareArea("twin-b", 2.31, 111.82)))
	require.NoError(t, store.Areas.Create(ctx, squareArea("outside", 3.50, 111.82)))

	center := models.Point{Lat: 2.30, Lng: 111.82}
	results, err := store.Areas.FindNearby(ctx, center, 20)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "twin-a", results[0].Area.ID, "ties break by creation order")
	assert.Equal(t, "twin-b", results[1].Area.ID)
	assert.Equal(t, "far", results[2].Area.ID)
	assert.InDelta(t, 1.11, results[0].DistanceKm, 0.01)
	assert.LessOrEqual(t, results[1].DistanceKm, results[2].DistanceKm)

	exact, err := store.Areas.FindNearby(ctx, models.Point{Lat: 2.31, Lng: 111.82}, 0)
	require.NoError(t, err)
	require.Len(t, exact, 2)

	none, err := store.Areas.FindNearby(ctx, models.Point{Lat: -40, Lng: -70}, 50)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testAreaDeleteCascades(t *testing.T, store *Store) {
	ctx := context.Background()

	require.NoError(t, store.Areas.Create(ctx, squareArea("doomed", 2.30, 111.82)))
	require.NoError(t, store.Areas.Create(ctx, squareArea("kept", 2.30, 111.90)))

	for _, id := range []string{"doomed", "kept"} {
		require.NoError(t, store.Metrics.Append(ctx, &models.MetricSample{
			AreaID: id, MetricType: models.MetricHeatIndex, Value: 31, RecordedAt: baseTime,
		}))
		require.NoError(t, store.Analyses.Save(ctx, &models.AreaAnalysis{
			ID: id + "-analysis", AreaID: id, RiskLevel: models.RiskHigh, CreatedAt: baseTime,
		}))
		require.NoError(t, store.Cache.Put(ctx, &models.CacheEntry{
			Key: "power:" + id, Payload: []byte(`{}`), AreaID: strPtr(id),
			CreatedAt: baseTime, ExpiresAt: baseTime.Add(time.Hour),
		}))
	}

	require.NoError(t, store.Areas.Delete(ctx, "doomed"))
	require.NoError(t, store.Areas.Delete(ctx, "doomed"), "delete is idempotent")

	latest, err := store.Metrics.Latest(ctx, "doomed", models.MetricHeatIndex)
	require.NoError(t, err)
	assert.Nil(t, latest)
	analyses, err := store.Analyses.ListByArea(ctx, "doomed", 10)
	require.NoError(t, err)
	assert.Empty(t, analyses)
	entry, err := store.Cache.GetLive(ctx, "power:doomed", baseTime)
	require.NoError(t, err)
	assert.Nil(t, entry)

	latest, err = store.Metrics.Latest(ctx, "kept", models.MetricHeatIndex)
	require.NoError(t, err)
	assert.NotNil(t, latest)
	entry, err = store.Cache.GetLive(ctx, "power:kept", baseTime)
	require.NoError(t, err)
	assert.NotNil(t, entry)

	err = store.Metrics.Append(ctx, &models.MetricSample{
		AreaID: "doomed", MetricType: models.MetricHeatIndex, Value: 1, RecordedAt: baseTime,
	})
	assert.ErrorIs(t, err, models.ErrAreaNotFound)
}

func testEventUpsertAndNearby(t *testing.T, store *Store) {
	ctx := context.Background()

	fire := &models.Event{
		ExternalSourceID: "EONET_1",
		Category:         models.CategoryFire,
		Status:           models.StatusOpen,
		Point:            models.Point{Lat: 2.31, Lng: 111.83},
		ObservedAt:       baseTime,
		UpdatedAt:        baseTime,
		Payload:          []byte(`{"v":1}`),
	}
	created, err := store.Events.Upsert(ctx, fire)
	require.NoError(t, err)
	assert.True(t, created)
	firstID := fire.ID
	assert.NotEmpty(t, firstID)

	again := *fire
	again.ID = ""
	again.Status = models.StatusClosed
	again.Payload = []byte(`{"v":2}`)
	again.UpdatedAt = baseTime.Add(time.Hour)
	created, err = store.Events.Upsert(ctx, &again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, firstID, again.ID)

	stored, err := store.Events.FindByExternalID(ctx, "EONET_1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.StatusClosed, stored.Status)
	assert.JSONEq(t, `{"v":2}`, string(stored.Payload))

	flood := &models.Event{
		ExternalSourceID: "EONET_2",
		Category:         models.CategoryFlood,
		Status:           models.StatusOpen,
		Point:            models.Point{Lat: 2.32, Lng: 111.82},
		ObservedAt:       baseTime,
		UpdatedAt:        baseTime,
	}
	_, err = store.Events.Upsert(ctx, flood)
	require.NoError(t, err)

	center := models.Point{Lat: 2.30, Lng: 111.82}
	open, err := store.Events.FindNearby(ctx, center, 10, models.EventFilter{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "EONET_2", open[0].Event.ExternalSourceID)

	all, err := store.Events.FindNearby(ctx, center, 10, models.EventFilter{IncludeClosed: true})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "EONET_1", all[0].Event.ExternalSourceID, "closer event first")

	fires, err := store.Events.FindNearby(ctx, center, 10, models.EventFilter{
		Categories: []models.EventCategory{models.CategoryFire}, IncludeClosed: true,
	})
	require.NoError(t, err)
	require.Len(t, fires, 1)

	pruned, err := store.Events.PruneClosedBefore(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	n, err := store.Events.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testMetricWindowPaging(t *testing.T, store *Store) {
	ctx := context.Background()
	require.NoError(t, store.Areas.Create(ctx, squareArea("a", 2.30, 111.82)))

	// Two samples share a timestamp; they must come back in insertion order.
	times := []time.Time{
		baseTime.Add(2 * time.Hour),
		baseTime,
		baseTime.Add(time.Hour),
		baseTime.Add(time.Hour),
		baseTime.Add(-48 * time.Hour),
	}
	var ids []int64
	for i, at := range times {
		s := &models.MetricSample{AreaID: "a", MetricType: models.MetricAirQuality, Value: float64(i), RecordedAt: at}
		require.NoError(t, store.Metrics.Append(ctx, s))
		ids = append(ids, s.ID)
	}
	require.NoError(t, store.Metrics.Append(ctx, &models.MetricSample{
		AreaID: "a", MetricType: models.MetricHeatIndex, Value: 99, RecordedAt: baseTime,
	}))

	hwm, err := store.Metrics.HighWaterMark(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, hwm, ids[len(ids)-1])

	q := WindowQuery{
		AreaID:     "a",
		MetricType: models.MetricAirQuality,
		Since:      baseTime.Add(-time.Hour),
		MaxID:      hwm,
	}
	page1, err := store.Metrics.WindowPage(ctx, q, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, ids[1], page1[0].ID)
	assert.Equal(t, ids[2], page1[1].ID)

	// A sample appended after the high-water mark stays out of the window.
	require.NoError(t, store.Metrics.Append(ctx, &models.MetricSample{
		AreaID: "a", MetricType: models.MetricAirQuality, Value: 7, RecordedAt: baseTime.Add(3 * time.Hour),
	}))

	q.AfterRecordedAt = page1[1].RecordedAt
	q.AfterID = page1[1].ID
	page2, err := store.Metrics.WindowPage(ctx, q, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, ids[3], page2[0].ID)
	assert.Equal(t, ids[0], page2[1].ID)

	q.AfterRecordedAt = page2[1].RecordedAt
	q.AfterID = page2[1].ID
	page3, err := store.Metrics.WindowPage(ctx, q, 2)
	require.NoError(t, err)
	assert.Empty(t, page3)
}

func testMetricLatestAndPrune(t *testing.T, store *Store) {
	ctx := context.Background()
	require.NoError(t, store.Areas.Create(ctx, squareArea("a", 2.30, 111.82)))

	for i, at := range []time.Time{baseTime.Add(-100 * 24 * time.Hour), baseTime, baseTime.Add(-time.Hour)} {
		require.NoError(t, store.Metrics.Append(ctx, &models.MetricSample{
			AreaID: "a", MetricType: models.MetricWaterStress, Value: float64(i), Unit: "index",
			Source: "NASA_POWER", RecordedAt: at,
		}))
	}

	latest, err := store.Metrics.Latest(ctx, "a", models.MetricWaterStress)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 1.0, latest.Value)
	assert.Equal(t, "NASA_POWER", latest.Source)

	none, err := store.Metrics.Latest(ctx, "a", models.MetricFloodRisk)
	require.NoError(t, err)
	assert.Nil(t, none)

	pruned, err := store.Metrics.PruneBefore(ctx, baseTime.Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	pruned, err = store.Metrics.PruneBefore(ctx, baseTime.Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, pruned)
}

func testAnalyses(t *testing.T, store *Store) {
	ctx := context.Background()
	require.NoError(t, store.Areas.Create(ctx, squareArea("a", 2.30, 111.82)))

	for i, level := range []models.RiskLevel{models.RiskLow, models.RiskCritical} {
		require.NoError(t, store.Analyses.Save(ctx, &models.AreaAnalysis{
			ID:        []string{"first", "second"}[i],
			AreaID:    "a",
			RiskLevel: level,
			Summary:   []byte(`{"note":"ok"}`),
			CreatedAt: baseTime.Add(time.Duration(i) * time.Minute),
		}))
	}

	list, err := store.Analyses.ListByArea(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[0].ID)
	assert.Equal(t, models.RiskCritical, list[0].RiskLevel)

	err = store.Analyses.Save(ctx, &models.AreaAnalysis{
		ID: "orphan", AreaID: "missing", RiskLevel: models.RiskLow, CreatedAt: baseTime,
	})
	assert.ErrorIs(t, err, models.ErrAreaNotFound)
}

// runCacheContract exercises a CacheRepository. seedArea must make the area
// id acceptable to the backend (a no-op where cache entries are not
// constrained by the area table).
func runCacheContract(t *testing.T, newRepo func(t *testing.T) (CacheRepository, func(t *testing.T, areaID string))) {
	t.Run("HitsAndExpiry", func(t *testing.T) {
		repo, _ := newRepo(t)
		testCacheHitsAndExpiry(t, repo)
	})
	t.Run("InvalidateAndRewrite", func(t *testing.T) {
		repo, _ := newRepo(t)
		testCacheInvalidateAndRewrite(t, repo)
	})
	t.Run("NearbyLive", func(t *testing.T) {
		repo, _ := newRepo(t)
		testCacheNearbyLive(t, repo)
	})
	t.Run("DeleteByArea", func(t *testing.T) {
		repo, seed := newRepo(t)
		testCacheDeleteByArea(t, repo, seed)
	})
	t.Run("Sweep", func(t *testing.T) {
		repo, _ := newRepo(t)
		testCacheSweep(t, repo)
	})
	t.Run("Stats", func(t *testing.T) {
		repo, _ := newRepo(t)
		testCacheStats(t, repo)
	})
}

func putEntry(t *testing.T, repo CacheRepository, key string, ttl time.Duration, fp *models.Footprint) *models.CacheEntry {
	t.Helper()
	entry := &models.CacheEntry{
		Key:       key,
		Payload:   []byte(`{"key":"` + key + `"}`),
		Footprint: fp,
		CreatedAt: baseTime,
		ExpiresAt: baseTime.Add(ttl),
	}
	require.NoError(t, repo.Put(context.Background(), entry))
	return entry
}

func testCacheHitsAndExpiry(t *testing.T, repo CacheRepository) {
	ctx := context.Background()
	putEntry(t, repo, "power:2.3:111.8", time.Hour, nil)

	got, err := repo.GetLive(ctx, "power:2.3:111.8", baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"key":"power:2.3:111.8"}`, string(got.Payload))
	assert.Equal(t, int64(1), got.HitCount)
	assert.True(t, got.Valid)

	got, err = repo.GetLive(ctx, "power:2.3:111.8", baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.HitCount)

	expired, err := repo.GetLive(ctx, "power:2.3:111.8", baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, expired, "an entry is a miss from its expiry instant on")

	missing, err := repo.GetLive(ctx, "nope", baseTime)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testCacheInvalidateAndRewrite(t *testing.T, repo CacheRepository) {
	ctx := context.Background()
	putEntry(t, repo, "weather:x", time.Hour, nil)

	_, err := repo.GetLive(ctx, "weather:x", baseTime)
	require.NoError(t, err)

	require.NoError(t, repo.Invalidate(ctx, "weather:x", baseTime.Add(time.Minute)))
	require.NoError(t, repo.Invalidate(ctx, "weather:x", baseTime.Add(2*time.Minute)))
	require.NoError(t, repo.Invalidate(ctx, "never-written", baseTime))

	got, err := repo.GetLive(ctx, "weather:x", baseTime.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, got)

	rewritten := putEntry(t, repo, "weather:x", 2*time.Hour, nil)
	assert.True(t, rewritten.Valid)
	assert.Equal(t, int64(1), rewritten.HitCount, "rewrite keeps the hit count")

	got, err = repo.GetLive(ctx, "weather:x", baseTime.Add(90*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.HitCount)
	assert.Nil(t, got.InvalidatedAt)
}

func testCacheNearbyLive(t *testing.T, repo CacheRepository) {
	ctx := context.Background()

	near := models.PointFootprint(models.Point{Lat: 2.31, Lng: 111.82})
	box := models.BoxFootprint(models.Point{Lat: 2.34, Lng: 111.80}, models.Point{Lat: 2.36, Lng: 111.84})
	far := models.PointFootprint(models.Point{Lat: 5.0, Lng: 111.82})
	stale := models.PointFootprint(models.Point{Lat: 2.30, Lng: 111.82})

	putEntry(t, repo, "imagery:near", time.Hour, &near)
	putEntry(t, repo, "imagery:box", time.Hour, &box)
	putEntry(t, repo, "imagery:far", time.Hour, &far)
	putEntry(t, repo, "imagery:expired", time.Minute, &stale)
	putEntry(t, repo, "imagery:invalid", time.Hour, &stale)
	putEntry(t, repo, "imagery:untagged", time.Hour, nil)
	require.NoError(t, repo.Invalidate(ctx, "imagery:invalid", baseTime))

	now := baseTime.Add(10 * time.Minute)
	results, err := repo.FindNearbyLive(ctx, models.Point{Lat: 2.30, Lng: 111.82}, 10, now)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "imagery:near", results[0].Entry.Key)
	assert.Equal(t, "imagery:box", results[1].Entry.Key)
	require.NotNil(t, results[1].Entry.Footprint)
	assert.False(t, results[1].Entry.Footprint.IsPoint())
	assert.InDelta(t, 2.35, results[1].Entry.Footprint.Center().Lat, 1e-6)
}

func testCacheDeleteByArea(t *testing.T, repo CacheRepository, seedArea func(t *testing.T, areaID string)) {
	ctx := context.Background()
	seedArea(t, "area-1")
	seedArea(t, "area-2")

	for _, e := range []struct{ key, area string }{
		{"power:a1", "area-1"},
		{"weather:a1", "area-1"},
		{"power:a2", "area-2"},
	} {
		require.NoError(t, repo.Put(ctx, &models.CacheEntry{
			Key: e.key, Payload: []byte(`1`), AreaID: strPtr(e.area),
			CreatedAt: baseTime, ExpiresAt: baseTime.Add(time.Hour),
		}))
	}
	putEntry(t, repo, "power:global", time.Hour, nil)

	removed, err := repo.DeleteByArea(ctx, "area-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	for key, wantLive := range map[string]bool{
		"power:a1":     false,
		"weather:a1":   false,
		"power:a2":     true,
		"power:global": true,
	} {
		got, err := repo.GetLive(ctx, key, baseTime)
		require.NoError(t, err)
		assert.Equal(t, wantLive, got != nil, key)
	}
}

func testCacheSweep(t *testing.T, repo CacheRepository) {
	ctx := context.Background()

	putEntry(t, repo, "k:expired-long-ago", time.Minute, nil)
	putEntry(t, repo, "k:expired-in-grace", 10*time.Minute, nil)
	putEntry(t, repo, "k:live", time.Hour, nil)
	putEntry(t, repo, "k:invalid-old", time.Hour, nil)
	putEntry(t, repo, "k:invalid-recent", time.Hour, nil)
	require.NoError(t, repo.Invalidate(ctx, "k:invalid-old", baseTime.Add(time.Minute)))
	require.NoError(t, repo.Invalidate(ctx, "k:invalid-recent", baseTime.Add(9*time.Minute)))

	// now = base+10m with 2m of grace.
	cutoff := baseTime.Add(8 * time.Minute)
	removed, err := repo.Sweep(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	stats, err := repo.Stats(ctx, baseTime.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalEntries)

	removed, err = repo.Sweep(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, removed, "sweeping is idempotent")
}

func testCacheStats(t *testing.T, repo CacheRepository) {
	ctx := context.Background()

	putEntry(t, repo, "power:1", time.Hour, nil)
	putEntry(t, repo, "power:2", time.Minute, nil)
	putEntry(t, repo, "plain", time.Hour, nil)

	for i := 0; i < 3; i++ {
		_, err := repo.GetLive(ctx, "power:1", baseTime)
		require.NoError(t, err)
	}
	_, err := repo.GetLive(ctx, "plain", baseTime)
	require.NoError(t, err)

	stats, err := repo.Stats(ctx, baseTime.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalEntries)
	assert.Equal(t, int64(2), stats.LiveEntries)
	assert.Equal(t, int64(4), stats.TotalHits)
	assert.Equal(t, models.PrefixStats{Entries: 2, Hits: 3}, stats.Prefixes["power"])
	assert.Equal(t, models.PrefixStats{Entries: 1, Hits: 1}, stats.Prefixes["plain"])
}
