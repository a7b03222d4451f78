package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stwalsh4118/echosphere/internal/models"
)

func newMiniredisCache(t *testing.T) (*RedisCacheRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCacheRepository(client, "test:cache:"), mr
}

func TestRedisCacheRepository(t *testing.T) {
	runCacheContract(t, func(t *testing.T) (CacheRepository, func(*testing.T, string)) {
		repo, _ := newMiniredisCache(t)
		return repo, func(*testing.T, string) {}
	})
}

func TestRedisCache_Ping(t *testing.T) {
	repo, mr := newMiniredisCache(t)
	require.NoError(t, repo.Ping(context.Background()))

	mr.Close()
	err := repo.Ping(context.Background())
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
}

func TestRedisCache_KeysArePrefixed(t *testing.T) {
	repo, mr := newMiniredisCache(t)
	fp := models.PointFootprint(models.Point{Lat: 2.30, Lng: 111.82})

	require.NoError(t, repo.Put(context.Background(), &models.CacheEntry{
		Key: "power:1", Payload: []byte(`{}`), Footprint: &fp, AreaID: strPtr("area-1"),
		CreatedAt: baseTime, ExpiresAt: baseTime.Add(time.Hour),
	}))

	for _, key := range mr.Keys() {
		assert.Contains(t, key, "test:cache:")
	}
	assert.True(t, mr.Exists("test:cache:entry:power:1"))
	assert.True(t, mr.Exists("test:cache:geo"))
	assert.True(t, mr.Exists("test:cache:area:area-1"))
}

func TestRedisCache_PolarFootprints(t *testing.T) {
	ctx := context.Background()
	repo, _ := newMiniredisCache(t)

	pole := models.PointFootprint(models.Point{Lat: 89.5, Lng: 10})
	require.NoError(t, repo.Put(ctx, &models.CacheEntry{
		Key: "ice:1", Payload: []byte(`{}`), Footprint: &pole,
		CreatedAt: baseTime, ExpiresAt: baseTime.Add(time.Hour),
	}))

	results, err := repo.FindNearbyLive(ctx, models.Point{Lat: 89.6, Lng: 10}, 20, baseTime)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ice:1", results[0].Entry.Key)
	assert.InDelta(t, 11.1, results[0].DistanceKm, 0.1)
}

func TestRedisCache_RewriteMovesAreaAndFootprint(t *testing.T) {
	ctx := context.Background()
	repo, mr := newMiniredisCache(t)

	fp := models.PointFootprint(models.Point{Lat: 2.30, Lng: 111.82})
	require.NoError(t, repo.Put(ctx, &models.CacheEntry{
		Key: "power:1", Payload: []byte(`{}`), Footprint: &fp, AreaID: strPtr("area-1"),
		CreatedAt: baseTime, ExpiresAt: baseTime.Add(time.Hour),
	}))
	require.NoError(t, repo.Put(ctx, &models.CacheEntry{
		Key: "power:1", Payload: []byte(`{}`), AreaID: strPtr("area-2"),
		CreatedAt: baseTime, ExpiresAt: baseTime.Add(time.Hour),
	}))

	members, err := mr.SMembers("test:cache:area:area-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"power:1"}, members)
	assert.False(t, mr.Exists("test:cache:area:area-1"))

	nearby, err := repo.FindNearbyLive(ctx, models.Point{Lat: 2.30, Lng: 111.82}, 1, baseTime)
	require.NoError(t, err)
	assert.Empty(t, nearby)

	removed, err := repo.DeleteByArea(ctx, "area-1")
	require.NoError(t, err)
	assert.Zero(t, removed)
}
