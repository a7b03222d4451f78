package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stwalsh4118/echosphere/internal/models"
	"github.com/stwalsh4118/echosphere/internal/spatial"
)

// Redis GEO commands only accept latitudes inside the Web Mercator range.
// Footprints centered beyond it are tracked in a plain set instead.
const redisGeoMaxLat = 85.05112878

// Hash fields of one cache entry. Timestamps are Unix microseconds, the same
// resolution PostgreSQL keeps for timestamptz.
const (
	fieldPayload       = "payload"
	fieldFootprint     = "footprint"
	fieldAreaID        = "area_id"
	fieldCreatedAt     = "created_at"
	fieldExpiresAt     = "expires_at"
	fieldHits          = "hits"
	fieldValid         = "valid"
	fieldInvalidatedAt = "invalidated_at"
)

// getLiveScript reads the entry and counts the hit atomically. It returns
// nil when the key is missing, invalidated or expired at ARGV[1].
var getLiveScript = redis.NewScript(`
local valid = redis.call('HGET', KEYS[1], 'valid')
if not valid or valid ~= '1' then
	return false
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if not expires or expires <= tonumber(ARGV[1]) then
	return false
end
redis.call('HINCRBY', KEYS[1], 'hits', 1)
return redis.call('HGETALL', KEYS[1])
`)

// RedisCacheRepository is a CacheRepository backed by Redis. Each entry is
// a hash; sorted sets index expiry and invalidation times for sweeping, a
// GEO set indexes footprint centers and a set per area tracks area-scoped keys.
type RedisCacheRepository struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCacheRepository creates a Redis-backed CacheRepository. All keys
// it writes start with prefix.
func NewRedisCacheRepository(client redis.UniversalClient, prefix string) *RedisCacheRepository {
	return &RedisCacheRepository{client: client, prefix: prefix}
}

func (r *RedisCacheRepository) entryKey(key string) string { return r.prefix + "entry:" + key }
func (r *RedisCacheRepository) indexKey() string          { return r.prefix + "keys" }
func (r *RedisCacheRepository) expiryKey() string         { return r.prefix + "expiry" }
func (r *RedisCacheRepository) invalidatedKey() string    { return r.prefix + "invalidated" }
func (r *RedisCacheRepository) geoKey() string            { return r.prefix + "geo" }
func (r *RedisCacheRepository) polarKey() string          { return r.prefix + "polar" }
func (r *RedisCacheRepository) areaKey(id string) string  { return r.prefix + "area:" + id }

// Ping checks that Redis is reachable.
func (r *RedisCacheRepository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return wrapRedisError("failed to ping redis", err)
	}
	return nil
}

func wrapRedisError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrStorageUnavailable, err)
}

func micros(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func parseMicros(s string) (time.Time, error) {
	us, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return time.UnixMicro(us).UTC(), nil
}

// decodeEntry builds a CacheEntry from the fields of its hash.
func decodeEntry(key string, fields map[string]string) (*models.CacheEntry, error) {
	entry := &models.CacheEntry{
		Key:     key,
		Payload: []byte(fields[fieldPayload]),
		Valid:   fields[fieldValid] == "1",
	}

	var err error
	if entry.CreatedAt, err = parseMicros(fields[fieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("cache key %s: %w", key, err)
	}
	if entry.ExpiresAt, err = parseMicros(fields[fieldExpiresAt]); err != nil {
		return nil, fmt.Errorf("cache key %s: %w", key, err)
	}
	if v, ok := fields[fieldInvalidatedAt]; ok {
		at, err := parseMicros(v)
		if err != nil {
			return nil, fmt.Errorf("cache key %s: %w", key, err)
		}
		entry.InvalidatedAt = &at
	}
	if v, ok := fields[fieldHits]; ok {
		if entry.HitCount, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("cache key %s: invalid hit count: %w", key, err)
		}
	}
	if v, ok := fields[fieldAreaID]; ok {
		areaID := v
		entry.AreaID = &areaID
	}
	if v, ok := fields[fieldFootprint]; ok {
		var fp models.Footprint
		if err := fp.Scan(v); err != nil {
			return nil, fmt.Errorf("cache key %s: %w", key, err)
		}
		entry.Footprint = &fp
	}
	return entry, nil
}

// load returns nil, nil when the entry hash does not exist.
func (r *RedisCacheRepository) load(ctx context.Context, key string) (*models.CacheEntry, error) {
	fields, err := r.client.HGetAll(ctx, r.entryKey(key)).Result()
	if err != nil {
		return nil, wrapRedisError(fmt.Sprintf("failed to read cache key %s", key), err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeEntry(key, fields)
}

func (r *RedisCacheRepository) GetLive(ctx context.Context, key string, now time.Time) (*models.CacheEntry, error) {
	res, err := getLiveScript.Run(ctx, r.client, []string{r.entryKey(key)}, now.UnixMicro()).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrapRedisError(fmt.Sprintf("failed to read cache key %s", key), err)
	}

	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		name, _ := res[i].(string)
		value, _ := res[i+1].(string)
		fields[name] = value
	}
	return decodeEntry(key, fields)
}

// Put replaces the entry's fields but keeps its hit counter.
func (r *RedisCacheRepository) Put(ctx context.Context, entry *models.CacheEntry) error {
	hashKey := r.entryKey(entry.Key)

	oldArea, err := r.client.HGet(ctx, hashKey, fieldAreaID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return wrapRedisError(fmt.Sprintf("failed to write cache key %s", entry.Key), err)
	}

	fields := map[string]interface{}{
		fieldPayload:   entry.Payload,
		fieldCreatedAt: micros(entry.CreatedAt),
		fieldExpiresAt: micros(entry.ExpiresAt),
		fieldValid:     "1",
	}
	var stale []string
	stale = append(stale, fieldInvalidatedAt)
	if entry.Footprint != nil {
		wkt, _ := entry.Footprint.Value()
		fields[fieldFootprint] = wkt
	} else {
		stale = append(stale, fieldFootprint)
	}
	if entry.AreaID != nil {
		fields[fieldAreaID] = *entry.AreaID
	} else {
		stale = append(stale, fieldAreaID)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, hashKey, stale...)
		pipe.HSet(ctx, hashKey, fields)
		pipe.HSetNX(ctx, hashKey, fieldHits, 0)
		pipe.SAdd(ctx, r.indexKey(), entry.Key)
		pipe.ZAdd(ctx, r.expiryKey(), redis.Z{Score: float64(entry.ExpiresAt.UnixMilli()), Member: entry.Key})
		pipe.ZRem(ctx, r.invalidatedKey(), entry.Key)

		pipe.ZRem(ctx, r.geoKey(), entry.Key)
		pipe.SRem(ctx, r.polarKey(), entry.Key)
		if entry.Footprint != nil {
			c := entry.Footprint.Center()
			if c.Lat > redisGeoMaxLat || c.Lat < -redisGeoMaxLat {
				pipe.SAdd(ctx, r.polarKey(), entry.Key)
			} else {
				pipe.GeoAdd(ctx, r.geoKey(), &redis.GeoLocation{Name: entry.Key, Longitude: c.Lng, Latitude: c.Lat})
			}
		}

		if oldArea != "" && (entry.AreaID == nil || *entry.AreaID != oldArea) {
			pipe.SRem(ctx, r.areaKey(oldArea), entry.Key)
		}
		if entry.AreaID != nil {
			pipe.SAdd(ctx, r.areaKey(*entry.AreaID), entry.Key)
		}
		return nil
	})
	if err != nil {
		return wrapRedisError(fmt.Sprintf("failed to write cache key %s", entry.Key), err)
	}

	hits, err := r.client.HGet(ctx, hashKey, fieldHits).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return wrapRedisError(fmt.Sprintf("failed to read hit count of cache key %s", entry.Key), err)
	}
	entry.HitCount = hits
	entry.Valid = true
	entry.InvalidatedAt = nil
	return nil
}

func (r *RedisCacheRepository) Invalidate(ctx context.Context, key string, now time.Time) error {
	hashKey := r.entryKey(key)
	valid, err := r.client.HGet(ctx, hashKey, fieldValid).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return wrapRedisError(fmt.Sprintf("failed to invalidate cache key %s", key), err)
	}
	if valid != "1" {
		return nil
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hashKey, fieldValid, "0", fieldInvalidatedAt, micros(now))
		pipe.ZAdd(ctx, r.invalidatedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: key})
		return nil
	})
	if err != nil {
		return wrapRedisError(fmt.Sprintf("failed to invalidate cache key %s", key), err)
	}
	return nil
}

// FindNearbyLive uses GEORADIUS as a prefilter and then applies the same
// haversine check as the other backends.
func (r *RedisCacheRepository) FindNearbyLive(ctx context.Context, center models.Point, radiusKm float64, now time.Time) ([]CacheEntryWithDistance, error) {
	var candidates []string
	if center.Lat <= redisGeoMaxLat && center.Lat >= -redisGeoMaxLat {
		locs, err := r.client.GeoRadius(ctx, r.geoKey(), center.Lng, center.Lat, &redis.GeoRadiusQuery{
			Radius: spatial.PrefilterMeters(radiusKm),
			Unit:   "m",
		}).Result()
		if err != nil {
			return nil, wrapRedisError("failed to query cache footprints", err)
		}
		for _, loc := range locs {
			candidates = append(candidates, loc.Name)
		}
	} else {
		// Near the poles GEORADIUS is unusable; fall back to every footprint.
		all, err := r.client.ZRange(ctx, r.geoKey(), 0, -1).Result()
		if err != nil {
			return nil, wrapRedisError("failed to list cache footprints", err)
		}
		candidates = append(candidates, all...)
	}

	polar, err := r.client.SMembers(ctx, r.polarKey()).Result()
	if err != nil {
		return nil, wrapRedisError("failed to list polar cache footprints", err)
	}
	candidates = append(candidates, polar...)

	var ranked []spatial.Ranked[models.CacheEntry]
	for _, key := range candidates {
		entry, err := r.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.Footprint == nil || !entry.Live(now) {
			continue
		}
		if d, ok := spatial.WithinRadius(center, entry.Footprint.Center(), radiusKm); ok {
			ranked = append(ranked, spatial.Ranked[models.CacheEntry]{
				Item:       *entry,
				DistanceKm: d,
				Seq:        entry.CreatedAt.UnixNano(),
			})
		}
	}
	return rankCacheEntries(ranked), nil
}

// remove deletes the entry and every index reference to it.
func (r *RedisCacheRepository) remove(ctx context.Context, keys []string, areaOf map[string]string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	dels := make([]*redis.IntCmd, 0, len(keys))
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			dels = append(dels, pipe.Del(ctx, r.entryKey(key)))
			pipe.SRem(ctx, r.indexKey(), key)
			pipe.ZRem(ctx, r.expiryKey(), key)
			pipe.ZRem(ctx, r.invalidatedKey(), key)
			pipe.ZRem(ctx, r.geoKey(), key)
			pipe.SRem(ctx, r.polarKey(), key)
			if areaID := areaOf[key]; areaID != "" {
				pipe.SRem(ctx, r.areaKey(areaID), key)
			}
		}
		return nil
	})
	if err != nil {
		return 0, wrapRedisError("failed to delete cache entries", err)
	}

	var removed int64
	for _, cmd := range dels {
		removed += cmd.Val()
	}
	return removed, nil
}

func (r *RedisCacheRepository) DeleteByArea(ctx context.Context, areaID string) (int64, error) {
	keys, err := r.client.SMembers(ctx, r.areaKey(areaID)).Result()
	if err != nil {
		return 0, wrapRedisError(fmt.Sprintf("failed to list cache entries for area %s", areaID), err)
	}

	areaOf := make(map[string]string, len(keys))
	for _, key := range keys {
		areaOf[key] = areaID
	}
	removed, err := r.remove(ctx, keys, areaOf)
	if err != nil {
		return 0, err
	}
	if err := r.client.Del(ctx, r.areaKey(areaID)).Err(); err != nil {
		return 0, wrapRedisError(fmt.Sprintf("failed to delete cache area set %s", areaID), err)
	}
	return removed, nil
}

// Sweep selects candidates from the expiry and invalidation indexes with
// millisecond scores, then re-checks each entry at full resolution.
func (r *RedisCacheRepository) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	bound := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(cutoff.UnixMilli(), 10)}

	expired, err := r.client.ZRangeByScore(ctx, r.expiryKey(), bound).Result()
	if err != nil {
		return 0, wrapRedisError("failed to list expired cache entries", err)
	}
	invalidated, err := r.client.ZRangeByScore(ctx, r.invalidatedKey(), bound).Result()
	if err != nil {
		return 0, wrapRedisError("failed to list invalidated cache entries", err)
	}

	seen := make(map[string]bool, len(expired)+len(invalidated))
	var doomed []string
	areaOf := make(map[string]string)
	for _, key := range append(expired, invalidated...) {
		if seen[key] {
			continue
		}
		seen[key] = true

		entry, err := r.load(ctx, key)
		if err != nil {
			return 0, err
		}
		if entry == nil {
			doomed = append(doomed, key)
			continue
		}
		if !entry.Sweepable(cutoff) {
			continue
		}
		if entry.AreaID != nil {
			areaOf[key] = *entry.AreaID
		}
		doomed = append(doomed, key)
	}

	return r.remove(ctx, doomed, areaOf)
}

func (r *RedisCacheRepository) Stats(ctx context.Context, now time.Time) (models.CacheStats, error) {
	keys, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return models.CacheStats{}, wrapRedisError("failed to list cache keys", err)
	}

	stats := models.CacheStats{Prefixes: make(map[string]models.PrefixStats)}
	for _, key := range keys {
		entry, err := r.load(ctx, key)
		if err != nil {
			return models.CacheStats{}, err
		}
		if entry == nil {
			continue
		}
		stats.Add(key, entry.HitCount, entry.Live(now))
	}
	return stats, nil
}
