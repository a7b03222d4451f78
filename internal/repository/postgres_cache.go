package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stwalsh4118/echosphere/internal/database"
	"github.com/stwalsh4118/echosphere/internal/models"
	"github.com/stwalsh4118/echosphere/internal/spatial"
)

// cacheRepository is the PostgreSQL implementation of CacheRepository.
type cacheRepository struct {
	db *database.Database
}

// NewCacheRepository creates a new PostgreSQL-backed CacheRepository.
func NewCacheRepository(db *database.Database) CacheRepository {
	return &cacheRepository{db: db}
}

const cacheColumns = `
	key,
	payload,
	ST_AsText(footprint) AS footprint,
	area_id,
	created_at,
	expires_at,
	hit_count,
	valid,
	invalidated_at`

func scanCacheEntry(row pgx.Row) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	var footprintWKT *string

	err := row.Scan(
		&entry.Key,
		&entry.Payload,
		&footprintWKT,
		&entry.AreaID,
		&entry.CreatedAt,
		&entry.ExpiresAt,
		&entry.HitCount,
		&entry.Valid,
		&entry.InvalidatedAt,
	)
	if err != nil {
		return nil, err
	}

	if footprintWKT != nil {
		var fp models.Footprint
		if err := fp.Scan(*footprintWKT); err != nil {
			return nil, fmt.Errorf("failed to parse footprint for cache key %s: %w", entry.Key, err)
		}
		entry.Footprint = &fp
	}
	return &entry, nil
}

// GetLive counts the hit in the same statement that reads the entry.
func (r *cacheRepository) GetLive(ctx context.Context, key string, now time.Time) (*models.CacheEntry, error) {
	query := `
		UPDATE cache_entries
		SET hit_count = hit_count + 1
		WHERE key = $1 AND valid AND expires_at > $2
		RETURNING ` + cacheColumns

	entry, err := scanCacheEntry(r.db.Pool.QueryRow(ctx, query, key, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapPgError(fmt.Sprintf("failed to read cache key %s", key), err)
	}
	return entry, nil
}

func (r *cacheRepository) Put(ctx context.Context, entry *models.CacheEntry) error {
	query := `
		INSERT INTO cache_entries (
			key, payload, footprint, center_lat, center_lng, area_id,
			created_at, expires_at, hit_count, valid, invalidated_at
		) VALUES (
			$1, $2, ST_GeomFromText($3, 4326), $4, $5, $6,
			$7, $8, 0, TRUE, NULL
		)
		ON CONFLICT (key) DO UPDATE SET
			payload        = EXCLUDED.payload,
			footprint      = EXCLUDED.footprint,
			center_lat     = EXCLUDED.center_lat,
			center_lng     = EXCLUDED.center_lng,
			area_id        = EXCLUDED.area_id,
			created_at     = EXCLUDED.created_at,
			expires_at     = EXCLUDED.expires_at,
			valid          = TRUE,
			invalidated_at = NULL
		RETURNING hit_count
	`

	var footprintWKT *string
	var centerLat, centerLng *float64
	if entry.Footprint != nil {
		wkt, _ := entry.Footprint.Value()
		s := wkt.(string)
		footprintWKT = &s
		c := entry.Footprint.Center()
		centerLat, centerLng = &c.Lat, &c.Lng
	}

	err := r.db.Pool.QueryRow(ctx, query,
		entry.Key,
		entry.Payload,
		footprintWKT,
		centerLat,
		centerLng,
		entry.AreaID,
		entry.CreatedAt,
		entry.ExpiresAt,
	).Scan(&entry.HitCount)
	if err != nil {
		if isForeignKeyViolation(err) && entry.AreaID != nil {
			return fmt.Errorf("%w: %s", models.ErrAreaNotFound, *entry.AreaID)
		}
		return wrapPgError(fmt.Sprintf("failed to write cache key %s", entry.Key), err)
	}
	entry.Valid = true
	entry.InvalidatedAt = nil
	return nil
}

func (r *cacheRepository) Invalidate(ctx context.Context, key string, now time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE cache_entries SET valid = FALSE, invalidated_at = $2 WHERE key = $1 AND valid`,
		key, now)
	if err != nil {
		return wrapPgError(fmt.Sprintf("failed to invalidate cache key %s", key), err)
	}
	return nil
}

func (r *cacheRepository) FindNearbyLive(ctx context.Context, center models.Point, radiusKm float64, now time.Time) ([]CacheEntryWithDistance, error) {
	query := `SELECT ` + cacheColumns + `
		FROM cache_entries
		WHERE footprint IS NOT NULL
		  AND valid
		  AND expires_at > $4
		  AND ST_DWithin(
			ST_Centroid(footprint)::geography,
			ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography,
			$3,
			false
		  )`

	rows, err := r.db.Pool.Query(ctx, query, center.Lng, center.Lat, spatial.PrefilterMeters(radiusKm), now)
	if err != nil {
		return nil, wrapPgError(fmt.Sprintf("failed to query nearby cache entries (lat=%f, lng=%f, radius_km=%f)",
			center.Lat, center.Lng, radiusKm), err)
	}
	defer rows.Close()

	var ranked []spatial.Ranked[models.CacheEntry]
	for rows.Next() {
		entry, err := scanCacheEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache row: %w", err)
		}
		if d, ok := spatial.WithinRadius(center, entry.Footprint.Center(), radiusKm); ok {
			ranked = append(ranked, spatial.Ranked[models.CacheEntry]{
				Item:       *entry,
				DistanceKm: d,
				Seq:        entry.CreatedAt.UnixNano(),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError("error iterating cache rows", err)
	}

	return rankCacheEntries(ranked), nil
}

func (r *cacheRepository) DeleteByArea(ctx context.Context, areaID string) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM cache_entries WHERE area_id = $1`, areaID)
	if err != nil {
		return 0, wrapPgError(fmt.Sprintf("failed to delete cache entries for area %s", areaID), err)
	}
	return tag.RowsAffected(), nil
}

func (r *cacheRepository) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM cache_entries
		WHERE expires_at <= $1
		   OR (NOT valid AND invalidated_at <= $1)`, cutoff)
	if err != nil {
		return 0, wrapPgError("failed to sweep cache entries", err)
	}
	return tag.RowsAffected(), nil
}

func (r *cacheRepository) Stats(ctx context.Context, now time.Time) (models.CacheStats, error) {
	query := `
		SELECT
			split_part(key, ':', 1) AS prefix,
			count(*)::bigint,
			COALESCE(sum(hit_count), 0)::bigint,
			count(*) FILTER (WHERE valid AND expires_at > $1)::bigint
		FROM cache_entries
		GROUP BY prefix
	`

	rows, err := r.db.Pool.Query(ctx, query, now)
	if err != nil {
		return models.CacheStats{}, wrapPgError("failed to aggregate cache stats", err)
	}
	defer rows.Close()

	stats := models.CacheStats{Prefixes: make(map[string]models.PrefixStats)}
	for rows.Next() {
		var prefix string
		var entries, hits, live int64
		if err := rows.Scan(&prefix, &entries, &hits, &live); err != nil {
			return models.CacheStats{}, fmt.Errorf("failed to scan cache stats row: %w", err)
		}
		stats.Prefixes[prefix] = models.PrefixStats{Entries: entries, Hits: hits}
		stats.TotalEntries += entries
		stats.TotalHits += hits
		stats.LiveEntries += live
	}
	if err := rows.Err(); err != nil {
		return models.CacheStats{}, wrapPgError("error iterating cache stats rows", err)
	}
	return stats, nil
}
