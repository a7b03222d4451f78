package database

import (
	"context"
	"fmt"
)

// schema is applied in order by Migrate. Every statement is idempotent.
// Samples, analyses and area-scoped cache entries cascade with their area.
var schema = []string{
	`CREATE EXTENSION IF NOT EXISTS postgis`,

	`CREATE TABLE IF NOT EXISTS areas (
		id          TEXT PRIMARY KEY,
		seq         BIGSERIAL UNIQUE,
		owner_id    TEXT,
		name        TEXT,
		geom        geometry(Polygon, 4326) NOT NULL,
		centroid    geometry(Point, 4326) NOT NULL,
		center_lat  DOUBLE PRECISION NOT NULL,
		center_lng  DOUBLE PRECISION NOT NULL,
		area_km2    DOUBLE PRECISION NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_areas_centroid_geog ON areas USING GIST ((centroid::geography))`,
	`CREATE INDEX IF NOT EXISTS idx_areas_owner ON areas (owner_id, seq DESC)`,

	`CREATE TABLE IF NOT EXISTS hazard_events (
		id                  TEXT PRIMARY KEY,
		seq                 BIGSERIAL UNIQUE,
		external_source_id  TEXT NOT NULL UNIQUE,
		category            TEXT NOT NULL,
		status              TEXT NOT NULL,
		lat                 DOUBLE PRECISION NOT NULL,
		lng                 DOUBLE PRECISION NOT NULL,
		geom                geometry(Point, 4326) NOT NULL,
		observed_at         TIMESTAMPTZ NOT NULL,
		payload             BYTEA,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_hazard_events_geog ON hazard_events USING GIST ((geom::geography))`,
	`CREATE INDEX IF NOT EXISTS idx_hazard_events_status ON hazard_events (status, observed_at)`,

	`CREATE TABLE IF NOT EXISTS metric_samples (
		id           BIGSERIAL PRIMARY KEY,
		area_id      TEXT NOT NULL REFERENCES areas(id) ON DELETE CASCADE,
		metric_type  TEXT NOT NULL,
		value        DOUBLE PRECISION NOT NULL,
		unit         TEXT NOT NULL DEFAULT '',
		source       TEXT NOT NULL DEFAULT '',
		recorded_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_metric_samples_window ON metric_samples (area_id, metric_type, recorded_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_metric_samples_recorded ON metric_samples (recorded_at)`,

	`CREATE TABLE IF NOT EXISTS area_analyses (
		id          TEXT PRIMARY KEY,
		seq         BIGSERIAL UNIQUE,
		area_id     TEXT NOT NULL REFERENCES areas(id) ON DELETE CASCADE,
		risk_level  TEXT NOT NULL,
		summary     BYTEA,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_area_analyses_area ON area_analyses (area_id, seq DESC)`,

	`CREATE TABLE IF NOT EXISTS cache_entries (
		key             TEXT PRIMARY KEY,
		payload         BYTEA NOT NULL,
		footprint       geometry(Geometry, 4326),
		center_lat      DOUBLE PRECISION,
		center_lng      DOUBLE PRECISION,
		area_id         TEXT REFERENCES areas(id) ON DELETE CASCADE,
		created_at      TIMESTAMPTZ NOT NULL,
		expires_at      TIMESTAMPTZ NOT NULL,
		hit_count       BIGINT NOT NULL DEFAULT 0,
		valid           BOOLEAN NOT NULL DEFAULT TRUE,
		invalidated_at  TIMESTAMPTZ,
		CONSTRAINT cache_entries_expiry_after_creation CHECK (expires_at > created_at)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_entries_footprint_geog
		ON cache_entries USING GIST ((ST_Centroid(footprint)::geography)) WHERE footprint IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries (expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_entries_area ON cache_entries (area_id) WHERE area_id IS NOT NULL`,
}

// Migrate creates the PostGIS extension, tables and indexes.
func (db *Database) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
