package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/stwalsh4118/echosphere/internal/database"
	"github.com/stwalsh4118/echosphere/internal/models"
	"github.com/stwalsh4118/echosphere/internal/spatial"
)

// NewPostgresStore creates a Store backed by PostgreSQL/PostGIS.
func NewPostgresStore(db *database.Database) *Store {
	return &Store{
		Areas:    NewAreaRepository(db),
		Events:   NewEventRepository(db),
		Metrics:  NewMetricRepository(db),
		Analyses: NewAnalysisRepository(db),
		Cache:    NewCacheRepository(db),
		ping:     db.Ping,
	}
}

// areaRepository is the PostGIS implementation of AreaRepository.
type areaRepository struct {
	db *database.Database
}

// NewAreaRepository creates a new PostGIS-backed AreaRepository.
func NewAreaRepository(db *database.Database) AreaRepository {
	return &areaRepository{db: db}
}

const areaColumns = `
	id,
	seq,
	owner_id,
	name,
	ST_AsText(geom) AS geometry,
	center_lat,
	center_lng,
	area_km2,
	created_at`

func scanArea(row pgx.Row) (*models.Area, error) {
	var area models.Area
	var geomWKT string

	err := row.Scan(
		&area.ID,
		&area.Seq,
		&area.OwnerID,
		&area.Name,
		&geomWKT,
		&area.Centroid.Lat,
		&area.Centroid.Lng,
		&area.AreaKm2,
		&area.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := area.Footprint.Scan(geomWKT); err != nil {
		return nil, fmt.Errorf("failed to parse geometry for area %s: %w", area.ID, err)
	}
	return &area, nil
}

// Create inserts the area. Geometry is written as WKT; PostGIS functions
// expect (longitude, latitude) order.
func (r *areaRepository) Create(ctx context.Context, area *models.Area) error {
	query := `
		INSERT INTO areas (id, owner_id, name, geom, centroid, center_lat, center_lng, area_km2, created_at)
		VALUES (
			$1, $2, $3,
			ST_GeomFromText($4, 4326),
			ST_SetSRID(ST_MakePoint($6, $5), 4326),
			$5, $6, $7, $8
		)
		RETURNING seq
	`

	geomWKT, err := area.Footprint.Value()
	if err != nil {
		return fmt.Errorf("failed to encode geometry for area %s: %w", area.ID, err)
	}

	err = r.db.Pool.QueryRow(ctx, query,
		area.ID,
		area.OwnerID,
		area.Name,
		geomWKT,
		area.Centroid.Lat,
		area.Centroid.Lng,
		area.AreaKm2,
		area.CreatedAt,
	).Scan(&area.Seq)
	if err != nil {
		return wrapPgError(fmt.Sprintf("failed to insert area %s", area.ID), err)
	}
	return nil
}

func (r *areaRepository) Rename(ctx context.Context, id string, name *string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE areas SET name = $2 WHERE id = $1`, id, name)
	if err != nil {
		return false, wrapPgError(fmt.Sprintf("failed to rename area %s", id), err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *areaRepository) FindByID(ctx context.Context, id string) (*models.Area, error) {
	query := `SELECT ` + areaColumns + ` FROM areas WHERE id = $1`

	area, err := scanArea(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapPgError(fmt.Sprintf("failed to query area %s", id), err)
	}
	return area, nil
}

func (r *areaRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.Area, error) {
	query := `SELECT ` + areaColumns + `
		FROM areas
		WHERE owner_id = $1
		ORDER BY seq DESC
		LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, ownerID, limit)
	if err != nil {
		return nil, wrapPgError(fmt.Sprintf("failed to list areas for owner %s", ownerID), err)
	}
	defer rows.Close()

	results := []models.Area{}
	for rows.Next() {
		area, err := scanArea(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan area row: %w", err)
		}
		results = append(results, *area)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError("error iterating area rows", err)
	}
	return results, nil
}

// FindNearby uses the geography GiST index on centroid as a prefilter
// (ST_DWithin on a sphere, slightly widened), then applies the exact
// haversine radius and ordering in Go.
func (r *areaRepository) FindNearby(ctx context.Context, center models.Point, radiusKm float64) ([]AreaWithDistance, error) {
	query := `SELECT ` + areaColumns + `
		FROM areas
		WHERE ST_DWithin(
			centroid::geography,
			ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography,
			$3,
			false
		)`

	// Execute query - note: PostGIS uses (lng, lat) order
	rows, err := r.db.Pool.Query(ctx, query, center.Lng, center.Lat, spatial.PrefilterMeters(radiusKm))
	if err != nil {
		return nil, wrapPgError(fmt.Sprintf("failed to query nearby areas (lat=%f, lng=%f, radius_km=%f)",
			center.Lat, center.Lng, radiusKm), err)
	}
	defer rows.Close()

	var ranked []spatial.Ranked[models.Area]
	for rows.Next() {
		area, err := scanArea(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan area row: %w", err)
		}
		if d, ok := spatial.WithinRadius(center, area.Centroid, radiusKm); ok {
			ranked = append(ranked, spatial.Ranked[models.Area]{Item: *area, DistanceKm: d, Seq: area.Seq})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError("error iterating area rows", err)
	}

	return rankAreas(ranked), nil
}

// Delete relies on ON DELETE CASCADE for samples, analyses and area-scoped
// cache entries.
func (r *areaRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM areas WHERE id = $1`, id); err != nil {
		return wrapPgError(fmt.Sprintf("failed to delete area %s", id), err)
	}
	return nil
}

func (r *areaRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM areas`).Scan(&n); err != nil {
		return 0, wrapPgError("failed to count areas", err)
	}
	return n, nil
}
