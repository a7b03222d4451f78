package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stwalsh4118/echosphere/internal/database"
	"github.com/stwalsh4118/echosphere/internal/models"
)

// metricRepository is the PostgreSQL implementation of MetricRepository.
type metricRepository struct {
	db *database.Database
}

// NewMetricRepository creates a new PostgreSQL-backed MetricRepository.
func NewMetricRepository(db *database.Database) MetricRepository {
	return &metricRepository{db: db}
}

const sampleColumns = `id, area_id, metric_type, value, unit, source, recorded_at`

func scanSample(row pgx.Row) (models.MetricSample, error) {
	var s models.MetricSample
	err := row.Scan(&s.ID, &s.AreaID, &s.MetricType, &s.Value, &s.Unit, &s.Source, &s.RecordedAt)
	return s, err
}

// Append inserts one sample in a single statement, so readers never see a
// partially written row.
func (r *metricRepository) Append(ctx context.Context, sample *models.MetricSample) error {
	query := `
		INSERT INTO metric_samples (area_id, metric_type, value, unit, source, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	err := r.db.Pool.QueryRow(ctx, query,
		sample.AreaID,
		sample.MetricType,
		sample.Value,
		sample.Unit,
		sample.Source,
		sample.RecordedAt,
	).Scan(&sample.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: %s", models.ErrAreaNotFound, sample.AreaID)
		}
		return wrapPgError(fmt.Sprintf("failed to insert %s sample for area %s", sample.MetricType, sample.AreaID), err)
	}
	return nil
}

func (r *metricRepository) HighWaterMark(ctx context.Context) (int64, error) {
	var id int64
	if err := r.db.Pool.QueryRow(ctx, `SELECT COALESCE(max(id), 0) FROM metric_samples`).Scan(&id); err != nil {
		return 0, wrapPgError("failed to read sample high-water mark", err)
	}
	return id, nil
}

// WindowPage reads one keyset page; the (area_id, metric_type, recorded_at, id)
// index serves both the filter and the ordering.
func (r *metricRepository) WindowPage(ctx context.Context, q WindowQuery, limit int) ([]models.MetricSample, error) {
	query := `SELECT ` + sampleColumns + `
		FROM metric_samples
		WHERE area_id = $1
		  AND metric_type = $2
		  AND recorded_at >= $3
		  AND id <= $4
		  AND (recorded_at, id) > ($5::timestamptz, $6::bigint)
		ORDER BY recorded_at, id
		LIMIT $7`

	rows, err := r.db.Pool.Query(ctx, query,
		q.AreaID, q.MetricType, q.Since, q.MaxID, q.AfterRecordedAt, q.AfterID, limit)
	if err != nil {
		return nil, wrapPgError(fmt.Sprintf("failed to query %s window for area %s", q.MetricType, q.AreaID), err)
	}
	defer rows.Close()

	results := []models.MetricSample{}
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sample row: %w", err)
		}
		results = append(results, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError("error iterating sample rows", err)
	}
	return results, nil
}

func (r *metricRepository) Latest(ctx context.Context, areaID, metricType string) (*models.MetricSample, error) {
	query := `SELECT ` + sampleColumns + `
		FROM metric_samples
		WHERE area_id = $1 AND metric_type = $2
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1`

	s, err := scanSample(r.db.Pool.QueryRow(ctx, query, areaID, metricType))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapPgError(fmt.Sprintf("failed to query latest %s for area %s", metricType, areaID), err)
	}
	return &s, nil
}

func (r *metricRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM metric_samples WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, wrapPgError("failed to prune samples", err)
	}
	return tag.RowsAffected(), nil
}
