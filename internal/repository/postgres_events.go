package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stwalsh4118/echosphere/internal/database"
	"github.com/stwalsh4118/echosphere/internal/models"
	"github.com/stwalsh4118/echosphere/internal/spatial"
)

// eventRepository is the PostGIS implementation of EventRepository.
type eventRepository struct {
	db *database.Database
}

// NewEventRepository creates a new PostGIS-backed EventRepository.
func NewEventRepository(db *database.Database) EventRepository {
	return &eventRepository{db: db}
}

const eventColumns = `
	id,
	seq,
	external_source_id,
	category,
	status,
	lat,
	lng,
	observed_at,
	payload,
	created_at,
	updated_at`

func scanEvent(row pgx.Row) (*models.Event, error) {
	var event models.Event
	var category, status string

	err := row.Scan(
		&event.ID,
		&event.Seq,
		&event.ExternalSourceID,
		&category,
		&status,
		&event.Point.Lat,
		&event.Point.Lng,
		&event.ObservedAt,
		&event.Payload,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	event.Category = models.EventCategory(category)
	event.Status = models.EventStatus(status)
	return &event, nil
}

// Upsert inserts a new event or updates the one with the same external id.
// xmax = 0 on the returned row only for freshly inserted tuples.
func (r *eventRepository) Upsert(ctx context.Context, event *models.Event) (bool, error) {
	query := `
		INSERT INTO hazard_events (
			id, external_source_id, category, status, lat, lng, geom,
			observed_at, payload, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			ST_SetSRID(ST_MakePoint($6, $5), 4326),
			$7, $8, $9, $9
		)
		ON CONFLICT (external_source_id) DO UPDATE SET
			category    = EXCLUDED.category,
			status      = EXCLUDED.status,
			lat         = EXCLUDED.lat,
			lng         = EXCLUDED.lng,
			geom        = EXCLUDED.geom,
			observed_at = EXCLUDED.observed_at,
			payload     = EXCLUDED.payload,
			updated_at  = EXCLUDED.updated_at
		RETURNING id, seq, created_at, (xmax = 0) AS inserted
	`

	id := event.ID
	if id == "" {
		id = uuid.New().String()
	}

	var inserted bool
	err := r.db.Pool.QueryRow(ctx, query,
		id,
		event.ExternalSourceID,
		string(event.Category),
		string(event.Status),
		event.Point.Lat,
		event.Point.Lng,
		event.ObservedAt,
		event.Payload,
		event.UpdatedAt,
	).Scan(&event.ID, &event.Seq, &event.CreatedAt, &inserted)
	if err != nil {
		return false, wrapPgError(fmt.Sprintf("failed to upsert event %s", event.ExternalSourceID), err)
	}
	return inserted, nil
}

func (r *eventRepository) FindByExternalID(ctx context.Context, externalID string) (*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM hazard_events WHERE external_source_id = $1`

	event, err := scanEvent(r.db.Pool.QueryRow(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapPgError(fmt.Sprintf("failed to query event %s", externalID), err)
	}
	return event, nil
}

// FindNearby filters status and categories in SQL and ranks in Go, the
// same way as areaRepository.FindNearby.
func (r *eventRepository) FindNearby(ctx context.Context, center models.Point, radiusKm float64, filter models.EventFilter) ([]EventWithDistance, error) {
	query := `SELECT ` + eventColumns + `
		FROM hazard_events
		WHERE ST_DWithin(
			geom::geography,
			ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography,
			$3,
			false
		)
		AND ($4 OR status = 'open')
		AND (cardinality($5::text[]) = 0 OR category = ANY($5::text[]))`

	rows, err := r.db.Pool.Query(ctx, query,
		center.Lng, center.Lat, spatial.PrefilterMeters(radiusKm),
		filter.IncludeClosed, filter.CategoryStrings())
	if err != nil {
		return nil, wrapPgError(fmt.Sprintf("failed to query nearby events (lat=%f, lng=%f, radius_km=%f)",
			center.Lat, center.Lng, radiusKm), err)
	}
	defer rows.Close()

	var ranked []spatial.Ranked[models.Event]
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if d, ok := spatial.WithinRadius(center, event.Point, radiusKm); ok {
			ranked = append(ranked, spatial.Ranked[models.Event]{Item: *event, DistanceKm: d, Seq: event.Seq})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError("error iterating event rows", err)
	}

	return rankEvents(ranked), nil
}

func (r *eventRepository) PruneClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM hazard_events WHERE status = 'closed' AND observed_at < $1`, cutoff)
	if err != nil {
		return 0, wrapPgError("failed to prune closed events", err)
	}
	return tag.RowsAffected(), nil
}

func (r *eventRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM hazard_events`).Scan(&n); err != nil {
		return 0, wrapPgError("failed to count events", err)
	}
	return n, nil
}
