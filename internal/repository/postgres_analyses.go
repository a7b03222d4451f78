package repository

import (
	"context"
	"fmt"

	"github.com/stwalsh4118/echosphere/internal/database"
	"github.com/stwalsh4118/echosphere/internal/models"
)

// analysisRepository is the PostgreSQL implementation of AnalysisRepository.
type analysisRepository struct {
	db *database.Database
}

// NewAnalysisRepository creates a new PostgreSQL-backed AnalysisRepository.
func NewAnalysisRepository(db *database.Database) AnalysisRepository {
	return &analysisRepository{db: db}
}

func (r *analysisRepository) Save(ctx context.Context, analysis *models.AreaAnalysis) error {
	query := `
		INSERT INTO area_analyses (id, area_id, risk_level, summary, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		analysis.ID,
		analysis.AreaID,
		string(analysis.RiskLevel),
		analysis.Summary,
		analysis.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: %s", models.ErrAreaNotFound, analysis.AreaID)
		}
		return wrapPgError(fmt.Sprintf("failed to insert analysis for area %s", analysis.AreaID), err)
	}
	return nil
}

func (r *analysisRepository) ListByArea(ctx context.Context, areaID string, limit int) ([]models.AreaAnalysis, error) {
	query := `
		SELECT id, area_id, risk_level, summary, created_at
		FROM area_analyses
		WHERE area_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, areaID, limit)
	if err != nil {
		return nil, wrapPgError(fmt.Sprintf("failed to list analyses for area %s", areaID), err)
	}
	defer rows.Close()

	results := []models.AreaAnalysis{}
	for rows.Next() {
		var a models.AreaAnalysis
		var risk string
		if err := rows.Scan(&a.ID, &a.AreaID, &risk, &a.Summary, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan analysis row: %w", err)
		}
		a.RiskLevel = models.RiskLevel(risk)
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError("error iterating analysis rows", err)
	}
	return results, nil
}
