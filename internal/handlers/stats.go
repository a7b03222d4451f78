package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	apierrors "github.com/stwalsh4118/echosphere/internal/errors"
	"github.com/stwalsh4118/echosphere/internal/middleware"
	"github.com/stwalsh4118/echosphere/internal/models"
)

// StatsSource reports store sizes and cache usage.
type StatsSource interface {
	HealthSnapshot(ctx context.Context) (models.HealthSnapshot, error)
	CacheStats(ctx context.Context) (models.CacheStats, error)
}

// StatsHandler serves store and cache statistics for operators.
type StatsHandler struct {
	source StatsSource
}

// NewStatsHandler creates a new StatsHandler instance.
func NewStatsHandler(source StatsSource) *StatsHandler {
	return &StatsHandler{source: source}
}

// StatsResponse represents the response for the stats endpoint.
type StatsResponse struct {
	Store models.HealthSnapshot `json:"store"`
	Cache models.CacheStats     `json:"cache"`
}

// Stats handles GET /api/v1/stats endpoint.
func (h *StatsHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	snapshot, err := h.source.HealthSnapshot(ctx)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	cacheStats, err := h.source.CacheStats(ctx)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}

	if log := middleware.GetLogger(c); log != nil {
		log.Debug("Served stats", map[string]interface{}{
			"areas":         snapshot.AreaCount,
			"cache_entries": cacheStats.TotalEntries,
		})
	}

	c.JSON(http.StatusOK, StatsResponse{
		Store: snapshot,
		Cache: cacheStats,
	})
}
