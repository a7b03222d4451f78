package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stwalsh4118/echosphere/internal/logger"
	"github.com/stwalsh4118/echosphere/internal/models"
	"github.com/stwalsh4118/echosphere/internal/repository"
)

// windowPageSize is the number of samples fetched per repository round trip
// while iterating a MetricWindow.
const windowPageSize = 500

// TimeSeriesService stores append-only metric samples per area.
type TimeSeriesService interface {
	// Append stores the sample. A zero RecordedAt is set to the current time.
	// Returns ErrAreaNotFound when the area does not exist.
	Append(ctx context.Context, sample *models.MetricSample) error

	// Window opens a finite, restartable view of the area's samples of one
	// type recorded at or after since, oldest first. Samples appended after
	// the call are not part of the window.
	Window(ctx context.Context, areaID, metricType string, since time.Time) (*MetricWindow, error)

	// Latest returns ErrNotFound when the area has no sample of that type.
	Latest(ctx context.Context, areaID, metricType string) (*models.MetricSample, error)

	// PruneOlderThan deletes samples recorded more than retention ago.
	PruneOlderThan(ctx context.Context, retention time.Duration) (int64, error)

	// HighRiskAreas returns the owner's areas whose latest samples cross a
	// risk threshold, newest area first, each with the factors it crosses.
	HighRiskAreas(ctx context.Context, ownerID string, limit int) ([]AreaRisk, error)
}

type timeSeriesService struct {
	areas    repository.AreaRepository
	metrics  repository.MetricRepository
	validate *validator.Validate
	now      Clock
	log      *logger.Logger
}

// NewTimeSeriesService creates a TimeSeriesService over the store's metric repository.
func NewTimeSeriesService(store *repository.Store, now Clock, log *logger.Logger) TimeSeriesService {
	if now == nil {
		now = time.Now
	}
	return &timeSeriesService{
		areas:    store.Areas,
		metrics:  store.Metrics,
		validate: newValidator(),
		now:      now,
		log:      log.Component("timeseries"),
	}
}

func (s *timeSeriesService) Append(ctx context.Context, sample *models.MetricSample) error {
	if err := validateStruct(s.validate, sample); err != nil {
		s.log.Warn("Invalid metric sample", map[string]interface{}{
			"area_id":     sample.AreaID,
			"metric_type": sample.MetricType,
			"error":       err.Error(),
		})
		return err
	}
	if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) {
		return fmt.Errorf("%w: metric value must be finite", models.ErrInvalidInput)
	}
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = s.now()
	}
	sample.RecordedAt = sample.RecordedAt.UTC().Truncate(time.Microsecond)

	if err := s.metrics.Append(ctx, sample); err != nil {
		if !errors.Is(err, models.ErrAreaNotFound) {
			s.log.Error("Failed to append metric sample", err, map[string]interface{}{
				"area_id":     sample.AreaID,
				"metric_type": sample.MetricType,
			})
		}
		return fmt.Errorf("failed to append metric sample: %w", err)
	}
	return nil
}

func (s *timeSeriesService) Window(ctx context.Context, areaID, metricType string, since time.Time) (*MetricWindow, error) {
	area, err := s.areas.FindByID(ctx, areaID)
	if err != nil {
		return nil, fmt.Errorf("failed to query area: %w", err)
	}
	if area == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrAreaNotFound, areaID)
	}

	hwm, err := s.metrics.HighWaterMark(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read metric high-water mark: %w", err)
	}

	return &MetricWindow{
		repo:     s.metrics,
		areaID:   areaID,
		metric:   metricType,
		since:    since.UTC().Truncate(time.Microsecond),
		until:    s.now().UTC().Truncate(time.Microsecond),
		maxID:    hwm,
		pageSize: windowPageSize,
	}, nil
}

func (s *timeSeriesService) Latest(ctx context.Context, areaID, metricType string) (*models.MetricSample, error) {
	sample, err := s.metrics.Latest(ctx, areaID, metricType)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest sample: %w", err)
	}
	if sample == nil {
		return nil, fmt.Errorf("%w: no %s sample for area %s", models.ErrNotFound, metricType, areaID)
	}
	return sample, nil
}

func (s *timeSeriesService) PruneOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("%w: metric retention must be positive", models.ErrInvalidInput)
	}

	removed, err := s.metrics.PruneBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune metric samples: %w", err)
	}
	return removed, nil
}

func (s *timeSeriesService) HighRiskAreas(ctx context.Context, ownerID string, limit int) ([]AreaRisk, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", models.ErrInvalidInput)
	}

	areas, err := s.areas.ListByOwner(ctx, ownerID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list areas: %w", err)
	}

	risks := make([]AreaRisk, 0)
	for _, area := range areas {
		latest := make(map[string]models.MetricSample, len(riskMetrics))
		for _, metricType := range riskMetrics {
			sample, err := s.metrics.Latest(ctx, area.ID, metricType)
			if err != nil {
				s.log.Error("Failed to read latest sample", err, map[string]interface{}{
					"area_id":     area.ID,
					"metric_type": metricType,
				})
				return nil, fmt.Errorf("failed to query latest sample: %w", err)
			}
			if sample != nil {
				latest[metricType] = *sample
			}
		}

		if factors := RiskFactors(latest); len(factors) > 0 {
			risks = append(risks, AreaRisk{Area: area, Latest: latest, RiskFactors: factors})
		}
	}

	s.log.Debug("Assessed owner areas", map[string]interface{}{
		"owner_id":  ownerID,
		"areas":     len(areas),
		"high_risk": len(risks),
	})
	return risks, nil
}

// MetricWindow is a lazily paged, finite sequence of samples bounded by the
// sample high-water mark and the time it was opened. Every call to All
// starts again from the oldest sample.
type MetricWindow struct {
	repo     repository.MetricRepository
	areaID   string
	metric   string
	since    time.Time
	until    time.Time
	maxID    int64
	pageSize int
}

// All yields samples ordered by recorded time, ties in insertion order.
// Iteration stops at the first repository error, which is yielded once.
func (w *MetricWindow) All(ctx context.Context) iter.Seq2[models.MetricSample, error] {
	return func(yield func(models.MetricSample, error) bool) {
		q := repository.WindowQuery{
			AreaID:          w.areaID,
			MetricType:      w.metric,
			Since:           w.since,
			AfterRecordedAt: w.since.Add(-time.Microsecond),
			MaxID:           w.maxID,
		}
		for {
			page, err := w.repo.WindowPage(ctx, q, w.pageSize)
			if err != nil {
				yield(models.MetricSample{}, fmt.Errorf("failed to read metric window: %w", err))
				return
			}
			for _, sample := range page {
				if sample.RecordedAt.After(w.until) {
					return
				}
				if !yield(sample, nil) {
					return
				}
			}
			if len(page) < w.pageSize {
				return
			}
			last := page[len(page)-1]
			q.AfterRecordedAt, q.AfterID = last.RecordedAt, last.ID
		}
	}
}

// Collect drains the window into a slice.
func (w *MetricWindow) Collect(ctx context.Context) ([]models.MetricSample, error) {
	samples := make([]models.MetricSample, 0)
	for sample, err := range w.All(ctx) {
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	return samples, nil
}
