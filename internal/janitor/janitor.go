// Package janitor runs the background loop that removes expired cache
// entries, metric samples past retention and long-closed events.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stwalsh4118/echosphere/internal/logger"
	"github.com/stwalsh4118/echosphere/internal/models"
)

// CacheSweeper deletes cache entries that expired more than grace ago.
type CacheSweeper interface {
	SweepExpired(ctx context.Context, grace time.Duration) (int64, error)
}

// MetricPruner deletes samples recorded more than retention ago.
type MetricPruner interface {
	PruneOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

// EventPruner deletes closed events observed more than retention ago.
type EventPruner interface {
	PruneClosedEvents(ctx context.Context, retention time.Duration) (int64, error)
}

// Config controls the sweep cadence and horizons. A non-positive
// retention disables that step.
type Config struct {
	Interval        time.Duration
	Grace           time.Duration
	MetricRetention time.Duration
	EventRetention  time.Duration
}

// State is the janitor's position in its Idle -> Sweeping -> Idle cycle.
type State int32

const (
	StateIdle State = iota
	StateSweeping
)

func (s State) String() string {
	if s == StateSweeping {
		return "sweeping"
	}
	return "idle"
}

// Result counts what one sweep removed.
type Result struct {
	CacheEntries  int64
	MetricSamples int64
	Events        int64
}

// Janitor sweeps on a fixed interval until stopped. A tick that arrives
// while a sweep is still running is skipped.
type Janitor struct {
	cfg     Config
	cache   CacheSweeper
	metrics MetricPruner
	events  EventPruner
	log     *logger.Logger

	state  atomic.Int32
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a Janitor. events may be nil when event pruning is not wanted.
func New(cfg Config, cache CacheSweeper, metrics MetricPruner, events EventPruner, log *logger.Logger) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Janitor{
		cfg:     cfg,
		cache:   cache,
		metrics: metrics,
		events:  events,
		log:     log.Component("janitor"),
		stopCh:  make(chan struct{}),
	}
}

// State reports whether a sweep is in progress.
func (j *Janitor) State() State {
	return State(j.state.Load())
}

// Start launches the loop. It runs until Stop is called or ctx is done.
func (j *Janitor) Start(ctx context.Context) {
	j.log.Info("Janitor started", map[string]interface{}{
		"interval_seconds":   j.cfg.Interval.Seconds(),
		"grace_seconds":      j.cfg.Grace.Seconds(),
		"metric_retention_h": j.cfg.MetricRetention.Hours(),
		"event_retention_h":  j.cfg.EventRetention.Hours(),
	})
	j.wg.Add(1)
	go j.run(ctx)
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	j.once.Do(func() { close(j.stopCh) })
	j.wg.Wait()
}

func (j *Janitor) run(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			j.log.Info("Janitor stopped", nil)
			return
		case <-ctx.Done():
			j.log.Info("Janitor stopped", nil)
			return
		case <-ticker.C:
			// tick drops the sweep if the previous one is still running.
			j.wg.Add(1)
			go func() {
				defer j.wg.Done()
				j.tick(ctx)
			}()
		}
	}
}

// tick runs one sweep unless another is in progress. It reports false when
// the tick was skipped. A panicking step ends the sweep and is logged.
func (j *Janitor) tick(ctx context.Context) (res Result, ran bool) {
	if !j.state.CompareAndSwap(int32(StateIdle), int32(StateSweeping)) {
		j.log.Debug("Sweep still running, skipping tick", nil)
		return Result{}, false
	}
	defer j.state.Store(int32(StateIdle))
	defer func() {
		if r := recover(); r != nil {
			j.log.Error("Sweep panicked", fmt.Errorf("panic: %v", r), map[string]interface{}{
				"stack": string(debug.Stack()),
			})
			ran = true
		}
	}()

	start := time.Now()
	failed := false

	removed, err := j.cache.SweepExpired(ctx, j.cfg.Grace)
	if err != nil {
		j.logFailure("cache", err)
		failed = true
	}
	res.CacheEntries = removed

	if j.cfg.MetricRetention > 0 {
		removed, err := j.metrics.PruneOlderThan(ctx, j.cfg.MetricRetention)
		if err != nil {
			j.logFailure("metrics", err)
			failed = true
		}
		res.MetricSamples = removed
	}

	if j.events != nil && j.cfg.EventRetention > 0 {
		removed, err := j.events.PruneClosedEvents(ctx, j.cfg.EventRetention)
		if err != nil {
			j.logFailure("events", err)
			failed = true
		}
		res.Events = removed
	}

	j.log.Info("Sweep finished", map[string]interface{}{
		"cache_entries_removed":  res.CacheEntries,
		"metric_samples_removed": res.MetricSamples,
		"events_removed":         res.Events,
		"duration_ms":            time.Since(start).Milliseconds(),
		"partial":                failed,
	})
	return res, true
}

func (j *Janitor) logFailure(step string, err error) {
	if errors.Is(err, models.ErrStorageUnavailable) {
		j.log.Warn("Storage unavailable, retrying next interval", map[string]interface{}{
			"step":  step,
			"error": err.Error(),
		})
		return
	}
	j.log.Error("Sweep step failed", err, map[string]interface{}{"step": step})
}
