package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stwalsh4118/echosphere/internal/logger"
	"github.com/stwalsh4118/echosphere/internal/models"
	"github.com/stwalsh4118/echosphere/internal/repository"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testNow}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store      *repository.Store
	clock      *fakeClock
	spatial    SpatialService
	timeseries TimeSeriesService
	cache      CacheService
	facade     *QueryFacade
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := repository.NewMemoryStore()
	clock := newFakeClock()
	log := logger.Nop()

	env := &testEnv{
		store:      store,
		clock:      clock,
		spatial:    NewSpatialService(store, store.Cache, clock.Now, log),
		timeseries: NewTimeSeriesService(store, clock.Now, log),
		cache:      NewCacheService(store.Cache, store.Areas, time.Hour, clock.Now, log),
	}
	env.facade = NewQueryFacade(env.spatial, env.timeseries, env.cache, clock.Now)
	return env
}

// squareAround returns a closed ±half-degree square ring centered on (lat, lng).
func squareAround(lat, lng, half float64) [][2]float64 {
	return [][2]float64{
		{lng - half, lat - half},
		{lng + half, lat - half},
		{lng + half, lat + half},
		{lng - half, lat + half},
		{lng - half, lat - half},
	}
}

func createArea(t *testing.T, env *testEnv, lat, lng float64) *models.Area {
	t.Helper()
	area, err := env.facade.CreateArea(context.Background(), squareAround(lat, lng, 0.01), nil, nil)
	require.NoError(t, err)
	return area
}

func strPtr(s string) *string { return &s }

// MockCacheRepository is a mock implementation of CacheRepository for testing
type MockCacheRepository struct {
	mock.Mock
}

func (m *MockCacheRepository) GetLive(ctx context.Context, key string, now time.Time) (*models.CacheEntry, error) {
	args := m.Called(ctx, key, now)
	entry, _ := args.Get(0).(*models.CacheEntry)
	return entry, args.Error(1)
}

func (m *MockCacheRepository) Put(ctx context.Context, entry *models.CacheEntry) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *MockCacheRepository) Invalidate(ctx context.Context, key string, now time.Time) error {
	return m.Called(ctx, key, now).Error(0)
}

func (m *MockCacheRepository) FindNearbyLive(ctx context.Context, center models.Point, radiusKm float64, now time.Time) ([]repository.CacheEntryWithDistance, error) {
	args := m.Called(ctx, center, radiusKm, now)
	entries, _ := args.Get(0).([]repository.CacheEntryWithDistance)
	return entries, args.Error(1)
}

func (m *MockCacheRepository) DeleteByArea(ctx context.Context, areaID string) (int64, error) {
	args := m.Called(ctx, areaID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCacheRepository) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCacheRepository) Stats(ctx context.Context, now time.Time) (models.CacheStats, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(models.CacheStats), args.Error(1)
}

// MockAreaRepository is a mock implementation of AreaRepository for testing
type MockAreaRepository struct {
	mock.Mock
}

func (m *MockAreaRepository) Create(ctx context.Context, area *models.Area) error {
	return m.Called(ctx, area).Error(0)
}

func (m *MockAreaRepository) Rename(ctx context.Context, id string, name *string) (bool, error) {
	args := m.Called(ctx, id, name)
	return args.Bool(0), args.Error(1)
}

func (m *MockAreaRepository) FindByID(ctx context.Context, id string) (*models.Area, error) {
	args := m.Called(ctx, id)
	area, _ := args.Get(0).(*models.Area)
	return area, args.Error(1)
}

func (m *MockAreaRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.Area, error) {
	args := m.Called(ctx, ownerID, limit)
	areas, _ := args.Get(0).([]models.Area)
	return areas, args.Error(1)
}

func (m *MockAreaRepository) FindNearby(ctx context.Context, center models.Point, radiusKm float64) ([]repository.AreaWithDistance, error) {
	args := m.Called(ctx, center, radiusKm)
	areas, _ := args.Get(0).([]repository.AreaWithDistance)
	return areas, args.Error(1)
}

func (m *MockAreaRepository) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockAreaRepository) Count(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}
