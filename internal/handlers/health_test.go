package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePinger answers Ping with a fixed error.
type fakePinger struct {
	err   error
	calls int
}

func (p *fakePinger) Ping(ctx context.Context) error {
	p.calls++
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("ping called without deadline")
	}
	return p.err
}

// setupTestRouter creates a bare test Gin router.
func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func TestHealthHandler_Health(t *testing.T) {
	handler := NewHealthHandler(nil, "test")

	router := setupTestRouter()
	router.GET("/health", handler.Health)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var response HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, HealthResponse{Status: "healthy"}, response)
}

func TestHealthHandler_Ready(t *testing.T) {
	tests := []struct {
		name           string
		storeErr       error
		cacheErr       error
		expectedStatus int
		expectedBody   ReadyResponse
	}{
		{
			name:           "all dependencies connected",
			expectedStatus: http.StatusOK,
			expectedBody: ReadyResponse{
				Status:       "ready",
				Dependencies: map[string]string{"store": "connected", "cache": "connected"},
			},
		},
		{
			name:           "store down",
			storeErr:       errors.New("connection refused"),
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody: ReadyResponse{
				Status:       "not_ready",
				Dependencies: map[string]string{"store": "disconnected", "cache": "connected"},
			},
		},
		{
			name:           "cache down",
			cacheErr:       errors.New("redis: connection refused"),
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody: ReadyResponse{
				Status:       "not_ready",
				Dependencies: map[string]string{"store": "connected", "cache": "disconnected"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakePinger{err: tt.storeErr}
			cache := &fakePinger{err: tt.cacheErr}
			handler := NewHealthHandler(map[string]Pinger{"store": store, "cache": cache}, "test")

			router := setupTestRouter()
			router.GET("/health/ready", handler.Ready)

			req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			var response ReadyResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectedBody, response)
			assert.Equal(t, 1, store.calls)
			assert.Equal(t, 1, cache.calls)
		})
	}
}

func TestHealthHandler_Ready_NoDependencies(t *testing.T) {
	handler := NewHealthHandler(map[string]Pinger{}, "test")

	router := setupTestRouter()
	router.GET("/health/ready", handler.Ready)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthHandler_Info(t *testing.T) {
	tests := []struct {
		name        string
		env         string
		startTime   time.Time
		checkUptime bool
	}{
		{
			name:        "returns API info with development environment",
			env:         "development",
			startTime:   time.Now().Add(-2 * time.Hour),
			checkUptime: true,
		},
		{
			name:        "returns API info with production environment",
			env:         "production",
			startTime:   time.Now().Add(-24 * time.Hour),
			checkUptime: true,
		},
		{
			name:        "returns API info with test environment",
			env:         "test",
			startTime:   time.Now(),
			checkUptime: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &HealthHandler{
				startTime: tt.startTime,
				env:       tt.env,
			}

			router := setupTestRouter()
			router.GET("/api/v1/info", handler.Info)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/info", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)

			var response InfoResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, APIVersion, response.Version)
			assert.Equal(t, tt.env, response.Environment)

			if tt.checkUptime {
				assert.NotEmpty(t, response.Uptime)
			}
		})
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{
			name:     "formats seconds only",
			duration: 45 * time.Second,
			expected: "0h 0m 45s",
		},
		{
			name:     "formats minutes and seconds",
			duration: 5*time.Minute + 30*time.Second,
			expected: "0h 5m 30s",
		},
		{
			name:     "formats hours, minutes and seconds",
			duration: 2*time.Hour + 15*time.Minute + 45*time.Second,
			expected: "2h 15m 45s",
		},
		{
			name:     "formats days, hours, minutes and seconds",
			duration: 3*24*time.Hour + 5*time.Hour + 30*time.Minute + 15*time.Second,
			expected: "3d 5h 30m 15s",
		},
		{
			name:     "formats zero duration",
			duration: 0,
			expected: "0h 0m 0s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatUptime(tt.duration))
		})
	}
}

func TestNewHealthHandler(t *testing.T) {
	deps := map[string]Pinger{"store": &fakePinger{}}

	handler := NewHealthHandler(deps, "production")

	require.NotNil(t, handler)
	assert.Equal(t, deps, handler.deps)
	assert.Equal(t, "production", handler.env)
	assert.False(t, handler.startTime.IsZero())
}

func TestReadyResponse_JSON(t *testing.T) {
	response := ReadyResponse{
		Status:       "not_ready",
		Dependencies: map[string]string{"store": "disconnected"},
	}

	data, err := json.Marshal(response)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"not_ready","dependencies":{"store":"disconnected"}}`, string(data))
}

func BenchmarkFormatUptime(b *testing.B) {
	duration := 3*24*time.Hour + 5*time.Hour + 30*time.Minute + 15*time.Second

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = formatUptime(duration)
	}
}

func ExampleHealthHandler_Health() {
	handler := NewHealthHandler(nil, "development")

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", handler.Health)

	fmt.Println("Health endpoint registered at /health")
	// Output: Health endpoint registered at /health
}
