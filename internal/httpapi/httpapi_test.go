package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/core"
	"github.com/forgeflow/forgeflow/internal/health"
	"github.com/forgeflow/forgeflow/internal/httpapi"
	"github.com/forgeflow/forgeflow/internal/testutil"
)

func newServer(t *testing.T) (*core.Core, http.Handler) {
	t.Helper()

	c, err := core.Open(t.TempDir(), core.Options{Clock: testutil.NewClock()})
	require.NoError(t, err)

	return c, httpapi.New(c, zap.NewNop()).Router()
}

func get(t *testing.T, handler http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	if recorder.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	}

	return recorder, body
}

func TestHealthReportsHealthyStore(t *testing.T) {
	t.Parallel()

	_, handler := newServer(t)

	recorder, body := get(t, handler, "/health")
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "healthy", body["safe_mode"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestHealthReportsReadOnlyStoreAsUnavailable(t *testing.T) {
	t.Parallel()

	c, handler := newServer(t)

	for range 3 {
		require.NoError(t, c.Mesh.RecordFailure("provider down"))
	}

	recorder, body := get(t, handler, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "read_only", body["safe_mode"])
}

func TestHealthReportsUnhealthyCheckTarget(t *testing.T) {
	t.Parallel()

	c, handler := newServer(t)

	c.Checks.Register("provider", func(context.Context) error {
		return context.DeadlineExceeded
	}, health.CheckConfig{UnhealthyThreshold: 1})

	// Unprobed targets do not fail liveness.
	recorder, _ := get(t, handler, "/health")
	assert.Equal(t, http.StatusOK, recorder.Code)

	_, err := c.Checks.Check(context.Background(), "provider")
	require.NoError(t, err)

	recorder, body := get(t, handler, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Equal(t, "UNHEALTHY", body["checks"])
}

func TestHealthDetailedIncludesEverySurface(t *testing.T) {
	t.Parallel()

	c, handler := newServer(t)

	_, err := c.Checks.CheckAll(context.Background())
	require.NoError(t, err)

	recorder, body := get(t, handler, "/health/detailed")
	assert.Equal(t, http.StatusOK, recorder.Code)

	assert.Contains(t, body, "safe_mode")
	assert.Contains(t, body, "integrity")
	assert.Contains(t, body, "dlq")

	targets, ok := body["targets"].([]any)
	require.True(t, ok)
	assert.Len(t, targets, 3)

	integrity, ok := body["integrity"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(0), integrity["wal_pending"])
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	t.Parallel()

	_, handler := newServer(t)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "forgeflow")
}
