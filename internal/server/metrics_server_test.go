package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aykutalparslan/ferrite/internal/health"
	"github.com/aykutalparslan/ferrite/internal/metrics"
	"github.com/aykutalparslan/ferrite/internal/model"
)

func newServer(t *testing.T, probe health.Probe) (*MetricsServer, *health.HealthChecker) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("test", reg)
	checker := health.NewHealthChecker(&health.HealthCheckConfig{NodeID: "node-1"},
		map[string]health.Probe{"pebble": probe}, zap.NewNop(), m)
	checker.RunChecks(context.Background())
	return NewMetricsServer(&MetricsServerConfig{Port: 0}, reg, checker, zap.NewNop()), checker
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestReadyAndHealth(t *testing.T) {
	s, checker := newServer(t, func(context.Context) error { return nil })

	rec := get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, s.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var status model.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "node-1", status.NodeID)
	assert.Equal(t, model.NodeStatusHealthy, status.Status)
	assert.True(t, status.Backends["pebble"].Healthy)

	checker.SetDraining(true)
	rec = get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNotReadyWhenProbeFails(t *testing.T) {
	s, _ := newServer(t, func(context.Context) error { return errors.New("connection refused") })

	rec := get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	var status model.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, model.NodeStatusUnhealthy, status.Status)
	assert.Equal(t, "connection refused", status.Backends["pebble"].Error)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newServer(t, func(context.Context) error { return nil })

	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ferrite_health_backend_up")
}
