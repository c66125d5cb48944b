package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/progress"
)

func counterValue(t *testing.T, mm *MetricsManager, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := mm.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestObserversCount(t *testing.T) {
	mm := NewMetricsManager(zap.NewNop().Sugar())

	mm.ObserveMilestone(progress.Authenticated)
	mm.ObserveMilestone(progress.Authenticated)
	mm.ObserveStall()
	mm.ObserveToggle("start", "ok")
	mm.ObserveRecovery("recovered")
	mm.ObserveReconcile("cleared")
	mm.ObserveGuardRestart(nil)
	mm.ObserveGuardRestart(errors.New("frpc 未找到"))
	mm.RecordAPIRequest("GET /tunnel", nil)
	mm.SetTunnelStats(5, 2)

	assert.Equal(t, 2.0, counterValue(t, mm, "frplauncher_start_milestones_total", map[string]string{"milestone": "authenticated"}))
	assert.Equal(t, 1.0, counterValue(t, mm, "frplauncher_start_stalls_total", nil))
	assert.Equal(t, 1.0, counterValue(t, mm, "frplauncher_toggles_total", map[string]string{"action": "start", "result": "ok"}))
	assert.Equal(t, 1.0, counterValue(t, mm, "frplauncher_conflict_recoveries_total", map[string]string{"outcome": "recovered"}))
	assert.Equal(t, 1.0, counterValue(t, mm, "frplauncher_reconcile_corrections_total", map[string]string{"result": "cleared"}))
	assert.Equal(t, 1.0, counterValue(t, mm, "frplauncher_guard_restarts_total", map[string]string{"result": StatusError}))
	assert.Equal(t, 1.0, counterValue(t, mm, "frplauncher_remote_api_requests_total", map[string]string{"status": StatusSuccess}))
	assert.Equal(t, 5.0, counterValue(t, mm, "frplauncher_tunnels_total", nil))
	assert.Equal(t, 2.0, counterValue(t, mm, "frplauncher_tunnels_running", nil))
}

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	mm := NewMetricsManager(zap.NewNop().Sugar())
	r := chi.NewRouter()
	r.Use(mm.HTTPMiddleware())
	r.Get("/api/v1/tunnels/{source}/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	for _, id := range []string{"1", "2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tunnels/api/"+id, nil))
		assert.Equal(t, http.StatusAccepted, rec.Code)
	}

	assert.Equal(t, 2.0, counterValue(t, mm, "frplauncher_http_requests_total", map[string]string{
		"path":   "/api/v1/tunnels/{source}/{id}",
		"status": http.StatusText(http.StatusAccepted),
	}))
}

func TestHealthAndReadiness(t *testing.T) {
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "h.db"), 0o600, nil)
	require.NoError(t, err)
	defer db.Close()

	binary := filepath.Join(t.TempDir(), "frpc")
	m := NewManager(zap.NewNop().Sugar(), DefaultConfig())
	m.RegisterHealthChecker(NewDatabaseHealthChecker("storage", db))
	m.RegisterReadinessChecker(NewBinaryReadinessChecker("frpc", func() string { return binary }))

	assert.True(t, m.Health().IsHealthy())
	assert.False(t, m.Health().IsReady())

	rec := httptest.NewRecorder()
	m.Health().ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StateNotReady, body.Status)
	require.Len(t, body.Components, 1)
	assert.Contains(t, body.Components[0].Error, "frpc not found")

	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o755))
	assert.True(t, m.Health().IsReady())

	require.NoError(t, db.Close())
	resp := m.Health().CheckHealth(context.Background())
	assert.Equal(t, StateUnhealthy, resp.Status)
}

func TestComponentChecker(t *testing.T) {
	up := false
	c := NewComponentHealthChecker("catalogue", func() bool { return up }, nil)
	assert.Error(t, c.HealthCheck(context.Background()))
	assert.Error(t, c.ReadinessCheck(context.Background()))
	up = true
	assert.NoError(t, c.HealthCheck(context.Background()))
	assert.NoError(t, c.ReadinessCheck(context.Background()))
}

func TestManagerWithoutMetrics(t *testing.T) {
	m := NewManager(zap.NewNop().Sugar(), Config{})
	assert.Nil(t, m.Metrics())
	m.UpdateMetrics(1, 1)

	rec := httptest.NewRecorder()
	m.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
