package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	syncerrors "github.com/devrev/tiersync/internal/errors"
	"github.com/devrev/tiersync/internal/health"
	"github.com/devrev/tiersync/internal/model"
	"github.com/devrev/tiersync/internal/orchestrator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEngine struct {
	status  orchestrator.Status
	syncErr error
	syncs   int
}

func (f *fakeEngine) Status(context.Context) (orchestrator.Status, error) {
	return f.status, nil
}

func (f *fakeEngine) SyncNow(context.Context) error {
	f.syncs++
	if f.syncErr == nil {
		f.status.Dirty = false
	}
	return f.syncErr
}

func newTestServer(t *testing.T, engine *fakeEngine) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "tiersync_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	hc := health.NewHealthChecker(&health.HealthCheckConfig{}, engine, zap.NewNop())
	hc.RunChecks(context.Background())

	s := NewMetricsServer(&MetricsServerConfig{Port: 0, Gatherer: reg}, engine, hc, zap.NewNop())
	return s.Handler()
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestMetricsServer_Routes(t *testing.T) {
	engine := &fakeEngine{status: orchestrator.Status{
		Tenant: model.Tenant{ID: "acme"},
		Loaded: true,
		Dirty:  true,
	}}
	h := newTestServer(t, engine)

	rec := do(h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tiersync_test_total 1")

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/ready").Code)

	rec = do(h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var st orchestrator.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "acme", st.Tenant.ID)
	assert.True(t, st.Dirty)

	rec = do(h, http.MethodPost, "/sync")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.Dirty)
	assert.Equal(t, 1, engine.syncs)

	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodGet, "/sync").Code)
}

func TestMetricsServer_SyncError(t *testing.T) {
	engine := &fakeEngine{
		status:  orchestrator.Status{Loaded: true},
		syncErr: syncerrors.ShuttingDown("orchestrator"),
	}
	h := newTestServer(t, engine)

	rec := do(h, http.MethodPost, "/sync")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body["status"])
	assert.Contains(t, body["message"], "shutting down")
}
