package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/tiersync/internal/model"
	"github.com/devrev/tiersync/internal/orchestrator"
	"github.com/devrev/tiersync/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEngine struct {
	status orchestrator.Status
	err    error
}

func (f *fakeEngine) Status(context.Context) (orchestrator.Status, error) {
	return f.status, f.err
}

type fakeDisk struct {
	usage             float64
	throttled, broken bool
}

func (f fakeDisk) Stats() (float64, bool, bool) { return f.usage, f.throttled, f.broken }

func loaded() orchestrator.Status {
	return orchestrator.Status{
		Tenant: model.Tenant{ID: "acme"},
		Loaded: true,
		Scheduler: scheduler.Status{
			LastRun: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestHealthChecker_RunChecks(t *testing.T) {
	tests := []struct {
		name      string
		engine    *fakeEngine
		disk      DiskGuard
		dataDir   string
		want      Status
		wantReady bool
	}{
		{
			name:      "loaded and clean",
			engine:    &fakeEngine{status: loaded()},
			want:      StatusHealthy,
			wantReady: true,
		},
		{
			name: "last sync failed",
			engine: &fakeEngine{status: func() orchestrator.Status {
				st := loaded()
				st.Scheduler.LastError = "cloud tier: timeout"
				return st
			}()},
			want:      StatusDegraded,
			wantReady: true,
		},
		{
			name:   "not loaded",
			engine: &fakeEngine{status: orchestrator.Status{}},
			want:   StatusUnhealthy,
		},
		{
			name:   "status error",
			engine: &fakeEngine{err: errors.New("local tier unavailable")},
			want:   StatusUnhealthy,
		},
		{
			name:      "disk throttled",
			engine:    &fakeEngine{status: loaded()},
			disk:      fakeDisk{usage: 91, throttled: true},
			want:      StatusDegraded,
			wantReady: true,
		},
		{
			name:   "disk broken",
			engine: &fakeEngine{status: loaded()},
			disk:   fakeDisk{usage: 97, throttled: true, broken: true},
			want:   StatusUnhealthy,
		},
		{
			name:    "missing data dir",
			engine:  &fakeEngine{status: loaded()},
			dataDir: filepath.Join(t.TempDir(), "absent"),
			want:    StatusUnhealthy,
		},
		{
			name:      "writable data dir",
			engine:    &fakeEngine{status: loaded()},
			dataDir:   t.TempDir(),
			want:      StatusHealthy,
			wantReady: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker(&HealthCheckConfig{DataDir: tt.dataDir, Disk: tt.disk}, tt.engine, zap.NewNop())
			h.RunChecks(context.Background())

			status, at := h.GetStatus()
			assert.Equal(t, tt.want, status)
			assert.False(t, at.IsZero())
			assert.Equal(t, tt.wantReady, h.IsReady())
		})
	}
}

func TestHealthChecker_Handlers(t *testing.T) {
	engine := &fakeEngine{status: orchestrator.Status{}}
	h := NewHealthChecker(&HealthCheckConfig{}, engine, zap.NewNop())
	h.RunChecks(context.Background())

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Ready  bool                   `json:"ready"`
		Checks map[string]CheckResult `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Ready)
	assert.Equal(t, checkCritical, body.Checks["engine"].Status)

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	engine.status = loaded()
	h.RunChecks(context.Background())
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.SetReadiness(false)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
