package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devrev/tiersync/internal/orchestrator"
	"go.uber.org/zap"
)

// Status is the aggregated health of an engine instance
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	checkHealthy  = "healthy"
	checkWarning  = "warning"
	checkCritical = "critical"
)

// Engine is the part of the orchestrator the checker samples
type Engine interface {
	Status(ctx context.Context) (orchestrator.Status, error)
}

// DiskGuard reports the disk manager state of the file driver
type DiskGuard interface {
	Stats() (usagePercent float64, throttled, broken bool)
}

// HealthChecker periodically samples the engine and its local data directory
type HealthChecker struct {
	engine   Engine
	disk     DiskGuard
	dataDir  string
	interval time.Duration
	logger   *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      Status
	checks      map[string]CheckResult
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	// DataDir is the local tier directory; empty skips the check
	DataDir  string
	Disk     DiskGuard
	Interval time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, engine Engine, logger *zap.Logger) *HealthChecker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthChecker{
		engine:   engine,
		disk:     cfg.Disk,
		dataDir:  cfg.DataDir,
		interval: interval,
		logger:   logger,
		checks:   make(map[string]CheckResult),
		status:   StatusUnhealthy,
	}
}

// Start runs checks until ctx is cancelled
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			h.RunChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks samples every check once and recomputes the aggregate status
func (h *HealthChecker) RunChecks(ctx context.Context) {
	st, err := h.engine.Status(ctx)

	results := []CheckResult{h.checkEngine(st, err)}
	if err == nil {
		results = append(results, h.checkLastSync(st), h.checkPending(st))
	}
	if h.dataDir != "" {
		results = append(results, h.checkDataDirAccessible())
	}
	if h.disk != nil {
		results = append(results, h.checkDiskSpace())
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	allHealthy, allReady := true, true
	for _, r := range results {
		h.checks[r.Name] = r
		if r.Status != checkHealthy {
			allHealthy = false
			if r.Status == checkCritical {
				allReady = false
			}
		}
	}

	switch {
	case allHealthy:
		h.status = StatusHealthy
	case allReady:
		h.status = StatusDegraded
	default:
		h.status = StatusUnhealthy
	}
	h.readinessOK = allReady

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("readiness", h.readinessOK))
}

func result(name, status, msg string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: msg, Timestamp: time.Now()}
}

func (h *HealthChecker) checkEngine(st orchestrator.Status, err error) CheckResult {
	if err != nil {
		return result("engine", checkCritical, fmt.Sprintf("Failed to read engine status: %v", err))
	}
	if !st.Loaded {
		return result("engine", checkCritical, "Tenant is not loaded")
	}
	if st.Scheduler.ShuttingDown {
		return result("engine", checkCritical, "Scheduler is shutting down")
	}
	return result("engine", checkHealthy, fmt.Sprintf("Tenant %s loaded", st.Tenant.ID))
}

func (h *HealthChecker) checkLastSync(st orchestrator.Status) CheckResult {
	if st.Scheduler.LastError != "" {
		return result("last_sync", checkWarning, fmt.Sprintf("Last sync failed: %s", st.Scheduler.LastError))
	}
	if st.Scheduler.LastRun.IsZero() {
		return result("last_sync", checkHealthy, "No sync has run yet")
	}
	return result("last_sync", checkHealthy, fmt.Sprintf("Last sync at %s", st.Scheduler.LastRun.Format(time.RFC3339)))
}

// checkPending is informational; unsynced changes are normal between ticks
func (h *HealthChecker) checkPending(st orchestrator.Status) CheckResult {
	if st.Dirty {
		return result("pending_changes", checkHealthy,
			fmt.Sprintf("Tiers differ, %d sync job(s) queued", st.Scheduler.Pending))
	}
	return result("pending_changes", checkHealthy, "All tiers in sync")
}

// checkDataDirAccessible checks that the local tier directory is writable
func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	info, err := os.Stat(h.dataDir)
	if err != nil {
		return result("data_dir_accessible", checkCritical, fmt.Sprintf("Data directory not accessible: %v", err))
	}
	if !info.IsDir() {
		return result("data_dir_accessible", checkCritical, "Data path is not a directory")
	}

	testFile := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return result("data_dir_accessible", checkCritical, fmt.Sprintf("Cannot write to data directory: %v", err))
	}
	f.Close()
	os.Remove(testFile)

	return result("data_dir_accessible", checkHealthy, "Data directory is accessible and writable")
}

func (h *HealthChecker) checkDiskSpace() CheckResult {
	if f, ok := h.disk.(interface{ ForceCheck() error }); ok {
		if err := f.ForceCheck(); err != nil {
			return result("disk_space", checkWarning, fmt.Sprintf("Failed to sample disk: %v", err))
		}
	}
	usage, throttled, broken := h.disk.Stats()
	switch {
	case broken:
		return result("disk_space", checkCritical, fmt.Sprintf("Disk usage critical: %.2f%%", usage))
	case throttled:
		return result("disk_space", checkWarning, fmt.Sprintf("Disk usage high: %.2f%%", usage))
	default:
		return result("disk_space", checkHealthy, fmt.Sprintf("Disk usage: %.2f%%", usage))
	}
}

// IsReady returns whether the instance can serve reads and writes
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the aggregate status and the time it was computed
func (h *HealthChecker) GetStatus() (Status, time.Time) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status, h.lastCheck
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler answers as long as the process can serve HTTP
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status, _ := h.GetStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy": true,
		"status":  status,
	})
}

// ReadinessHandler reports readiness with the individual check results
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	status, _ := h.GetStatus()

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"ready":  ready,
		"status": status,
		"checks": h.GetChecks(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
