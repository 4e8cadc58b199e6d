// Package diskmanager guards the local file tier against filling the device.
package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	syncerrors "github.com/devrev/tiersync/internal/errors"
	"go.uber.org/zap"
)

// Usage is one filesystem sample
type Usage struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

// Percent returns the used share of the filesystem
func (u Usage) Percent() float64 {
	if u.TotalBytes == 0 {
		return 0
	}
	return float64(u.TotalBytes-u.AvailableBytes) / float64(u.TotalBytes) * 100.0
}

// StatFunc samples the filesystem holding dir
type StatFunc func(dir string) (Usage, error)

// DiskManager samples disk usage at most once per check interval and
// rejects shard writes once thresholds are crossed
type DiskManager struct {
	dataDir string
	logger  *zap.Logger
	stat    StatFunc

	mu            sync.Mutex
	lastCheck     time.Time
	usage         Usage
	checkInterval time.Duration

	warningThreshold        float64
	throttleThreshold       float64
	circuitBreakerThreshold float64

	isThrottled     bool
	isCircuitBroken bool
}

// Config holds the thresholds, in percent used
type Config struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	ThrottleThreshold       float64
	CircuitBreakerThreshold float64
	// Stat overrides the filesystem probe, used by tests
	Stat StatFunc
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		ThrottleThreshold:       90.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// NewDiskManager creates a disk manager and takes an initial sample
func NewDiskManager(cfg *Config, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	stat := cfg.Stat
	if stat == nil {
		stat = statfs
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		logger:                  logger,
		stat:                    stat,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		throttleThreshold:       cfg.ThrottleThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}

	if err := dm.ForceCheck(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	return dm, nil
}

// CheckBeforeWrite returns a DiskFull or DiskThrottled error when a write of
// estimatedBytes must be rejected
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	pct := dm.usage.Percent()
	switch {
	case dm.isCircuitBroken:
		return syncerrors.DiskFull(pct, dm.usage.AvailableBytes)
	case dm.isThrottled && estimatedBytes > dm.usage.AvailableBytes/10:
		// small shard writes still pass while throttled
		return syncerrors.DiskThrottled(pct)
	case dm.usage.TotalBytes > 0 && estimatedBytes > dm.usage.AvailableBytes:
		return syncerrors.DiskFull(pct, dm.usage.AvailableBytes).
			WithDetail("requested_bytes", estimatedBytes)
	}
	return nil
}

// Stats returns the last sample
func (dm *DiskManager) Stats() (usagePercent float64, throttled, broken bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.usage.Percent(), dm.isThrottled, dm.isCircuitBroken
}

// ForceCheck samples the filesystem immediately
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkLocked()
}

func (dm *DiskManager) checkLocked() error {
	usage, err := dm.stat(dm.dataDir)
	if err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}
	dm.usage = usage
	dm.lastCheck = time.Now()

	pct := usage.Percent()
	wasThrottled, wasBroken := dm.isThrottled, dm.isCircuitBroken
	dm.isCircuitBroken = pct >= dm.circuitBreakerThreshold
	dm.isThrottled = pct >= dm.throttleThreshold && !dm.isCircuitBroken

	fields := []zap.Field{
		zap.Float64("usage_percent", pct),
		zap.Uint64("available_bytes", usage.AvailableBytes),
	}
	switch {
	case dm.isCircuitBroken && !wasBroken:
		dm.logger.Error("Disk circuit breaker engaged", fields...)
	case !dm.isCircuitBroken && wasBroken:
		dm.logger.Info("Disk circuit breaker disengaged", fields...)
	case dm.isThrottled && !wasThrottled:
		dm.logger.Warn("Disk write throttling enabled", fields...)
	case !dm.isThrottled && wasThrottled:
		dm.logger.Info("Disk write throttling disabled", fields...)
	case pct >= dm.warningThreshold && !dm.isThrottled && !dm.isCircuitBroken:
		dm.logger.Warn("Disk usage warning", fields...)
	}
	return nil
}

func statfs(dir string) (Usage, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return Usage{}, err
	}
	return Usage{
		TotalBytes:     st.Blocks * uint64(st.Bsize),
		AvailableBytes: st.Bavail * uint64(st.Bsize),
	}, nil
}
