// Package diskmanager watches the filesystem under an embedded data
// directory and refuses writes once it is nearly full.
package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
)

const (
	DefaultCheckInterval           = 10 * time.Second
	DefaultWarningThreshold        = 90.0
	DefaultCircuitBreakerThreshold = 95.0
)

// Usage is a filesystem usage sample
type Usage struct {
	UsagePercent   float64
	AvailableBytes uint64
	TotalBytes     uint64
}

// Stat samples the filesystem holding dir
func Stat(dir string) (Usage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return Usage{}, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	total := stat.Blocks * uint64(stat.Bsize)
	u := Usage{
		AvailableBytes: stat.Bavail * uint64(stat.Bsize),
		TotalBytes:     total,
	}
	if total > 0 {
		used := total - stat.Bfree*uint64(stat.Bsize)
		u.UsagePercent = float64(used) / float64(total) * 100
	}
	return u, nil
}

// Config holds configuration for a DiskManager
type Config struct {
	Dir                     string
	CheckInterval           time.Duration
	WarningThreshold        float64
	CircuitBreakerThreshold float64
}

// DiskManager caches a usage sample and gates writes on it
type DiskManager struct {
	dir              string
	logger           *zap.Logger
	checkInterval    time.Duration
	warningThreshold float64
	breakerThreshold float64
	stat             func(string) (Usage, error)

	mu        sync.Mutex
	lastCheck time.Time
	usage     Usage
	broken    bool
	warned    bool
}

// NewDiskManager creates a disk manager. Zero values take the defaults; a
// negative CheckInterval samples on every call.
func NewDiskManager(cfg Config, logger *zap.Logger) (*DiskManager, error) {
	if cfg.Dir == "" {
		return nil, ferrors.InvalidArgument("data directory is required", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dm := &DiskManager{
		dir:              cfg.Dir,
		logger:           logger,
		checkInterval:    cfg.CheckInterval,
		warningThreshold: cfg.WarningThreshold,
		breakerThreshold: cfg.CircuitBreakerThreshold,
		stat:             Stat,
	}
	if dm.checkInterval == 0 {
		dm.checkInterval = DefaultCheckInterval
	}
	if dm.breakerThreshold <= 0 {
		dm.breakerThreshold = DefaultCircuitBreakerThreshold
	}
	if dm.warningThreshold <= 0 || dm.warningThreshold > dm.breakerThreshold {
		dm.warningThreshold = min(DefaultWarningThreshold, dm.breakerThreshold)
	}
	return dm, nil
}

// CheckBeforeWrite fails with ResourceExhausted while the circuit breaker
// is engaged or when estimatedBytes would not fit. A failed sample lets
// the write through.
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes int) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) >= dm.checkInterval {
		if err := dm.refresh(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.String("dir", dm.dir), zap.Error(err))
			return nil
		}
	}

	if dm.broken {
		return ferrors.ResourceExhausted("disk", int(dm.usage.UsagePercent), int(dm.breakerThreshold)).
			WithDetail("dir", dm.dir).
			WithDetail("available_bytes", dm.usage.AvailableBytes)
	}
	if estimatedBytes > 0 && uint64(estimatedBytes) > dm.usage.AvailableBytes {
		return ferrors.ResourceExhausted("disk bytes", int(dm.usage.AvailableBytes), estimatedBytes).
			WithDetail("dir", dm.dir)
	}
	return nil
}

// refresh must be called with mu held
func (dm *DiskManager) refresh() error {
	u, err := dm.stat(dm.dir)
	if err != nil {
		return err
	}
	dm.usage = u
	dm.lastCheck = time.Now()

	wasBroken := dm.broken
	dm.broken = u.UsagePercent >= dm.breakerThreshold
	switch {
	case dm.broken && !wasBroken:
		dm.logger.Error("Disk circuit breaker engaged",
			zap.String("dir", dm.dir),
			zap.Float64("usage_percent", u.UsagePercent),
			zap.Uint64("available_bytes", u.AvailableBytes),
			zap.Float64("threshold", dm.breakerThreshold))
	case !dm.broken && wasBroken:
		dm.logger.Info("Disk circuit breaker disengaged",
			zap.String("dir", dm.dir),
			zap.Float64("usage_percent", u.UsagePercent))
	}

	warn := u.UsagePercent >= dm.warningThreshold && !dm.broken
	if warn && !dm.warned {
		dm.logger.Warn("Disk usage warning",
			zap.String("dir", dm.dir),
			zap.Float64("usage_percent", u.UsagePercent),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}
	dm.warned = warn
	return nil
}
