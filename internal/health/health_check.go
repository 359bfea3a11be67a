package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aykutalparslan/ferrite/internal/metrics"
	"github.com/aykutalparslan/ferrite/internal/model"
	"github.com/aykutalparslan/ferrite/internal/storage/diskmanager"
)

// Probe reports whether a backend can serve requests
type Probe func(ctx context.Context) error

// HealthChecker periodically probes the configured backends
type HealthChecker struct {
	nodeID   string
	dataDir  string
	probes   map[string]Probe
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	backends    map[string]model.BackendHealth
	diskWarning string
	readinessOK bool
	draining    bool
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID string
	// DataDir is checked for free space when set (embedded engine)
	DataDir       string
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
}

// NewHealthChecker creates a health checker over probes keyed by backend name
func NewHealthChecker(cfg *HealthCheckConfig, probes map[string]Probe, logger *zap.Logger, m *metrics.Metrics) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthChecker{
		nodeID:   cfg.NodeID,
		dataDir:  cfg.DataDir,
		probes:   probes,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		metrics:  m,
		status:   model.NodeStatusUnhealthy,
		backends: make(map[string]model.BackendHealth),
	}
}

// Start runs checks until ctx is done
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

// RunChecks probes every backend concurrently and updates the status
func (h *HealthChecker) RunChecks(ctx context.Context) {
	results := make([]model.BackendHealth, 0, len(h.probes))
	var (
		wg    sync.WaitGroup
		resMu sync.Mutex
	)
	for name, probe := range h.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := h.runProbe(ctx, name, probe)
			resMu.Lock()
			results = append(results, r)
			resMu.Unlock()
		}()
	}
	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	diskWarning := ""
	if h.dataDir != "" {
		diskWarning = checkDiskSpace(h.dataDir)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCheck = time.Now()
	h.diskWarning = diskWarning

	ready := true
	for _, r := range results {
		h.backends[r.Name] = r
		if !r.Healthy {
			ready = false
		}
	}
	switch {
	case !ready:
		h.status = model.NodeStatusUnhealthy
	case diskWarning != "":
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusHealthy
	}
	h.readinessOK = ready

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("readiness", h.readinessOK))
}

func (h *HealthChecker) runProbe(ctx context.Context, name string, probe Probe) model.BackendHealth {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := probe(ctx)
	elapsed := time.Since(start)
	h.metrics.RecordProbe(name, elapsed.Seconds(), err == nil)

	r := model.BackendHealth{
		Name:      name,
		Healthy:   err == nil,
		LatencyMs: float64(elapsed.Microseconds()) / 1000,
	}
	if err != nil {
		r.Error = err.Error()
		h.logger.Warn("Backend probe failed", zap.String("backend", name), zap.Error(err))
	}
	return r
}

// checkDiskSpace returns a warning when the filesystem holding dir is
// nearly full or cannot be inspected
func checkDiskSpace(dir string) string {
	u, err := diskmanager.Stat(dir)
	if err != nil {
		return err.Error()
	}
	if u.UsagePercent > diskmanager.DefaultWarningThreshold {
		return fmt.Sprintf("disk usage high: %.2f%%", u.UsagePercent)
	}
	return ""
}

// IsLive reports whether the process is responsive
func (h *HealthChecker) IsLive() bool { return true }

// IsReady returns whether every backend answered its last probe and the
// node is not draining
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK && !h.draining
}

// SetDraining marks the node as shutting down; it stays unready regardless
// of probe results
func (h *HealthChecker) SetDraining(draining bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.draining = draining
}

// GetStatus returns the aggregated health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	backends := make(map[string]model.BackendHealth, len(h.backends))
	for k, v := range h.backends {
		backends[k] = v
	}
	return model.HealthStatus{
		NodeID:    h.nodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Backends:  backends,
		Warning:   h.diskWarning,
	}
}
