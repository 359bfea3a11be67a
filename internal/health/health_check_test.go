package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/aykutalparslan/ferrite/internal/metrics"
	"github.com/aykutalparslan/ferrite/internal/model"
)

func TestRunChecks(t *testing.T) {
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	down := errors.New("down")
	var redisErr error

	h := NewHealthChecker(&HealthCheckConfig{NodeID: "n1"}, map[string]Probe{
		"pebble": func(context.Context) error { return nil },
		"redis":  func(context.Context) error { return redisErr },
	}, zap.NewNop(), m)

	assert.False(t, h.IsReady(), "not ready before the first check")

	h.RunChecks(context.Background())
	assert.True(t, h.IsReady())
	assert.Equal(t, model.NodeStatusHealthy, h.GetStatus().Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendUp.WithLabelValues("redis")))

	redisErr = down
	h.RunChecks(context.Background())
	assert.False(t, h.IsReady())
	status := h.GetStatus()
	assert.Equal(t, model.NodeStatusUnhealthy, status.Status)
	assert.False(t, status.Backends["redis"].Healthy)
	assert.True(t, status.Backends["pebble"].Healthy)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BackendUp.WithLabelValues("redis")))
}

func TestProbeTimeout(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{ProbeTimeout: 10 * time.Millisecond}, map[string]Probe{
		"slow": func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}, nil, nil)

	h.RunChecks(context.Background())
	assert.False(t, h.IsReady())
	assert.Contains(t, h.GetStatus().Backends["slow"].Error, "deadline")
}

func TestDraining(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{}, map[string]Probe{
		"memory": func(context.Context) error { return nil },
	}, nil, nil)
	h.RunChecks(context.Background())
	assert.True(t, h.IsReady())

	h.SetDraining(true)
	h.RunChecks(context.Background())
	assert.False(t, h.IsReady())
	assert.True(t, h.IsLive())
}

func TestStartStopsWithContext(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{CheckInterval: time.Millisecond}, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("health checker did not stop")
	}
}

func TestCheckDiskSpace(t *testing.T) {
	assert.Contains(t, checkDiskSpace("/does/not/exist"), "failed to stat")
}
