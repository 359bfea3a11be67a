package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aykutalparslan/ferrite/internal/metrics"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 2, QueueSize: 8, Logger: zap.NewNop()})
	defer pool.Stop(time.Second)

	var ran int32
	for i := 0; i < 8; i++ {
		require.True(t, pool.TrySubmit(Task{ID: "t", Fn: func(context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}}))
	}
	pool.Wait()

	assert.Equal(t, int32(8), atomic.LoadInt32(&ran))
	stats := pool.Stats()
	assert.Equal(t, uint64(8), stats.TotalTasks)
	assert.Equal(t, uint64(8), stats.CompletedTasks)
}

func TestWorkerPool_FailuresAndPanics(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 4})
	defer pool.Stop(time.Second)

	require.True(t, pool.TrySubmit(Task{ID: "err", Fn: func(context.Context) error { return errors.New("boom") }}))
	require.True(t, pool.TrySubmit(Task{ID: "panic", Fn: func(context.Context) error { panic("boom") }}))
	pool.Wait()

	assert.Equal(t, uint64(2), pool.Stats().FailedTasks)
}

func TestWorkerPool_SubmitOrRunFallsBackInline(t *testing.T) {
	m := metrics.NewMetrics("n", prometheus.NewRegistry())
	pool := NewWorkerPool(&Config{Name: "flush", MaxWorkers: 1, QueueSize: 1, Metrics: m})
	defer pool.Stop(time.Second)

	block := make(chan struct{})
	started := make(chan struct{})
	require.True(t, pool.TrySubmit(Task{ID: "blocker", Fn: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.True(t, pool.TrySubmit(Task{ID: "queued", Fn: func(context.Context) error { return nil }}))

	var inline bool
	err := pool.SubmitOrRun(Task{ID: "inline", Fn: func(context.Context) error {
		inline = true
		return nil
	}})
	require.NoError(t, err)
	assert.True(t, inline)
	assert.Equal(t, uint64(1), pool.Stats().InlineTasks)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerPoolRejected.WithLabelValues("flush")))

	close(block)
	pool.Wait()
}

func TestWorkerPool_StopRejectsAndDrains(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 4})

	var ran int32
	for i := 0; i < 3; i++ {
		pool.TrySubmit(Task{ID: "t", Fn: func(context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}})
	}
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int32(3), atomic.LoadInt32(&ran))

	assert.False(t, pool.TrySubmit(Task{ID: "late", Fn: func(context.Context) error { return nil }}))
	assert.Equal(t, uint64(1), pool.Stats().RejectedTasks)
}
