package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordStoreOp(t *testing.T) {
	m := NewMetrics("node-1", prometheus.NewRegistry())

	m.RecordStoreOp("pebble", "put", 0.001, nil)
	m.RecordStoreOp("pebble", "put", 0.002, nil)
	m.RecordStoreOp("pebble", "put", 0.003, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreOpsTotal.WithLabelValues("pebble", "put", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOpsTotal.WithLabelValues("pebble", "put", "error")))
}

func TestMetrics_SequenceAndHealth(t *testing.T) {
	m := NewMetrics("node-1", prometheus.NewRegistry())

	m.RecordCASRetry("nats")
	m.RecordCASRetry("nats")
	m.RecordZeroSkip()
	m.RecordProbe("redis", 0.01, true)
	m.RecordProbe("cassandra", 0.01, false)
	m.UpdateWriteQueue("cassandra", 17)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CASRetriesTotal.WithLabelValues("nats")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CounterZeroSkips))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendUp.WithLabelValues("redis")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BackendUp.WithLabelValues("cassandra")))
	assert.Equal(t, 17.0, testutil.ToFloat64(m.WriteQueueDepth.WithLabelValues("cassandra")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordStoreOp("memory", "get", 0, nil)
		m.RecordDanglingIndex("memory", "users")
		m.RecordFlush("cassandra", "commit", 0)
		m.RecordSequenceOp("redis", "counter", "incr", 0, nil)
		m.RecordSetSize("ordered_set", 3)
		m.RecordPoolRejected("flush")
		m.UpdatePoolQueued("flush", 1)
		m.RecordProbe("pebble", 0, true)
	})
}
