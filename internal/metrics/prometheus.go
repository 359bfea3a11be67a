package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ferrite"

// Metrics holds all Prometheus metrics for the persistence core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Store operation metrics
	StoreOpsTotal      *prometheus.CounterVec
	StoreOpDuration    *prometheus.HistogramVec
	StorePayloadBytes  *prometheus.HistogramVec
	IndexDanglingTotal *prometheus.CounterVec

	// Write queue metrics for batching backends
	WriteQueueDepth         *prometheus.GaugeVec
	WriteQueueFlushesTotal  *prometheus.CounterVec
	WriteQueueFlushDuration *prometheus.HistogramVec

	// Sequence metrics
	SequenceOpsTotal   *prometheus.CounterVec
	SequenceOpDuration *prometheus.HistogramVec
	CASRetriesTotal    *prometheus.CounterVec
	CounterZeroSkips   prometheus.Counter
	SetSize            *prometheus.HistogramVec

	// Message box metrics
	MessageBoxOpsTotal     *prometheus.CounterVec
	MessageBoxOpDuration   *prometheus.HistogramVec
	RegistryBoxes          prometheus.Gauge
	RegistryEvictionsTotal prometheus.Counter

	// Worker pool metrics
	WorkerPoolRejected *prometheus.CounterVec
	WorkerPoolQueued   *prometheus.GaugeVec

	// Health metrics
	BackendUp           *prometheus.GaugeVec
	BackendProbeLatency *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		StoreOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "operations_total",
			Help:        "Total number of store operations",
			ConstLabels: labels,
		}, []string{"backend", "op", "status"}),
		StoreOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "operation_duration_seconds",
			Help:        "Histogram of store operation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"backend", "op"}),
		StorePayloadBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "payload_bytes",
			Help:        "Histogram of payload sizes written and read",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(64, 2, 12), // 64B to 128KB
		}, []string{"backend", "op"}),
		IndexDanglingTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "index_dangling_total",
			Help:        "Secondary index entries that pointed at a missing row",
			ConstLabels: labels,
		}, []string{"backend", "table"}),

		WriteQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "write_queue_depth",
			Help:        "Queued statements awaiting commit",
			ConstLabels: labels,
		}, []string{"backend"}),
		WriteQueueFlushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "write_queue_flushes_total",
			Help:        "Write queue flushes by trigger",
			ConstLabels: labels,
		}, []string{"backend", "trigger"}),
		WriteQueueFlushDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "write_queue_flush_duration_seconds",
			Help:        "Histogram of write queue flush durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"backend"}),

		SequenceOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sequence",
			Name:        "operations_total",
			Help:        "Total number of counter and set operations",
			ConstLabels: labels,
		}, []string{"backend", "kind", "op", "status"}),
		SequenceOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "sequence",
			Name:        "operation_duration_seconds",
			Help:        "Histogram of counter and set operation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"backend", "kind"}),
		CASRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sequence",
			Name:        "cas_retries_total",
			Help:        "Compare-and-swap attempts that lost a race and were retried",
			ConstLabels: labels,
		}, []string{"backend"}),
		CounterZeroSkips: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sequence",
			Name:        "counter_zero_skips_total",
			Help:        "Increments that landed on zero and were advanced once more",
			ConstLabels: labels,
		}),
		SetSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "sequence",
			Name:        "set_size",
			Help:        "Member count of sets after a mutation",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"kind"}),

		MessageBoxOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "messagebox",
			Name:        "operations_total",
			Help:        "Total number of message box operations",
			ConstLabels: labels,
		}, []string{"op", "status"}),
		MessageBoxOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "messagebox",
			Name:        "operation_duration_seconds",
			Help:        "Histogram of message box operation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),
		RegistryBoxes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "messagebox",
			Name:        "registry_boxes",
			Help:        "Message boxes held by the registry",
			ConstLabels: labels,
		}),
		RegistryEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "messagebox",
			Name:        "registry_evictions_total",
			Help:        "Message boxes evicted from the registry",
			ConstLabels: labels,
		}),

		WorkerPoolRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "workerpool",
			Name:        "rejected_total",
			Help:        "Tasks rejected because the queue was full",
			ConstLabels: labels,
		}, []string{"pool"}),
		WorkerPoolQueued: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "workerpool",
			Name:        "queued_tasks",
			Help:        "Tasks waiting for a worker",
			ConstLabels: labels,
		}, []string{"pool"}),

		BackendUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "health",
			Name:        "backend_up",
			Help:        "1 if the last probe of the backend succeeded",
			ConstLabels: labels,
		}, []string{"backend"}),
		BackendProbeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "health",
			Name:        "probe_duration_seconds",
			Help:        "Histogram of backend probe durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"backend"}),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordStoreOp records a store operation and its latency
func (m *Metrics) RecordStoreOp(backend, op string, duration float64, err error) {
	if m == nil {
		return
	}
	m.StoreOpsTotal.WithLabelValues(backend, op, status(err)).Inc()
	m.StoreOpDuration.WithLabelValues(backend, op).Observe(duration)
}

// RecordPayload records the size of a payload moved by op
func (m *Metrics) RecordPayload(backend, op string, bytes int) {
	if m == nil {
		return
	}
	m.StorePayloadBytes.WithLabelValues(backend, op).Observe(float64(bytes))
}

// RecordDanglingIndex records a secondary index hit whose row was gone
func (m *Metrics) RecordDanglingIndex(backend, table string) {
	if m == nil {
		return
	}
	m.IndexDanglingTotal.WithLabelValues(backend, table).Inc()
}

// UpdateWriteQueue sets the current queue depth of a batching backend
func (m *Metrics) UpdateWriteQueue(backend string, depth int) {
	if m == nil {
		return
	}
	m.WriteQueueDepth.WithLabelValues(backend).Set(float64(depth))
}

// RecordFlush records a write queue flush
func (m *Metrics) RecordFlush(backend, trigger string, duration float64) {
	if m == nil {
		return
	}
	m.WriteQueueFlushesTotal.WithLabelValues(backend, trigger).Inc()
	m.WriteQueueFlushDuration.WithLabelValues(backend).Observe(duration)
}

// RecordSequenceOp records a counter or set operation
func (m *Metrics) RecordSequenceOp(backend, kind, op string, duration float64, err error) {
	if m == nil {
		return
	}
	m.SequenceOpsTotal.WithLabelValues(backend, kind, op, status(err)).Inc()
	m.SequenceOpDuration.WithLabelValues(backend, kind).Observe(duration)
}

// RecordCASRetry records one lost compare-and-swap race
func (m *Metrics) RecordCASRetry(backend string) {
	if m == nil {
		return
	}
	m.CASRetriesTotal.WithLabelValues(backend).Inc()
}

// RecordZeroSkip records an increment that had to step over zero
func (m *Metrics) RecordZeroSkip() {
	if m == nil {
		return
	}
	m.CounterZeroSkips.Inc()
}

// RecordSetSize records the size of a set after a mutation
func (m *Metrics) RecordSetSize(kind string, size int) {
	if m == nil {
		return
	}
	m.SetSize.WithLabelValues(kind).Observe(float64(size))
}

// RecordMessageBoxOp records a message box operation and its latency
func (m *Metrics) RecordMessageBoxOp(op string, duration float64, err error) {
	if m == nil {
		return
	}
	m.MessageBoxOpsTotal.WithLabelValues(op, status(err)).Inc()
	m.MessageBoxOpDuration.WithLabelValues(op).Observe(duration)
}

// UpdateRegistry sets the registry size and counts evictions
func (m *Metrics) UpdateRegistry(boxes, evicted int) {
	if m == nil {
		return
	}
	m.RegistryBoxes.Set(float64(boxes))
	m.RegistryEvictionsTotal.Add(float64(evicted))
}

// RecordPoolRejected records a task turned away by a full worker pool
func (m *Metrics) RecordPoolRejected(pool string) {
	if m == nil {
		return
	}
	m.WorkerPoolRejected.WithLabelValues(pool).Inc()
}

// UpdatePoolQueued sets the number of queued tasks in a worker pool
func (m *Metrics) UpdatePoolQueued(pool string, queued int) {
	if m == nil {
		return
	}
	m.WorkerPoolQueued.WithLabelValues(pool).Set(float64(queued))
}

// RecordProbe records the outcome of a backend health probe
func (m *Metrics) RecordProbe(backend string, duration float64, healthy bool) {
	if m == nil {
		return
	}
	up := 0.0
	if healthy {
		up = 1
	}
	m.BackendUp.WithLabelValues(backend).Set(up)
	m.BackendProbeLatency.WithLabelValues(backend).Observe(duration)
}
