// Package metrics provides Prometheus metrics for the distributor core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all distributor metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// CoreMetrics holds the metrics exported by the coordination core.
// A nil *CoreMetrics is valid and records nothing.
type CoreMetrics struct {
	// Bucket sequencer
	BucketLocksHeld     prometheus.Gauge
	BucketLockConflicts prometheus.Counter

	// Pending message tracker
	PendingMessages   prometheus.Gauge
	DeferredTasks     prometheus.Gauge
	DeferredTaskRuns  *prometheus.CounterVec // labels: state
	UnknownReplies    prometheus.Counter
	ErasedMessages    prometheus.Counter
	RunningOperations *prometheus.GaugeVec // labels: owner

	// Read-for-write starts, labels: outcome
	ReadForWriteStarts *prometheus.CounterVec
}

// NewCoreMetrics builds core metrics registered with reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewCoreMetrics(reg prometheus.Registerer, clusterName string) *CoreMetrics {
	constLabels := prometheus.Labels{
		"cluster": clusterName,
	}
	f := promauto.With(reg)

	return &CoreMetrics{
		BucketLocksHeld: f.NewGauge(prometheus.GaugeOpts{
			Name:        "distributor_bucket_locks_held",
			Help:        "Number of buckets currently held exclusively",
			ConstLabels: constLabels,
		}),
		BucketLockConflicts: f.NewCounter(prometheus.CounterOpts{
			Name:        "distributor_bucket_lock_conflicts_total",
			Help:        "Total bucket lock acquisitions refused because the bucket was held",
			ConstLabels: constLabels,
		}),
		PendingMessages: f.NewGauge(prometheus.GaugeOpts{
			Name:        "distributor_pending_messages",
			Help:        "Number of request messages in flight to storage nodes",
			ConstLabels: constLabels,
		}),
		DeferredTasks: f.NewGauge(prometheus.GaugeOpts{
			Name:        "distributor_deferred_tasks",
			Help:        "Number of deferred tasks waiting for a bucket to drain",
			ConstLabels: constLabels,
		}),
		DeferredTaskRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "distributor_deferred_task_runs_total",
			Help:        "Total deferred task executions by run state",
			ConstLabels: constLabels,
		}, []string{"state"}),
		UnknownReplies: f.NewCounter(prometheus.CounterOpts{
			Name:        "distributor_unknown_replies_total",
			Help:        "Total replies received for messages no operation owns",
			ConstLabels: constLabels,
		}),
		ErasedMessages: f.NewCounter(prometheus.CounterOpts{
			Name:        "distributor_erased_messages_total",
			Help:        "Total sent messages erased without a network reply",
			ConstLabels: constLabels,
		}),
		RunningOperations: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "distributor_running_operations",
			Help:        "Number of operations owned by an operation registry",
			ConstLabels: constLabels,
		}, []string{"owner"}),
		ReadForWriteStarts: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "distributor_read_for_write_starts_total",
			Help:        "Total read-for-write start attempts by outcome",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
	}
}

// LockAcquired records a successful bucket lock.
func (m *CoreMetrics) LockAcquired() {
	if m == nil {
		return
	}
	m.BucketLocksHeld.Inc()
}

// LockReleased records a bucket lock release.
func (m *CoreMetrics) LockReleased() {
	if m == nil {
		return
	}
	m.BucketLocksHeld.Dec()
}

// LockConflict records a refused bucket lock.
func (m *CoreMetrics) LockConflict() {
	if m == nil {
		return
	}
	m.BucketLockConflicts.Inc()
}

// SetPending records the pending message and deferred task totals.
func (m *CoreMetrics) SetPending(messages, tasks int) {
	if m == nil {
		return
	}
	m.PendingMessages.Set(float64(messages))
	m.DeferredTasks.Set(float64(tasks))
}

// TaskRun records a deferred task execution.
func (m *CoreMetrics) TaskRun(state string) {
	if m == nil {
		return
	}
	m.DeferredTaskRuns.WithLabelValues(state).Inc()
}

// UnknownReply records a reply no registry owned.
func (m *CoreMetrics) UnknownReply() {
	if m == nil {
		return
	}
	m.UnknownReplies.Inc()
}

// Erased records a message erased without a network reply.
func (m *CoreMetrics) Erased() {
	if m == nil {
		return
	}
	m.ErasedMessages.Inc()
}

// SetRunning records the running operation count of the named owner.
func (m *CoreMetrics) SetRunning(owner string, n int) {
	if m == nil {
		return
	}
	m.RunningOperations.WithLabelValues(owner).Set(float64(n))
}

// ReadForWriteStart records the outcome of a read-for-write start attempt.
func (m *CoreMetrics) ReadForWriteStart(outcome string) {
	if m == nil {
		return
	}
	m.ReadForWriteStarts.WithLabelValues(outcome).Inc()
}
