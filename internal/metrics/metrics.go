// ============================================================================
// Memoraph Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collects and exposes orchestrator metrics for Prometheus.
//
// Metric families:
//
//   Counters (cumulative):
//     memoraph_tasks_enqueued_total{kind}   tasks accepted by the producer
//     memoraph_tasks_claimed_total{kind}    envelopes claimed by workers
//     memoraph_tasks_completed_total{kind}  handler successes
//     memoraph_tasks_failed_total{kind}     handler failures and panics
//     memoraph_tasks_recovered_total{kind}  timeout re-queues by recovery
//     memoraph_tasks_stopped_total          operator stops drained by workers
//
//   Histograms:
//     memoraph_task_duration_seconds{kind}  handler wall-clock time
//
//   Gauges (instantaneous):
//     memoraph_active_groups     size of the active-groups set
//     memoraph_processing_depth  size of the processing list
//
// Alerting starting points:
//   rate(memoraph_tasks_failed_total[5m]) rising        -> broken handler
//   memoraph_tasks_recovered_total rising               -> timeouts too tight
//   memoraph_processing_depth stuck > 0 with idle fleet -> dead worker
//
// ============================================================================

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the orchestrator's Prometheus metrics.
type Collector struct {
	tasksEnqueued  *prometheus.CounterVec
	tasksClaimed   *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	tasksRecovered *prometheus.CounterVec
	tasksStopped   prometheus.Counter

	taskDuration *prometheus.HistogramVec

	activeGroups    prometheus.Gauge
	processingDepth prometheus.Gauge
}

// NewCollector creates and registers the collector. Pass nil to register
// against the default registry; tests pass their own.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		tasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memoraph_tasks_enqueued_total",
			Help: "Total number of tasks accepted by the producer",
		}, []string{"kind"}),
		tasksClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memoraph_tasks_claimed_total",
			Help: "Total number of envelopes claimed by workers",
		}, []string{"kind"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memoraph_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		}, []string{"kind"}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memoraph_tasks_failed_total",
			Help: "Total number of tasks that failed or panicked",
		}, []string{"kind"}),
		tasksRecovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memoraph_tasks_recovered_total",
			Help: "Total number of timed-out tasks re-queued by recovery",
		}, []string{"kind"}),
		tasksStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memoraph_tasks_stopped_total",
			Help: "Total number of stopped tasks drained without execution",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memoraph_task_duration_seconds",
			Help:    "Handler wall-clock execution time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms .. ~7m
		}, []string{"kind"}),
		activeGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memoraph_active_groups",
			Help: "Current size of the active-groups set",
		}),
		processingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memoraph_processing_depth",
			Help: "Current size of the global processing list",
		}),
	}

	reg.MustRegister(
		c.tasksEnqueued, c.tasksClaimed, c.tasksCompleted, c.tasksFailed,
		c.tasksRecovered, c.tasksStopped, c.taskDuration,
		c.activeGroups, c.processingDepth,
	)
	return c
}

// RecordEnqueue counts a producer accept.
func (c *Collector) RecordEnqueue(kind string) {
	c.tasksEnqueued.WithLabelValues(kind).Inc()
}

// RecordClaim counts a worker claim.
func (c *Collector) RecordClaim(kind string) {
	c.tasksClaimed.WithLabelValues(kind).Inc()
}

// RecordCompleted counts a handler success and observes its duration.
func (c *Collector) RecordCompleted(kind string, seconds float64) {
	c.tasksCompleted.WithLabelValues(kind).Inc()
	c.taskDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordFailed counts a handler failure and observes its duration.
func (c *Collector) RecordFailed(kind string, seconds float64) {
	c.tasksFailed.WithLabelValues(kind).Inc()
	c.taskDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordRecovered counts a timeout re-queue.
func (c *Collector) RecordRecovered(kind string) {
	c.tasksRecovered.WithLabelValues(kind).Inc()
}

// RecordStopped counts a stopped task drained without execution.
func (c *Collector) RecordStopped() {
	c.tasksStopped.Inc()
}

// UpdateQueueStats refreshes the instantaneous gauges.
func (c *Collector) UpdateQueueStats(activeGroups, processingDepth int64) {
	c.activeGroups.Set(float64(activeGroups))
	c.processingDepth.Set(float64(processingDepth))
}
