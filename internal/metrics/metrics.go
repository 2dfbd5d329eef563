// ============================================================================
// Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collect and expose runtime metrics for the job scheduling and
// progress delivery subsystem
//
// Metric groups:
//
//   1. Job counters (Counter):
//      - statcore_jobs_submitted_total: admitted submissions
//      - statcore_jobs_attached_total: handles attached to a running execution
//      - statcore_cache_hits_total: submissions answered from the result cache
//      - statcore_jobs_succeeded_total / _failed_total / _cancelled_total
//      - statcore_submissions_rejected_total: admissions refused (saturation)
//
//   2. Performance (Histogram):
//      - statcore_job_latency_seconds: submit-to-terminal latency
//
//   3. State gauges (Gauge):
//      - statcore_jobs_queued / statcore_jobs_running
//      - statcore_stream_subscribers: live progress subscribers
//      - statcore_cache_entries / statcore_cache_bytes
//      - statcore_recovery_seconds: duration of the last startup recovery
//
// Exposed through the /metrics endpoint in Prometheus text format.
//
// ============================================================================

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric the subsystem records. All
// methods are nil-safe so components can run unmetered in tests.
type Collector struct {
	jobsSubmitted prometheus.Counter
	jobsAttached  prometheus.Counter
	cacheHits     prometheus.Counter
	jobsSucceeded prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCancelled prometheus.Counter
	rejected      prometheus.Counter

	jobLatency prometheus.Histogram

	jobsQueued   prometheus.Gauge
	jobsRunning  prometheus.Gauge
	subscribers  prometheus.Gauge
	cacheEntries prometheus.Gauge
	cacheBytes   prometheus.Gauge
	recoveryTime prometheus.Gauge
}

// NewCollector creates and registers all metrics with the default
// Prometheus registerer.
func NewCollector() *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statcore_jobs_submitted_total",
			Help: "Total number of job submissions admitted",
		}),
		jobsAttached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statcore_jobs_attached_total",
			Help: "Total number of job handles attached to an in-flight execution",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statcore_cache_hits_total",
			Help: "Total number of submissions answered from the result cache",
		}),
		jobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statcore_jobs_succeeded_total",
			Help: "Total number of jobs that finished successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statcore_jobs_failed_total",
			Help: "Total number of jobs that finished with an error",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statcore_jobs_cancelled_total",
			Help: "Total number of jobs cancelled before completion",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statcore_submissions_rejected_total",
			Help: "Total number of submissions rejected because the scheduler was saturated",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "statcore_job_latency_seconds",
			Help:    "Submit-to-terminal job latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statcore_jobs_queued",
			Help: "Current number of queued jobs",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statcore_jobs_running",
			Help: "Current number of running jobs",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statcore_stream_subscribers",
			Help: "Current number of live progress stream subscribers",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statcore_cache_entries",
			Help: "Current number of entries in the result cache",
		}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statcore_cache_bytes",
			Help: "Aggregate payload size of the result cache in bytes",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statcore_recovery_seconds",
			Help: "Duration of the last startup recovery in seconds",
		}),
	}

	prometheus.MustRegister(
		c.jobsSubmitted,
		c.jobsAttached,
		c.cacheHits,
		c.jobsSucceeded,
		c.jobsFailed,
		c.jobsCancelled,
		c.rejected,
		c.jobLatency,
		c.jobsQueued,
		c.jobsRunning,
		c.subscribers,
		c.cacheEntries,
		c.cacheBytes,
		c.recoveryTime,
	)

	return c
}

// RecordSubmitted counts one admitted submission.
func (c *Collector) RecordSubmitted() {
	if c != nil {
		c.jobsSubmitted.Inc()
	}
}

// RecordAttached counts one handle attached to a running execution.
func (c *Collector) RecordAttached() {
	if c != nil {
		c.jobsAttached.Inc()
	}
}

// RecordCacheHit counts one submission answered from the cache.
func (c *Collector) RecordCacheHit() {
	if c != nil {
		c.cacheHits.Inc()
	}
}

// RecordSucceeded counts one successful completion and its latency.
func (c *Collector) RecordSucceeded(latencySeconds float64) {
	if c != nil {
		c.jobsSucceeded.Inc()
		c.jobLatency.Observe(latencySeconds)
	}
}

// RecordFailed counts one failed job.
func (c *Collector) RecordFailed() {
	if c != nil {
		c.jobsFailed.Inc()
	}
}

// RecordCancelled counts one cancelled job.
func (c *Collector) RecordCancelled() {
	if c != nil {
		c.jobsCancelled.Inc()
	}
}

// RecordRejected counts one submission refused for saturation.
func (c *Collector) RecordRejected() {
	if c != nil {
		c.rejected.Inc()
	}
}

// SetRecoveryTime records the duration of the last startup recovery.
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c != nil {
		c.recoveryTime.Set(seconds)
	}
}

// UpdateQueueStats refreshes the queued/running gauges.
func (c *Collector) UpdateQueueStats(queued, running int) {
	if c != nil {
		c.jobsQueued.Set(float64(queued))
		c.jobsRunning.Set(float64(running))
	}
}

// UpdateSubscribers refreshes the live subscriber gauge.
func (c *Collector) UpdateSubscribers(n int) {
	if c != nil {
		c.subscribers.Set(float64(n))
	}
}

// UpdateCacheStats refreshes the cache size gauges.
func (c *Collector) UpdateCacheStats(entries int, bytes int64) {
	if c != nil {
		c.cacheEntries.Set(float64(entries))
		c.cacheBytes.Set(float64(bytes))
	}
}
