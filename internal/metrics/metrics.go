// ============================================================================
// jobdist metrics - Prometheus collectors
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Counters (monotonic):
//   jobdist_jobs_enqueued_total            jobs accepted into the run
//   jobdist_attempts_total{status}         finished attempts by mover status
//   jobdist_jobs_succeeded_total           jobs whose output was committed
//   jobdist_jobs_failed_total{status}      terminal failures by last status
//   jobdist_job_retries_total              attempts that were requeued
//   jobdist_output_errors_total            outputter failures
//
// Histogram:
//   jobdist_attempt_duration_seconds       wall time of one attempt
//
// Gauges:
//   jobdist_jobs_pending / jobdist_jobs_running
//   jobdist_recovery_time_seconds          last snapshot+WAL recovery
//
// Queries:
//   rate(jobdist_jobs_succeeded_total[5m])
//   sum(rate(jobdist_attempts_total{status="fail_retry"}[5m])) / sum(rate(jobdist_attempts_total[5m]))
//   histogram_quantile(0.95, rate(jobdist_attempt_duration_seconds_bucket[5m]))
//
// ============================================================================

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/jobdist/pkg/types"
)

const namespace = "jobdist"

// Collector holds every metric of one run.
type Collector struct {
	jobsEnqueued  prometheus.Counter
	attempts      *prometheus.CounterVec
	jobsSucceeded prometheus.Counter
	jobsFailed    *prometheus.CounterVec
	retries       prometheus.Counter
	outputErrors  prometheus.Counter

	attemptDuration prometheus.Histogram
	recoveryTime    prometheus.Gauge

	jobsPending prometheus.Gauge
	jobsRunning prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs accepted into the run",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Finished attempts by mover status",
		}, []string{"status"}),
		jobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_succeeded_total",
			Help:      "Total number of jobs whose output was committed",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Jobs that ended failed, by last mover status",
		}, []string{"status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Attempts that were requeued for another trial",
		}),
		outputErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_errors_total",
			Help:      "Outputter failures",
		}),
		attemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of one attempt in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by the last snapshot and WAL recovery",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Current number of pending jobs",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Current number of running jobs",
		}),
	}

	reg.MustRegister(
		c.jobsEnqueued,
		c.attempts,
		c.jobsSucceeded,
		c.jobsFailed,
		c.retries,
		c.outputErrors,
		c.attemptDuration,
		c.recoveryTime,
		c.jobsPending,
		c.jobsRunning,
	)
	return c
}

func (c *Collector) RecordEnqueue() {
	c.jobsEnqueued.Inc()
}

// RecordAttempt counts a finished attempt and its duration.
func (c *Collector) RecordAttempt(status types.MoverStatus, seconds float64) {
	c.attempts.WithLabelValues(string(status)).Inc()
	c.attemptDuration.Observe(seconds)
}

func (c *Collector) RecordSucceeded() {
	c.jobsSucceeded.Inc()
}

func (c *Collector) RecordFailed(status types.MoverStatus) {
	c.jobsFailed.WithLabelValues(string(status)).Inc()
}

func (c *Collector) RecordRetry() {
	c.retries.Inc()
}

func (c *Collector) RecordOutputError() {
	c.outputErrors.Inc()
}

func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// UpdateQueueStats sets the pending and running gauges.
func (c *Collector) UpdateQueueStats(pending, running int) {
	c.jobsPending.Set(float64(pending))
	c.jobsRunning.Set(float64(running))
}
