// ============================================================================
// groombsp metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
//
// Metric families:
//
//  1. Counters:
//     - bsp_jobs_submitted_total
//     - bsp_jobs_finished_total{state}
//     - bsp_job_restarts_total
//     - bsp_grooms_lost_total
//     - bsp_heartbeats_total{result}
//     - bsp_task_failures_total
//     - bsp_barrier_releases_total{outcome}
//
//  2. Histograms:
//     - bsp_job_duration_seconds: submission to terminal state
//
//  3. Gauges:
//     - bsp_grooms, bsp_slots_total, bsp_slots_busy: the last cluster status
//     - bsp_master_recovery_seconds: time to reload job records on start
//
// Example queries:
//
//	# busy share of the cluster
//	bsp_slots_busy / bsp_slots_total
//
//	# supersteps released per second
//	rate(bsp_barrier_releases_total{outcome="advance"}[1m])
//
// The collector registers on an injected Registerer so several masters can
// share a process in tests. A nil *Collector is valid and records nothing.
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values.
const (
	HeartbeatApplied   = "applied"
	HeartbeatDiscarded = "discarded"
	HeartbeatUnknown   = "unknown_groom"

	ReleaseAdvance   = "advance"
	ReleaseHalt      = "halt"
	ReleaseCancelled = "cancelled"
)

// Collector holds the master and coordinator metrics.
type Collector struct {
	jobsSubmitted  prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	jobRestarts    prometheus.Counter
	groomsLost     prometheus.Counter
	heartbeats     *prometheus.CounterVec
	taskFailures   prometheus.Counter
	releases       *prometheus.CounterVec
	jobDuration    prometheus.Histogram
	grooms         prometheus.Gauge
	slotsTotal     prometheus.Gauge
	slotsBusy      prometheus.Gauge
	recoverySecond prometheus.Gauge
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		jobsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "bsp_jobs_submitted_total",
			Help: "Total number of jobs accepted by the master",
		}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bsp_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state",
		}, []string{"state"}),
		jobRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "bsp_job_restarts_total",
			Help: "Total number of retryable job restarts",
		}),
		groomsLost: f.NewCounter(prometheus.CounterOpts{
			Name: "bsp_grooms_lost_total",
			Help: "Total number of grooms declared dead by the failure detector",
		}),
		heartbeats: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bsp_heartbeats_total",
			Help: "Heartbeats received by the master",
		}, []string{"result"}),
		taskFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "bsp_task_failures_total",
			Help: "Total number of failed task attempts",
		}),
		releases: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bsp_barrier_releases_total",
			Help: "Barrier releases written by the coordinator",
		}, []string{"outcome"}),
		jobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bsp_job_duration_seconds",
			Help:    "Time from submission to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		grooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "bsp_grooms",
			Help: "Live groom servers",
		}),
		slotsTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "bsp_slots_total",
			Help: "Task slots offered by live grooms",
		}),
		slotsBusy: f.NewGauge(prometheus.GaugeOpts{
			Name: "bsp_slots_busy",
			Help: "Task slots currently running a task",
		}),
		recoverySecond: f.NewGauge(prometheus.GaugeOpts{
			Name: "bsp_master_recovery_seconds",
			Help: "Time taken to reload job records on master start",
		}),
	}
}

func (c *Collector) RecordSubmit() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordFinished counts a terminal job and observes its run time.
func (c *Collector) RecordFinished(state string, seconds float64) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(state).Inc()
	c.jobDuration.Observe(seconds)
}

func (c *Collector) RecordRestart() {
	if c == nil {
		return
	}
	c.jobRestarts.Inc()
}

func (c *Collector) RecordGroomLost() {
	if c == nil {
		return
	}
	c.groomsLost.Inc()
}

func (c *Collector) RecordHeartbeat(result string) {
	if c == nil {
		return
	}
	c.heartbeats.WithLabelValues(result).Inc()
}

func (c *Collector) RecordTaskFailure() {
	if c == nil {
		return
	}
	c.taskFailures.Inc()
}

// RecordRelease counts one barrier release by outcome.
func (c *Collector) RecordRelease(halt, cancelled bool) {
	if c == nil {
		return
	}
	outcome := ReleaseAdvance
	switch {
	case cancelled:
		outcome = ReleaseCancelled
	case halt:
		outcome = ReleaseHalt
	}
	c.releases.WithLabelValues(outcome).Inc()
}

// UpdateCluster mirrors the latest cluster status.
func (c *Collector) UpdateCluster(grooms, busy, total int) {
	if c == nil {
		return
	}
	c.grooms.Set(float64(grooms))
	c.slotsBusy.Set(float64(busy))
	c.slotsTotal.Set(float64(total))
}

func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoverySecond.Set(seconds)
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
