// Package metrics exposes the daemon's Prometheus instrumentation:
// queue depth, slot occupancy, scheduling latency, task outcomes, and
// HTTP request metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth is registered for the number of tasks currently queued
	// (not yet fetched by the dispatcher). No code in this module sets
	// it, so it reports 0.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "procpool_queue_depth",
			Help: "Number of tasks currently queued",
		},
	)

	// SlotsInUse is the number of pool slots currently occupied by a
	// running supervisor.
	SlotsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "procpool_slots_in_use",
			Help: "Number of pool slots currently occupied",
		},
	)

	// SlotsTotal is the pool's configured concurrency.
	SlotsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "procpool_slots_total",
			Help: "Total number of pool slots configured",
		},
	)

	// SchedulingLatency measures time from Launch to terminal commit
	// for one task's supervisor run.
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "procpool_scheduling_latency_seconds",
			Help:    "Time taken to run a task's supervisor to completion, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// TaskOutcomesTotal counts terminal tasks by their final status.
	TaskOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procpool_task_outcomes_total",
			Help: "Total number of tasks reaching a terminal status, by status",
		},
		[]string{"status"},
	)

	// TasksSubmittedTotal counts tasks accepted via the submit endpoint.
	TasksSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "procpool_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
	)

	// RecoveredTasksTotal counts tasks re-launched by the recovery phase
	// on daemon startup.
	RecoveredTasksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "procpool_recovered_tasks_total",
			Help: "Total number of in-progress tasks re-launched on startup",
		},
	)

	// APIRequestsTotal counts HTTP requests served by pkg/api.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procpool_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	// APIRequestDuration measures HTTP handler latency.
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "procpool_api_request_duration_seconds",
			Help:    "API request duration in seconds, by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		SlotsInUse,
		SlotsTotal,
		SchedulingLatency,
		TaskOutcomesTotal,
		TasksSubmittedTotal,
		RecoveredTasksTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler, mounted at /metrics by
// pkg/api.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting the clock now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
