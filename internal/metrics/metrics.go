// Package metrics exposes Prometheus collectors for the tracker service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scrapeRunsTotal        *prometheus.CounterVec
	scrapeUnitsTotal       *prometheus.CounterVec
	fetchRetriesTotal      *prometheus.CounterVec
	fetchFallbacksTotal    *prometheus.CounterVec
	anomaliesRecordedTotal *prometheus.CounterVec
	jobsExecutedTotal      *prometheus.CounterVec
	jobDurationSeconds     *prometheus.HistogramVec
	digestEmailsTotal      *prometheus.CounterVec
	activeJobWorkers       prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapeRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_scrape_runs_total",
				Help: "Total scraper runs, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		scrapeUnitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_scrape_units_total",
				Help: "Per-unit scrape outcomes, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_fetch_retries_total",
				Help: "Primary fetch retries, labeled by source.",
			},
			[]string{"source"},
		)

		fetchFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_fetch_fallbacks_total",
				Help: "Fallback fetches attempted after primary exhaustion.",
			},
			[]string{"source", "outcome"},
		)

		anomaliesRecordedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_anomalies_recorded_total",
				Help: "Validation anomalies recorded, labeled by source and severity.",
			},
			[]string{"source", "severity"},
		)

		jobsExecutedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_jobs_executed_total",
				Help: "Queue jobs executed, labeled by task and outcome.",
			},
			[]string{"task", "outcome"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracker_job_duration_seconds",
				Help:    "Job execution duration in seconds, labeled by task.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"task"},
		)

		digestEmailsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_digest_emails_total",
				Help: "Weekly digest emails, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeJobWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracker_active_job_workers",
				Help: "Number of queue workers currently executing a job.",
			},
		)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScrapeRun records a completed scraper run.
func ObserveScrapeRun(source, outcome string) {
	if scrapeRunsTotal != nil {
		scrapeRunsTotal.WithLabelValues(source, outcome).Inc()
	}
}

// ObserveScrapeUnit records a per-unit outcome within a run.
func ObserveScrapeUnit(source, outcome string) {
	if scrapeUnitsTotal != nil {
		scrapeUnitsTotal.WithLabelValues(source, outcome).Inc()
	}
}

// ObserveFetchRetry records one primary fetch retry.
func ObserveFetchRetry(source string) {
	if fetchRetriesTotal != nil {
		fetchRetriesTotal.WithLabelValues(source).Inc()
	}
}

// ObserveFallback records a fallback fetch attempt and its outcome.
func ObserveFallback(source, outcome string) {
	if fetchFallbacksTotal != nil {
		fetchFallbacksTotal.WithLabelValues(source, outcome).Inc()
	}
}

// ObserveAnomaly records a recorded validation anomaly.
func ObserveAnomaly(source, severity string) {
	if anomaliesRecordedTotal != nil {
		anomaliesRecordedTotal.WithLabelValues(source, severity).Inc()
	}
}

// ObserveJob records an executed job and its duration.
func ObserveJob(task, outcome string, d time.Duration) {
	if jobsExecutedTotal != nil {
		jobsExecutedTotal.WithLabelValues(task, outcome).Inc()
	}
	if jobDurationSeconds != nil {
		jobDurationSeconds.WithLabelValues(task).Observe(d.Seconds())
	}
}

// ObserveDigestEmail records one digest email outcome.
func ObserveDigestEmail(outcome string) {
	if digestEmailsTotal != nil {
		digestEmailsTotal.WithLabelValues(outcome).Inc()
	}
}

// WorkerStarted increments the active worker gauge.
func WorkerStarted() {
	if activeJobWorkers != nil {
		activeJobWorkers.Inc()
	}
}

// WorkerFinished decrements the active worker gauge.
func WorkerFinished() {
	if activeJobWorkers != nil {
		activeJobWorkers.Dec()
	}
}
