// Package metrics exposes Prometheus collectors for the threadscan service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal                 *prometheus.CounterVec
	crawlsTotal                *prometheus.CounterVec
	recordsSavedTotal          *prometheus.CounterVec
	sweepRowsTotal             *prometheus.CounterVec
	sweepDurationSeconds       prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	queueDepth                 prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadscan_tasks_total",
				Help: "Total number of task state transitions, labeled by state.",
			},
			[]string{"state"},
		)

		crawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadscan_crawls_total",
				Help: "Total number of profile crawls, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		recordsSavedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadscan_records_saved_total",
				Help: "Rows offered for persistence, labeled by kind and result (inserted or skipped).",
			},
			[]string{"kind", "result"},
		)

		sweepRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadscan_sweep_rows_total",
				Help: "Rows seen by classification sweeps, labeled by result.",
			},
			[]string{"result"},
		)

		sweepDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "threadscan_sweep_duration_seconds",
				Help:    "Histogram of classification sweep durations.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "threadscan_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "threadscan_queue_depth",
				Help: "Number of tasks waiting for a worker.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask increments the task counter for a state the task entered.
func ObserveTask(state string) {
	if tasksTotal == nil {
		return
	}
	tasksTotal.WithLabelValues(state).Inc()
}

// ObserveCrawl increments the crawl counter for the given outcome.
func ObserveCrawl(outcome string) {
	if crawlsTotal == nil {
		return
	}
	crawlsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSaved records inserted and skipped rows for a record kind.
func ObserveSaved(kind string, inserted, skipped int) {
	if recordsSavedTotal == nil {
		return
	}
	recordsSavedTotal.WithLabelValues(kind, "inserted").Add(float64(inserted))
	recordsSavedTotal.WithLabelValues(kind, "skipped").Add(float64(skipped))
}

// ObserveSweep records the row counts and duration of one sweep.
func ObserveSweep(classified, skipped, failed int, duration time.Duration) {
	if sweepRowsTotal == nil {
		return
	}
	sweepRowsTotal.WithLabelValues("classified").Add(float64(classified))
	sweepRowsTotal.WithLabelValues("skipped").Add(float64(skipped))
	sweepRowsTotal.WithLabelValues("failed").Add(float64(failed))
	sweepDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}

// SetQueueDepth records how many tasks are waiting.
func SetQueueDepth(n int) {
	if queueDepth != nil {
		queueDepth.Set(float64(n))
	}
}
