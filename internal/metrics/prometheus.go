// Package metrics exposes Prometheus collectors for the coordinator
// and the scan worker. All record functions are safe to call before
// Init; they become no-ops so library code never has to care whether
// metrics are enabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the collectors for the rating pipeline.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	ratingsTotal       *prometheus.CounterVec
	invalidTotal       *prometheus.CounterVec
	dispatchedTotal    *prometheus.CounterVec
	requeuedTotal      *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	moduleRunsTotal    *prometheus.CounterVec
	retryTotal         *prometheus.CounterVec
	reviewsTotal       *prometheus.CounterVec
	rateLimitedTotal   prometheus.Counter

	// Histograms
	ratingDuration    prometheus.Histogram
	moduleRunDuration *prometheus.HistogramVec
	scanDuration      *prometheus.HistogramVec

	// Gauges
	uptime          prometheus.GaugeFunc
	queueDepth      *prometheus.GaugeVec
	retryQueueDepth prometheus.Gauge
	workerSessions  *prometheus.GaugeVec
}

// Default histogram buckets for rating handling (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500}

// Module probes include network round trips and can run long.
var moduleBuckets = []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

var promMetrics *PrometheusMetrics

var startTime = time.Now()

// StartTime returns when the process started, for the uptime gauge.
func StartTime() time.Time { return startTime }

// Init initializes the Prometheus metrics subsystem.
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		ratingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratings_total",
				Help:      "Rating replies by access and by where the row came from",
			},
			[]string{"access", "source"},
		),

		invalidTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalid_messages_total",
				Help:      "Messages rejected per endpoint and reason",
			},
			[]string{"endpoint", "reason"},
		),

		dispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_dispatched_total",
				Help:      "Tasks handed to workers per queue",
			},
			[]string{"queue"},
		),

		requeuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_requeued_total",
				Help:      "Tasks pushed back per queue and reason",
			},
			[]string{"queue", "reason"},
		),

		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Worker notifications by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		moduleRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_runs_total",
				Help:      "Data source module executions by outcome",
			},
			[]string{"module", "outcome"},
		),

		retryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_decisions_total",
				Help:      "Watchdog decisions on parked retry tasks",
			},
			[]string{"decision"},
		),

		reviewsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reviews_total",
				Help:      "Review verdicts by access",
			},
			[]string{"access"},
		),

		rateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Rating connections dropped by the rate limiter",
			},
		),

		ratingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rating_duration_milliseconds",
				Help:      "Time to answer one rating request",
				Buckets:   defaultBuckets,
			},
		),

		moduleRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "module_run_duration_milliseconds",
				Help:      "Duration of one data source module execution",
				Buckets:   moduleBuckets,
			},
			[]string{"module"},
		),

		scanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_duration_milliseconds",
				Help:      "Wall time of one whole scheduler run",
				Buckets:   moduleBuckets,
			},
			[]string{"outcome"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Tasks currently waiting per queue",
			},
			[]string{"queue"},
		),

		retryQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "retry_queue_depth",
				Help:      "Tasks parked for rerun on the scan worker",
			},
		),

		workerSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_sessions",
				Help:      "Connected worker sessions by kind",
			},
			[]string{"kind"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the process started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.ratingsTotal,
		pm.invalidTotal,
		pm.dispatchedTotal,
		pm.requeuedTotal,
		pm.notificationsTotal,
		pm.moduleRunsTotal,
		pm.retryTotal,
		pm.reviewsTotal,
		pm.rateLimitedTotal,
		pm.ratingDuration,
		pm.moduleRunDuration,
		pm.scanDuration,
		pm.uptime,
		pm.queueDepth,
		pm.retryQueueDepth,
		pm.workerSessions,
	)

	promMetrics = pm
}

// RecordRating records one rating reply. Source is "cache", "store" or
// "new" for first-contact domains.
func RecordRating(access, source string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.ratingsTotal.WithLabelValues(access, source).Inc()
	promMetrics.ratingDuration.Observe(durationMs)
}

// RecordInvalid records a rejected message on an endpoint.
func RecordInvalid(endpoint, reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.invalidTotal.WithLabelValues(endpoint, reason).Inc()
}

// RecordDispatch records a task handed to a worker.
func RecordDispatch(queue string) {
	if promMetrics == nil {
		return
	}
	promMetrics.dispatchedTotal.WithLabelValues(queue).Inc()
}

// RecordRequeue records a task pushed back to a queue tail.
func RecordRequeue(queue, reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.requeuedTotal.WithLabelValues(queue, reason).Inc()
}

// RecordNotification records a worker notification and its outcome.
func RecordNotification(kind, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.notificationsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordModuleRun records one module execution.
func RecordModuleRun(module, outcome string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.moduleRunsTotal.WithLabelValues(module, outcome).Inc()
	promMetrics.moduleRunDuration.WithLabelValues(module).Observe(durationMs)
}

// RecordScan records a completed scheduler run.
func RecordScan(outcome string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.scanDuration.WithLabelValues(outcome).Observe(durationMs)
}

// RecordReview records one review verdict.
func RecordReview(access string) {
	if promMetrics == nil {
		return
	}
	promMetrics.reviewsTotal.WithLabelValues(access).Inc()
}

// RecordRetryDecision records a watchdog decision: "released",
// "parked" or "expired".
func RecordRetryDecision(decision string) {
	if promMetrics == nil {
		return
	}
	promMetrics.retryTotal.WithLabelValues(decision).Inc()
}

// RecordRateLimited records a rating connection dropped by the limiter.
func RecordRateLimited() {
	if promMetrics == nil {
		return
	}
	promMetrics.rateLimitedTotal.Inc()
}

// SetQueueDepth sets the waiting-task gauge for a queue.
func SetQueueDepth(queue string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetRetryQueueDepth sets the parked-task gauge on the scan worker.
func SetRetryQueueDepth(depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.retryQueueDepth.Set(float64(depth))
}

// SetWorkerSessions sets the connected-session gauge for a worker kind.
func SetWorkerSessions(kind string, n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.workerSessions.WithLabelValues(kind).Set(float64(n))
}

// Handler returns an HTTP handler for Prometheus scraping.
func Handler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}
