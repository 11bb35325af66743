// Package metrics exposes Prometheus collectors for the scheduler and its executors.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	offersTotal            *prometheus.CounterVec
	offersRescindedTotal   prometheus.Counter
	tasksLaunchedTotal     *prometheus.CounterVec
	taskUpdatesTotal       *prometheus.CounterVec
	tasksRunning           prometheus.Gauge
	queueDepth             *prometheus.GaugeVec
	completionsTotal       *prometheus.CounterVec
	executorPagesTotal     *prometheus.CounterVec
	activeExecutors        prometheus.Gauge
	rateLimitDelaysSeconds *prometheus.HistogramVec

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		offersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendler_offers_total",
				Help: "Resource offers handled, labeled by decision.",
			},
			[]string{"decision"},
		)

		offersRescindedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rendler_offers_rescinded_total",
				Help: "Resource offers withdrawn by the cluster manager.",
			},
		)

		tasksLaunchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendler_tasks_launched_total",
				Help: "Tasks launched, labeled by kind.",
			},
			[]string{"kind"},
		)

		taskUpdatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendler_task_updates_total",
				Help: "Task status updates received, labeled by kind and state.",
			},
			[]string{"kind", "state"},
		)

		tasksRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rendler_tasks_running",
				Help: "Tasks launched and not yet terminal.",
			},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rendler_queue_depth",
				Help: "Pending URLs per work queue.",
			},
			[]string{"kind"},
		)

		completionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendler_completions_total",
				Help: "Executor completion messages, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		executorPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendler_executor_pages_total",
				Help: "Pages processed by executors, labeled by kind, site and status.",
			},
			[]string{"kind", "site", "status"},
		)

		activeExecutors = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rendler_active_executors",
				Help: "Executor tasks currently running in-process.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rendler_rate_limit_delays_seconds",
				Help:    "Histogram of per-domain rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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
	})
}

// SanitizeSite extracts a lowercase hostname from a URL for use as a label.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOffer counts an offer that was used ("accepted") or returned ("declined").
func ObserveOffer(decision string) {
	offersTotal.WithLabelValues(decision).Inc()
}

// ObserveOfferRescinded counts a rescinded offer.
func ObserveOfferRescinded() {
	offersRescindedTotal.Inc()
}

// ObserveLaunch counts a launched task.
func ObserveLaunch(kind string) {
	tasksLaunchedTotal.WithLabelValues(kind).Inc()
}

// ObserveTaskUpdate counts a status update.
func ObserveTaskUpdate(kind, state string) {
	taskUpdatesTotal.WithLabelValues(kind, state).Inc()
}

// SetTasksRunning sets the running task gauge.
func SetTasksRunning(n int) {
	tasksRunning.Set(float64(n))
}

// SetQueueDepth sets the pending URL gauge for kind.
func SetQueueDepth(kind string, n int) {
	queueDepth.WithLabelValues(kind).Set(float64(n))
}

// ObserveCompletion counts a completion message as accepted, discarded or malformed.
func ObserveCompletion(kind, result string) {
	completionsTotal.WithLabelValues(kind, result).Inc()
}

// ObservePage counts a page handled by an executor.
func ObservePage(kind, site, status string) {
	executorPagesTotal.WithLabelValues(kind, SanitizeSite(site), status).Inc()
}

// IncActiveExecutors increments the active executor gauge.
func IncActiveExecutors() {
	activeExecutors.Inc()
}

// DecActiveExecutors decrements the active executor gauge.
func DecActiveExecutors() {
	activeExecutors.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
