// Package metrics defines the Prometheus instrumentation for the submission
// pipeline and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submitd_tasks_total",
			Help: "Total tasks reaching a terminal state, labeled by state.",
		},
		[]string{"state"},
	)

	captchaSolvesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submitd_captcha_solves_total",
			Help: "CAPTCHA solve attempts, labeled by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	captchaCostUSD = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "submitd_captcha_cost_usd_total",
			Help: "Cumulative CAPTCHA solving spend in USD.",
		},
	)

	mappingConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "submitd_mapping_confidence",
			Help:    "Overall mapping confidence per analyzed form.",
			Buckets: []float64{0.1, 0.3, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "submitd_rate_limit_delay_seconds",
			Help:    "Histogram of rate limit wait durations, labeled by domain.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "submitd_active_workers",
			Help: "Workers currently processing a submission task.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submitd_http_requests_total",
			Help: "Total HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "submitd_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// RecordTaskTerminal counts a task entering a terminal state.
func RecordTaskTerminal(state string) {
	tasksTotal.WithLabelValues(state).Inc()
}

// RecordCaptchaSolve counts one solve outcome for a provider. Failures that
// never reach a provider, such as a budget exceeded before the first attempt,
// carry an empty provider and are recorded under "none".
func RecordCaptchaSolve(provider, outcome string) {
	if provider == "" {
		provider = "none"
	}
	captchaSolvesTotal.WithLabelValues(provider, outcome).Inc()
}

// AddCaptchaCost accumulates solving spend.
func AddCaptchaCost(usd float64) {
	if usd > 0 {
		captchaCostUSD.Add(usd)
	}
}

// ObserveMappingConfidence records the overall confidence of one analyzed
// form.
func ObserveMappingConfidence(confidence float64) {
	mappingConfidence.Observe(confidence)
}

// ObserveRateLimitDelay records time spent waiting on the outbound limiter.
func ObserveRateLimitDelay(domain string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// WorkerStarted and WorkerFinished track the active worker gauge.
func WorkerStarted() { activeWorkers.Inc() }

// WorkerFinished decrements the active worker gauge.
func WorkerFinished() { activeWorkers.Dec() }

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware instruments HTTP handlers with request counts and latencies.
func Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
			httpRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
