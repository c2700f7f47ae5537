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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notify_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	dispatchPlanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_dispatch_planned_total",
			Help: "Dispatch rounds planned by category",
		},
		[]string{"category"},
	)

	dispatchChannels = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notify_dispatch_effective_channels",
			Help:    "Effective channel set size per dispatch round",
			Buckets: []float64{1, 2, 3, 4},
		},
		[]string{"category"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_delivery_attempts_total",
			Help: "Send attempts by channel and ledger status",
		},
		[]string{"channel", "status"},
	)

	notificationsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_notifications_settled_total",
			Help: "Notifications reaching a terminal state",
		},
		[]string{"status"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notify_delivery_latency_seconds",
			Help:    "Time from notification creation to first channel success",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"channel"},
	)

	callbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_payment_callbacks_total",
			Help: "Webhook callbacks by provider and ingest outcome",
		},
		[]string{"provider", "outcome"},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_rate_limit_rejections_total",
			Help: "Requests rejected by the webhook rate limiter",
		},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notify_circuit_breaker_open",
			Help: "1 when the named circuit breaker is open",
		},
		[]string{"name"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatchPlanned records a planned dispatch round.
func RecordDispatchPlanned(category string, channels int) {
	dispatchPlanned.WithLabelValues(category).Inc()
	dispatchChannels.WithLabelValues(category).Observe(float64(channels))
}

// RecordDeliveryAttempt records one ledger entry's outcome.
func RecordDeliveryAttempt(channel, status string) {
	deliveryAttempts.WithLabelValues(channel, status).Inc()
}

// RecordNotificationSettled records a notification reaching sent or failed.
func RecordNotificationSettled(status string) {
	notificationsSettled.WithLabelValues(status).Inc()
}

// RecordDeliveryLatency records creation-to-first-success latency.
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordCallback records a webhook ingest outcome.
func RecordCallback(provider, outcome string) {
	callbacksTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordRateLimitRejection records a rate limit rejection.
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// SetCircuitOpen publishes a breaker's open/closed state.
func SetCircuitOpen(name string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	circuitState.WithLabelValues(name).Set(v)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
