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
			Name: "afroverse_notify_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "afroverse_notify_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "afroverse_notify_dispatch_total",
			Help: "Delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	fallbackDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "afroverse_notify_fallback_depth",
			Help:    "Position in the fallback chain at which delivery succeeded",
			Buckets: []float64{1, 2, 3, 4},
		},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "afroverse_notify_queue_jobs_total",
			Help: "Queue jobs processed by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "afroverse_notify_queue_depth",
			Help: "Jobs currently waiting in each queue",
		},
		[]string{"queue"},
	)

	throttleRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "afroverse_notify_throttle_rejections_total",
			Help: "Notifications rejected by campaign throttle limits",
		},
		[]string{"campaign", "limit"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "afroverse_notify_delivery_latency_seconds",
			Help:    "Time from enqueue to provider acknowledgement",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
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

// RecordDispatch records one delivery attempt outcome for a channel
func RecordDispatch(channel string, ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	dispatchTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordFallbackDepth records which position in the chain succeeded
func RecordFallbackDepth(position int) {
	fallbackDepth.Observe(float64(position))
}

// RecordJob records a queue job outcome
func RecordJob(queue, outcome string) {
	jobsProcessed.WithLabelValues(queue, outcome).Inc()
}

// SetQueueDepth sets the waiting-job gauge for a queue
func SetQueueDepth(queue string, depth int64) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordThrottleRejection records a throttle rejection by limit kind
// (cooldown, hourly, daily)
func RecordThrottleRejection(campaign, limit string) {
	throttleRejections.WithLabelValues(campaign, limit).Inc()
}

// RecordDeliveryLatency records end-to-end delivery time for a channel
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

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
