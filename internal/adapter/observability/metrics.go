// Package observability provides logging, metrics, and tracing.
//
// It exposes Prometheus instrumentation for the dispatcher, the callback
// sink, the SSE manager, and the queue/bus adapters.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of jobs admitted by the dispatcher",
		},
		[]string{"kind"}, // single | batch
	)
	JobsDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_dispatched_total",
			Help: "Total number of WorkMessages published to the queue",
		},
	)
	JobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"status"}, // completed | failed | cancelled
	)
	QuotaDenialsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_denials_total",
			Help: "Total number of submissions denied by quota",
		},
	)
	RateLimitDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_denials_total",
			Help: "Total number of submissions denied by the rate limiter",
		},
		[]string{"window"}, // minute | hour | day
	)

	SSEStreamsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_streams_open",
			Help: "Number of SSE client streams currently open on this replica",
		},
	)
	SSEStreamsOpenedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sse_streams_opened_total",
			Help: "Total number of SSE client streams opened",
		},
	)
	SSEStreamsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sse_streams_closed_total",
			Help: "Total number of SSE client streams closed",
		},
		[]string{"reason"}, // terminal | timeout | disconnect | lagged | shutdown | error
	)

	BusPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_publish_errors_total",
			Help: "Total number of EventBus publish failures",
		},
	)
	BusDeliveryErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_delivery_errors_total",
			Help: "Total number of EventBus delivery failures to local subscribers",
		},
	)
	QueuePublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_publish_errors_total",
			Help: "Total number of WorkQueue publish failures",
		},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_duration_seconds",
			Help:    "End-to-end dispatcher admission latency in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)
)

// InitMetrics registers all collectors; call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsDispatchedTotal)
	prometheus.MustRegister(JobsFinishedTotal)
	prometheus.MustRegister(QuotaDenialsTotal)
	prometheus.MustRegister(RateLimitDenialsTotal)
	prometheus.MustRegister(SSEStreamsOpen)
	prometheus.MustRegister(SSEStreamsOpenedTotal)
	prometheus.MustRegister(SSEStreamsClosedTotal)
	prometheus.MustRegister(BusPublishErrorsTotal)
	prometheus.MustRegister(BusDeliveryErrorsTotal)
	prometheus.MustRegister(QueuePublishErrorsTotal)
	prometheus.MustRegister(DispatchDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := strconv.Itoa(ww.Status())
		HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// SubmitJob records an admitted submission of the given kind.
func SubmitJob(kind string) { JobsSubmittedTotal.WithLabelValues(kind).Inc() }

// DispatchJob records one published WorkMessage.
func DispatchJob() { JobsDispatchedTotal.Inc() }

// FinishJob records a job reaching the given terminal status.
func FinishJob(status string) { JobsFinishedTotal.WithLabelValues(status).Inc() }

// StreamOpened / StreamClosed track the SSE connection lifecycle.
func StreamOpened() {
	SSEStreamsOpen.Inc()
	SSEStreamsOpenedTotal.Inc()
}

func StreamClosed(reason string) {
	SSEStreamsOpen.Dec()
	SSEStreamsClosedTotal.WithLabelValues(reason).Inc()
}
