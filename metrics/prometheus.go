// Package metrics holds the prometheus instrumentation of the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace is the prometheus namespace of all filehub metrics.
const namespace = "filehub"

var (
	// HTTPRequests counts served requests by method and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Number of HTTP requests served.",
	}, []string{"method", "code"})

	// HTTPDuration observes request latency by method.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	// JobItems counts processed job items by task type and terminal status.
	JobItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "items_total",
		Help:      "Number of job items processed, by task type and outcome.",
	}, []string{"task_type", "status"})

	// ScheduledRuns counts finished scheduler runs by task and status.
	ScheduledRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "schedule",
		Name:      "runs_total",
		Help:      "Number of finished scheduled runs, by task and outcome.",
	}, []string{"task_id", "status"})
)

// InstrumentHandler wraps h with the request counter and latency histogram.
func InstrumentHandler(h http.Handler) http.Handler {
	h = promhttp.InstrumentHandlerCounter(HTTPRequests, h)
	return promhttp.InstrumentHandlerDuration(HTTPDuration, h)
}
