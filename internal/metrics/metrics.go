// Package metrics holds the Prometheus collectors shared by sessions,
// sources and transports.
//
// Collectors are package-level so any component can record without plumbing
// a registry through constructors. NewRegistry registers them on a private
// registry for the /metrics endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "webstreamer"

var (
	// sessionsActive is a gauge of sessions currently in the Active state.
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of streaming sessions currently active",
		},
	)

	// sessionsTotal counts started sessions by initial outcome.
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions started",
		},
		[]string{"result"}, // result: active, absent, error
	)

	// sessionFailuresTotal counts deactivations by error kind.
	sessionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_failures_total",
			Help:      "Total number of session deactivations by kind",
		},
		[]string{"kind"},
	)

	// framesTotal counts frames through the ingestion pipeline.
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total number of frames by pipeline outcome",
		},
		[]string{"outcome"}, // outcome: received, skipped, sent, restreamed
	)

	// processDuration is a histogram of decode + transform time per frame.
	processDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_process_duration_seconds",
			Help:      "Duration of decode and transform per accepted frame",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5},
		},
	)

	// sourceMessagesTotal counts messages received from upstream sources.
	sourceMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_messages_total",
			Help:      "Total number of upstream messages by source and status",
		},
		[]string{"source", "status"}, // status: ok, error
	)

	// captureReconnectsTotal counts RTSP reconnect attempts.
	captureReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_reconnects_total",
			Help:      "Total number of RTSP reconnect attempts by error category",
		},
		[]string{"category"},
	)

	// requestsTotal counts viewer requests by endpoint.
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of viewer requests by endpoint and status",
		},
		[]string{"endpoint", "status"}, // status: ok, bad_request, not_found, timeout, canceled, error
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		sessionsActive,
		sessionsTotal,
		sessionFailuresTotal,
		framesTotal,
		processDuration,
		sourceMessagesTotal,
		captureReconnectsTotal,
		requestsTotal,
	}
)

// RecordSessionStart records the outcome of Session.Start.
func RecordSessionStart(result string) {
	sessionsTotal.WithLabelValues(result).Inc()
	if result == "active" {
		sessionsActive.Inc()
	}
}

// RecordSessionEnd records an Active session going inactive.
func RecordSessionEnd() {
	sessionsActive.Dec()
}

// RecordSessionFailure records a deactivation cause.
func RecordSessionFailure(kind string) {
	sessionFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordFrame records a frame outcome.
func RecordFrame(outcome string) {
	framesTotal.WithLabelValues(outcome).Inc()
}

// RecordProcess records decode + transform time of one frame.
func RecordProcess(d time.Duration) {
	processDuration.Observe(d.Seconds())
}

// RecordSourceMessage records an upstream message.
func RecordSourceMessage(source, status string) {
	sourceMessagesTotal.WithLabelValues(source, status).Inc()
}

// RecordCaptureReconnect records an RTSP reconnect attempt.
func RecordCaptureReconnect(category string) {
	captureReconnectsTotal.WithLabelValues(category).Inc()
}

// RecordRequest records a finished viewer request.
func RecordRequest(endpoint, status string) {
	requestsTotal.WithLabelValues(endpoint, status).Inc()
}

// NewRegistry returns a registry with every web-streamer collector plus the
// Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
