// Package metrics holds the Prometheus collectors for both the edge
// agent and the command center, plus the HTTP instrumentation
// middleware.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleet",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleet",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	eventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Events processed by the aggregator, by type and result.",
		},
		[]string{"type", "result"},
	)

	dedupHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "ingest",
			Name:      "duplicate_events_total",
			Help:      "Events recognized as duplicates and skipped.",
		},
	)

	openAlerts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleet",
			Subsystem: "alerts",
			Name:      "open",
			Help:      "Currently open alerts by severity.",
		},
		[]string{"severity"},
	)

	heartbeatAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleet",
			Subsystem: "locations",
			Name:      "heartbeat_age_seconds",
			Help:      "Seconds since the last heartbeat per location.",
		},
		[]string{"location_id"},
	)

	outboxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleet",
			Subsystem: "edge",
			Name:      "outbox_pending",
			Help:      "Events awaiting broker acknowledgment in the local outbox.",
		},
	)

	edgeDeadLetters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "edge",
			Name:      "dead_letters_total",
			Help:      "Events permanently rejected by the broker.",
		},
	)

	observationsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "edge",
			Name:      "observations_rejected_total",
			Help:      "Device samples dropped for failing validation.",
		},
	)

	flushAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleet",
			Subsystem: "edge",
			Name:      "flush_attempt_duration_seconds",
			Help:      "Duration of individual broker publish attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"success"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		eventsIngested,
		dedupHits,
		openAlerts,
		heartbeatAge,
		outboxDepth,
		edgeDeadLetters,
		observationsRejected,
		flushAttempts,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncIngested records an aggregator ingest outcome.
func IncIngested(eventType, result string) {
	eventsIngested.WithLabelValues(eventType, result).Inc()
}

// IncDuplicate records a dedup hit.
func IncDuplicate() {
	dedupHits.Inc()
}

// SetOpenAlerts publishes the current open-alert count per severity.
func SetOpenAlerts(severity string, n int) {
	openAlerts.WithLabelValues(severity).Set(float64(n))
}

// SetHeartbeatAge publishes the heartbeat staleness for a location.
func SetHeartbeatAge(locationID string, age time.Duration) {
	heartbeatAge.WithLabelValues(locationID).Set(age.Seconds())
}

// SetOutboxDepth publishes the edge outbox backlog size.
func SetOutboxDepth(n int) {
	outboxDepth.Set(float64(n))
}

// IncEdgeDeadLetter counts a permanently rejected event at the edge.
func IncEdgeDeadLetter() {
	edgeDeadLetters.Inc()
}

// IncObservationRejected counts a device sample dropped at validation.
func IncObservationRejected() {
	observationsRejected.Inc()
}

// ObserveFlushAttempt records a broker publish attempt.
func ObserveFlushAttempt(d time.Duration, success bool) {
	if d <= 0 {
		d = time.Millisecond
	}
	flushAttempts.WithLabelValues(strconv.FormatBool(success)).Observe(d.Seconds())
}

// InstrumentHandler wraps the provided handler with HTTP metrics
// collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses resource ids so label cardinality stays
// bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "fleet":
		if len(parts) > 1 {
			return "/fleet/:location"
		}
		return "/fleet"
	case "alerts":
		if len(parts) > 1 {
			return "/alerts/:alert"
		}
		return "/alerts"
	default:
		return "/" + parts[0]
	}
}
