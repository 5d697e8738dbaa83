package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by all handlers.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Workflow-level metrics.
var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decision_transitions_total",
			Help: "Decision status transitions by action.",
		},
		[]string{"action"},
	)

	signaturesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_signatures_total",
			Help: "Signature and checkbox captures by type.",
		},
		[]string{"type"},
	)

	bulkItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulk_items_total",
			Help: "Bulk operation items by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the readiness probe last succeeded.",
	})
)

// Init registers all metrics against the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		transitionsTotal, signaturesTotal, bulkItemsTotal, readyGauge,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountTransition records one decision state transition.
func CountTransition(action string) {
	transitionsTotal.WithLabelValues(action).Inc()
}

// CountSignature records one signature or checkbox capture.
func CountSignature(captureType string) {
	signaturesTotal.WithLabelValues(captureType).Inc()
}

// CountBulkItem records the outcome ("ok" or "error") of one bulk item.
func CountBulkItem(action, outcome string) {
	bulkItemsTotal.WithLabelValues(action, outcome).Inc()
}

// SetReady reflects the readiness probe into a gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// CanonicalPath collapses resource identifiers so the path label stays
// low-cardinality.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	for _, prefix := range []string{"/v1/decisions/", "/v1/approvals/"} {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		parts := strings.SplitN(rest, "/", 2)
		if parts[0] == "" || parts[0] == "bulk" || parts[0] == "sweep" {
			return p
		}
		out := prefix + ":id"
		if len(parts) == 2 && parts[1] != "" {
			out += "/" + canonicalSubPath(parts[1])
		}
		return out
	}
	return p
}

func canonicalSubPath(rest string) string {
	// /versions/{n}/diff keeps its verb but not the number.
	parts := strings.Split(rest, "/")
	if parts[0] == "versions" && len(parts) > 1 {
		parts[1] = ":n"
	}
	return strings.Join(parts, "/")
}

// Instrument wraps a handler with in-flight, RPS and latency tracking.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the instrumented wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
