package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
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

// Security metrics.
var (
	AuthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "banyan_auth_attempts_total",
			Help: "Authentication attempts by outcome.",
		},
		[]string{"outcome"},
	)

	AuthzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "banyan_authz_decisions_total",
			Help: "Authorization decisions by resource, action and decision.",
		},
		[]string{"resource", "action", "decision"},
	)

	AuditAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "banyan_audit_appends_total",
			Help: "Audit appends by result (stored, buffered, dropped, recovered).",
		},
		[]string{"result"},
	)

	AuditFallbackDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "banyan_audit_fallback_depth",
		Help: "Audit entries waiting in the in-memory fallback buffer.",
	})

	SessionsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "banyan_sessions_expired_total",
		Help: "Sessions transitioned to EXPIRED by resolution or sweep.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "banyan_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			AuthAttempts, AuthzDecisions, AuditAppends, AuditFallbackDepth, SessionsExpired,
			ready,
		)
	})
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records in-flight, request count and latency per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifier segments so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && (parts[1] == "roles" || parts[1] == "sessions"):
		return "/v1/" + parts[1] + "/:id"
	case len(parts) >= 2 && parts[0] == "console":
		return "/console/" + parts[1]
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
