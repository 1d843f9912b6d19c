package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
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

// Domain metrics.
var (
	scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vecino_scans_total",
			Help: "Access code scans by result.",
		},
		[]string{"result"},
	)

	verificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vecino_verifications_total",
			Help: "Signed credential verifications by outcome.",
		},
		[]string{"outcome"},
	)

	orgKeysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vecino_org_keys_total",
			Help: "Organization signing key lifecycle events.",
		},
		[]string{"event"},
	)

	enrollmentEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vecino_enrollment_events_total",
			Help: "Porter enrollment token events by action.",
		},
		[]string{"action"},
	)

	cryptoWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vecino_crypto_pool_wait_seconds",
		Help:    "Time spent waiting for a crypto worker slot.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
)

var initOnce sync.Once

// Init registers all collectors in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			scansTotal, verificationsTotal, orgKeysTotal, enrollmentEventsTotal, cryptoWait,
		)
	})
}

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScan counts one access code scan.
func ObserveScan(result string) { scansTotal.WithLabelValues(result).Inc() }

// ObserveVerification counts one signed credential verification.
func ObserveVerification(outcome string) { verificationsTotal.WithLabelValues(outcome).Inc() }

// ObserveOrgKey counts a key lifecycle event ("created", "rotated").
func ObserveOrgKey(event string) { orgKeysTotal.WithLabelValues(event).Inc() }

// ObserveEnrollment counts an enrollment audit action.
func ObserveEnrollment(action string) { enrollmentEventsTotal.WithLabelValues(action).Inc() }

// ObserveCryptoWait records how long a caller queued for the crypto pool.
func ObserveCryptoWait(d time.Duration) { cryptoWait.Observe(d.Seconds()) }

// Instrument measures request rate, latency and in-flight requests. The path
// label is the matched chi route pattern so ids do not explode cardinality.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := RoutePattern(r)
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// RoutePattern returns the chi route pattern that served r, or "unmatched".
func RoutePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
