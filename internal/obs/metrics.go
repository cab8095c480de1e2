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

// HTTP metrics
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

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 when the service passes its readiness probe.",
	})
)

// Redemption metrics
var (
	scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meal_scans_total",
			Help: "Scan attempts by outcome and rejection kind.",
		},
		[]string{"outcome", "kind"},
	)

	redemptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meal_redemptions_total",
			Help: "Confirmed redemptions by capture method.",
		},
		[]string{"method", "overridden"},
	)

	redemptionConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meal_redemption_conflicts_total",
		Help: "Confirmations rejected by the uniqueness constraint.",
	})
)

var initOnce sync.Once

// Init registers metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			scansTotal, redemptionsTotal, redemptionConflicts,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the readiness probe result.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument measures request count, latency and concurrency.
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

// CanonicalPath collapses numeric path segments under known collections so
// label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "redemptions":
		return "/v1/redemptions/:id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "sessions" && parts[3] == "redemptions":
		return "/v1/sessions/:id/redemptions"
	}
	return raw
}

// RedemptionMetrics adapts the redemption counters to the engine's observer.
type RedemptionMetrics struct{}

func (RedemptionMetrics) ObserveScan(outcome, kind string) {
	scansTotal.WithLabelValues(outcome, kind).Inc()
}

func (RedemptionMetrics) ObserveRedemption(method string, overridden bool) {
	redemptionsTotal.WithLabelValues(method, strconv.FormatBool(overridden)).Inc()
}

func (RedemptionMetrics) ObserveConflict() {
	redemptionConflicts.Inc()
}

// statusWriter keeps the response code for labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
