package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collector's Prometheus instruments.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ingestion metrics
	IngestTotal      *prometheus.CounterVec
	RateLimitedTotal *prometheus.CounterVec
	SessionsStarted  prometheus.Counter

	// Storage metrics
	PartitionOpens prometheus.Counter
	PartitionDrops prometheus.Counter
}

// NewMetrics creates and registers all instruments on the given registry.
// A nil registry creates a private one.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crashcourse_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crashcourse_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		IngestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crashcourse_ingest_events_total",
				Help: "Accepted telemetry and audience events by kind",
			},
			[]string{"kind"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crashcourse_rate_limited_total",
				Help: "Requests rejected by rate-limit admission, by tag",
			},
			[]string{"tag"},
		),
		SessionsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crashcourse_visitor_sessions_started_total",
				Help: "New visitor sessions created",
			},
		),
		PartitionOpens: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crashcourse_partition_opens_total",
				Help: "Per-app event partitions opened",
			},
		),
		PartitionDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crashcourse_partition_drops_total",
				Help: "Per-app event partitions dropped",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.IngestTotal,
		m.RateLimitedTotal,
		m.SessionsStarted,
		m.PartitionOpens,
		m.PartitionDrops,
	)

	return m
}

// RegisterOpenPartitions exposes the number of currently open partitions
// via the supplied callback.
func (m *Metrics) RegisterOpenPartitions(count func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "crashcourse_partitions_open",
			Help: "Event partitions currently held open",
		},
		count,
	))
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// metricsResponseWriter captures the status code for request metrics.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware records request counts and latencies. The path label is
// the route pattern, not the raw URL, to bound cardinality; callers pass
// a func mapping the request to its pattern.
func (m *Metrics) HTTPMiddleware(pattern func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := pattern(r)
			m.HTTPRequestsTotal.WithLabelValues(
				r.Method, path, strconv.Itoa(rw.statusCode),
			).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, path).
				Observe(time.Since(start).Seconds())
		})
	}
}
