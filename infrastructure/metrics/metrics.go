// Package metrics holds the process-wide Prometheus collectors for the
// Conduit HTTP surface and the per-database query path. DQM-internal
// gauges (queue depth, worker busy) live with the dqm package; this
// package carries the shared collectors both layers report into.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hydrogen-dev/hydrogen/infrastructure/runtime"
	"github.com/hydrogen-dev/hydrogen/pkg/version"
)

const namespace = "hydrogen"

// Metrics bundles the collectors one registration covers.
type Metrics struct {
	// Conduit HTTP surface.
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	ErrorsTotal      *prometheus.CounterVec

	// Query path, labeled by logical database and tier.
	QueriesTotal    *prometheus.CounterVec
	QueryDuration   *prometheus.HistogramVec
	ConnectionsOpen *prometheus.GaugeVec

	// Process health.
	Uptime    prometheus.Gauge
	BuildInfo *prometheus.GaugeVec
}

// New registers all collectors against the default Prometheus registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry registers against a caller-supplied registry, so tests
// can build throwaway instances without colliding on the default one.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Conduit HTTP requests served.",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Conduit HTTP request latency.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Conduit HTTP requests currently being served.",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors surfaced at the HTTP boundary.",
			},
			[]string{"service", "type", "operation"},
		),

		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "database_queries_total",
				Help:      "Work items executed, by database, tier, and outcome.",
			},
			[]string{"database", "tier", "status"},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "database_query_duration_seconds",
				Help:      "Backend execution latency per work item.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 10},
			},
			[]string{"database", "tier"},
		),
		ConnectionsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "database_connections_open",
				Help:      "Live worker connections per database.",
			},
			[]string{"database"},
		),

		Uptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "uptime_seconds",
				Help:      "Seconds since process start.",
			},
		),
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Constant 1, labeled with the running build.",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.QueriesTotal,
			m.QueryDuration,
			m.ConnectionsOpen,
			m.Uptime,
			m.BuildInfo,
		)
	}

	m.BuildInfo.WithLabelValues(serviceName, version.Version, string(runtime.Env())).Set(1)
	return m
}

// RecordHTTPRequest counts one served request and observes its latency.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError counts one error surfaced at the HTTP boundary.
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordDatabaseQuery counts one executed work item and observes its
// backend latency.
func (m *Metrics) RecordDatabaseQuery(database, tier string, ok bool, duration time.Duration) {
	status := "error"
	if ok {
		status = "success"
	}
	m.QueriesTotal.WithLabelValues(database, tier, status).Inc()
	m.QueryDuration.WithLabelValues(database, tier).Observe(duration.Seconds())
}

// SetDatabaseConnections records the live worker-connection count for one
// database.
func (m *Metrics) SetDatabaseConnections(database string, count int) {
	m.ConnectionsOpen.WithLabelValues(database).Set(float64(count))
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.Uptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight marks one more request in flight.
func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }

// DecrementInFlight marks one request finished.
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

// Enabled reports whether the /metrics endpoint should be exposed:
// opt-out in development and testing, opt-in (METRICS_ENABLED) in
// production.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init lazily builds the process-wide instance against the default
// registry. The first caller's service name wins.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the process-wide instance, building it under a
// placeholder name if Init has not run.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New("hydrogend")
	}
	return globalMetrics
}
