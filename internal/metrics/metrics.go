// Package metrics exposes Prometheus collectors on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing, which keeps wiring optional in tests.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	migrations   *prometheus.CounterVec
	migrated     prometheus.Counter
	sseClients   prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "guardian",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "migrations_total",
			Help:      "Snapshot migrations by outcome.",
		}, []string{"result"}),
		migrated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "migrated_nodes_total",
			Help:      "Nodes inserted by snapshot migrations.",
		}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "guardian",
			Name:      "sse_clients",
			Help:      "Connected event stream clients.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration, m.migrations, m.migrated, m.sseClients,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency keyed by the chi route
// pattern, so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// MigrationApplied counts a migration that inserted rows.
func (m *Metrics) MigrationApplied(inserted int) {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues("applied").Inc()
	m.migrated.Add(float64(inserted))
}

// MigrationReplayed counts a migration answered from the ledger.
func (m *Metrics) MigrationReplayed() {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues("replayed").Inc()
}

// MigrationFailed counts a rolled back migration.
func (m *Metrics) MigrationFailed() {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues("failed").Inc()
}

// ClientConnected adjusts the SSE client gauge by delta.
func (m *Metrics) ClientConnected(delta int) {
	if m == nil {
		return
	}
	m.sseClients.Add(float64(delta))
}
