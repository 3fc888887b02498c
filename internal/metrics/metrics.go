// Package metrics exposes the engine's Prometheus collectors on a private
// registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	decisions       *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	auditDropped    *prometheus.CounterVec
	seedRuns        *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "access_control_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "access_control_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "access_control_decisions_total",
		Help: "Authorization decisions by outcome and reason.",
	}, []string{"outcome", "reason"})
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "access_control_cache_lookups_total",
		Help: "Decision cache lookups by key kind and result.",
	}, []string{"kind", "result"})
	dropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "access_control_audit_dropped_total",
		Help: "Audit entries written to the fallback channel instead of storage.",
	}, []string{"reason"})
	seeds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "access_control_seed_runs_total",
		Help: "Seeder runs by operation and result.",
	}, []string{"operation", "result"})

	registry.MustRegister(requests, duration, decisions, lookups, dropped, seeds)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		decisions:       decisions,
		cacheLookups:    lookups,
		auditDropped:    dropped,
		seedRuns:        seeds,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency under the chi route pattern
// so path parameters do not explode the label space.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

func (m *Metrics) Decision(allowed bool, reason string) {
	if m == nil {
		return
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	m.decisions.WithLabelValues(outcome, reason).Inc()
}

func (m *Metrics) CacheLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(kind, result).Inc()
}

// AuditDropped satisfies audit.DropObserver.
func (m *Metrics) AuditDropped(reason string) {
	if m == nil {
		return
	}
	m.auditDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SeedRun(operation string, success bool) {
	if m == nil {
		return
	}
	result := "failed"
	if success {
		result = "succeeded"
	}
	m.seedRuns.WithLabelValues(operation, result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
