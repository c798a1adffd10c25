// Package metrics exposes the Prometheus instruments of the access and governance layer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	SessionFailuresTotal *prometheus.CounterVec
	TenantRoutesTotal    *prometheus.CounterVec
	QuotaDecisionsTotal  *prometheus.CounterVec
	IdempotencyTotal     *prometheus.CounterVec
	AuditFailuresTotal   *prometheus.CounterVec
	SweepDeletedTotal    *prometheus.CounterVec
	DetachedTaskFailures *prometheus.CounterVec
}

// New creates and registers every instrument on registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hospital_ops_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hospital_ops_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		SessionFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hospital_ops_session_failures_total",
				Help: "Session resolution failures by reason",
			},
			[]string{"reason"},
		),
		TenantRoutesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hospital_ops_tenant_routes_total",
				Help: "Tenant partition routing results",
			},
			[]string{"result"},
		),
		QuotaDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hospital_ops_quota_decisions_total",
				Help: "Quota guard decisions by feature and outcome",
			},
			[]string{"feature", "outcome"},
		),
		IdempotencyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hospital_ops_idempotency_outcomes_total",
				Help: "Idempotency middleware outcomes",
			},
			[]string{"outcome"},
		),
		AuditFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hospital_ops_audit_write_failures_total",
				Help: "Audit writes that failed and were swallowed",
			},
			[]string{"phase"},
		),
		SweepDeletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hospital_ops_sweep_deleted_total",
				Help: "Rows deleted by the retention sweeper",
			},
			[]string{"table"},
		),
		DetachedTaskFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hospital_ops_detached_task_failures_total",
				Help: "Detached background tasks that failed or panicked",
			},
			[]string{"task"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SessionFailuresTotal,
		m.TenantRoutesTotal,
		m.QuotaDecisionsTotal,
		m.IdempotencyTotal,
		m.AuditFailuresTotal,
		m.SweepDeletedTotal,
		m.DetachedTaskFailures,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency labelled by the chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) SessionFailure(reason string) {
	if m != nil {
		m.SessionFailuresTotal.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) TenantRoute(result string) {
	if m != nil {
		m.TenantRoutesTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) QuotaDecision(feature, outcome string) {
	if m != nil {
		m.QuotaDecisionsTotal.WithLabelValues(feature, outcome).Inc()
	}
}

func (m *Metrics) Idempotency(outcome string) {
	if m != nil {
		m.IdempotencyTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) AuditFailure(phase string) {
	if m != nil {
		m.AuditFailuresTotal.WithLabelValues(phase).Inc()
	}
}

func (m *Metrics) SweepDeleted(table string, n int64) {
	if m != nil && n > 0 {
		m.SweepDeletedTotal.WithLabelValues(table).Add(float64(n))
	}
}

func (m *Metrics) DetachedTaskFailed(task string) {
	if m != nil {
		m.DetachedTaskFailures.WithLabelValues(task).Inc()
	}
}
