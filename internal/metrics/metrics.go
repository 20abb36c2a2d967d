package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors for the Tally service.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ledger metrics.
	LedgerDecisionsTotal *prometheus.CounterVec
	ReservationsTotal    *prometheus.CounterVec

	// Usage recorder metrics.
	RecorderBufferSize      prometheus.Gauge
	RecorderFlushesTotal    *prometheus.CounterVec
	RecorderFlushDuration   prometheus.Histogram
	RecorderEventsTotal     prometheus.Counter
	AuditWriteFailuresTotal prometheus.Counter

	// Governance metrics.
	PolicyChangesTotal *prometheus.CounterVec

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec
	RateLimitedTotal   prometheus.Counter

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tally_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		LedgerDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_ledger_decisions_total",
			Help: "Total number of quota decisions by operation and outcome.",
		}, []string{"op", "outcome", "reason"}),

		ReservationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_ledger_reservations_total",
			Help: "Total number of reservation transitions by resulting state.",
		}, []string{"state"}),

		RecorderBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tally_recorder_buffer_size",
			Help: "Current number of buffered usage events.",
		}),

		RecorderFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_recorder_flushes_total",
			Help: "Total number of usage recorder flushes.",
		}, []string{"status"}),

		RecorderFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tally_recorder_flush_duration_seconds",
			Help:    "Duration of usage recorder flushes in seconds, retries included.",
			Buckets: prometheus.DefBuckets,
		}),

		RecorderEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_recorder_events_total",
			Help: "Total number of usage events written.",
		}),

		AuditWriteFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_ledger_audit_write_failures_total",
			Help: "Total number of usage events that failed to persist after retries.",
		}),

		PolicyChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_policy_changes_total",
			Help: "Total number of policy governance actions.",
		}, []string{"action"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_rate_limited_total",
			Help: "Total number of metering requests refused by the caller rate limit.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tally_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	// Register all metrics.
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LedgerDecisionsTotal,
		m.ReservationsTotal,
		m.RecorderBufferSize,
		m.RecorderFlushesTotal,
		m.RecorderFlushDuration,
		m.RecorderEventsTotal,
		m.AuditWriteFailuresTotal,
		m.PolicyChangesTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.RateLimitedTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Exposition serves the registry in the Prometheus text format.
func (m *Metrics) Exposition() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterDBPoolCollector exports pool gauges read from stat on every scrape.
func (m *Metrics) RegisterDBPoolCollector(stat PoolStatFunc) {
	m.registry.MustRegister(newDBPoolCollector(stat))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(kind, method, pattern string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(kind, method, pattern, fmt.Sprintf("%d", status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(kind, method, pattern).Observe(d.Seconds())
}

// ObserveDecision counts a quota decision.
func (m *Metrics) ObserveDecision(op string, allowed bool, reason string) {
	outcome := "declined"
	if allowed {
		outcome = "allowed"
	}
	m.LedgerDecisionsTotal.WithLabelValues(op, outcome, reason).Inc()
}

// ObserveReservation counts a reservation entering state.
func (m *Metrics) ObserveReservation(state string) {
	m.ReservationsTotal.WithLabelValues(state).Inc()
}

// SetRecorderBuffer sets the recorder buffer gauge.
func (m *Metrics) SetRecorderBuffer(n int) {
	m.RecorderBufferSize.Set(float64(n))
}

// ObserveRecorderFlush records one flush attempt and its outcome.
func (m *Metrics) ObserveRecorderFlush(status string, d time.Duration, events int) {
	m.RecorderFlushesTotal.WithLabelValues(status).Inc()
	m.RecorderFlushDuration.Observe(d.Seconds())
	if status == "success" {
		m.RecorderEventsTotal.Add(float64(events))
	}
}

// IncAuditWriteFailure adds events that could not be persisted.
func (m *Metrics) IncAuditWriteFailure(events int) {
	m.AuditWriteFailuresTotal.Add(float64(events))
}

// IncPolicyChange increments the governance action counter.
func (m *Metrics) IncPolicyChange(action string) {
	m.PolicyChangesTotal.WithLabelValues(action).Inc()
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}

// IncRateLimited counts a request refused by the caller rate limit. The
// caller id is not used as a label to keep cardinality bounded.
func (m *Metrics) IncRateLimited(_ string) {
	m.RateLimitedTotal.Inc()
}
