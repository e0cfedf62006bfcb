/*
metrics.go - Prometheus instrumentation

PURPOSE:
  Operational counters for the reconciliation path. Balance correctness is
  verified in the engine; these make conflict rates and audit soft-failures
  visible before anyone files a ticket.

EXPOSED AT /metrics:
  accrual_reconciliations_total{outcome}  reconciliation attempts by outcome
  accrual_audit_write_failures_total      soft-failed audit appends
  accrual_recompute_jobs_running          recompute jobs currently in flight
  accrual_http_requests_total{method,status}
*/
package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reconciliation outcomes.
const (
	outcomeApplied  = "applied"
	outcomeConflict = "conflict"
	outcomeRejected = "rejected" // validation or scope failure
	outcomeError    = "error"
)

// Metrics holds the collectors shared by all handlers.
type Metrics struct {
	Reconciliations    *prometheus.CounterVec
	AuditWriteFailures prometheus.Counter
	RecomputeRunning   prometheus.Gauge
	HTTPRequests       *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accrual_reconciliations_total",
			Help: "Reconciliation attempts by outcome.",
		}, []string{"outcome"}),
		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accrual_audit_write_failures_total",
			Help: "Audit appends that soft-failed while the snapshot committed.",
		}),
		RecomputeRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "accrual_recompute_jobs_running",
			Help: "Tenant recompute jobs currently running.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accrual_http_requests_total",
			Help: "HTTP requests by method and status class.",
		}, []string{"method", "status"}),
	}

	reg.MustRegister(m.Reconciliations, m.AuditWriteFailures, m.RecomputeRunning, m.HTTPRequests)
	return m
}

func (m *Metrics) observeOutcome(err error) {
	switch {
	case err == nil:
		m.Reconciliations.WithLabelValues(outcomeApplied).Inc()
	default:
		m.Reconciliations.WithLabelValues(classifyOutcome(err)).Inc()
	}
}
