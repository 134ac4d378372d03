package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the gateway exposes. Pass it to the
// components that need to record against it; nothing here reads it back.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ActiveSessions      prometheus.Gauge
	DecisionsTotal      *prometheus.CounterVec
	GovernancePending   prometheus.Gauge
	GovernanceDecided   *prometheus.CounterVec
	BundleRevision      prometheus.Gauge
	BundleRebuildsTotal prometheus.Counter
	AuditDropsTotal     prometheus.Counter
	BackendErrorsTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers every metric with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "requests_total",
				Help:      "Total number of MCP requests processed by the edge.",
			},
			[]string{"method", "status"}, // method=HTTP request method (POST/GET/DELETE), status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "toolgate",
				Name:      "request_duration_seconds",
				Help:      "Edge request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "toolgate",
				Name:      "active_sessions",
				Help:      "Number of active aggregator sessions.",
			},
		),
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "decisions_total",
				Help:      "Total Decision Engine verdicts.",
			},
			[]string{"outcome", "reason"},
		),
		GovernancePending: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "toolgate",
				Name:      "governance_pending",
				Help:      "Number of pending governance requests across all services.",
			},
		),
		GovernanceDecided: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "governance_decided_total",
				Help:      "Total governance requests resolved, by decision.",
			},
			[]string{"decision"}, // approved/denied
		),
		BundleRevision: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "toolgate",
				Name:      "bundle_revision",
				Help:      "Revision number of the currently published bundle snapshot.",
			},
		),
		BundleRebuildsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "bundle_rebuilds_total",
				Help:      "Total bundle snapshot rebuilds.",
			},
		),
		AuditDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "audit_drops_total",
				Help:      "Total audit records dropped due to ring buffer backpressure.",
			},
		),
		BackendErrorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "backend_errors_total",
				Help:      "Total errors returned by upstream MCP backends.",
			},
			[]string{"service", "op"},
		),
	}
}
