package http

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arboric/arboric/internal/service"
)

const namespace = "arboric"

// Metrics holds all Prometheus metrics for arboric.
// It implements service.OutcomeObserver.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	OutcomesTotal   *prometheus.CounterVec
	FieldDecisions  *prometheus.CounterVec
	PolicyReloads   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"}, // status=2xx/3xx/4xx/5xx
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds, backend time included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		OutcomesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_outcomes_total",
				Help:      "Completed GraphQL requests by action and final status code",
			},
			[]string{"action", "code"},
		),
		FieldDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "field_decisions_total",
				Help:      "Root field decisions by operation and outcome",
			},
			[]string{"operation", "decision"},
		),
		PolicyReloads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_reloads_total",
				Help:      "Policy reload attempts by result",
			},
			[]string{"result"}, // result=changed/unchanged/error
		),
	}
}

// ObserveOutcome records a completed pipeline outcome.
func (m *Metrics) ObserveOutcome(out service.Outcome, status int) {
	m.OutcomesTotal.WithLabelValues(out.Action.String(), strconv.Itoa(status)).Inc()
	if out.GraphQL == nil {
		return
	}
	op := out.GraphQL.Operation.String()
	for _, f := range out.Decision.Fields {
		m.FieldDecisions.WithLabelValues(op, f.Outcome.String()).Inc()
	}
}

// ObserveReload records the result of a policy reload.
func (m *Metrics) ObserveReload(res service.ReloadResult, err error) {
	switch {
	case err != nil:
		m.PolicyReloads.WithLabelValues("error").Inc()
	case res.Changed:
		m.PolicyReloads.WithLabelValues("changed").Inc()
	default:
		m.PolicyReloads.WithLabelValues("unchanged").Inc()
	}
}

// RegisterAuditMetrics exposes the audit queue state of svc.
func RegisterAuditMetrics(reg prometheus.Registerer, svc *service.AuditService) {
	promauto.With(reg).NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_drops_total",
			Help:      "Total audit records dropped due to backpressure",
		},
		func() float64 { return float64(svc.DroppedRecords()) },
	)
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_queue_depth",
			Help:      "Audit records waiting to be written",
		},
		func() float64 { return float64(svc.ChannelDepth()) },
	)
}

// RegisterPolicyMetrics exposes the size of the active policy set.
func RegisterPolicyMetrics(reg prometheus.Registerer, svc *service.PolicyService) {
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "policies",
			Help:      "Number of policies in the active set",
		},
		func() float64 { return float64(svc.Current().Len()) },
	)
}

var _ service.OutcomeObserver = (*Metrics)(nil)
