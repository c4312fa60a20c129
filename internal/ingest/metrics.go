package ingest

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/beacon/internal/poller"
	"github.com/linnemanlabs/beacon/internal/reconcile"
	"github.com/linnemanlabs/beacon/internal/workflow"
)

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	OnIngest      func(source, result string, seconds float64)
	OnRateLimited func()
	OnTrigger     func(result string)
	OnTerminal    func(state string)
}

// Metrics holds Prometheus metrics for the ingestion pipeline.
type Metrics struct {
	IngestTotal          *prometheus.CounterVec
	IngestDuration       *prometheus.HistogramVec
	RateLimitRejections  prometheus.Counter
	TriggersTotal        *prometheus.CounterVec
	PollsTotal           *prometheus.CounterVec
	PollDuration         prometheus.Histogram
	ExecutionsTerminal   *prometheus.CounterVec
	ReconciliationsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns ingestion metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_ingest_requests_total",
			Help: "Ingestion requests by source and result.",
		}, []string{"source", "result"}),
		IngestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beacon_ingest_duration_seconds",
			Help:    "Time spent ingesting a payload, including the workflow trigger.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}, []string{"source"}),
		RateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_ratelimit_rejections_total",
			Help: "Ingestion requests rejected by the per-key rate limit.",
		}),
		TriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_workflow_triggers_total",
			Help: "Workflow trigger attempts by result.",
		}, []string{"result"}),
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_workflow_polls_total",
			Help: "Successful execution polls by observed state.",
		}, []string{"state"}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beacon_execution_follow_duration_seconds",
			Help:    "Time from trigger until polling stopped.",
			Buckets: prometheus.ExponentialBuckets(2, 2, 10), // 2s .. ~17m
		}),
		ExecutionsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_executions_terminal_total",
			Help: "Followed executions by terminal state.",
		}, []string{"state"}),
		ReconciliationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_reconciliations_total",
			Help: "Result reconciliations by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.IngestTotal,
		m.IngestDuration,
		m.RateLimitRejections,
		m.TriggersTotal,
		m.PollsTotal,
		m.PollDuration,
		m.ExecutionsTerminal,
		m.ReconciliationsTotal,
	)

	return m
}

// Hooks returns service Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnIngest: func(source, result string, seconds float64) {
			m.IngestTotal.WithLabelValues(source, result).Inc()
			m.IngestDuration.WithLabelValues(source).Observe(seconds)
		},
		OnRateLimited: m.RateLimitRejections.Inc,
		OnTrigger: func(result string) {
			m.TriggersTotal.WithLabelValues(result).Inc()
		},
		OnTerminal: func(state string) {
			m.ExecutionsTerminal.WithLabelValues(state).Inc()
		},
	}
}

// PollerHooks returns poller.Hooks that update the poll metrics.
func (m *Metrics) PollerHooks() poller.Hooks {
	return poller.Hooks{
		OnPoll: func(state workflow.State) {
			m.PollsTotal.WithLabelValues(string(state)).Inc()
		},
		OnDone: func(r *poller.Result) {
			m.PollDuration.Observe(r.Duration.Seconds())
		},
	}
}

// ReconcileHooks returns reconcile.Hooks that count reconciliations.
func (m *Metrics) ReconcileHooks() reconcile.Hooks {
	return reconcile.Hooks{
		OnReconcile: func(result string) {
			m.ReconciliationsTotal.WithLabelValues(result).Inc()
		},
	}
}
