package proofdb

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "proofdb"

// Metrics collects the core's prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	tasksEnqueued   *prometheus.CounterVec
	tasksAcquired   *prometheus.CounterVec
	tasksCompleted  *prometheus.CounterVec
	tasksReleased   *prometheus.CounterVec
	tasksReclaimed  *prometheus.CounterVec
	partialCommits  prometheus.Counter
	compoundRuns    *prometheus.CounterVec
	transitions     prometheus.Counter
	nodesWritten    prometheus.Counter
	rollupConsumed  *prometheus.GaugeVec
	reconciledCount prometheus.Counter
}

// NewMetrics creates and registers all metrics, a nil registerer keeps them unregistered
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "enqueued_total",
			Help: "Tasks enqueued",
		}, []string{"kind"}),
		tasksAcquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "acquired_total",
			Help: "Tasks claimed by a worker",
		}, []string{"kind"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "completed_total",
			Help: "Tasks moved to a terminal state",
		}, []string{"kind", "outcome"}),
		tasksReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "released_total",
			Help: "Executing tasks handed back to the queue",
		}, []string{"kind"}),
		tasksReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "reclaimed_total",
			Help: "Executing tasks reclaimed after their lease expired",
		}, []string{"kind"}),
		partialCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "compound", Name: "partial_commits_total",
			Help: "Compound transactions committed on the operational cluster only",
		}),
		compoundRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "compound", Name: "runs_total",
			Help: "Compound transactions by result",
		}, []string{"result"}),
		transitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "transition", Name: "appended_total",
			Help: "Transition records appended",
		}),
		nodesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "merkle", Name: "nodes_written_total",
			Help: "Merkle node records written",
		}),
		rollupConsumed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "rollup", Name: "last_consumed_operation",
			Help: "Last operation number folded into a proof",
		}, []string{"database"}),
		reconciledCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "transition", Name: "reconciled_total",
			Help: "Transition records rebuilt after a partial commit",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.tasksEnqueued, m.tasksAcquired, m.tasksCompleted, m.tasksReleased, m.tasksReclaimed,
			m.partialCommits, m.compoundRuns, m.transitions, m.nodesWritten, m.rollupConsumed,
			m.reconciledCount,
		)
	}
	return m
}

func (m *Metrics) enqueued(kind string) {
	if m != nil {
		m.tasksEnqueued.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) acquired(kind string) {
	if m != nil {
		m.tasksAcquired.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) completed(kind string, outcome TaskStatus) {
	if m != nil {
		m.tasksCompleted.WithLabelValues(kind, outcome.String()).Inc()
	}
}

func (m *Metrics) released(kind string) {
	if m != nil {
		m.tasksReleased.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) reclaimed(kind string) {
	if m != nil {
		m.tasksReclaimed.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) compound(result string) {
	if m != nil {
		m.compoundRuns.WithLabelValues(result).Inc()
		if result == "partial" {
			m.partialCommits.Inc()
		}
	}
}

func (m *Metrics) appended() {
	if m != nil {
		m.transitions.Inc()
	}
}

func (m *Metrics) nodeWrites(n int) {
	if m != nil {
		m.nodesWritten.Add(float64(n))
	}
}

func (m *Metrics) consumed(db string, op int64) {
	if m != nil {
		m.rollupConsumed.WithLabelValues(db).Set(float64(op))
	}
}

func (m *Metrics) reconciled() {
	if m != nil {
		m.reconciledCount.Inc()
	}
}
