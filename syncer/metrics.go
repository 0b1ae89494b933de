package syncer

import (
	"github.com/breez/kv-sync/kv"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	reconciliations *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	failures        *prometheus.CounterVec
	syncAllDuration prometheus.Histogram
}

// NewMetrics creates the client side collectors and registers them with reg
// when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvsync",
			Subsystem: "client",
			Name:      "reconciliations_total",
			Help:      "Keys reconciled, by action taken.",
		}, []string{"action"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvsync",
			Subsystem: "client",
			Name:      "conflicts_total",
			Help:      "Version conflicts resolved, by winning side.",
		}, []string{"winner"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvsync",
			Subsystem: "client",
			Name:      "failures_total",
			Help:      "Keys left unresolved, by error kind.",
		}, []string{"kind"}),
		syncAllDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kvsync",
			Subsystem: "client",
			Name:      "sync_all_duration_seconds",
			Help:      "Duration of full reconciliation passes.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.reconciliations, m.conflicts, m.failures, m.syncAllDuration)
	}
	return m
}

func (m *Metrics) observe(res kv.Result) {
	if res.Failed() {
		m.failures.WithLabelValues(res.Kind().String()).Inc()
		return
	}
	m.reconciliations.WithLabelValues(res.Action.String()).Inc()
	if res.Conflict != nil {
		m.conflicts.WithLabelValues(res.Conflict.Winner.String()).Inc()
	}
}
