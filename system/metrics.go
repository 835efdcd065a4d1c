package system

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks the journal.
type Metrics struct {
	committed   *prometheus.CounterVec
	failed      *prometheus.CounterVec
	sequence    prometheus.Gauge
	subscribers prometheus.Gauge
}

// NewMetrics creates and registers the journal metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		committed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "defistate",
			Subsystem: "system",
			Name:      "operations_committed_total",
			Help:      "Operations committed to the journal.",
		}, []string{"operation"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "defistate",
			Subsystem: "system",
			Name:      "operations_failed_total",
			Help:      "Operations rejected without changing state.",
		}, []string{"operation"}),
		sequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "defistate",
			Subsystem: "system",
			Name:      "sequence",
			Help:      "Sequence number of the latest snapshot.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "defistate",
			Subsystem: "system",
			Name:      "subscribers",
			Help:      "Active state stream subscribers.",
		}),
	}
	reg.MustRegister(m.committed, m.failed, m.sequence, m.subscribers)
	return m
}
