package differ

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the differ's prometheus collectors.
type Metrics struct {
	diffDuration     *prometheus.HistogramVec
	protocolsChanged prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		diffDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "defistate",
			Subsystem: "differ",
			Name:      "diff_duration_seconds",
			Help:      "Time taken to diff two state snapshots.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{}),
		protocolsChanged: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "defistate",
			Subsystem: "differ",
			Name:      "protocols_changed",
			Help:      "Protocols with a non-empty diff per snapshot pair.",
			Buckets:   prometheus.LinearBuckets(0, 1, 5),
		}),
	}
	reg.MustRegister(m.diffDuration, m.protocolsChanged)
	return m
}
