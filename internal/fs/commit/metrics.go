package commit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts commit outcomes. It is shared by all committers of a process and
// registered once.
type Metrics struct {
	commitsTotal      *prometheus.CounterVec
	mergeRetriesTotal prometheus.Counter
	finalizeLatency   prometheus.Histogram
}

// NewMetrics returns unregistered commit metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		commitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "revfs",
				Subsystem: "commit",
				Name:      "commits_total",
				Help:      "Total number of commit attempts by outcome",
			},
			[]string{"outcome"},
		),
		mergeRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "revfs",
				Subsystem: "commit",
				Name:      "merge_retries_total",
				Help:      "Number of times a commit merged again because a newer revision was published",
			},
		),
		finalizeLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "revfs",
				Subsystem: "commit",
				Name:      "finalize_seconds",
				Help:      "Time spent publishing a revision while holding the write lock",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, descs)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(metrics chan<- prometheus.Metric) {
	m.commitsTotal.Collect(metrics)
	m.mergeRetriesTotal.Collect(metrics)
	m.finalizeLatency.Collect(metrics)
}
