package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Cycles
	CyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "indexsync_cycles_total",
		Help: "The total number of indexing cycles by outcome",
	}, []string{"outcome"})

	CycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "indexsync_cycle_duration_seconds",
		Help:    "The duration of indexing cycles that had work",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
	}, []string{"outcome"})

	Invalidated = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "indexsync_invalidated_keys",
		Help: "The size of the last cycle's invalidation set",
	})

	// Documents
	KeysIndexed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "indexsync_keys_indexed_total",
		Help: "The total number of keys processed by the updater",
	}, []string{"outcome"})

	KeyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "indexsync_key_errors_total",
		Help: "The total number of terminal per-key errors",
	})

	Conflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "indexsync_version_conflicts_total",
		Help: "The total number of writes skipped because a newer version was indexed",
	})

	// Queue
	QueueFailovers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "indexsync_queue_failovers_total",
		Help: "The total number of work queue failovers to the in-process backend",
	})

	Requeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "indexsync_keys_requeued_total",
		Help: "The total number of keys redelivered after their batch expired",
	})
)

func init() {
	prometheus.MustRegister(CyclesTotal)
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(Invalidated)
	prometheus.MustRegister(KeysIndexed)
	prometheus.MustRegister(KeyErrors)
	prometheus.MustRegister(Conflicts)
	prometheus.MustRegister(QueueFailovers)
	prometheus.MustRegister(Requeued)
}
