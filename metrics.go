package sharedtree

import "github.com/prometheus/client_golang/prometheus"

var EditsSequenced = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sharedtree",
	Subsystem: "engine",
	Name:      "edits_sequenced",
}, []string{"status"})

var LocalEdits = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "sharedtree",
	Subsystem: "engine",
	Name:      "local_edits",
})

var Reconciliations = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "sharedtree",
	Subsystem: "engine",
	Name:      "reconciliations",
})

var replayLength = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "sharedtree",
	Subsystem: "engine",
	Name:      "replay_length",
	Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 200, 500},
})

var SummaryLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sharedtree",
	Subsystem: "summary",
	Name:      "loads",
}, []string{"version", "result"})

// Collectors lists the engine metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{EditsSequenced, LocalEdits, Reconciliations, replayLength, SummaryLoads}
}
