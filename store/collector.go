package store

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type pebbleMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

func newPebbleMetric(name, help string, kind prometheus.ValueType, value func(m *pebble.Metrics) float64) pebbleMetric {
	return pebbleMetric{
		desc:  prometheus.NewDesc(prometheus.BuildFQName("sharedtree", "store", name), help, nil, nil),
		kind:  kind,
		value: value,
	}
}

var pebbleMetrics = []pebbleMetric{
	newPebbleMetric("compactions_total", "Compactions performed",
		prometheus.CounterValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }),
	newPebbleMetric("compaction_debt_bytes", "Bytes to compact to reach a stable state",
		prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }),
	newPebbleMetric("compaction_in_progress_bytes", "Bytes of compactions in progress",
		prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }),
	newPebbleMetric("memtable_bytes", "Memtable size",
		prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }),
	newPebbleMetric("memtables", "Memtable count",
		prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }),
	newPebbleMetric("wal_files", "Live WAL files",
		prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }),
	newPebbleMetric("wal_bytes", "Live WAL size",
		prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }),
	newPebbleMetric("wal_bytes_in_total", "Logical bytes written to the WAL",
		prometheus.CounterValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesIn) }),
	newPebbleMetric("wal_bytes_written_total", "Physical bytes written to the WAL",
		prometheus.CounterValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }),
	newPebbleMetric("disk_bytes", "Disk space used by the store",
		prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.DiskSpaceUsage()) }),
}

// Collector exports pebble internals of the store to prometheus.
type Collector struct {
	db *pebble.DB
}

var _ prometheus.Collector = (*Collector)(nil)

func (s *Store) Collector() *Collector {
	return &Collector{db: s.db}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, pm := range pebbleMetrics {
		ch <- pm.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.db.Metrics()
	for _, pm := range pebbleMetrics {
		ch <- prometheus.MustNewConstMetric(pm.desc, pm.kind, pm.value(m))
	}
}
