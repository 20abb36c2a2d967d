package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is a snapshot of a connection pool. It mirrors the parts of
// pgxpool.Stat the engine reports, so this package stays driver-free.
type PoolStats struct {
	Total        int32
	Idle         int32
	Acquired     int32
	Max          int32
	EmptyAcquire int64
	AcquireWait  time.Duration
}

// PoolStatFunc returns the current pool snapshot.
type PoolStatFunc func() PoolStats

type poolGauge struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(PoolStats) float64
}

type dbPoolCollector struct {
	stat   PoolStatFunc
	gauges []poolGauge
}

func newDBPoolCollector(stat PoolStatFunc) *dbPoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("tally_db_pool_"+name, help, nil, nil)
	}
	return &dbPoolCollector{
		stat: stat,
		gauges: []poolGauge{
			{desc("total_conns", "Connections currently open in the pool."), prometheus.GaugeValue,
				func(s PoolStats) float64 { return float64(s.Total) }},
			{desc("idle_conns", "Idle connections in the pool."), prometheus.GaugeValue,
				func(s PoolStats) float64 { return float64(s.Idle) }},
			{desc("acquired_conns", "Connections checked out by store operations."), prometheus.GaugeValue,
				func(s PoolStats) float64 { return float64(s.Acquired) }},
			{desc("max_conns", "Configured pool size."), prometheus.GaugeValue,
				func(s PoolStats) float64 { return float64(s.Max) }},
			{desc("empty_acquire_total", "Acquires that had to wait for a free connection."), prometheus.CounterValue,
				func(s PoolStats) float64 { return float64(s.EmptyAcquire) }},
			{desc("acquire_wait_seconds_total", "Time spent waiting for a connection."), prometheus.CounterValue,
				func(s PoolStats) float64 { return s.AcquireWait.Seconds() }},
		},
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		ch <- g.desc
	}
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stat()
	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, g.kind, g.value(s))
	}
}
