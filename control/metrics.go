// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus export of pool and channel counters. Values are read from the
// live structures on every scrape; nothing is cached here.

package control

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/momentics/hioload-tuner/api"
)

const namespace = "hioload"

// PoolSource lists pool accounting snapshots.
type PoolSource interface {
	Stats() []api.PoolStats
}

// ChannelStats pairs a channel id with its sink counters.
type ChannelStats struct {
	ID api.ChannelID
	api.SinkStats
}

// ChannelSource lists the counters of every bound channel.
type ChannelSource func() []ChannelStats

type metric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(any) float64
}

// Collector implements prometheus.Collector over a PoolSource and a
// ChannelSource.
type Collector struct {
	pools    PoolSource
	channels ChannelSource

	poolMetrics    []metric
	channelMetrics []metric
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector builds a collector. Either source may be nil.
func NewCollector(pools PoolSource, channels ChannelSource) *Collector {
	poolDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, []string{"pool"}, nil)
	}
	chanDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "tuner", name), help, []string{"channel"}, nil)
	}
	ps := func(f func(api.PoolStats) int) func(any) float64 {
		return func(v any) float64 { return float64(f(v.(api.PoolStats))) }
	}
	pc := func(f func(api.PoolStats) uint64) func(any) float64 {
		return func(v any) float64 { return float64(f(v.(api.PoolStats))) }
	}
	cs := func(f func(ChannelStats) float64) func(any) float64 {
		return func(v any) float64 { return f(v.(ChannelStats)) }
	}

	return &Collector{
		pools:    pools,
		channels: channels,
		poolMetrics: []metric{
			{poolDesc("used", "Elements currently acquired."), prometheus.GaugeValue,
				ps(func(s api.PoolStats) int { return s.Used })},
			{poolDesc("capacity", "Maximum live elements."), prometheus.GaugeValue,
				ps(func(s api.PoolStats) int { return s.Capacity })},
			{poolDesc("high_water_mark", "Largest number of elements ever acquired at once."), prometheus.GaugeValue,
				ps(func(s api.PoolStats) int { return s.HighWaterMark })},
			{poolDesc("slabs", "Backing slabs currently allocated."), prometheus.GaugeValue,
				ps(func(s api.PoolStats) int { return s.Slabs })},
			{poolDesc("failed_allocations_total", "Acquire calls rejected for exhaustion."), prometheus.CounterValue,
				pc(func(s api.PoolStats) uint64 { return s.FailedAllocations })},
		},
		channelMetrics: []metric{
			{chanDesc("queued", "Datagrams waiting for a reader."), prometheus.GaugeValue,
				cs(func(s ChannelStats) float64 { return float64(s.Queued) })},
			{chanDesc("queued_bytes", "Payload bytes waiting for a reader."), prometheus.GaugeValue,
				cs(func(s ChannelStats) float64 { return float64(s.QueuedBytes) })},
			{chanDesc("waiting", "1 while a reader is parked on the channel."), prometheus.GaugeValue,
				cs(func(s ChannelStats) float64 {
					if s.Waiting {
						return 1
					}
					return 0
				})},
			{chanDesc("delivered_total", "Datagrams accepted from producers."), prometheus.CounterValue,
				cs(func(s ChannelStats) float64 { return float64(s.Delivered) })},
			{chanDesc("direct_total", "Datagrams copied straight into a parked reader."), prometheus.CounterValue,
				cs(func(s ChannelStats) float64 { return float64(s.Direct) })},
			{chanDesc("forwarded_total", "Datagrams pushed to an attached forwarder."), prometheus.CounterValue,
				cs(func(s ChannelStats) float64 { return float64(s.Forwarded) })},
			{chanDesc("dropped_total", "Datagrams lost to queue or pool limits."), prometheus.CounterValue,
				cs(func(s ChannelStats) float64 { return float64(s.Dropped) })},
			{chanDesc("reads_total", "Read calls served."), prometheus.CounterValue,
				cs(func(s ChannelStats) float64 { return float64(s.Reads) })},
			{chanDesc("wakeups_total", "Reader wakeups issued."), prometheus.CounterValue,
				cs(func(s ChannelStats) float64 { return float64(s.Wakeups) })},
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.poolMetrics {
		ch <- m.desc
	}
	for _, m := range c.channelMetrics {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.pools != nil {
		for _, st := range c.pools.Stats() {
			for _, m := range c.poolMetrics {
				ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(st), st.Name)
			}
		}
	}
	if c.channels != nil {
		for _, st := range c.channels() {
			id := strconv.FormatUint(uint64(st.ID), 10)
			for _, m := range c.channelMetrics {
				ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(st), id)
			}
		}
	}
}
