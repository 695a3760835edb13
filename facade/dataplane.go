// File: facade/dataplane.go
// Unified facade for the tuner dataplane.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Dataplane owns every process-wide piece of state: the pool manager, the
// channel registry, the receive-block pool, configuration, debug probes and
// the metrics collector. Independent instances share nothing.

package facade

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/momentics/hioload-tuner/api"
	"github.com/momentics/hioload-tuner/control"
	"github.com/momentics/hioload-tuner/pool"
	"github.com/momentics/hioload-tuner/transport/udp"
	"github.com/momentics/hioload-tuner/tuner"
)

// Version is reported in ServiceInfo.
const Version = "0.3.0"

// Dataplane is the main facade type.
type Dataplane struct {
	info      api.ServiceInfo
	store     *control.ConfigStore
	pools     *pool.Manager
	tuners    *tuner.Registry
	rx        *pool.Pool[pool.Block]
	debug     *control.DebugProbes
	collector *control.Collector

	mu     sync.Mutex
	closed bool
}

var (
	_ api.GracefulShutdown = (*Dataplane)(nil)
	_ api.Control          = (*Dataplane)(nil)
)

// New builds a dataplane from cfg.
func New(cfg control.Config) (*Dataplane, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, api.ErrInvalidArgs)
	}

	d := &Dataplane{
		info:  api.ServiceInfo{Name: cfg.Name, Version: Version, StartedAt: time.Now()},
		store: control.NewConfigStore(cfg),
		pools: pool.NewManager(pool.WithSlabElements(cfg.Pools.SlabElements)),
		debug: control.NewDebugProbes(),
	}

	var err error
	d.tuners, err = tuner.NewRegistry(d.pools, tunerOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("tuner registry: %w", err)
	}
	d.rx, err = pool.CreateBlocks(d.pools, cfg.Name+".rx", cfg.DatagramSize, cfg.MaxChannels, nil, nil)
	if err != nil {
		_ = d.tuners.Close()
		return nil, fmt.Errorf("receive pool: %w", err)
	}

	d.collector = control.NewCollector(d.pools, d.channelStats)
	control.RegisterPlatformProbes(d.debug)
	d.debug.RegisterProbe("service", func() any { return d.info })
	d.debug.RegisterProbe("pools", func() any { return d.pools.Stats() })
	d.debug.RegisterProbe("channels", func() any { return d.channelStats() })
	d.debug.RegisterProbe("limits", func() any { return d.tuners.Limits() })

	d.store.OnReload(d.apply)

	log.L.WithFields(log.Fields{
		"name":         cfg.Name,
		"max_channels": cfg.MaxChannels,
	}).Info("dataplane initialized")
	return d, nil
}

func tunerOptions(cfg control.Config) tuner.Options {
	return tuner.Options{
		Name:         cfg.Name,
		MaxChannels:  cfg.MaxChannels,
		DatagramSize: cfg.DatagramSize,
		Limits:       tunerLimits(cfg.Limits),
		Pools: tuner.PoolSizes{
			Channels:  cfg.Pools.Channels,
			Sinks:     cfg.Pools.Sinks,
			Waiters:   cfg.Pools.Waiters,
			Datagrams: cfg.Pools.Datagrams,
		},
	}
}

func tunerLimits(l control.Limits) tuner.Limits {
	return tuner.Limits{MaxBuffers: l.MaxBuffers, MaxTimeout: l.MaxTimeout, MaxQueued: l.MaxQueued}
}

// apply pushes the reloadable part of a new config into live components.
func (d *Dataplane) apply(_, cur control.Config) {
	if err := d.tuners.SetLimits(tunerLimits(cur.Limits)); err != nil {
		log.L.WithError(err).Warn("limits not applied")
	}
	if err := log.SetLevel(cur.LogLevel); err != nil {
		log.L.WithError(err).Warn("log level not applied")
	}
}

// Reconfigure swaps in cfg. Only limits and log level change at runtime;
// any other difference is rejected.
func (d *Dataplane) Reconfigure(cfg control.Config) error {
	old := d.store.Snapshot()
	probe := cfg
	probe.Limits, probe.LogLevel = old.Limits, old.LogLevel
	if probe != old {
		return api.NewError(api.ErrCodeInvalidArgument, api.ErrInvalidArgs).
			WithContext("reason", "only limits and log_level are reloadable")
	}
	return d.store.Update(cfg)
}

// Info describes this instance.
func (d *Dataplane) Info() api.ServiceInfo { return d.info }

// Tuners returns the channel registry.
func (d *Dataplane) Tuners() *tuner.Registry { return d.tuners }

// Pools returns the pool manager.
func (d *Dataplane) Pools() *pool.Manager { return d.pools }

// Config returns the live configuration store.
func (d *Dataplane) Config() *control.ConfigStore { return d.store }

// Debug returns the debug probe registry.
func (d *Dataplane) Debug() api.Debug { return d.debug }

// Collector returns the Prometheus collector for this instance.
func (d *Dataplane) Collector() prometheus.Collector { return d.collector }

// NewReceiver creates a UDP producer for channel id that borrows its
// receive buffer from the dataplane.
func (d *Dataplane) NewReceiver(conn net.PacketConn, id api.ChannelID, opts ...udp.Option) (*udp.Receiver, error) {
	return udp.NewReceiver(conn, d.tuners, id, d.rx, opts...)
}

func (d *Dataplane) channelStats() []control.ChannelStats {
	var out []control.ChannelStats
	d.tuners.Range(func(ch *tuner.Channel) bool {
		out = append(out, control.ChannelStats{ID: ch.ID(), SinkStats: ch.Stats()})
		return true
	})
	return out
}

// GetConfig implements api.Control.
func (d *Dataplane) GetConfig() map[string]any { return d.store.GetSnapshot() }

// Stats implements api.Control.
func (d *Dataplane) Stats() map[string]any {
	out := map[string]any{"channels": d.tuners.Len()}
	for _, st := range d.pools.Stats() {
		out["pool."+st.Name+".used"] = st.Used
		out["pool."+st.Name+".high_water_mark"] = st.HighWaterMark
		out["pool."+st.Name+".failed_allocations"] = st.FailedAllocations
	}
	return out
}

// OnReload implements api.Control.
func (d *Dataplane) OnReload(fn func()) {
	d.store.OnReload(func(_, _ control.Config) { fn() })
}

// RegisterDebugProbe implements api.Control.
func (d *Dataplane) RegisterDebugProbe(name string, fn func() any) {
	d.debug.RegisterProbe(name, fn)
}

// Shutdown implements api.GracefulShutdown. Blocked readers are woken with
// NoSuchChannel; pools still held by in-flight calls are reported busy and
// Shutdown may be retried once they return.
func (d *Dataplane) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	err := errors.Join(d.tuners.Close(), d.pools.Close())
	if err != nil {
		log.L.WithError(err).Warn("dataplane shutdown incomplete")
		return err
	}
	d.closed = true
	log.L.Info("dataplane shut down")
	return nil
}
