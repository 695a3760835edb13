// File: tuner/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tuner

import (
	"time"

	"github.com/momentics/hioload-tuner/api"
)

// Infinite requests an unbounded blocking read.
const Infinite time.Duration = -1

// Limits are the read-path ceilings. They may be swapped at runtime.
type Limits struct {
	MaxBuffers int           // buffers honoured per read call
	MaxTimeout time.Duration // ceiling for bounded waits
	MaxQueued  int           // datagrams queued per sink without a reader
}

// Validate checks that every limit is positive.
func (l Limits) Validate() error {
	if l.MaxBuffers <= 0 || l.MaxTimeout <= 0 || l.MaxQueued <= 0 {
		return api.NewError(api.ErrCodeInvalidArgument, api.ErrInvalidArgs).
			WithContext("max_buffers", l.MaxBuffers).
			WithContext("max_timeout", l.MaxTimeout).
			WithContext("max_queued", l.MaxQueued)
	}
	return nil
}

// clampTimeout maps a caller timeout onto the three wait classes.
func (l Limits) clampTimeout(t time.Duration) time.Duration {
	switch {
	case t < 0:
		return Infinite
	case t > l.MaxTimeout:
		return l.MaxTimeout
	default:
		return t
	}
}

// PoolSizes bounds the pools a Registry allocates its objects from.
type PoolSizes struct {
	Channels  int
	Sinks     int
	Waiters   int
	Datagrams int
}

// Options configures a Registry.
type Options struct {
	// Name prefixes the registry's pool names.
	Name         string
	MaxChannels  int
	DatagramSize int
	Limits       Limits
	Pools        PoolSizes
}

// DefaultOptions returns settings sized for a few dozen tuners carrying
// MPEG-TS over UDP (7 x 188 byte packets per datagram).
func DefaultOptions() Options {
	return Options{
		Name:         "tuner",
		MaxChannels:  64,
		DatagramSize: 1316,
		Limits: Limits{
			MaxBuffers: 64,
			MaxTimeout: 10 * time.Second,
			MaxQueued:  256,
		},
		Pools: PoolSizes{
			Channels:  64,
			Sinks:     128,
			Waiters:   64,
			Datagrams: 8192,
		},
	}
}

func (o Options) validate() error {
	if o.Name == "" || o.MaxChannels <= 0 || o.DatagramSize <= 0 ||
		o.Pools.Channels <= 0 || o.Pools.Sinks <= 0 || o.Pools.Waiters <= 0 || o.Pools.Datagrams <= 0 {
		return api.NewError(api.ErrCodeInvalidArgument, api.ErrInvalidArgs).
			WithContext("name", o.Name).
			WithContext("max_channels", o.MaxChannels).
			WithContext("datagram_size", o.DatagramSize)
	}
	return o.Limits.Validate()
}
