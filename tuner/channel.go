// File: tuner/channel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tuner

import (
	"github.com/momentics/hioload-tuner/api"
	"github.com/momentics/hioload-tuner/pool"
)

// Channel binds a tuner id to its Sink.
type Channel struct {
	id   api.ChannelID
	gen  uint64
	sink *Sink

	elem *pool.Elem[Channel]
}

// ID returns the channel id.
func (c *Channel) ID() api.ChannelID { return c.id }

// Generation distinguishes successive bindings of the same id.
func (c *Channel) Generation() uint64 { return c.gen }

// Stats returns the counters of the channel's current sink.
func (c *Channel) Stats() api.SinkStats {
	if c.sink == nil {
		return api.SinkStats{}
	}
	return c.sink.Stats()
}

func resetChannel(c *Channel) { *c = Channel{} }
