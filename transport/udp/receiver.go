// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package udp

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/containerd/log"

	"github.com/momentics/hioload-tuner/affinity"
	"github.com/momentics/hioload-tuner/api"
	"github.com/momentics/hioload-tuner/pool"
	"github.com/momentics/hioload-tuner/tuner"
)

// Deliverer accepts datagrams for a channel. *tuner.Registry implements it.
type Deliverer interface {
	Deliver(id api.ChannelID, payload []byte, flags api.Flags) (tuner.Delivery, error)
}

var _ Deliverer = (*tuner.Registry)(nil)

// Stats counts receiver activity.
type Stats struct {
	Received uint64
	Bytes    uint64
	Dropped  uint64
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithCPU pins the receive loop to one CPU. A failed pin is logged and
// the loop runs unpinned.
func WithCPU(cpu int) Option {
	return func(r *Receiver) { r.cpu = cpu }
}

// Receiver pumps datagrams from a PacketConn into one channel.
type Receiver struct {
	conn net.PacketConn
	dst  Deliverer
	id   api.ChannelID
	rx   *pool.Pool[pool.Block]
	cpu  int

	received atomic.Uint64
	bytes    atomic.Uint64
	dropped  atomic.Uint64
}

// NewReceiver binds conn to channel id. Each Run borrows one receive block
// from rx for its lifetime.
func NewReceiver(conn net.PacketConn, dst Deliverer, id api.ChannelID, rx *pool.Pool[pool.Block], opts ...Option) (*Receiver, error) {
	if conn == nil || dst == nil || rx == nil || id == api.AnyChannel {
		return nil, api.ErrInvalidArgs
	}
	r := &Receiver{conn: conn, dst: dst, id: id, rx: rx, cpu: -1}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Channel returns the channel the receiver delivers to.
func (r *Receiver) Channel() api.ChannelID { return r.id }

// Addr returns the local socket address.
func (r *Receiver) Addr() net.Addr { return r.conn.LocalAddr() }

// Mark delivers an out-of-band marker, ending the current read early.
func (r *Receiver) Mark() error {
	_, err := r.dst.Deliver(r.id, nil, api.FlagOutOfBand)
	return err
}

// Stats returns a counter snapshot.
func (r *Receiver) Stats() Stats {
	return Stats{
		Received: r.received.Load(),
		Bytes:    r.bytes.Load(),
		Dropped:  r.dropped.Load(),
	}
}

// Run reads until ctx is done or the socket fails. Losing the channel ends
// the loop with ErrNoSuchChannel; other delivery failures drop the datagram.
func (r *Receiver) Run(ctx context.Context) error {
	buf, err := r.rx.Acquire()
	if err != nil {
		return err
	}
	defer func() {
		if err := r.rx.Release(buf); err != nil {
			log.G(ctx).WithError(err).Warn("release receive block")
		}
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = r.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	logger := log.G(ctx).WithFields(log.Fields{"channel": r.id, "addr": r.conn.LocalAddr().String()})
	if r.cpu >= 0 {
		if unpin, err := affinity.Pin(r.cpu); err != nil {
			logger.WithError(err).Warn("receiver not pinned")
		} else {
			defer unpin()
		}
	}
	logger.Debug("udp receiver started")
	for {
		n, _, err := r.conn.ReadFrom(buf.Value)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Debug("udp receiver stopped")
				return nil
			}
			return err
		}
		r.received.Add(1)
		r.bytes.Add(uint64(n))

		if _, err := r.dst.Deliver(r.id, buf.Value[:n], 0); err != nil {
			if errors.Is(err, api.ErrNoSuchChannel) {
				return err
			}
			r.dropped.Add(1)
			logger.WithError(err).Trace("datagram dropped")
		}
	}
}
