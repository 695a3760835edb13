// File: tuner/sink.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Sink accumulates datagrams for one channel and hands them to at most one
// parked reader. All state is guarded by mu; the producer's
// check-copy-wake and the reader's drain-register are each a single
// critical section on it. fwdMu orders calls into an attached Forwarder
// and is always taken before mu.

package tuner

import (
	"sync"
	"sync/atomic"

	"github.com/containerd/log"
	"github.com/eapache/queue"

	"github.com/momentics/hioload-tuner/api"
	"github.com/momentics/hioload-tuner/pool"
)

// Delivery reports what happened to a delivered datagram.
type Delivery int

const (
	Dropped Delivery = iota
	Queued
	Direct
	Forwarded
)

func (d Delivery) String() string {
	switch d {
	case Dropped:
		return "dropped"
	case Queued:
		return "queued"
	case Direct:
		return "direct"
	case Forwarded:
		return "forwarded"
	default:
		return "unknown"
	}
}

// Forwarder takes over a channel's output. While one is attached Read on
// the channel fails with Internal. Forward runs without registry or sink
// locks held, one call at a time per channel, and must not deliver to the
// channel it serves.
type Forwarder interface {
	Forward(payload []byte, flags api.Flags) error
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(payload []byte, flags api.Flags) error

// Forward calls f.
func (f ForwarderFunc) Forward(payload []byte, flags api.Flags) error { return f(payload, flags) }

// datagram is a queued record. Markers without payload carry no block.
type datagram struct {
	block *pool.Elem[pool.Block]
	n     int
	flags api.Flags

	elem *pool.Elem[datagram]
}

func (d *datagram) payload() []byte {
	if d.block == nil {
		return nil
	}
	return d.block.Value[:d.n]
}

func resetDatagram(d *datagram) { *d = datagram{} }

// Sink is the per-channel accumulator.
type Sink struct {
	fwdMu       sync.Mutex
	mu          sync.Mutex
	gen         uint64
	refs        atomic.Int32
	queue       *queue.Queue
	queuedBytes int
	waiter      *Waiter
	fwd         Forwarder
	closed      bool
	disabled    bool

	delivered uint64
	direct    uint64
	forwarded uint64
	dropped   uint64
	reads     uint64
	wakeups   uint64

	reg  *Registry
	elem *pool.Elem[Sink]
}

func initSink(s *Sink) {
	if s.queue == nil {
		s.queue = queue.New()
	}
}

// resetSink keeps the (drained) queue for the next user of the element.
func resetSink(s *Sink) {
	q := s.queue
	s.gen = 0
	s.refs.Store(0)
	s.queuedBytes = 0
	s.waiter = nil
	s.fwd = nil
	s.closed = false
	s.disabled = false
	s.delivered, s.direct, s.forwarded = 0, 0, 0
	s.dropped, s.reads, s.wakeups = 0, 0, 0
	s.reg = nil
	s.elem = nil
	s.queue = q
}

// Stats returns a counter snapshot.
func (s *Sink) Stats() api.SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := api.WaiterIdle
	if s.waiter != nil {
		state = s.waiter.state
	}
	return api.SinkStats{
		Queued:      s.queue.Length(),
		QueuedBytes: s.queuedBytes,
		Delivered:   s.delivered,
		Direct:      s.direct,
		Forwarded:   s.forwarded,
		Dropped:     s.dropped,
		Reads:       s.reads,
		Wakeups:     s.wakeups,
		Waiting:     s.waiter != nil,
		Waiter:      state,
	}
}

// deliver is the producer side of the hand-off.
func (s *Sink) deliver(payload []byte, flags api.Flags) (Delivery, error) {
	s.mu.Lock()
	if s.fwd != nil {
		s.mu.Unlock()
		return s.forward(payload, flags)
	}
	defer s.mu.Unlock()
	return s.deliverLocked(payload, flags)
}

// forward hands payload to the attached forwarder outside mu. If the
// forwarder went away meanwhile the datagram takes the normal path.
func (s *Sink) forward(payload []byte, flags api.Flags) (Delivery, error) {
	s.fwdMu.Lock()
	defer s.fwdMu.Unlock()

	s.mu.Lock()
	fwd := s.fwd
	if fwd == nil || s.closed || s.disabled {
		defer s.mu.Unlock()
		return s.deliverLocked(payload, flags)
	}
	s.mu.Unlock()

	err := fwd.Forward(payload, flags)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.dropped++
		return Dropped, err
	}
	s.delivered++
	s.forwarded++
	return Forwarded, nil
}

func (s *Sink) deliverLocked(payload []byte, flags api.Flags) (Delivery, error) {
	switch {
	case s.closed:
		return Dropped, api.ErrNoSuchChannel
	case s.disabled:
		s.dropped++
		return Dropped, api.ErrNoSuchStream
	}

	// Queued data always precedes direct copies.
	if w := s.waiter; w != nil && w.accepting() && s.queue.Length() == 0 {
		w.accept(payload, flags)
		s.delivered++
		s.direct++
		s.wakeups++
		w.notify()
		return Direct, nil
	}

	// A marker may take one slot beyond MaxQueued.
	limit := s.reg.Limits().MaxQueued
	if flags.Has(api.FlagOutOfBand) {
		limit++
	}
	if s.queue.Length() >= limit {
		s.dropped++
		return Dropped, api.NewError(api.ErrCodeResourceExhausted, api.ErrExhausted).
			WithContext("max_queued", limit)
	}
	d, err := s.reg.newDatagram(payload, flags)
	if err != nil {
		s.dropped++
		return Dropped, err
	}
	s.queue.Add(d)
	s.queuedBytes += d.n
	s.delivered++
	return Queued, nil
}

// drainLocked copies queued datagrams into f in arrival order, stopping
// after a marker.
func (s *Sink) drainLocked(f *fill) {
	for f.accepting() && s.queue.Length() > 0 {
		d := s.queue.Remove().(*datagram)
		s.queuedBytes -= d.n
		f.accept(d.payload(), d.flags)
		s.reg.releaseDatagram(d)
	}
}

// discardLocked empties the queue.
func (s *Sink) discardLocked() int {
	n := s.queue.Length()
	for s.queue.Length() > 0 {
		s.reg.releaseDatagram(s.queue.Remove().(*datagram))
	}
	s.queuedBytes = 0
	return n
}

func (s *Sink) wakeLocked() {
	if s.waiter != nil {
		s.wakeups++
		s.waiter.notify()
	}
}

// shutdown detaches the sink from its channel. Called with the registry
// lock held.
func (s *Sink) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.wakeLocked()
	s.mu.Unlock()
}

func (s *Sink) disable() {
	s.mu.Lock()
	s.disabled = true
	s.wakeLocked()
	s.mu.Unlock()
}

// attach installs fwd and flushes the queue to it in arrival order.
// Producers arriving meanwhile wait on fwdMu, so they follow the flush.
func (s *Sink) attach(fwd Forwarder) error {
	s.fwdMu.Lock()
	defer s.fwdMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return api.ErrNoSuchChannel
	}
	if s.fwd != nil {
		s.mu.Unlock()
		return api.NewError(api.ErrCodeBusy, api.ErrBusy).WithContext("reason", "forwarder attached")
	}
	s.fwd = fwd
	pending := make([]*datagram, 0, s.queue.Length())
	for s.queue.Length() > 0 {
		d := s.queue.Remove().(*datagram)
		s.queuedBytes -= d.n
		pending = append(pending, d)
	}
	s.wakeLocked()
	s.mu.Unlock()

	var forwarded, dropped uint64
	for _, d := range pending {
		if err := fwd.Forward(d.payload(), d.flags); err != nil {
			dropped++
			log.L.WithError(err).Debug("forward of queued datagram failed")
		} else {
			forwarded++
		}
		s.reg.releaseDatagram(d)
	}

	s.mu.Lock()
	s.forwarded += forwarded
	s.dropped += dropped
	s.mu.Unlock()
	return nil
}

func (s *Sink) detach() {
	s.mu.Lock()
	s.fwd = nil
	s.mu.Unlock()
}

// unref drops one reference; the last one returns the sink to its pool.
func (s *Sink) unref() {
	if s.refs.Add(-1) == 0 {
		s.reg.releaseSink(s)
	}
}
