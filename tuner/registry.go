// File: tuner/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Registry maps small stable channel ids to Channels and owns the pools every
// channel, sink, waiter and queued datagram is allocated from.
//
// Lock order: Registry.mu may be held while taking a Sink lock, never the
// reverse. Pool locks are leaves.

package tuner

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/containerd/log"

	"github.com/momentics/hioload-tuner/api"
	"github.com/momentics/hioload-tuner/pool"
)

// Registry is the channel table of one dataplane instance.
type Registry struct {
	name string

	mu     sync.RWMutex
	table  []*Channel // slot id-1
	bound  int
	gen    uint64
	closed bool

	limits atomic.Pointer[Limits]

	datagramSize int
	channels     *pool.Pool[Channel]
	sinks        *pool.Pool[Sink]
	waiters      *pool.Pool[Waiter]
	descriptors  *pool.Pool[datagram]
	blocks       *pool.Pool[pool.Block]
}

// NewRegistry creates a registry and its pools inside m.
func NewRegistry(m *pool.Manager, opts Options) (*Registry, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		name:         opts.Name,
		table:        make([]*Channel, opts.MaxChannels),
		datagramSize: opts.DatagramSize,
	}
	lim := opts.Limits
	r.limits.Store(&lim)

	var created []api.PoolHandle
	fail := func(err error) (*Registry, error) {
		for _, h := range created {
			_ = h.Destroy()
		}
		return nil, err
	}

	var err error
	if r.channels, err = pool.Create(m, pool.Options[Channel]{
		Name:        opts.Name + ".channel",
		ElementSize: pool.SizeOf[Channel](),
		Capacity:    opts.Pools.Channels,
		Dtor:        resetChannel,
	}); err != nil {
		return fail(err)
	}
	created = append(created, r.channels)

	if r.sinks, err = pool.Create(m, pool.Options[Sink]{
		Name:        opts.Name + ".sink",
		ElementSize: pool.SizeOf[Sink](),
		Capacity:    opts.Pools.Sinks,
		Ctor:        initSink,
		Dtor:        resetSink,
	}); err != nil {
		return fail(err)
	}
	created = append(created, r.sinks)

	if r.waiters, err = pool.Create(m, pool.Options[Waiter]{
		Name:        opts.Name + ".waiter",
		ElementSize: pool.SizeOf[Waiter](),
		Capacity:    opts.Pools.Waiters,
		Ctor:        initWaiter,
		Dtor:        resetWaiter,
	}); err != nil {
		return fail(err)
	}
	created = append(created, r.waiters)

	if r.descriptors, err = pool.Create(m, pool.Options[datagram]{
		Name:        opts.Name + ".descriptor",
		ElementSize: pool.SizeOf[datagram](),
		Capacity:    opts.Pools.Datagrams,
		Dtor:        resetDatagram,
	}); err != nil {
		return fail(err)
	}
	created = append(created, r.descriptors)

	if r.blocks, err = pool.CreateBlocks(m, opts.Name+".datagram", opts.DatagramSize, opts.Pools.Datagrams, nil, nil); err != nil {
		return fail(err)
	}

	log.L.WithFields(log.Fields{
		"registry":     opts.Name,
		"max_channels": opts.MaxChannels,
		"datagram":     opts.DatagramSize,
	}).Debug("tuner registry created")
	return r, nil
}

// Limits returns the current read-path limits.
func (r *Registry) Limits() Limits { return *r.limits.Load() }

// SetLimits swaps the read-path limits; in-flight reads keep the old ones.
func (r *Registry) SetLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	r.limits.Store(&l)
	return nil
}

// MaxChannels returns the size of the id space.
func (r *Registry) MaxChannels() int { return len(r.table) }

func (r *Registry) validID(id api.ChannelID) bool {
	return id >= 1 && int(id) <= len(r.table)
}

func (r *Registry) nextGenLocked() uint64 {
	r.gen++
	return r.gen
}

// Bind creates an empty channel. AnyChannel allocates the lowest free id.
func (r *Registry) Bind(id api.ChannelID) (api.ChannelID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, api.ErrPoolClosed
	}
	if id == api.AnyChannel {
		for i, ch := range r.table {
			if ch == nil {
				id = api.ChannelID(i + 1)
				break
			}
		}
		if id == api.AnyChannel {
			return 0, api.NewError(api.ErrCodeResourceExhausted, api.ErrExhausted).
				WithContext("max_channels", len(r.table))
		}
	} else {
		if !r.validID(id) {
			return 0, api.NewError(api.ErrCodeInvalidArgument, api.ErrInvalidArgs).WithContext("channel", id)
		}
		if r.table[id-1] != nil {
			return 0, api.NewError(api.ErrCodeAlreadyExists, api.ErrAlreadyBound).WithContext("channel", id)
		}
	}

	ce, err := r.channels.Acquire()
	if err != nil {
		return 0, fmt.Errorf("bind channel %d: %w", id, err)
	}
	s, err := r.newSinkLocked()
	if err != nil {
		_ = r.channels.Release(ce)
		return 0, fmt.Errorf("bind channel %d: %w", id, err)
	}
	ch := &ce.Value
	ch.id = id
	ch.gen = r.nextGenLocked()
	ch.sink = s
	ch.elem = ce
	r.table[id-1] = ch
	r.bound++

	log.L.WithFields(log.Fields{"channel": id, "gen": ch.gen}).Debug("channel bound")
	return id, nil
}

func (r *Registry) newSinkLocked() (*Sink, error) {
	e, err := r.sinks.Acquire()
	if err != nil {
		return nil, err
	}
	s := &e.Value
	s.elem = e
	s.reg = r
	s.gen = r.nextGenLocked()
	s.refs.Store(1)
	return s, nil
}

func (r *Registry) lookupLocked(id api.ChannelID) (*Channel, error) {
	if !r.validID(id) || r.table[id-1] == nil {
		return nil, api.NewError(api.ErrCodeNotFound, api.ErrNoSuchChannel).WithContext("channel", id)
	}
	return r.table[id-1], nil
}

// Lookup resolves id in O(1). The returned Channel is valid until the id
// is unbound.
func (r *Registry) Lookup(id api.ChannelID) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(id)
}

// Unbind tears down the channel and its sink. A reader blocked on the
// channel is woken and reports NoSuchChannel; Unbind does not wait for it.
func (r *Registry) Unbind(id api.ChannelID) error {
	r.mu.Lock()
	ch, err := r.lookupLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	s := ch.sink
	r.table[id-1] = nil
	r.bound--
	s.shutdown()
	gen := ch.gen
	_ = r.channels.Release(ch.elem)
	r.mu.Unlock()

	s.unref()
	log.L.WithFields(log.Fields{"channel": id, "gen": gen}).Debug("channel unbound")
	return nil
}

// Rebind replaces the channel's sink with a fresh one. Queued data is
// discarded and a blocked reader reports NoSuchChannel.
func (r *Registry) Rebind(id api.ChannelID) error {
	r.mu.Lock()
	ch, err := r.lookupLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	ns, err := r.newSinkLocked()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("rebind channel %d: %w", id, err)
	}
	old := ch.sink
	ch.sink = ns
	old.shutdown()
	r.mu.Unlock()

	old.unref()
	log.L.WithField("channel", id).Debug("channel rebound")
	return nil
}

// Len returns the number of bound channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bound
}

// Range calls fn for every bound channel in id order until fn returns false.
// fn must not call back into the registry.
func (r *Registry) Range(fn func(*Channel) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.table {
		if ch != nil && !fn(ch) {
			return
		}
	}
}

// Stats returns the delivery counters of one channel.
func (r *Registry) Stats(id api.ChannelID) (api.SinkStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, err := r.lookupLocked(id)
	if err != nil {
		return api.SinkStats{}, err
	}
	return ch.sink.Stats(), nil
}

// Deliver is the producer entry point: it hands one datagram to the sink
// of channel id. The registry lock is not held while the sink runs, so a
// slow forwarder does not hold up Unbind or Rebind.
func (r *Registry) Deliver(id api.ChannelID, payload []byte, flags api.Flags) (Delivery, error) {
	for {
		s, _, err := r.resolve(id)
		if err != nil {
			return Dropped, err
		}
		d, err := s.deliver(payload, flags)
		s.unref()
		if errors.Is(err, api.ErrNoSuchChannel) && r.replaced(id, s) {
			continue
		}
		return d, err
	}
}

// replaced reports whether id is still bound but no longer to s.
func (r *Registry) replaced(id api.ChannelID, s *Sink) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, err := r.lookupLocked(id)
	return err == nil && ch.sink != s
}

// Disable marks the channel's sink unusable; readers report NoSuchStream.
func (r *Registry) Disable(id api.ChannelID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	ch.sink.disable()
	return nil
}

// Attach switches the channel to forwarding mode. Queued datagrams are
// flushed to fwd first; Read fails with Internal until Detach.
func (r *Registry) Attach(id api.ChannelID, fwd Forwarder) error {
	if fwd == nil {
		return api.ErrInvalidArgs
	}
	s, _, err := r.resolve(id)
	if err != nil {
		return err
	}
	defer s.unref()
	return s.attach(fwd)
}

// Detach returns the channel to reader mode.
func (r *Registry) Detach(id api.ChannelID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	ch.sink.detach()
	return nil
}

// resolve pins the sink of id until the caller calls unref.
func (r *Registry) resolve(id api.ChannelID) (*Sink, uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, err := r.lookupLocked(id)
	if err != nil {
		return nil, 0, err
	}
	if ch.sink == nil {
		return nil, 0, api.NewError(api.ErrCodeInternal, api.ErrInternal).
			WithContext("channel", id).
			WithContext("reason", "channel has no sink")
	}
	ch.sink.refs.Add(1)
	return ch.sink, ch.gen, nil
}

// verify re-resolves id and checks it still names the same channel and
// sink a reader started on.
func (r *Registry) verify(id api.ChannelID, gen uint64, s *Sink) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	if ch.gen != gen || ch.sink != s {
		return api.NewError(api.ErrCodeNotFound, api.ErrNoSuchChannel).
			WithContext("channel", id).
			WithContext("reason", "rebound")
	}
	return nil
}

// Close unbinds every channel and destroys the registry's pools. Pools
// still referenced by in-flight reads are reported as busy.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var ids []api.ChannelID
	for _, ch := range r.table {
		if ch != nil {
			ids = append(ids, ch.id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Unbind(id)
	}

	var errs []error
	for _, h := range []api.PoolHandle{r.waiters, r.sinks, r.channels, r.descriptors, r.blocks} {
		if err := h.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newDatagram copies payload into pooled storage, truncating it to the
// datagram size.
func (r *Registry) newDatagram(payload []byte, flags api.Flags) (*datagram, error) {
	de, err := r.descriptors.Acquire()
	if err != nil {
		return nil, err
	}
	d := &de.Value
	d.elem = de
	d.flags = flags
	if len(payload) == 0 {
		return d, nil
	}
	be, err := r.blocks.Acquire()
	if err != nil {
		_ = r.descriptors.Release(de)
		return nil, err
	}
	d.block = be
	d.n = copy(be.Value, payload)
	if d.n < len(payload) {
		d.flags |= api.FlagTruncated
	}
	return d, nil
}

func (r *Registry) releaseDatagram(d *datagram) {
	if d.block != nil {
		if err := r.blocks.Release(d.block); err != nil {
			log.L.WithError(err).Warn("release datagram block")
		}
	}
	if err := r.descriptors.Release(d.elem); err != nil {
		log.L.WithError(err).Warn("release datagram descriptor")
	}
}

// releaseSink runs once the last reference to s is gone.
func (r *Registry) releaseSink(s *Sink) {
	s.mu.Lock()
	if n := s.discardLocked(); n > 0 {
		log.L.WithFields(log.Fields{"sink": s.gen, "datagrams": n}).Debug("discarded queued datagrams")
	}
	e := s.elem
	s.mu.Unlock()
	if err := r.sinks.Release(e); err != nil {
		log.L.WithError(err).Warn("release sink")
	}
}

// Name returns the prefix of the registry's pools.
func (r *Registry) Name() string { return r.name }

// DatagramSize returns the largest payload kept for a queued datagram.
func (r *Registry) DatagramSize() int { return r.datagramSize }
