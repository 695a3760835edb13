// File: tuner/read.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tuner

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/log"

	"github.com/momentics/hioload-tuner/api"
)

// Read drains datagrams of channel id into bufs, one datagram per buffer.
//
// timeout 0 returns after draining what is queued; a positive timeout
// (capped at Limits.MaxTimeout) bounds the wait; Infinite or any negative
// value waits until the buffers fill, a marker arrives or ctx is done.
// An out-of-band marker always ends the call and is the sole content of
// the buffer it lands in.
//
// The returned count covers everything copied before the call stopped,
// also when an error is returned. api.StatusOf classifies the error.
func (r *Registry) Read(ctx context.Context, id api.ChannelID, bufs []api.IoBuffer, timeout time.Duration) (int, error) {
	if len(bufs) == 0 || !r.validID(id) {
		return 0, api.NewError(api.ErrCodeInvalidArgument, api.ErrInvalidArgs).
			WithContext("channel", id).
			WithContext("buffers", len(bufs))
	}
	for i := range bufs {
		if len(bufs[i].Data) == 0 {
			return 0, api.NewError(api.ErrCodeInvalidArgument, api.ErrInvalidArgs).
				WithContext("channel", id).
				WithContext("buffer", i)
		}
	}

	lim := r.Limits()
	if len(bufs) > lim.MaxBuffers {
		bufs = bufs[:lim.MaxBuffers]
	}
	for i := range bufs {
		bufs[i].Reset()
	}
	timeout = lim.clampTimeout(timeout)

	s, gen, err := r.resolve(id)
	if err != nil {
		return 0, err
	}
	defer s.unref()

	f := fill{bufs: bufs}

	s.mu.Lock()
	s.reads++
	if s.fwd != nil {
		s.mu.Unlock()
		return 0, api.NewError(api.ErrCodeInternal, api.ErrInternal).
			WithContext("channel", id).
			WithContext("reason", "output claimed by forwarder")
	}
	if timeout != 0 && s.waiter != nil {
		s.mu.Unlock()
		return 0, api.NewError(api.ErrCodeInternal, api.ErrInternal).
			WithContext("channel", id).
			WithContext("reason", "concurrent blocking read")
	}
	s.drainLocked(&f)
	if timeout == 0 || !f.accepting() {
		s.mu.Unlock()
		return f.bytes, nil
	}
	if s.closed {
		s.mu.Unlock()
		return f.bytes, api.ErrNoSuchChannel
	}
	if s.disabled {
		s.mu.Unlock()
		return f.bytes, api.ErrNoSuchStream
	}

	we, err := r.waiters.Acquire()
	if err != nil {
		s.mu.Unlock()
		return f.bytes, fmt.Errorf("%w: waiter: %w", api.ErrInternal, err)
	}
	w := &we.Value
	w.elem = we
	w.fill = f
	w.state = api.WaiterRegistered
	s.waiter = w
	s.mu.Unlock()

	err = r.wait(ctx, id, gen, s, w, timeout)

	s.mu.Lock()
	if s.waiter == w {
		s.waiter = nil
	}
	n := w.bytes
	w.state = api.WaiterDeregistered
	s.mu.Unlock()

	if rerr := r.waiters.Release(we); rerr != nil {
		log.G(ctx).WithError(rerr).Warn("release waiter")
	}
	return n, err
}

// wait parks until w stops accepting, the deadline passes, ctx is done or
// the channel changes under the reader. The deadline is fixed on entry so
// spurious wakeups do not extend it.
func (r *Registry) wait(ctx context.Context, id api.ChannelID, gen uint64, s *Sink, w *Waiter, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		var expired, cancelled bool
		select {
		case <-w.wake:
		case <-deadline:
			expired = true
		case <-ctx.Done():
			cancelled = true
		}

		s.mu.Lock()
		done := !w.accepting()
		stream := s.disabled || s.fwd != nil
		switch {
		case done:
			w.state = api.WaiterWoken
		case expired:
			w.state = api.WaiterTimedOut
		case cancelled:
			w.state = api.WaiterCancelled
		}
		s.mu.Unlock()

		switch {
		case done, expired:
			return nil
		case cancelled:
			return fmt.Errorf("%w: %w", api.ErrInterrupted, ctx.Err())
		}

		if err := r.verify(id, gen, s); err != nil {
			log.G(ctx).WithField("channel", id).Debug("channel changed under blocked reader")
			return err
		}
		if stream {
			return api.NewError(api.ErrCodeNotFound, api.ErrNoSuchStream).WithContext("channel", id)
		}
	}
}
