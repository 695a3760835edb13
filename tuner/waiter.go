// File: tuner/waiter.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tuner

import (
	"github.com/momentics/hioload-tuner/api"
	"github.com/momentics/hioload-tuner/pool"
)

// fill tracks progress through the caller's buffers. One datagram occupies
// one buffer.
type fill struct {
	bufs   []api.IoBuffer
	cursor int
	bytes  int
	marker bool
}

// accepting reports whether another datagram may be copied in.
func (f *fill) accepting() bool {
	return !f.marker && f.cursor < len(f.bufs)
}

func (f *fill) accept(payload []byte, flags api.Flags) {
	f.bytes += f.bufs[f.cursor].Fill(payload, flags)
	f.cursor++
	if flags.Has(api.FlagOutOfBand) {
		f.marker = true
	}
}

// Waiter is a reader parked on a Sink. Its fill is only touched under the
// sink lock once registered.
type Waiter struct {
	fill
	state api.WaiterState
	wake  chan struct{}

	elem *pool.Elem[Waiter]
}

// notify never blocks; pending wakeups coalesce.
func (w *Waiter) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func initWaiter(w *Waiter) {
	if w.wake == nil {
		w.wake = make(chan struct{}, 1)
	}
	w.state = api.WaiterIdle
}

// resetWaiter drops the borrowed buffers and any stale wakeup.
func resetWaiter(w *Waiter) {
	wake := w.wake
	if wake != nil {
		select {
		case <-wake:
		default:
		}
	}
	*w = Waiter{wake: wake}
}
