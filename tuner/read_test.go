package tuner_test

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-tuner/api"
	"github.com/momentics/hioload-tuner/tuner"
)

func TestReadValidation(t *testing.T) {
	r, _ := newRegistry(t, testOptions())
	id := bind(t, r)
	ctx := context.Background()

	tests := []struct {
		name string
		id   api.ChannelID
		bufs []api.IoBuffer
	}{
		{"no buffers", id, nil},
		{"zero id", 0, api.NewIoBuffers(1, 8)},
		{"id out of range", 99, api.NewIoBuffers(1, 8)},
		{"zero capacity buffer", id, []api.IoBuffer{{Data: make([]byte, 8)}, {}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := r.Read(ctx, tt.id, tt.bufs, 0)
			require.ErrorIs(t, err, api.ErrInvalidArgs)
			assert.Equal(t, api.StatusInvalidArgs, api.StatusOf(err))
			assert.Zero(t, n)
		})
	}

	_, err := r.Read(ctx, 3, api.NewIoBuffers(1, 8), 0)
	assert.Equal(t, api.StatusNoSuchChannel, api.StatusOf(err))
}

func TestReadNonBlockingDrainsQueue(t *testing.T) {
	r, _ := newRegistry(t, testOptions())
	id := bind(t, r)
	deliver(t, r, id, "first", 0)
	deliver(t, r, id, "second!", 0)

	bufs := api.NewIoBuffers(4, 16)
	bufs[2].Data[0] = 0x5A
	bufs[3].Len, bufs[3].Flags = 9, api.FlagTruncated

	n, err := r.Read(context.Background(), id, bufs, 0)
	require.NoError(t, err)
	assert.Equal(t, len("first")+len("second!"), n)
	assert.Equal(t, "first", string(bufs[0].Bytes()))
	assert.Equal(t, "second!", string(bufs[1].Bytes()))

	assert.Zero(t, bufs[2].Len)
	assert.Equal(t, byte(0x5A), bufs[2].Data[0], "unused buffers are not written")
	assert.Zero(t, bufs[3].Len, "buffers are reset on entry")
	assert.Zero(t, bufs[3].Flags)

	n, err = r.Read(context.Background(), id, bufs, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReadBlocksUntilBuffersFill(t *testing.T) {
	r, _ := newRegistry(t, testOptions())
	id := bind(t, r)
	bufs := api.NewIoBuffers(4, 16)

	start := time.Now()
	done := make(chan result, 1)
	go func() {
		n, err := r.Read(context.Background(), id, bufs, 500*time.Millisecond)
		done <- result{n, err}
	}()

	waitParked(t, r, id)
	for _, p := range []string{"a", "bb", "ccc", "dddd"} {
		assert.Equal(t, tuner.Direct, deliver(t, r, id, p, 0))
	}

	res := <-done
	require.NoError(t, res.err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 10, res.n)
	assert.Equal(t, "dddd", string(bufs[3].Bytes()))

	st, err := r.Stats(id)
	require.NoError(t, err)
	assert.False(t, st.Waiting)
	assert.Equal(t, uint64(4), st.Direct)
}

func TestReadDrainsThenBlocks(t *testing.T) {
	r, _ := newRegistry(t, testOptions())
	id := bind(t, r)
	deliver(t, r, id, "q1", 0)
	bufs := api.NewIoBuffers(2, 16)

	done := make(chan result, 1)
	go func() {
		n, err := r.Read(context.Background(), id, bufs, tuner.Infinite)
		done <- result{n, err}
	}()
	waitParked(t, r, id)
	deliver(t, r, id, "d2", 0)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 4, res.n)
	assert.Equal(t, "q1", string(bufs[0].Bytes()))
	assert.Equal(t, "d2", string(bufs[1].Bytes()))
}

func TestReadMarkerForcesReturn(t *testing.T) {
	r, _ := newRegistry(t, testOptions())
	id := bind(t, r)
	bufs := api.NewIoBuffers(4, 16)

	done := make(chan result, 1)
	go func() {
		n, err := r.Read(context.Background(), id, bufs, time.Second)
		done <- result{n, err}
	}()
	waitParked(t, r, id)
	deliver(t, r, id, "data", 0)
	deliver(t, r, id, "", api.FlagOutOfBand)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 4, res.n)
	assert.False(t, bufs[0].Flags.Has(api.FlagOutOfBand))
	assert.True(t, bufs[1].Flags.Has(api.FlagOutOfBand))
	assert.Zero(t, bufs[1].Len)
	assert.Zero(t, bufs[2].Len)
	assert.Zero(t, bufs[3].Len)
}

func TestReadQueuedMarkerStopsDrain(t *testing.T) {
	r, _ := newRegistry(t, testOptions())
	id := bind(t, r)
	deliver(t, r, id, "a", 0)
	deliver(t, r, id, "mk", api.FlagOutOfBand)
	deliver(t, r, id, "b", 0)

	bufs := api.NewIoBuffers(4, 16)
	n, err := r.Read(context.Background(), id, bufs, tuner.Infinite)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "mk", string(bufs[1].Bytes()))
	assert.True(t, bufs[1].Flags.Has(api.FlagOutOfBand))
	assert.Zero(t, bufs[2].Len)

	n, err = r.Read(context.Background(), id, bufs, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "b", string(bufs[0].Bytes()))
}

func TestReadUnbindWakesReader(t *testing.T) {
	r, _ := newRegistry(t, testOptions())
	id := bind(t, r)
	bufs := api.NewIoBuffers(4, 16)

	done := make(chan result, 1)
	go func() {
		n, err := r.Read(context.Background(), id, bufs, tuner.Infinite)
		done <- result{n, err}
	}()
	waitParked(t, r, id)
	deliver(t, r, id, "partial", 0)
	require.NoError(t, r.Unbind(id))

	select {
	case res := <-done:
		require.ErrorIs(t, res.err, api.ErrNoSuchChannel)
		assert.Equal(t, api.StatusNoSuchChannel, api.StatusOf(res.err))
		assert.Equal(t, len("partial"), res.n)
	case <-time.After(2 * time.Second):
		t.Fatal("reader not woken by unbind")
	}
}

func TestReadRebindWakesReader(t *testing.T) {
	r, _ := newRegistry(t, testOptions())
	id := bind(t, r)

	done := make(chan result, 1)
	go func() {
		n, err := r.Read(context.Background(), id, api.NewIoBuffers(2, 16), tuner.Infinite)
		done <- result{n, err}
	}()
	waitParked(t, r, id)
	require.NoError(t, r.Rebind(id))

	res := <-done
	require.ErrorIs(t, res.err, api.ErrNoSuchChannel)
	assert.Zero(t, res.n)

	assert.Equal(t, tuner.Queued, deliver(t, r, id, "fresh", 0), "new sink accepts data")
}

func TestReadUnbindThenRebindSameID(t *testing.T) {
	r, _ := newRegistry(t, testOptions())
	id := bind(t, r)

	done := make(chan result, 1)
	go func() {
		n, err := r.Read(context.Background(), id, api.NewIoBuffers(2, 16), tuner.Infinite)
		done <- result{n, err}
	}()
	waitParked(t, r, id)
	require.NoError(t, r.Unbind(id))
	_, err := r.Bind(id)
	require.NoError(t, err)

	res := <-done
	require.ErrorIs(t, res.err, api.ErrNoSuchChannel)
}

func TestReadDisableReportsNoSuchStream(t *testing.T) {
	r, _ := newRegistry(t, testOptions())
	id := bind(t, r)

	done := make(chan result, 1)
	go func() {
		n, err := r.Read(context.Background(), id, api.NewIoBuffers(2, 16), tuner.Infinite)
		done <- result{n, err}
	}()
	waitParked(t, r, id)
	deliver(t, r, id, "x", 0)
	require.NoError(t, r.Disable(id))

	res := <-done
	require.ErrorIs(t, res.err, api.ErrNoSuchStream)
	assert.Equal(t, api.StatusNoSuchStream, api.StatusOf(res.err))
	assert.Equal(t, 1, res.n)

	_, err := r.Deliver(id, []byte("y"), 0)
	require.ErrorIs(t, err, api.ErrNoSuchStream)
	_, err = r.Read(context.Background(), id, api.NewIoBuffers(1, 16), time.Second)
	require.ErrorIs(t, err, api.ErrNoSuchStream)
}

func TestReadSecondBlockingReaderRejected(t *testing.T) {
	r, _ := newRegistry(t, testOptions())
	id := bind(t, r)
	bufs := api.NewIoBuffers(1, 16)

	done := make(chan result, 1)
	go func() {
		n, err := r.Read(context.Background(), id, bufs, tuner.Infinite)
		done <- result{n, err}
	}()
	waitParked(t, r, id)

	n, err := r.Read(context.Background(), id, api.NewIoBuffers(1, 16), time.Second)
	require.ErrorIs(t, err, api.ErrInternal)
	assert.Equal(t, api.StatusInternal, api.StatusOf(err))
	assert.True(t, errdefs.IsInternal(err))
	assert.Zero(t, n)

	st, err := r.Stats(id)
	require.NoError(t, err)
	assert.True(t, st.Waiting, "first reader stays registered")
	assert.Equal(t, api.WaiterRegistered, st.Waiter)

	deliver(t, r, id, "mine", 0)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "mine", string(bufs[0].Bytes()))
}

func TestReadTimeoutIsClamped(t *testing.T) {
	opts := testOptions()
	opts.Limits.MaxTimeout = 50 * time.Millisecond
	r, _ := newRegistry(t, opts)
	id := bind(t, r)

	measure := func(timeout time.Duration) time.Duration {
		start := time.Now()
		n, err := r.Read(context.Background(), id, api.NewIoBuffers(1, 16), timeout)
		require.NoError(t, err)
		assert.Zero(t, n)
		return time.Since(start)
	}
	atMax := measure(50 * time.Millisecond)
	above := measure(time.Hour)

	assert.GreaterOrEqual(t, above, 50*time.Millisecond)
	assert.Less(t, above, time.Second)
	assert.InDelta(t, atMax.Seconds(), above.Seconds(), 0.2)
}

func TestReadTimeoutKeepsPartialData(t *testing.T) {
	r, _ := newRegistry(t, testOptions())
	id := bind(t, r)
	deliver(t, r, id, "abc", 0)

	n, err := r.Read(context.Background(), id, api.NewIoBuffers(3, 16), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReadEarlyWakeupsKeepDeadline(t *testing.T) {
	const timeout = 200 * time.Millisecond
	r, _ := newRegistry(t, testOptions())
	id := bind(t, r)

	stop := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		tick := time.NewTicker(60 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return nil
			case <-tick.C:
				if _, err := r.Deliver(id, []byte("x"), 0); err != nil {
					return err
				}
			}
		}
	})

	start := time.Now()
	n, err := r.Read(context.Background(), id, api.NewIoBuffers(8, 16), timeout)
	elapsed := time.Since(start)
	close(stop)
	require.NoError(t, g.Wait())

	require.NoError(t, err)
	assert.Equal(t, api.StatusOK, api.StatusOf(err))
	assert.GreaterOrEqual(t, n, 2)
	assert.Less(t, n, 8)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+100*time.Millisecond, "wakeups must not extend the deadline")

	st, err := r.Stats(id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.Wakeups, uint64(2))
}

func TestReadCancellation(t *testing.T) {
	r, _ := newRegistry(t, testOptions())
	id := bind(t, r)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan result, 1)
	go func() {
		n, err := r.Read(ctx, id, api.NewIoBuffers(2, 16), tuner.Infinite)
		done <- result{n, err}
	}()
	waitParked(t, r, id)
	deliver(t, r, id, "12345", 0)
	cancel()

	res := <-done
	require.ErrorIs(t, res.err, api.ErrInterrupted)
	require.ErrorIs(t, res.err, context.Canceled)
	assert.Equal(t, api.StatusInterrupted, api.StatusOf(res.err))
	assert.Equal(t, 5, res.n)

	st, err := r.Stats(id)
	require.NoError(t, err)
	assert.False(t, st.Waiting, "waiter deregistered on cancel")

	assert.Equal(t, tuner.Queued, deliver(t, r, id, "later", 0))
}

func TestReadClampsBufferCount(t *testing.T) {
	opts := testOptions()
	opts.Limits.MaxBuffers = 2
	r, _ := newRegistry(t, opts)
	id := bind(t, r)
	for _, p := range []string{"1", "2", "3"} {
		deliver(t, r, id, p, 0)
	}

	bufs := api.NewIoBuffers(3, 8)
	n, err := r.Read(context.Background(), id, bufs, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, bufs[2].Len)

	st, err := r.Stats(id)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Queued)
}

func TestReadTruncation(t *testing.T) {
	opts := testOptions()
	opts.DatagramSize = 8
	r, _ := newRegistry(t, opts)
	id := bind(t, r)

	deliver(t, r, id, "0123456789", 0)
	bufs := api.NewIoBuffers(1, 16)
	n, err := r.Read(context.Background(), id, bufs, 0)
	require.NoError(t, err)
	assert.Equal(t, 8, n, "queued copy is cut to the datagram size")
	assert.True(t, bufs[0].Flags.Has(api.FlagTruncated))

	done := make(chan result, 1)
	small := api.NewIoBuffers(1, 4)
	go func() {
		n, err := r.Read(context.Background(), id, small, time.Second)
		done <- result{n, err}
	}()
	waitParked(t, r, id)
	deliver(t, r, id, "0123456789", 0)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 4, res.n)
	assert.Equal(t, "0123", string(small[0].Bytes()))
	assert.True(t, small[0].Flags.Has(api.FlagTruncated))
}

func TestReadWithForwarderAttached(t *testing.T) {
	r, _ := newRegistry(t, testOptions())
	id := bind(t, r)
	deliver(t, r, id, "queued", 0)

	var got []string
	fwd := tuner.ForwarderFunc(func(p []byte, _ api.Flags) error {
		got = append(got, string(p))
		return nil
	})

	n, err := r.Read(context.Background(), id, api.NewIoBuffers(4, 16), 0)
	require.NoError(t, err)
	assert.Equal(t, len("queued"), n)

	done := make(chan result, 1)
	go func() {
		n, err := r.Read(context.Background(), id, api.NewIoBuffers(4, 16), tuner.Infinite)
		done <- result{n, err}
	}()
	waitParked(t, r, id)
	require.NoError(t, r.Attach(id, fwd))
	res := <-done
	require.ErrorIs(t, res.err, api.ErrNoSuchStream)

	require.ErrorIs(t, r.Attach(id, fwd), api.ErrBusy)
	assert.Equal(t, tuner.Forwarded, deliver(t, r, id, "live", 0))
	assert.Equal(t, []string{"live"}, got)

	_, err = r.Read(context.Background(), id, api.NewIoBuffers(1, 16), 0)
	require.ErrorIs(t, err, api.ErrInternal)

	require.NoError(t, r.Detach(id))
	assert.Equal(t, tuner.Queued, deliver(t, r, id, "back", 0))
}

func TestAttachFlushesQueueInOrder(t *testing.T) {
	r, _ := newRegistry(t, testOptions())
	id := bind(t, r)
	deliver(t, r, id, "1", 0)
	deliver(t, r, id, "2", api.FlagOutOfBand)
	deliver(t, r, id, "3", 0)

	var got []string
	var flags []api.Flags
	require.NoError(t, r.Attach(id, tuner.ForwarderFunc(func(p []byte, f api.Flags) error {
		got = append(got, string(p))
		flags = append(flags, f)
		if string(p) == "3" {
			return errors.New("sink full")
		}
		return nil
	})))
	assert.Equal(t, []string{"1", "2", "3"}, got)
	assert.True(t, flags[1].Has(api.FlagOutOfBand))

	st, err := r.Stats(id)
	require.NoError(t, err)
	assert.Zero(t, st.Queued)
	assert.Equal(t, uint64(2), st.Forwarded)
	assert.Equal(t, uint64(1), st.Dropped)
}

func TestSlowForwarderDoesNotBlockUnbind(t *testing.T) {
	r, _ := newRegistry(t, testOptions())
	id := bind(t, r)

	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, r.Attach(id, tuner.ForwarderFunc(func([]byte, api.Flags) error {
		close(entered)
		<-release
		return nil
	})))

	delivered := make(chan tuner.Delivery, 1)
	go func() {
		d, _ := r.Deliver(id, []byte("slow"), 0)
		delivered <- d
	}()
	<-entered

	unbound := make(chan error, 1)
	go func() { unbound <- r.Unbind(id) }()
	select {
	case err := <-unbound:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Unbind waited for the forwarder")
	}

	close(release)
	assert.Equal(t, tuner.Forwarded, <-delivered)
	_, err := r.Deliver(id, []byte("late"), 0)
	require.ErrorIs(t, err, api.ErrNoSuchChannel)
}

func TestStatsTracksWaiterState(t *testing.T) {
	r, _ := newRegistry(t, testOptions())
	id := bind(t, r)

	st, err := r.Stats(id)
	require.NoError(t, err)
	assert.Equal(t, api.WaiterIdle, st.Waiter)

	done := make(chan result, 1)
	go func() {
		n, err := r.Read(context.Background(), id, api.NewIoBuffers(1, 16), tuner.Infinite)
		done <- result{n, err}
	}()
	waitParked(t, r, id)
	st, err = r.Stats(id)
	require.NoError(t, err)
	assert.Equal(t, api.WaiterRegistered, st.Waiter)

	deliver(t, r, id, "x", 0)
	require.NoError(t, (<-done).err)
	st, err = r.Stats(id)
	require.NoError(t, err)
	assert.False(t, st.Waiting)
	assert.Equal(t, api.WaiterIdle, st.Waiter)
}

func TestReadPreservesArrivalOrder(t *testing.T) {
	const total = 2000
	opts := testOptions()
	opts.Limits.MaxQueued = total
	opts.Pools.Datagrams = total
	r, _ := newRegistry(t, opts)
	id := bind(t, r)

	var g errgroup.Group
	g.Go(func() error {
		var p [4]byte
		for i := range total {
			binary.BigEndian.PutUint32(p[:], uint32(i))
			if _, err := r.Deliver(id, p[:], 0); err != nil {
				return err
			}
		}
		return nil
	})

	next := uint32(0)
	bufs := api.NewIoBuffers(8, 4)
	deadline := time.Now().Add(5 * time.Second)
	for next < total && time.Now().Before(deadline) {
		_, err := r.Read(context.Background(), id, bufs, 100*time.Millisecond)
		require.NoError(t, err)
		for i := range bufs {
			if bufs[i].Len == 0 {
				break
			}
			require.Equal(t, next, binary.BigEndian.Uint32(bufs[i].Bytes()))
			next++
		}
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, uint32(total), next)
}

func TestWaiterPoolExhaustion(t *testing.T) {
	opts := testOptions()
	opts.Pools.Waiters = 1
	r, _ := newRegistry(t, opts)
	a := bind(t, r)
	b := bind(t, r)

	done := make(chan result, 1)
	go func() {
		n, err := r.Read(context.Background(), a, api.NewIoBuffers(1, 16), tuner.Infinite)
		done <- result{n, err}
	}()
	waitParked(t, r, a)

	_, err := r.Read(context.Background(), b, api.NewIoBuffers(1, 16), time.Second)
	require.ErrorIs(t, err, api.ErrInternal)
	require.ErrorIs(t, err, api.ErrExhausted)

	deliver(t, r, a, "x", 0)
	require.NoError(t, (<-done).err)
}
