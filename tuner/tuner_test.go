package tuner_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-tuner/api"
	"github.com/momentics/hioload-tuner/pool"
	"github.com/momentics/hioload-tuner/tuner"
)

func testOptions() tuner.Options {
	opts := tuner.DefaultOptions()
	opts.MaxChannels = 4
	opts.DatagramSize = 64
	opts.Limits = tuner.Limits{MaxBuffers: 8, MaxTimeout: 2 * time.Second, MaxQueued: 16}
	opts.Pools = tuner.PoolSizes{Channels: 4, Sinks: 8, Waiters: 4, Datagrams: 64}
	return opts
}

func newRegistry(t *testing.T, opts tuner.Options) (*tuner.Registry, *pool.Manager) {
	t.Helper()
	m := pool.NewManager(pool.WithSlabElements(8))
	r, err := tuner.NewRegistry(m, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, m
}

func bind(t *testing.T, r *tuner.Registry) api.ChannelID {
	t.Helper()
	id, err := r.Bind(api.AnyChannel)
	require.NoError(t, err)
	return id
}

func deliver(t *testing.T, r *tuner.Registry, id api.ChannelID, payload string, flags api.Flags) tuner.Delivery {
	t.Helper()
	d, err := r.Deliver(id, []byte(payload), flags)
	require.NoError(t, err)
	return d
}

// waitParked blocks until a reader is registered on id.
func waitParked(t *testing.T, r *tuner.Registry, id api.ChannelID) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := r.Stats(id)
		return err == nil && st.Waiting
	}, 2*time.Second, time.Millisecond)
}

type result struct {
	n   int
	err error
}
