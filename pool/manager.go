// File: pool/manager.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Manager is the explicit registry of named pools. One Manager is owned by
// the top-level dataplane; tests create as many independent ones as needed.

package pool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/containerd/log"

	"github.com/momentics/hioload-tuner/api"
)

// DefaultSlabElements is the number of elements backed by one slab when the
// manager is not told otherwise.
const DefaultSlabElements = 64

// Manager owns every pool created through it.
type Manager struct {
	mu           sync.RWMutex
	pools        map[string]api.PoolHandle
	slabElements int
	closed       bool
}

// ManagerOption tunes a Manager at construction time.
type ManagerOption func(*Manager)

// WithSlabElements sets how many elements one backing slab holds.
func WithSlabElements(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.slabElements = n
		}
	}
}

// NewManager creates an empty registry.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		pools:        make(map[string]api.PoolHandle),
		slabElements: DefaultSlabElements,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// register claims name for h; the duplicate check and insert are one step.
func (m *Manager) register(h api.PoolHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return api.ErrPoolClosed
	}
	if _, ok := m.pools[h.Name()]; ok {
		return api.NewError(api.ErrCodeAlreadyExists, api.ErrDuplicateName).WithContext("pool", h.Name())
	}
	m.pools[h.Name()] = h
	return nil
}

func (m *Manager) unregister(name string, h api.PoolHandle) {
	m.mu.Lock()
	if cur, ok := m.pools[name]; ok && cur == h {
		delete(m.pools, name)
	}
	m.mu.Unlock()
}

// Lookup returns the pool registered under name.
func (m *Manager) Lookup(name string) (api.PoolHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.pools[name]
	return h, ok
}

// Len returns the number of live pools.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pools)
}

func (m *Manager) snapshot() []api.PoolHandle {
	m.mu.RLock()
	out := make([]api.PoolHandle, 0, len(m.pools))
	for _, h := range m.pools {
		out = append(out, h)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Stats returns a snapshot of every live pool, sorted by name.
func (m *Manager) Stats() []api.PoolStats {
	handles := m.snapshot()
	out := make([]api.PoolStats, len(handles))
	for i, h := range handles {
		out[i] = h.Stats()
	}
	return out
}

// Shrink asks every pool to return idle slabs and reports the total.
func (m *Manager) Shrink() int {
	total := 0
	for _, h := range m.snapshot() {
		total += h.Shrink()
	}
	return total
}

// Close destroys every pool. Pools that still have elements out are left
// registered and reported in the returned error.
func (m *Manager) Close() error {
	var errs []error
	for _, h := range m.snapshot() {
		if err := h.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("pool %q: %w", h.Name(), err))
		}
	}
	if len(errs) > 0 {
		log.L.WithField("busy", len(errs)).Warn("pool manager closed with busy pools")
		return errors.Join(errs...)
	}
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
