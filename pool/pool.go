// File: pool/pool.go
// Package pool implements bounded, named slab pools for fixed-size elements.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"sync"
	"unsafe"

	"github.com/containerd/log"

	"github.com/momentics/hioload-tuner/api"
)

// Options describes a pool at creation time.
type Options[T any] struct {
	Name        string
	ElementSize int // bytes per element, must be > 0
	Capacity    int // maximum live elements, must be > 0
	Ctor        func(*T)
	Dtor        func(*T)
}

// SizeOf returns the in-memory size of T, for typed pools.
func SizeOf[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// Elem is a pool-owned element handle. Value is usable between Acquire and
// Release; the handle itself must not be used afterwards.
type Elem[T any] struct {
	Value T

	owner *Pool[T]
	slab  *slab[T]
	live  bool
}

// slab is one unit of backing storage.
type slab[T any] struct {
	elems []Elem[T]
	mem   []byte // arena region, nil for heap-only pools
	inUse int
}

// backing attaches raw memory to elements of a slab.
type backing[T any] struct {
	attach func(v *T, mem []byte)
	alloc  func(size int) ([]byte, error)
	free   func(mem []byte)
}

// Pool is a bounded allocator of T elements. All accounting is guarded by mu;
// hooks run outside of it so they may be arbitrarily slow.
type Pool[T any] struct {
	mgr      *Manager
	name     string
	elemSize int
	capacity int
	slabLen  int
	ctor     func(*T)
	dtor     func(*T)
	backing  *backing[T]

	mu        sync.Mutex
	slabs     []*slab[T]
	free      []*Elem[T]
	reserved  int // elements backed by slabs
	used      int
	hwm       int
	failed    uint64
	destroyed bool
}

var _ api.PoolHandle = (*Pool[struct{}])(nil)

// Create registers a new typed pool in m.
func Create[T any](m *Manager, opts Options[T]) (*Pool[T], error) {
	return create(m, opts, nil)
}

func create[T any](m *Manager, opts Options[T], b *backing[T]) (*Pool[T], error) {
	if m == nil || opts.Name == "" || opts.ElementSize <= 0 || opts.Capacity <= 0 {
		return nil, api.NewError(api.ErrCodeInvalidArgument, api.ErrInvalidArgs).
			WithContext("pool", opts.Name).
			WithContext("element_size", opts.ElementSize).
			WithContext("capacity", opts.Capacity)
	}
	p := &Pool[T]{
		mgr:      m,
		name:     opts.Name,
		elemSize: opts.ElementSize,
		capacity: opts.Capacity,
		slabLen:  min(m.slabElements, opts.Capacity),
		ctor:     opts.Ctor,
		dtor:     opts.Dtor,
		backing:  b,
	}
	if err := m.register(p); err != nil {
		return nil, err
	}
	log.L.WithFields(log.Fields{
		"pool":         p.name,
		"element_size": p.elemSize,
		"capacity":     p.capacity,
	}).Debug("pool created")
	return p, nil
}

// Name returns the unique pool name.
func (p *Pool[T]) Name() string { return p.name }

// Acquire hands out one element or fails fast with ErrExhausted.
func (p *Pool[T]) Acquire() (*Elem[T], error) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil, api.ErrPoolClosed
	}
	if p.used == p.capacity {
		p.failed++
		failed := p.failed
		p.mu.Unlock()
		log.L.WithFields(log.Fields{"pool": p.name, "failed": failed}).Debug("pool exhausted")
		return nil, api.NewError(api.ErrCodeResourceExhausted, api.ErrExhausted).
			WithContext("pool", p.name).
			WithContext("capacity", p.capacity)
	}
	if len(p.free) == 0 {
		if err := p.grow(); err != nil {
			p.failed++
			p.mu.Unlock()
			return nil, err
		}
	}
	e := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	e.live = true
	e.slab.inUse++
	p.used++
	if p.used > p.hwm {
		p.hwm = p.used
	}
	p.mu.Unlock()

	if p.ctor != nil {
		p.ctor(&e.Value)
	}
	return e, nil
}

// grow adds one slab. Called with mu held and used < capacity.
func (p *Pool[T]) grow() error {
	n := min(p.slabLen, p.capacity-p.reserved)
	if n <= 0 {
		// unreachable while used < capacity
		return api.NewError(api.ErrCodeInternal, api.ErrInternal).WithContext("pool", p.name)
	}
	s := &slab[T]{elems: make([]Elem[T], n)}
	if p.backing != nil {
		mem, err := p.backing.alloc(n * p.elemSize)
		if err != nil {
			return api.NewError(api.ErrCodeResourceExhausted, api.ErrExhausted).
				WithContext("pool", p.name).
				WithContext("arena", err.Error())
		}
		s.mem = mem
	}
	for i := range s.elems {
		e := &s.elems[i]
		e.owner = p
		e.slab = s
		if s.mem != nil {
			off := i * p.elemSize
			p.backing.attach(&e.Value, s.mem[off:off+p.elemSize:off+p.elemSize])
		}
		p.free = append(p.free, e)
	}
	p.slabs = append(p.slabs, s)
	p.reserved += n
	return nil
}

// Release returns e to the pool after running the destructor.
func (p *Pool[T]) Release(e *Elem[T]) error {
	if e == nil || e.owner != p {
		return api.NewError(api.ErrCodeInvalidArgument, api.ErrForeignElement).WithContext("pool", p.name)
	}
	p.mu.Lock()
	if !e.live {
		p.mu.Unlock()
		return api.NewError(api.ErrCodeInvalidArgument, api.ErrForeignElement).
			WithContext("pool", p.name).
			WithContext("reason", "double release")
	}
	e.live = false
	p.mu.Unlock()

	if p.dtor != nil {
		p.dtor(&e.Value)
	}

	p.mu.Lock()
	e.slab.inUse--
	p.used--
	p.free = append(p.free, e)
	p.mu.Unlock()
	return nil
}

// Destroy reclaims all storage; fails with ErrBusy while elements are out.
func (p *Pool[T]) Destroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	if p.used > 0 {
		used := p.used
		p.mu.Unlock()
		return api.NewError(api.ErrCodeBusy, api.ErrBusy).
			WithContext("pool", p.name).
			WithContext("used", used)
	}
	p.destroyed = true
	for _, s := range p.slabs {
		p.dropSlab(s)
	}
	p.slabs = nil
	p.free = nil
	p.reserved = 0
	p.mu.Unlock()

	p.mgr.unregister(p.name, p)
	log.L.WithField("pool", p.name).Debug("pool destroyed")
	return nil
}

// Shrink releases slabs none of whose elements are live.
func (p *Pool[T]) Shrink() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return 0
	}
	keep := p.slabs[:0]
	reclaimed := 0
	for _, s := range p.slabs {
		if s.inUse > 0 {
			keep = append(keep, s)
			continue
		}
		p.reserved -= len(s.elems)
		p.dropSlab(s)
		reclaimed++
	}
	for i := len(keep); i < len(p.slabs); i++ {
		p.slabs[i] = nil
	}
	p.slabs = keep
	if reclaimed > 0 {
		free := p.free[:0]
		for _, e := range p.free {
			if e.slab != nil {
				free = append(free, e)
			}
		}
		p.free = free
		log.L.WithFields(log.Fields{"pool": p.name, "slabs": reclaimed}).Debug("pool shrunk")
	}
	return reclaimed
}

// dropSlab detaches elements from their storage. Called with mu held.
func (p *Pool[T]) dropSlab(s *slab[T]) {
	var zero T
	for i := range s.elems {
		s.elems[i].Value = zero
		s.elems[i].slab = nil
	}
	if s.mem != nil {
		p.backing.free(s.mem)
		s.mem = nil
	}
}

// Stats returns a read-only accounting snapshot.
func (p *Pool[T]) Stats() api.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return api.PoolStats{
		Name:              p.name,
		ElementSize:       p.elemSize,
		Capacity:          p.capacity,
		Used:              p.used,
		HighWaterMark:     p.hwm,
		FailedAllocations: p.failed,
		Slabs:             len(p.slabs),
	}
}
