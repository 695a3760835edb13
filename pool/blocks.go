// File: pool/blocks.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Byte-element pools. Element storage is carved out of per-slab arenas so a
// shrink returns whole regions to the OS instead of leaving it to the GC.

package pool

// Block is a fixed-size byte element. Its length is the pool element size;
// callers track how much of it is meaningful.
type Block []byte

var blockBacking = &backing[Block]{
	attach: func(v *Block, mem []byte) { *v = mem },
	alloc:  allocArena,
	free:   freeArena,
}

// CreateBlocks registers a pool of elementSize-byte blocks in m.
func CreateBlocks(m *Manager, name string, elementSize, capacity int, ctor, dtor func(*Block)) (*Pool[Block], error) {
	return create(m, Options[Block]{
		Name:        name,
		ElementSize: elementSize,
		Capacity:    capacity,
		Ctor:        ctor,
		Dtor:        dtor,
	}, blockBacking)
}

// ZeroBlock is a constructor that clears reused memory.
func ZeroBlock(b *Block) {
	clear(*b)
}
