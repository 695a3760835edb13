// Package pool
// Author: momentics <momentics@gmail.com>
//
// Bounded, named allocators for every fixed-lifetime dataplane object.
//
// A Manager is the registry of live pools. Each Pool has a fixed capacity,
// counts used elements, the high-water mark and failed allocations, and runs
// optional constructor/destructor hooks on acquire and release. Acquire never
// blocks: when the pool is full it fails with api.ErrExhausted so the real-time
// path can degrade instead of growing without bound.
//
// Storage grows in slabs; Shrink hands idle slabs back. Byte pools
// (CreateBlocks) carve their elements from mmap arenas on Linux.
package pool
