// File: api/pool.go
// Author: momentics <momentics@gmail.com>
//
// Defines abstract pooling APIs shared by the pool manager and its observers.

package api

// PoolStats is a read-only accounting snapshot of one named pool.
type PoolStats struct {
	Name              string
	ElementSize       int
	Capacity          int
	Used              int
	HighWaterMark     int
	FailedAllocations uint64
	Slabs             int // backing slabs currently held
}

// Free returns the number of elements that can still be acquired.
func (s PoolStats) Free() int { return s.Capacity - s.Used }

// PoolHandle is the type-erased view of a named pool.
type PoolHandle interface {
	// Name returns the unique pool name.
	Name() string

	// Stats exposes resource/accounting metrics for observability.
	Stats() PoolStats

	// Shrink releases backing storage not currently in use and
	// returns the number of slabs reclaimed.
	Shrink() int

	// Destroy reclaims all storage; fails with ErrBusy while elements are out.
	Destroy() error
}
