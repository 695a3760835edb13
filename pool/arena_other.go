//go:build !linux
// +build !linux

// File: pool/arena_other.go
// Author: momentics <momentics@gmail.com>
//
// Heap fallback for platforms without the mmap arena.

package pool

func allocArena(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freeArena([]byte) {}
