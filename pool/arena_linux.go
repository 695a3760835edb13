//go:build linux
// +build linux

// File: pool/arena_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux arenas are anonymous private mappings, outside the Go heap.

package pool

import (
	"golang.org/x/sys/unix"
)

func allocArena(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func freeArena(mem []byte) {
	_ = unix.Munmap(mem)
}
