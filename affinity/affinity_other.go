//go:build !linux

// File: affinity/affinity_other.go
// Author: momentics <momentics@gmail.com>

package affinity

func pinPlatform(int) (func(), error) { return nil, ErrUnsupported }

// Current is not available off Linux.
func Current() ([]int, error) { return nil, ErrUnsupported }
