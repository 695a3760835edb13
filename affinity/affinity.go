// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files guarded by build tags.

package affinity

import (
	"fmt"

	"github.com/momentics/hioload-tuner/api"
)

// ErrUnsupported is returned where thread pinning is not available.
var ErrUnsupported = fmt.Errorf("affinity: not supported on this platform: %w", api.ErrInvalidArgs)

// Pin locks the calling goroutine to its OS thread and restricts that
// thread to cpuID. The returned func restores the previous mask and
// unlocks the thread; it must run on the same goroutine.
func Pin(cpuID int) (unpin func(), err error) {
	if cpuID < 0 {
		return nil, api.NewError(api.ErrCodeInvalidArgument, api.ErrInvalidArgs).WithContext("cpu", cpuID)
	}
	return pinPlatform(cpuID)
}
