// File: api/shutdown.go
// Package api defines unified graceful shutdown contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// GracefulShutdown is implemented by components owning releasable state.
type GracefulShutdown interface {
	// Shutdown stops internal services and releases resources. It may be
	// called again after a failure.
	Shutdown() error
}
