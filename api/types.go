// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations, DTOs, and constants.

package api

import "time"

// ChannelID identifies a tuner. Valid ids are 1..max_channels; 0 asks the
// registry to allocate one.
type ChannelID uint32

// AnyChannel requests allocation of the lowest free id on bind.
const AnyChannel ChannelID = 0

// WaiterState enumerates the lifecycle of a blocking read.
type WaiterState int

const (
	WaiterIdle WaiterState = iota
	WaiterRegistered
	WaiterWoken
	WaiterTimedOut
	WaiterCancelled
	WaiterDeregistered
)

func (s WaiterState) String() string {
	switch s {
	case WaiterIdle:
		return "idle"
	case WaiterRegistered:
		return "registered"
	case WaiterWoken:
		return "woken"
	case WaiterTimedOut:
		return "timed-out"
	case WaiterCancelled:
		return "cancelled"
	case WaiterDeregistered:
		return "deregistered"
	default:
		return "unknown"
	}
}

// SinkStats aggregates per-channel delivery counters.
type SinkStats struct {
	Queued      int    // datagrams waiting for a reader
	QueuedBytes int    // payload bytes waiting for a reader
	Delivered   uint64 // datagrams accepted from producers
	Direct      uint64 // datagrams copied straight into a waiter
	Forwarded   uint64 // datagrams pushed to an attached forwarder
	Dropped     uint64 // datagrams lost to queue or pool limits
	Reads       uint64 // read calls served
	Wakeups     uint64 // waiter wakeups issued by producers
	Waiting     bool   // a reader is currently registered
	Waiter      WaiterState
}

// ServiceInfo exposes descriptive build- and runtime info for external tools.
type ServiceInfo struct {
	Name      string
	Version   string
	StartedAt time.Time
}
