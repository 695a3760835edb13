// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, hot reload, metrics export and debug introspection for the
// tuner dataplane.
//
// Config is loaded from YAML and validated once; ConfigStore holds the
// live snapshot and notifies listeners on update so read limits can be
// swapped without restarting. Collector exports pool and channel counters
// to Prometheus, and DebugProbes gathers ad hoc state for diagnostics.
package control
