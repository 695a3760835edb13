// Package tuner implements the tuner channel registry and the blocking,
// single-waiter, multi-buffer read that drains datagrams delivered to a
// channel.
//
// A producer (typically a UDP receiver) calls Registry.Deliver for each
// arriving datagram. If a reader is parked on the channel the payload is
// copied straight into the reader's buffers and the reader is woken;
// otherwise the datagram is queued in pooled storage until the next Read.
//
// Every object on this path (channels, sinks, waiters, queued datagrams and
// their payload blocks) is allocated from bounded pools owned by the
// Registry, so a flood of traffic degrades into dropped datagrams rather
// than unbounded growth.
package tuner
