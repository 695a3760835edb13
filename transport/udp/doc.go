// Package udp connects tuner channels to UDP sockets.
//
// Receiver is the producer side: it reads datagrams from a PacketConn and
// delivers each one to a channel of a tuner.Registry. Forwarder is an
// exclusive output mode that relays a channel's datagrams to a remote
// address instead of queueing them for a reader.
package udp
