// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package udp

import (
	"net"

	"github.com/momentics/hioload-tuner/api"
	"github.com/momentics/hioload-tuner/tuner"
)

// Forwarder relays a channel's datagrams to a fixed remote address.
// Markers carry no payload for the wire and are skipped. A blocking
// WriteTo stalls only producers of the forwarded channel.
type Forwarder struct {
	conn net.PacketConn
	to   net.Addr
}

var _ tuner.Forwarder = (*Forwarder)(nil)

// NewForwarder sends through conn to addr.
func NewForwarder(conn net.PacketConn, to net.Addr) *Forwarder {
	return &Forwarder{conn: conn, to: to}
}

// Forward implements tuner.Forwarder.
func (f *Forwarder) Forward(payload []byte, flags api.Flags) error {
	if flags.Has(api.FlagOutOfBand) || len(payload) == 0 {
		return nil
	}
	_, err := f.conn.WriteTo(payload, f.to)
	return err
}
