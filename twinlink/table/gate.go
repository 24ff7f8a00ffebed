package table

import (
	"net/netip"

	"github.com/TheusHen/twinlink/twinlink/conn"
)

// Gate decides how raw datagrams map to records and how outbound envelopes
// are framed.
type Gate interface {
	// Open admits an inbound datagram from the given source, returning the
	// table key it belongs to and the envelope bytes. Errors drop the
	// datagram.
	Open(from netip.AddrPort, frame []byte) (key netip.AddrPort, body []byte, err error)
	// Seal frames an outbound envelope for rec and returns where to send it.
	// Called with rec locked.
	Seal(rec *conn.Record, body []byte) (to netip.AddrPort, frame []byte, err error)
	// Learn is offered the source of a datagram newer than any seen before
	// for rec, and may adopt it as rec's return address. Called with rec
	// locked.
	Learn(rec *conn.Record, from netip.AddrPort)
	// Lazy reports whether traffic for unknown keys creates records.
	Lazy() bool
}

// OpenGate is the unauthenticated gate: datagrams are bare envelopes keyed by
// their source address and any peer may start a connection.
type OpenGate struct{}

func (OpenGate) Open(from netip.AddrPort, frame []byte) (netip.AddrPort, []byte, error) {
	return from, frame, nil
}

func (OpenGate) Seal(rec *conn.Record, body []byte) (netip.AddrPort, []byte, error) {
	return rec.DatagramAddr, body, nil
}

// Learn is a no-op: the key already is the source address.
func (OpenGate) Learn(*conn.Record, netip.AddrPort) {}

func (OpenGate) Lazy() bool { return true }
