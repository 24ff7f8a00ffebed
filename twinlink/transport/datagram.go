package transport

import (
	"net"
)

// ListenDatagram binds the unreliable socket.
func ListenDatagram(addr string) (*net.UDPConn, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", ua)
}

// DialDatagram binds an ephemeral local port connected to addr, so reads only
// see datagrams from that peer.
func DialDatagram(addr string) (*net.UDPConn, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.DialUDP("udp", nil, ua)
}
