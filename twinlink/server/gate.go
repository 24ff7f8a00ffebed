package server

import (
	"errors"
	"net/netip"
	"sync"

	"github.com/TheusHen/twinlink/twinlink/conn"
	"github.com/TheusHen/twinlink/twinlink/crypto"
	"github.com/TheusHen/twinlink/twinlink/protocol"
)

var (
	ErrUnknownID  = errors.New("server: datagram for unknown connection id")
	ErrNoKey      = errors.New("server: connection has no signing key")
	ErrNoDatagram = errors.New("server: connection has no datagram address")
)

// authGate admits only datagrams signed with the key of the connection their
// id names. Records exist only after a completed handshake.
type authGate struct {
	table *conn.Table

	mu  sync.RWMutex
	ids map[uint64]netip.AddrPort
}

func newAuthGate(tbl *conn.Table) *authGate {
	return &authGate{table: tbl, ids: make(map[uint64]netip.AddrPort)}
}

func (g *authGate) bind(id uint64, key netip.AddrPort) {
	g.mu.Lock()
	g.ids[id] = key
	g.mu.Unlock()
}

func (g *authGate) forget(id uint64, key netip.AddrPort) {
	g.mu.Lock()
	if g.ids[id] == key {
		delete(g.ids, id)
	}
	g.mu.Unlock()
}

func (g *authGate) lookup(id uint64) (netip.AddrPort, bool) {
	g.mu.RLock()
	key, ok := g.ids[id]
	g.mu.RUnlock()
	return key, ok
}

// Open verifies the tag without changing the record. A verified datagram may
// still be a replay, so the return address is only moved by Learn.
func (g *authGate) Open(from netip.AddrPort, frame []byte) (netip.AddrPort, []byte, error) {
	tag, id, body, err := protocol.SplitFrame(frame)
	if err != nil {
		return netip.AddrPort{}, nil, err
	}
	key, ok := g.lookup(id)
	if !ok {
		return netip.AddrPort{}, nil, ErrUnknownID
	}

	verified := false
	g.table.Alter(key, nil, func(rec *conn.Record) {
		if rec.ID != id || rec.Auth == nil {
			return
		}
		if !rec.Auth.Verify(tag, frame[crypto.TagSize:]) {
			return
		}
		verified = true
	})
	if !verified {
		return netip.AddrPort{}, nil, protocol.ErrDatagramTag
	}
	return key, body, nil
}

func (g *authGate) Seal(rec *conn.Record, body []byte) (netip.AddrPort, []byte, error) {
	if rec.Auth == nil {
		return netip.AddrPort{}, nil, ErrNoKey
	}
	if !rec.DatagramAddr.IsValid() || rec.DatagramAddr.Port() == 0 {
		return netip.AddrPort{}, nil, ErrNoDatagram
	}
	return rec.DatagramAddr, protocol.SealFrame(rec.Auth, rec.ID, body), nil
}

// Learn follows a client whose NAT mapping moved its datagram port. The host
// must stay the one the reliable stream comes from.
func (g *authGate) Learn(rec *conn.Record, from netip.AddrPort) {
	if from.Addr() != rec.Addr.Addr() {
		return
	}
	rec.DatagramAddr = from
}

func (g *authGate) Lazy() bool { return false }
