// Package transport provides the reliable stream channels twinlink runs its
// handshake and reliable messages over: TCP (optionally TLS) or a single QUIC
// stream.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"
)

const (
	KindTCP  = "tcp"
	KindQUIC = "quic"
)

var (
	ErrUnknownKind = errors.New("transport: unknown stream transport")
	ErrClosed      = errors.New("transport: listener closed")
)

// Stream is an ordered, reliable byte stream to one peer.
type Stream interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
	SetDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Listener accepts streams.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
	Addr() net.Addr
	Close() error
}

// Options configure Listen and Dial.
type Options struct {
	// TLS wraps TCP in TLS. Ignored for QUIC, which always uses TLS.
	TLS bool
	// TLSConfig overrides the self-signed default.
	TLSConfig *tls.Config
}

// Listen opens a stream listener of the given kind.
func Listen(ctx context.Context, kind, addr string, opts Options) (Listener, error) {
	switch kind {
	case "", KindTCP:
		return listenTCP(ctx, addr, opts)
	case KindQUIC:
		return listenQUIC(addr, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Dial connects a stream of the given kind.
func Dial(ctx context.Context, kind, addr string, opts Options) (Stream, error) {
	switch kind {
	case "", KindTCP:
		return dialTCP(ctx, addr, opts)
	case KindQUIC:
		return dialQUIC(ctx, addr, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// AddrPort converts a TCP or UDP address to its netip form, unmapping
// IPv4-in-IPv6 so the same peer always yields the same key.
func AddrPort(a net.Addr) netip.AddrPort {
	var ap netip.AddrPort
	switch v := a.(type) {
	case *net.TCPAddr:
		ap = v.AddrPort()
	case *net.UDPAddr:
		ap = v.AddrPort()
	default:
		if a == nil {
			return netip.AddrPort{}
		}
		ap, _ = netip.ParseAddrPort(a.String())
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
