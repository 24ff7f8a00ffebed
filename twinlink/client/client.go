// Package client is the connecting side of twinlink: one reliable stream and
// one datagram socket to a single server, driven by a loop that owns all
// connection state.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/TheusHen/twinlink/twinlink/config"
	"github.com/TheusHen/twinlink/twinlink/conn"
	"github.com/TheusHen/twinlink/twinlink/event"
	"github.com/TheusHen/twinlink/twinlink/protocol"
	"github.com/TheusHen/twinlink/twinlink/rtt"
	"github.com/TheusHen/twinlink/twinlink/session"
	"github.com/TheusHen/twinlink/twinlink/transport"
)

var (
	ErrConnect      = errors.New("client: connect failed")
	ErrDisconnected = errors.New("client: reliable channel lost")
	ErrOutboxFull   = errors.New("client: outbound queue full")
	ErrRunning      = errors.New("client: already running")
)

type Options struct {
	Logger *zap.Logger
	// Token is presented to the server's authorizer.
	Token []byte
	// TLSConfig replaces the self-signed default for TLS and QUIC streams.
	TLSConfig *tls.Config
}

type Client struct {
	addr string
	cfg  config.Config
	opts Options
	log  *zap.Logger

	events chan event.Event
	outbox chan event.Command

	rtt     atomic.Int64 // nanoseconds, negative until the first sample
	running atomic.Bool
}

// New prepares a client for the server whose datagram socket is at addr. The
// stream is dialed at cfg.Stream.Address, or at addr when that is empty.
func New(addr string, cfg config.Config, opts Options) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		addr:   addr,
		cfg:    cfg,
		opts:   opts,
		log:    log.Named("client"),
		events: make(chan event.Event, cfg.EventCapacity),
		outbox: make(chan event.Command, cfg.OutboundCapacity),
	}
	c.rtt.Store(-1)
	return c, nil
}

// Events is closed when Run returns.
func (c *Client) Events() <-chan event.Event { return c.events }

// Send queues payload. Commands queued before Run connects are sent once the
// handshake completes.
func (c *Client) Send(payload []byte, d event.Delivery) error {
	select {
	case c.outbox <- event.Command{Payload: payload, Delivery: d}:
		return nil
	default:
		return ErrOutboxFull
	}
}

func (c *Client) Reliable(payload []byte) error { return c.Send(payload, event.Reliable) }

func (c *Client) Unreliable(payload []byte) error { return c.Send(payload, event.Unreliable) }

// RTT returns the smoothed round-trip estimate once a datagram ack has been
// sampled.
func (c *Client) RTT() (time.Duration, bool) {
	v := c.rtt.Load()
	if v < 0 {
		return 0, false
	}
	return time.Duration(v), true
}

// Run connects and serves the connection until ctx ends (nil, also while
// still connecting), the reliable channel fails (ErrDisconnected) or the
// event channel overflows (event.ErrOverflow). A client runs once.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(c.events)

	l, err := c.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer l.close()
	return l.run(ctx)
}

// link is the live connection. Only the Run goroutine touches it.
type link struct {
	c      *Client
	udp    *net.UDPConn
	stream transport.Stream
	rec    *conn.Record
}

func (c *Client) connect(ctx context.Context) (*link, error) {
	udp, err := transport.DialDatagram(c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: datagram socket: %w", ErrConnect, err)
	}

	streamAddr := c.cfg.Stream.Address
	if streamAddr == "" {
		streamAddr = c.addr
	}
	st, err := transport.Dial(ctx, c.cfg.Stream.Transport, streamAddr, transport.Options{
		TLS:       c.cfg.Stream.TLS,
		TLSConfig: c.opts.TLSConfig,
	})
	if err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("%w: stream: %w", ErrConnect, err)
	}

	sess, err := session.HandshakeClient(ctx, st, session.ClientOptions{
		Token:        c.opts.Token,
		DatagramPort: transport.AddrPort(udp.LocalAddr()).Port(),
		Timeout:      c.cfg.HandshakeTimeout,
	})
	if err != nil {
		_ = st.Close()
		_ = udp.Close()
		return nil, fmt.Errorf("%w: handshake: %w", ErrConnect, err)
	}

	remote := transport.AddrPort(udp.RemoteAddr())
	rec := conn.NewRecord(remote, rtt.New(c.cfg.RTTCapacity, c.cfg.RTTAlpha), time.Now())
	rec.Reliable = st
	rec.ID = sess.ID
	rec.Auth = sess.Auth

	l := &link{c: c, udp: udp, stream: st, rec: rec}
	c.log.Info("connected", zap.Stringer("addr", remote), zap.Uint64("id", sess.ID))
	if err := l.emit(event.Event{Kind: event.Connected, Addr: remote}); err != nil {
		l.close()
		return nil, err
	}
	return l, nil
}

func (l *link) close() {
	_ = l.stream.Close()
	_ = l.udp.Close()
}

func (l *link) run(ctx context.Context) error {
	frames := make(chan protocol.Frame)
	readErr := make(chan error, 1)
	datagrams := make(chan []byte)
	done := make(chan struct{})
	defer close(done)

	go l.readStream(frames, readErr, done)
	go l.readDatagrams(datagrams, done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-frames:
			if err := l.reliable(f); err != nil {
				return err
			}
		case err := <-readErr:
			return l.lost(err)
		case b := <-datagrams:
			if err := l.datagram(b); err != nil {
				return err
			}
		case cmd := <-l.c.outbox:
			l.send(cmd)
		}
	}
}

// readStream and readDatagrams only move bytes; all state changes happen in run.
func (l *link) readStream(out chan<- protocol.Frame, errc chan<- error, done <-chan struct{}) {
	for {
		f, err := protocol.ReadFrame(l.stream, l.c.cfg.MaxReliableSize)
		if err != nil {
			errc <- err
			return
		}
		select {
		case out <- f:
		case <-done:
			return
		}
	}
}

func (l *link) readDatagrams(out chan<- []byte, done <-chan struct{}) {
	buf := make([]byte, l.c.cfg.MaxDatagramSize)
	for {
		n, err := l.udp.Read(buf)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP port unreachable and similar errors surface here on
			// connected sockets; they do not end the connection.
			l.c.log.Debug("datagram read failed", zap.Error(err))
			continue
		}
		b := make([]byte, n)
		copy(b, buf[:n])
		select {
		case out <- b:
		case <-done:
			return
		}
	}
}

func (l *link) emit(e event.Event) error {
	return event.Emit(l.c.events, e)
}

func (l *link) lost(err error) error {
	l.c.log.Info("disconnected", zap.Stringer("addr", l.rec.Addr), zap.Error(err))
	if eerr := l.emit(event.Event{Kind: event.Disconnected, Addr: l.rec.Addr, RTT: l.rec.Smoothed()}); eerr != nil {
		return eerr
	}
	return fmt.Errorf("%w: %w", ErrDisconnected, err)
}

func (l *link) reliable(f protocol.Frame) error {
	payload, err := protocol.DataPayload(f, l.c.cfg.MaxReliableSize)
	if err != nil {
		return l.lost(err)
	}
	l.rec.LastInteraction = time.Now()
	return l.emit(event.Event{
		Kind:     event.Received,
		Addr:     l.rec.Addr,
		Payload:  payload,
		Delivery: event.Reliable,
		RTT:      l.rec.Smoothed(),
	})
}

// datagram drops anything that is not a verified envelope for this
// connection without reporting it.
func (l *link) datagram(b []byte) error {
	id, body, err := protocol.OpenFrame(l.rec.Auth, b)
	if err != nil || id != l.rec.ID {
		l.c.log.Debug("datagram dropped", zap.Int("size", len(b)), zap.Error(err))
		return nil
	}
	d, err := protocol.UnmarshalDatagram(body)
	if err != nil {
		l.c.log.Debug("malformed datagram", zap.Error(err))
		return nil
	}

	now := time.Now()
	l.rec.LastInteraction = now
	if _, ok := l.rec.RTT.Observe(d.Ack, now); ok {
		l.c.rtt.Store(int64(l.rec.Smoothed()))
	}
	l.rec.SeqRemote = d.Seq
	return l.emit(event.Event{
		Kind:     event.Received,
		Addr:     l.rec.Addr,
		Payload:  d.Payload,
		Delivery: event.Unreliable,
		RTT:      l.rec.Smoothed(),
	})
}

func (l *link) send(cmd event.Command) {
	switch cmd.Delivery {
	case event.Reliable:
		f := protocol.DataFrame(cmd.Payload, l.c.cfg.CompressionOptions())
		if err := l.rec.WriteFrame(f, l.c.cfg.MaxReliableSize); err != nil {
			l.c.log.Warn("reliable send failed", zap.Error(err))
		}
	case event.Unreliable:
		l.sendDatagram(cmd.Payload)
	default:
		l.c.log.Warn("unknown delivery class", zap.Stringer("delivery", cmd.Delivery))
	}
}

func (l *link) sendDatagram(payload []byte) {
	now := time.Now()
	l.rec.SeqLocal = rtt.SeqNext(l.rec.SeqLocal)
	l.rec.RTT.Register(l.rec.SeqLocal, now)

	body, err := protocol.MarshalDatagram(protocol.NewDatagram(payload, l.rec.SeqLocal, l.rec.SeqRemote))
	if err != nil {
		l.c.log.Warn("unreliable send failed", zap.Error(err))
		return
	}
	frame := protocol.SealFrame(l.rec.Auth, l.rec.ID, body)
	if len(frame) > l.c.cfg.MaxDatagramSize {
		l.c.log.Warn("datagram exceeds max size", zap.Int("size", len(frame)), zap.Int("max", l.c.cfg.MaxDatagramSize))
		return
	}
	if _, err := l.udp.Write(frame); err != nil {
		l.c.log.Warn("unreliable send failed", zap.Error(err))
	}
}

// Addr resolves the server's datagram address as events report it.
func (c *Client) Addr() (netip.AddrPort, error) {
	ua, err := net.ResolveUDPAddr("udp", c.addr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return transport.AddrPort(ua), nil
}
