package client

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheusHen/twinlink/twinlink/config"
	"github.com/TheusHen/twinlink/twinlink/event"
	"github.com/TheusHen/twinlink/twinlink/protocol"
	"github.com/TheusHen/twinlink/twinlink/session"
	"github.com/TheusHen/twinlink/twinlink/transport"
)

// fakeServer speaks the server side of the protocol by hand so tests can send
// exactly the bytes they want.
type fakeServer struct {
	udp    *net.UDPConn
	ln     net.Listener
	stream net.Conn
	sess   *session.Session
	peer   netip.AddrPort
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	udp, err := transport.ListenDatagram("127.0.0.1:0")
	require.NoError(t, err)
	ln, err := net.Listen("tcp", udp.LocalAddr().String())
	require.NoError(t, err)
	f := &fakeServer{udp: udp, ln: ln}
	t.Cleanup(func() {
		_ = udp.Close()
		_ = ln.Close()
		if f.stream != nil {
			_ = f.stream.Close()
		}
	})
	return f
}

func (f *fakeServer) accept(t *testing.T) {
	t.Helper()
	c, err := f.ln.Accept()
	require.NoError(t, err)
	f.stream = c
	f.sess, err = session.HandshakeServer(context.Background(), c, session.ServerOptions{
		NextID:  func() uint64 { return 77 },
		Timeout: time.Second,
	})
	require.NoError(t, err)
	ip := transport.AddrPort(c.RemoteAddr()).Addr()
	f.peer = netip.AddrPortFrom(ip, f.sess.DatagramPort)
}

func (f *fakeServer) sendRaw(t *testing.T, b []byte) {
	t.Helper()
	_, err := f.udp.WriteToUDPAddrPort(b, f.peer)
	require.NoError(t, err)
}

func (f *fakeServer) envelope(t *testing.T, payload []byte, seq, ack uint16) []byte {
	t.Helper()
	b, err := protocol.MarshalDatagram(protocol.NewDatagram(payload, seq, ack))
	require.NoError(t, err)
	return b
}

func run(t *testing.T, c *Client) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	return errc
}

func next(t *testing.T, c *Client) event.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(3 * time.Second):
		require.FailNow(t, "timed out waiting for event")
	}
	return event.Event{}
}

func TestDatagramValidation(t *testing.T) {
	f := newFakeServer(t)
	c, err := New(f.udp.LocalAddr().String(), config.Default(), Options{})
	require.NoError(t, err)
	run(t, c)
	f.accept(t)
	require.Equal(t, event.Connected, next(t, c).Kind)

	body := f.envelope(t, []byte("bad"), 1, 0)

	// Too short, no tag at all.
	f.sendRaw(t, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	// Correct key, wrong id.
	f.sendRaw(t, protocol.SealFrame(f.sess.Auth, 78, body))
	// Tampered body.
	tampered := protocol.SealFrame(f.sess.Auth, 77, body)
	tampered[len(tampered)-1] ^= 0xff
	f.sendRaw(t, tampered)
	// Verified but not an envelope.
	f.sendRaw(t, protocol.SealFrame(f.sess.Auth, 77, []byte{0xff, 0xff}))

	f.sendRaw(t, protocol.SealFrame(f.sess.Auth, 77, f.envelope(t, []byte("good"), 2, 0)))
	ev := next(t, c)
	require.Equal(t, event.Received, ev.Kind)
	require.Equal(t, "good", string(ev.Payload))
	require.Equal(t, event.Unreliable, ev.Delivery)

	_, ok := c.RTT()
	require.False(t, ok, "ack 0 matches no send")
}

func TestDatagramRTTAndAck(t *testing.T) {
	f := newFakeServer(t)
	c, err := New(f.udp.LocalAddr().String(), config.Default(), Options{})
	require.NoError(t, err)
	run(t, c)
	f.accept(t)
	next(t, c)

	require.NoError(t, c.Unreliable([]byte("ping")))
	_ = f.udp.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := f.udp.ReadFromUDPAddrPort(buf)
	require.NoError(t, err)
	id, body, err := protocol.OpenFrame(f.sess.Auth, buf[:n])
	require.NoError(t, err)
	require.Equal(t, uint64(77), id)
	d, err := protocol.UnmarshalDatagram(body)
	require.NoError(t, err)
	require.Equal(t, uint16(1), d.Seq)
	require.Equal(t, "ping", string(d.Payload))

	f.sendRaw(t, protocol.SealFrame(f.sess.Auth, 77, f.envelope(t, []byte("pong"), 9, d.Seq)))
	ev := next(t, c)
	require.Greater(t, ev.RTT, time.Duration(0))
	est, ok := c.RTT()
	require.True(t, ok)
	require.Equal(t, ev.RTT, est)

	// The next send acks the server's sequence.
	require.NoError(t, c.Unreliable([]byte("again")))
	n, _, err = f.udp.ReadFromUDPAddrPort(buf)
	require.NoError(t, err)
	_, body, err = protocol.OpenFrame(f.sess.Auth, buf[:n])
	require.NoError(t, err)
	d, err = protocol.UnmarshalDatagram(body)
	require.NoError(t, err)
	require.Equal(t, uint16(2), d.Seq)
	require.Equal(t, uint16(9), d.Ack)
}

func TestReliableProtocolViolation(t *testing.T) {
	f := newFakeServer(t)
	c, err := New(f.udp.LocalAddr().String(), config.Default(), Options{})
	require.NoError(t, err)
	errc := run(t, c)
	f.accept(t)
	next(t, c)

	// A compressed flag on garbage cannot be inflated.
	err = protocol.WriteFrame(f.stream, protocol.Frame{
		Type:    protocol.MessageTypeData,
		Flags:   protocol.FlagCompressed,
		Payload: []byte("not lz4"),
	}, 0)
	require.NoError(t, err)

	require.Equal(t, event.Disconnected, next(t, c).Kind)
	require.ErrorIs(t, <-errc, ErrDisconnected)
	_, open := <-c.Events()
	require.False(t, open)
}

func TestConnectFailure(t *testing.T) {
	// Reserve a port and close it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c, err := New(addr, config.Default(), Options{})
	require.NoError(t, err)
	err = c.Run(context.Background())
	require.ErrorIs(t, err, ErrConnect)
}

func TestCancelWhileConnecting(t *testing.T) {
	// The fake server never accepts, so the handshake waits for a Welcome
	// that does not come.
	f := newFakeServer(t)
	c, err := New(f.udp.LocalAddr().String(), config.Default(), Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		require.FailNow(t, "Run ignored cancellation during connect")
	}
	_, open := <-c.Events()
	require.False(t, open, "events stay open after Run")
}

func TestRunOnce(t *testing.T) {
	f := newFakeServer(t)
	c, err := New(f.udp.LocalAddr().String(), config.Default(), Options{})
	require.NoError(t, err)
	run(t, c)
	f.accept(t)
	next(t, c)

	require.ErrorIs(t, c.Run(context.Background()), ErrRunning)
}

func TestOutboxFull(t *testing.T) {
	cfg := config.Default()
	cfg.OutboundCapacity = 2
	c, err := New("127.0.0.1:1", cfg, Options{})
	require.NoError(t, err)

	require.NoError(t, c.Reliable([]byte("a")))
	require.NoError(t, c.Unreliable([]byte("b")))
	require.ErrorIs(t, c.Send([]byte("c"), event.Reliable), ErrOutboxFull)
}

func TestEventOverflow(t *testing.T) {
	f := newFakeServer(t)
	cfg := config.Default()
	cfg.EventCapacity = 2
	c, err := New(f.udp.LocalAddr().String(), cfg, Options{})
	require.NoError(t, err)
	errc := run(t, c)
	f.accept(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, protocol.WriteFrame(f.stream, protocol.DataFrame([]byte("x"), protocol.Compression{}), 0))
	}
	select {
	case err := <-errc:
		require.True(t, errors.Is(err, event.ErrOverflow), "got %v", err)
	case <-time.After(3 * time.Second):
		require.FailNow(t, "client ignored overflow")
	}
}

func TestInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.EventCapacity = 0
	_, err := New("127.0.0.1:1", cfg, Options{})
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}
