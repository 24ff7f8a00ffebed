package table

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/TheusHen/twinlink/twinlink/config"
	"github.com/TheusHen/twinlink/twinlink/conn"
	"github.com/TheusHen/twinlink/twinlink/event"
	"github.com/TheusHen/twinlink/twinlink/protocol"
	"github.com/TheusHen/twinlink/twinlink/transport"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Timeout = time.Minute
	return cfg
}

func bind(t *testing.T, cfg config.Config) *Actor {
	t.Helper()
	a, err := Bind(context.Background(), "127.0.0.1:0", cfg, Options{})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func dialPeer(t *testing.T, a *Actor) *net.UDPConn {
	t.Helper()
	c, err := transport.DialDatagram(a.LocalAddr().String())
	if err != nil {
		t.Fatalf("DialDatagram: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sendEnvelope(t *testing.T, c *net.UDPConn, payload []byte, seq, ack uint16) {
	t.Helper()
	b, err := protocol.MarshalDatagram(protocol.NewDatagram(payload, seq, ack))
	if err != nil {
		t.Fatalf("MarshalDatagram: %v", err)
	}
	if _, err := c.Write(b); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func readEnvelope(t *testing.T, c *net.UDPConn) protocol.Datagram {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, protocol.DefaultMaxDatagram)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	d, err := protocol.UnmarshalDatagram(buf[:n])
	if err != nil {
		t.Fatalf("UnmarshalDatagram: %v", err)
	}
	return d
}

func nextEvent(t *testing.T, a *Actor) event.Event {
	t.Helper()
	select {
	case ev, ok := <-a.Events():
		if !ok {
			t.Fatalf("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return event.Event{}
}

func expectQuiet(t *testing.T, a *Actor, d time.Duration) {
	t.Helper()
	select {
	case ev := <-a.Events():
		t.Fatalf("unexpected event %s for %s", ev.Kind, ev.Addr)
	case <-time.After(d):
	}
}

func localKey(c *net.UDPConn) netip.AddrPort { return transport.AddrPort(c.LocalAddr()) }

func TestInboundCreatesConnection(t *testing.T) {
	a := bind(t, testConfig())
	peer := dialPeer(t, a)

	sendEnvelope(t, peer, []byte("hello"), 1, 0)

	ev := nextEvent(t, a)
	if ev.Kind != event.Connected || ev.Addr != localKey(peer) {
		t.Fatalf("expected Connected from %v, got %s %v", localKey(peer), ev.Kind, ev.Addr)
	}
	ev = nextEvent(t, a)
	if ev.Kind != event.Received || string(ev.Payload) != "hello" || ev.Delivery != event.Unreliable {
		t.Fatalf("unexpected event %+v", ev)
	}
	if a.Len() != 1 {
		t.Fatalf("expected 1 connection, got %d", a.Len())
	}

	sendEnvelope(t, peer, []byte("again"), 2, 0)
	if ev := nextEvent(t, a); ev.Kind != event.Received {
		t.Fatalf("second datagram should not reconnect, got %s", ev.Kind)
	}
}

func TestOutboundCreatesConnection(t *testing.T) {
	a := bind(t, testConfig())
	peer := dialPeer(t, a)
	key := localKey(peer)

	for i := 0; i < 3; i++ {
		if err := a.Send(event.Command{Addr: key, Payload: []byte("x"), Delivery: event.Unreliable}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if ev := nextEvent(t, a); ev.Kind != event.Connected || ev.Addr != key {
		t.Fatalf("expected Connected for %v, got %+v", key, ev)
	}
	for want := uint16(1); want <= 3; want++ {
		d := readEnvelope(t, peer)
		if d.Seq != want || d.Ack != 0 {
			t.Fatalf("expected seq %d ack 0, got seq %d ack %d", want, d.Seq, d.Ack)
		}
	}
	expectQuiet(t, a, 50*time.Millisecond)
}

func TestRTTFromAck(t *testing.T) {
	a := bind(t, testConfig())
	peer := dialPeer(t, a)
	key := localKey(peer)

	_ = a.Send(event.Command{Addr: key, Payload: []byte("ping"), Delivery: event.Unreliable})
	nextEvent(t, a) // Connected
	d := readEnvelope(t, peer)

	time.Sleep(5 * time.Millisecond)
	sendEnvelope(t, peer, []byte("pong"), 1, d.Seq)

	ev := nextEvent(t, a)
	if ev.Kind != event.Received || ev.RTT < 5*time.Millisecond {
		t.Fatalf("expected Received with RTT >= 5ms, got %s %v", ev.Kind, ev.RTT)
	}
	if est, ok := a.RTT(key); !ok || est != ev.RTT {
		t.Fatalf("RTT(%v) = %v %v, event carried %v", key, est, ok, ev.RTT)
	}

	// The timer is single-use: a duplicate ack leaves the estimate alone.
	sendEnvelope(t, peer, []byte("dup"), 2, d.Seq)
	if ev2 := nextEvent(t, a); ev2.RTT != ev.RTT {
		t.Fatalf("duplicate ack changed RTT from %v to %v", ev.RTT, ev2.RTT)
	}

	// Our next send acks the peer's latest sequence.
	_ = a.Send(event.Command{Addr: key, Payload: []byte("ping"), Delivery: event.Unreliable})
	if d := readEnvelope(t, peer); d.Ack != 2 || d.Seq != 2 {
		t.Fatalf("expected seq 2 ack 2, got seq %d ack %d", d.Seq, d.Ack)
	}
}

func TestMalformedDatagramDropped(t *testing.T) {
	a := bind(t, testConfig())
	peer := dialPeer(t, a)

	if _, err := peer.Write([]byte{0xff, 0x00, 0x13}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	expectQuiet(t, a, 100*time.Millisecond)
	if a.Dropped() != 1 {
		t.Fatalf("expected 1 dropped datagram, got %d", a.Dropped())
	}
	if a.Len() != 0 {
		t.Fatalf("malformed datagram created a connection")
	}

	sendEnvelope(t, peer, []byte("ok"), 1, 0)
	if ev := nextEvent(t, a); ev.Kind != event.Connected {
		t.Fatalf("valid datagram after garbage not accepted: %s", ev.Kind)
	}
}

func TestTimeoutEvictsExactlyOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 200 * time.Millisecond
	cfg.SweepInterval = 50 * time.Millisecond
	a := bind(t, cfg)
	peer := dialPeer(t, a)
	key := localKey(peer)

	sendEnvelope(t, peer, []byte("hi"), 1, 0)
	nextEvent(t, a)
	nextEvent(t, a)

	ev := nextEvent(t, a)
	if ev.Kind != event.Disconnected || ev.Addr != key {
		t.Fatalf("expected Disconnected for %v, got %+v", key, ev)
	}
	expectQuiet(t, a, 400*time.Millisecond)
	if a.Len() != 0 {
		t.Fatalf("evicted connection still in table")
	}

	sendEnvelope(t, peer, []byte("back"), 2, 0)
	if ev := nextEvent(t, a); ev.Kind != event.Connected {
		t.Fatalf("expected a new Connected after eviction, got %s", ev.Kind)
	}
}

func TestRemoveEmitsOnce(t *testing.T) {
	var evicted []netip.AddrPort
	cfg := testConfig()
	a, err := Bind(context.Background(), "127.0.0.1:0", cfg, Options{
		OnEvict: func(rec *conn.Record) { evicted = append(evicted, rec.Addr) },
	})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer a.Close()
	peer := dialPeer(t, a)
	key := localKey(peer)

	sendEnvelope(t, peer, []byte("hi"), 1, 0)
	nextEvent(t, a)
	nextEvent(t, a)

	if !a.Remove(key) {
		t.Fatalf("Remove reported absent connection")
	}
	if a.Remove(key) {
		t.Fatalf("second Remove succeeded")
	}
	if ev := nextEvent(t, a); ev.Kind != event.Disconnected {
		t.Fatalf("expected Disconnected, got %s", ev.Kind)
	}
	expectQuiet(t, a, 50*time.Millisecond)
	if len(evicted) != 1 || evicted[0] != key {
		t.Fatalf("OnEvict calls: %v", evicted)
	}
}

func TestEventOverflowIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.EventCapacity = 2
	a := bind(t, cfg)
	peer := dialPeer(t, a)

	for i := uint16(1); i <= 5; i++ {
		sendEnvelope(t, peer, []byte("flood"), i, 0)
	}

	done := make(chan error, 1)
	go func() { done <- a.Wait() }()
	select {
	case err := <-done:
		if !errors.Is(err, event.ErrOverflow) {
			t.Fatalf("expected ErrOverflow, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("actor kept running after overflow")
	}
	if err := a.Send(event.Command{Addr: localKey(peer), Delivery: event.Unreliable}); err != nil && !errors.Is(err, ErrClosed) {
		t.Fatalf("unexpected Send error %v", err)
	}
}

func TestCloseEndsEvents(t *testing.T) {
	a := bind(t, testConfig())
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Wait(); err != nil {
		t.Fatalf("Wait after Close: %v", err)
	}
	for range a.Events() {
	}
	if err := a.Send(event.Command{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCloseFlushesQueuedSends(t *testing.T) {
	a := bind(t, testConfig())
	peer := dialPeer(t, a)
	key := localKey(peer)

	for i := 0; i < 20; i++ {
		_ = a.Send(event.Command{Addr: key, Payload: []byte("bye"), Delivery: event.Unreliable})
	}
	_ = a.Close()

	for want := uint16(1); want <= 20; want++ {
		if d := readEnvelope(t, peer); d.Seq != want {
			t.Fatalf("expected seq %d, got %d", want, d.Seq)
		}
	}
}

func TestReliableWithoutChannel(t *testing.T) {
	a := bind(t, testConfig())
	peer := dialPeer(t, a)
	key := localKey(peer)

	_ = a.Send(event.Command{Addr: key, Payload: []byte("nope"), Delivery: event.Reliable})
	_ = a.Send(event.Command{Addr: key, Payload: []byte("yes"), Delivery: event.Unreliable})

	if ev := nextEvent(t, a); ev.Kind != event.Connected {
		t.Fatalf("expected Connected, got %s", ev.Kind)
	}
	if d := readEnvelope(t, peer); string(d.Payload) != "yes" {
		t.Fatalf("unexpected payload %q", d.Payload)
	}
}

func TestStalledReliablePeerDoesNotBlockOthers(t *testing.T) {
	a := bind(t, testConfig())
	peer := dialPeer(t, a)

	// A connection whose stream is never read: every write on the pipe blocks.
	local, remote := net.Pipe()
	t.Cleanup(func() { _ = local.Close(); _ = remote.Close() })
	stalled := netip.MustParseAddrPort("127.0.0.1:1")
	rec := conn.NewRecord(stalled, nil, time.Now())
	rec.Reliable = local
	rec.Writer = conn.NewWriter(local, 4)
	a.Table().Insert(rec)
	go func() { _ = rec.Writer.Run(context.Background(), 0, 0) }()

	for i := 0; i < 10; i++ {
		_ = a.Send(event.Command{Addr: stalled, Payload: []byte("blocked"), Delivery: event.Reliable})
	}
	_ = a.Send(event.Command{Addr: localKey(peer), Payload: []byte("through"), Delivery: event.Unreliable})

	if d := readEnvelope(t, peer); string(d.Payload) != "through" {
		t.Fatalf("unexpected payload %q", d.Payload)
	}
}

func TestPeerToPeer(t *testing.T) {
	left := bind(t, testConfig())
	right := bind(t, testConfig())

	_ = left.Send(event.Command{Addr: right.LocalAddr(), Payload: []byte("hi right"), Delivery: event.Unreliable})
	if ev := nextEvent(t, left); ev.Kind != event.Connected || ev.Addr != right.LocalAddr() {
		t.Fatalf("left: unexpected %+v", ev)
	}
	if ev := nextEvent(t, right); ev.Kind != event.Connected || ev.Addr != left.LocalAddr() {
		t.Fatalf("right: unexpected %+v", ev)
	}
	if ev := nextEvent(t, right); string(ev.Payload) != "hi right" {
		t.Fatalf("right: unexpected payload %q", ev.Payload)
	}

	_ = right.Send(event.Command{Addr: left.LocalAddr(), Payload: []byte("hi left"), Delivery: event.Unreliable})
	ev := nextEvent(t, left)
	if string(ev.Payload) != "hi left" {
		t.Fatalf("left: unexpected payload %q", ev.Payload)
	}
	if ev.RTT <= 0 {
		t.Fatalf("reply should carry an RTT sample, got %v", ev.RTT)
	}
}
