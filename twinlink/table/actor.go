// Package table runs a connection table over one datagram socket: an inbound
// worker, an outbound worker and a timeout sweeper share the table and
// report through one bounded event channel.
package table

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/TheusHen/twinlink/internal/queue"
	"github.com/TheusHen/twinlink/twinlink/config"
	"github.com/TheusHen/twinlink/twinlink/conn"
	"github.com/TheusHen/twinlink/twinlink/event"
	"github.com/TheusHen/twinlink/twinlink/protocol"
	"github.com/TheusHen/twinlink/twinlink/rtt"
	"github.com/TheusHen/twinlink/twinlink/transport"
)

var (
	ErrClosed     = errors.New("table: closed")
	ErrNotStarted = errors.New("table: not started")
)

// closeDrainTimeout bounds how long Close waits for queued commands to go out.
const closeDrainTimeout = 2 * time.Second

type Options struct {
	Logger *zap.Logger
	// OnEvict runs after a record leaves the table, outside any lock.
	OnEvict func(*conn.Record)
}

// Actor owns the workers of one table. Create it with New, then Start.
type Actor struct {
	cfg     config.Config
	sock    *net.UDPConn
	table   *conn.Table
	gate    Gate
	log     *zap.Logger
	onEvict func(*conn.Record)

	outbox  *queue.Queue[event.Command]
	dropLog *rate.Limiter
	dropped atomic.Uint64

	emitMu       sync.RWMutex
	events       chan event.Event
	eventsClosed bool

	group        *errgroup.Group
	ctx          context.Context
	cancel       context.CancelFunc
	outboundDone chan struct{}
	done         chan struct{}

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// New wires an actor to sock and tbl. The actor takes ownership of sock.
func New(sock *net.UDPConn, tbl *conn.Table, gate Gate, cfg config.Config, opts Options) *Actor {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	a := &Actor{
		cfg:          cfg,
		sock:         sock,
		table:        tbl,
		gate:         gate,
		log:          log.Named("table"),
		onEvict:      opts.OnEvict,
		outbox:       queue.New[event.Command](),
		dropLog:      rate.NewLimiter(rate.Every(time.Second), 10),
		events:       make(chan event.Event, cfg.EventCapacity),
		outboundDone: make(chan struct{}),
		done:         make(chan struct{}),
	}
	tbl.OnRemove(a.removed)
	return a
}

// Bind opens a peer-to-peer socket on addr: datagrams are unauthenticated
// envelopes and any address that sends or is sent to becomes a connection.
func Bind(ctx context.Context, addr string, cfg config.Config, opts Options) (*Actor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sock, err := transport.ListenDatagram(addr)
	if err != nil {
		return nil, err
	}
	a := New(sock, conn.NewTable(), OpenGate{}, cfg, opts)
	a.Start(ctx)
	return a, nil
}

// Start launches the workers, plus any extra ones the owner supplies. They
// run until Close, until ctx ends, or until one of them fails.
func (a *Actor) Start(ctx context.Context, extra ...func(context.Context) error) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.group, a.ctx = errgroup.WithContext(ctx)

	a.group.Go(func() error {
		<-a.ctx.Done()
		_ = a.sock.Close()
		return nil
	})
	a.group.Go(a.inbound)
	a.group.Go(func() error {
		defer close(a.outboundDone)
		return a.outbound()
	})
	a.group.Go(a.sweep)
	for _, fn := range extra {
		a.Go(fn)
	}

	go func() {
		err := a.group.Wait()
		a.setErr(err)

		a.emitMu.Lock()
		a.eventsClosed = true
		close(a.events)
		a.emitMu.Unlock()

		close(a.done)
	}()
}

// Go runs fn alongside the workers; Close and Wait include it. It must be
// called from a goroutine that is itself part of the actor (a worker or a
// function passed to Go) so it cannot race with shutdown.
func (a *Actor) Go(fn func(ctx context.Context) error) {
	a.group.Go(func() error { return fn(a.ctx) })
}

// Events is closed after every worker has exited.
func (a *Actor) Events() <-chan event.Event { return a.events }

// Send queues a command for the outbound worker. It never blocks.
func (a *Actor) Send(cmd event.Command) error {
	if err := a.outbox.Push(cmd); err != nil {
		return ErrClosed
	}
	return nil
}

// Emit publishes e. A full channel is fatal: the actor shuts down and Wait
// reports event.ErrOverflow.
func (a *Actor) Emit(e event.Event) error {
	a.emitMu.RLock()
	defer a.emitMu.RUnlock()
	if a.eventsClosed {
		return ErrClosed
	}
	if err := event.Emit(a.events, e); err != nil {
		a.fail(err)
		return err
	}
	return nil
}

// Remove drops the connection for key, emitting Disconnected if it existed.
func (a *Actor) Remove(key netip.AddrPort) bool {
	rec, ok := a.table.Remove(key)
	if ok {
		a.evicted(rec)
	}
	return ok
}

// RemoveRecord is Remove restricted to rec itself, leaving a newer record
// under the same key alone.
func (a *Actor) RemoveRecord(rec *conn.Record) bool {
	_, ok := a.table.RemoveIf(rec.Addr, func(r *conn.Record) bool { return r == rec })
	if ok {
		a.evicted(rec)
	}
	return ok
}

func (a *Actor) Table() *conn.Table { return a.table }

func (a *Actor) Len() int { return a.table.Len() }

// RTT returns the smoothed estimate for key.
func (a *Actor) RTT(key netip.AddrPort) (time.Duration, bool) {
	rec, ok := a.table.Get(key)
	if !ok {
		return 0, false
	}
	rec.Lock()
	defer rec.Unlock()
	return rec.RTT.Estimate()
}

// Dropped counts datagrams rejected by the gate or the envelope decoder.
func (a *Actor) Dropped() uint64 { return a.dropped.Load() }

func (a *Actor) LocalAddr() netip.AddrPort { return transport.AddrPort(a.sock.LocalAddr()) }

// Close stops accepting commands, gives queued ones a moment to go out, then
// stops every worker and waits for them.
func (a *Actor) Close() error {
	a.closeOnce.Do(func() {
		a.outbox.Close()
		if a.group == nil {
			_ = a.sock.Close()
			close(a.done)
			return
		}
		select {
		case <-a.outboundDone:
		case <-a.done:
		case <-time.After(closeDrainTimeout):
		}
		a.cancel()
		<-a.done
	})
	return a.Err()
}

// Wait blocks until the actor has stopped and returns the error that stopped
// it, nil after a plain Close.
func (a *Actor) Wait() error {
	if a.group == nil {
		return ErrNotStarted
	}
	<-a.done
	return a.Err()
}

// Err returns the fatal error, if any, without waiting.
func (a *Actor) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

func (a *Actor) setErr(err error) {
	if err == nil {
		return
	}
	a.errMu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.errMu.Unlock()
}

func (a *Actor) fail(err error) {
	a.setErr(err)
	a.log.Error("stopping", zap.Error(err))
	if a.cancel != nil {
		a.cancel()
	}
}

// removed runs under the table locks for every removal, so Disconnected is
// emitted exactly once and ordered after any event for the same record.
func (a *Actor) removed(rec *conn.Record) {
	_ = a.Emit(event.Event{Kind: event.Disconnected, Addr: rec.Addr, RTT: rec.Smoothed()})
}

func (a *Actor) evicted(rec *conn.Record) {
	a.log.Debug("connection removed", zap.Stringer("addr", rec.Addr))
	if a.onEvict != nil {
		a.onEvict(rec)
	}
}

// creator returns the record constructor for key, or nil if the gate does not
// create records on demand. Connected is emitted before the record becomes
// visible to other workers.
func (a *Actor) creator(key netip.AddrPort, now time.Time, errp *error) func() *conn.Record {
	if !a.gate.Lazy() {
		return nil
	}
	return func() *conn.Record {
		rec := conn.NewRecord(key, rtt.New(a.cfg.RTTCapacity, a.cfg.RTTAlpha), now)
		*errp = a.Emit(event.Event{Kind: event.Connected, Addr: key})
		return rec
	}
}

func (a *Actor) drop(msg string, from netip.AddrPort, err error) {
	a.dropped.Add(1)
	if a.dropLog.Allow() {
		a.log.Debug(msg, zap.Stringer("from", from), zap.Error(err))
	}
}

func (a *Actor) inbound() error {
	buf := make([]byte, a.cfg.MaxDatagramSize)
	for {
		n, from, err := a.sock.ReadFromUDPAddrPort(buf)
		if err != nil {
			if a.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			a.log.Warn("datagram read failed", zap.Error(err))
			continue
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		if err := a.receive(from, buf[:n], time.Now()); err != nil {
			return err
		}
	}
}

func (a *Actor) receive(from netip.AddrPort, frame []byte, now time.Time) error {
	key, body, err := a.gate.Open(from, frame)
	if err != nil {
		a.drop("datagram rejected", from, err)
		return nil
	}
	d, err := protocol.UnmarshalDatagram(body)
	if err != nil {
		a.drop("malformed datagram", from, err)
		return nil
	}

	var emitErr error
	_, ok := a.table.Alter(key, a.creator(key, now, &emitErr), func(rec *conn.Record) {
		if emitErr != nil {
			return
		}
		rec.LastInteraction = now
		rec.RTT.Observe(d.Ack, now)
		if rtt.SeqLess(rec.SeqRemote, d.Seq) {
			a.gate.Learn(rec, from)
		}
		rec.SeqRemote = d.Seq
		emitErr = a.Emit(event.Event{
			Kind:     event.Received,
			Addr:     key,
			Payload:  d.Payload,
			Delivery: event.Unreliable,
			RTT:      rec.Smoothed(),
		})
	})
	if emitErr != nil {
		return emitErr
	}
	if !ok {
		a.drop("datagram for unknown connection", from, nil)
	}
	return nil
}

func (a *Actor) outbound() error {
	for {
		cmd, err := a.outbox.Pop(a.ctx)
		if err != nil {
			return nil
		}
		if err := a.dispatch(cmd, time.Now()); err != nil {
			return err
		}
	}
}

func (a *Actor) dispatch(cmd event.Command, now time.Time) error {
	switch cmd.Delivery {
	case event.Reliable:
		a.sendReliable(cmd)
		return nil
	case event.Unreliable:
		return a.sendUnreliable(cmd, now)
	default:
		a.log.Warn("unknown delivery class", zap.Stringer("delivery", cmd.Delivery))
		return nil
	}
}

func (a *Actor) sendReliable(cmd event.Command) {
	rec, ok := a.table.Get(cmd.Addr)
	if !ok {
		a.log.Debug("reliable send to unknown connection", zap.Stringer("addr", cmd.Addr))
		return
	}
	if len(cmd.Payload) > a.cfg.MaxReliableSize {
		a.log.Warn("reliable message exceeds max size",
			zap.Stringer("addr", cmd.Addr), zap.Int("size", len(cmd.Payload)), zap.Int("max", a.cfg.MaxReliableSize))
		return
	}
	f := protocol.DataFrame(cmd.Payload, a.cfg.CompressionOptions())
	if err := rec.QueueFrame(f); err != nil {
		a.log.Warn("reliable send failed", zap.Stringer("addr", cmd.Addr), zap.Error(err))
	}
}

func (a *Actor) sendUnreliable(cmd event.Command, now time.Time) error {
	var (
		to      netip.AddrPort
		frame   []byte
		sealErr error
		emitErr error
	)
	_, ok := a.table.Alter(cmd.Addr, a.creator(cmd.Addr, now, &emitErr), func(rec *conn.Record) {
		if emitErr != nil {
			return
		}
		rec.SeqLocal = rtt.SeqNext(rec.SeqLocal)
		rec.RTT.Register(rec.SeqLocal, now)
		body, err := protocol.MarshalDatagram(protocol.NewDatagram(cmd.Payload, rec.SeqLocal, rec.SeqRemote))
		if err != nil {
			sealErr = err
			return
		}
		to, frame, sealErr = a.gate.Seal(rec, body)
	})
	switch {
	case emitErr != nil:
		return emitErr
	case !ok:
		a.log.Debug("unreliable send to unknown connection", zap.Stringer("addr", cmd.Addr))
		return nil
	case sealErr != nil:
		a.log.Warn("unreliable send failed", zap.Stringer("addr", cmd.Addr), zap.Error(sealErr))
		return nil
	case len(frame) > a.cfg.MaxDatagramSize:
		a.log.Warn("datagram exceeds max size",
			zap.Stringer("addr", cmd.Addr), zap.Int("size", len(frame)), zap.Int("max", a.cfg.MaxDatagramSize))
		return nil
	}
	if _, err := a.sock.WriteToUDPAddrPort(frame, to); err != nil {
		a.log.Warn("unreliable send failed", zap.Stringer("addr", to), zap.Error(err))
	}
	return nil
}

func (a *Actor) sweep() error {
	t := time.NewTicker(a.cfg.SweepEvery())
	defer t.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return nil
		case now := <-t.C:
			for _, rec := range a.table.Sweep(now, a.cfg.Timeout) {
				a.evicted(rec)
			}
		}
	}
}
