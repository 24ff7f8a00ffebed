// Package server accepts twinlink connections: each client completes a
// handshake over a reliable stream and then exchanges reliable frames on that
// stream and signed datagrams on the shared UDP socket.
package server

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
	"github.com/TheusHen/twinlink/twinlink/table"
	"github.com/TheusHen/twinlink/twinlink/transport"
)

var (
	ErrStreamAddress = errors.New("server: quic streams need their own address")
	ErrAddressInUse  = errors.New("server: connection address already in use")
)

const acceptBackoff = 50 * time.Millisecond

type Options struct {
	Logger *zap.Logger
	// Authorizer admits clients by token. Defaults to session.AllowAll.
	Authorizer session.Authorizer
	// TLSConfig replaces the self-signed certificate for TLS and QUIC streams.
	TLSConfig *tls.Config
}

type Server struct {
	cfg   config.Config
	log   *zap.Logger
	authz session.Authorizer

	table *conn.Table
	gate  *authGate
	actor *table.Actor
	ln    transport.Listener

	nextID atomic.Uint64
}

// Listen binds the datagram socket on addr and the stream listener on
// cfg.Stream.Address (TCP defaults to the datagram socket's address), then
// starts serving until ctx ends or Close is called.
func Listen(ctx context.Context, addr string, cfg config.Config, opts Options) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	authz := opts.Authorizer
	if authz == nil {
		authz = session.AllowAll
	}

	sock, err := transport.ListenDatagram(addr)
	if err != nil {
		return nil, fmt.Errorf("bind datagram socket: %w", err)
	}

	streamAddr := cfg.Stream.Address
	if streamAddr == "" {
		if cfg.Stream.Transport == config.StreamQUIC {
			_ = sock.Close()
			return nil, ErrStreamAddress
		}
		streamAddr = sock.LocalAddr().String()
	}
	ln, err := transport.Listen(ctx, cfg.Stream.Transport, streamAddr, transport.Options{
		TLS:       cfg.Stream.TLS,
		TLSConfig: opts.TLSConfig,
	})
	if err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("listen for streams: %w", err)
	}

	tbl := conn.NewTable()
	s := &Server{
		cfg:   cfg,
		log:   log.Named("server"),
		authz: authz,
		table: tbl,
		gate:  newAuthGate(tbl),
		ln:    ln,
	}
	s.actor = table.New(sock, tbl, s.gate, cfg, table.Options{Logger: log, OnEvict: s.evicted})
	s.actor.Start(ctx, s.accept)

	s.log.Info("listening",
		zap.Stringer("datagram", s.Addr()),
		zap.Stringer("stream", ln.Addr()),
		zap.String("transport", cfg.Stream.Transport))
	return s, nil
}

// Send queues payload for the connection at addr.
func (s *Server) Send(addr netip.AddrPort, payload []byte, d event.Delivery) error {
	return s.actor.Send(event.Command{Addr: addr, Payload: payload, Delivery: d})
}

// Submit queues a prepared command.
func (s *Server) Submit(cmd event.Command) error { return s.actor.Send(cmd) }

// Events is closed once the server has stopped.
func (s *Server) Events() <-chan event.Event { return s.actor.Events() }

// Disconnect drops the connection at addr and closes its stream.
func (s *Server) Disconnect(addr netip.AddrPort) bool { return s.actor.Remove(addr) }

// Close stops the server and waits for every goroutine it started.
func (s *Server) Close() error { return s.actor.Close() }

// Wait blocks until the server stops and returns the fatal error, if any.
func (s *Server) Wait() error { return s.actor.Wait() }

// Addr is the datagram socket address.
func (s *Server) Addr() netip.AddrPort { return s.actor.LocalAddr() }

// StreamAddr is the stream listener address.
func (s *Server) StreamAddr() net.Addr { return s.ln.Addr() }

func (s *Server) Len() int { return s.actor.Len() }

func (s *Server) RTT(addr netip.AddrPort) (time.Duration, bool) { return s.actor.RTT(addr) }

// Dropped counts datagrams that failed verification or decoding.
func (s *Server) Dropped() uint64 { return s.actor.Dropped() }

func (s *Server) accept(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.ln.Close() })
	defer stop()

	for {
		st, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptBackoff):
			}
			continue
		}
		s.actor.Go(func(ctx context.Context) error {
			s.serve(ctx, st)
			return nil
		})
	}
}

// serve runs the handshake and then reads reliable frames until the stream
// fails or the connection is removed.
func (s *Server) serve(ctx context.Context, st transport.Stream) {
	stop := context.AfterFunc(ctx, func() { _ = st.Close() })
	defer stop()

	key := transport.AddrPort(st.RemoteAddr())
	log := s.log.With(zap.Stringer("addr", key))

	var rec *conn.Record
	sess, err := session.HandshakeServer(ctx, st, session.ServerOptions{
		Authorizer: s.authz,
		NextID:     func() uint64 { return s.nextID.Add(1) },
		Timeout:    s.cfg.HandshakeTimeout,
		Admit: func(sess *session.Session) error {
			r, err := s.admit(key, st, sess)
			rec = r
			return err
		},
	})
	if err != nil {
		log.Info("handshake failed", zap.Error(err))
		if rec != nil {
			s.actor.RemoveRecord(rec)
		}
		_ = st.Close()
		return
	}
	log.Debug("connected", zap.Uint64("id", sess.ID))

	s.actor.Go(func(ctx context.Context) error {
		s.write(ctx, rec, log)
		return nil
	})

	for {
		f, err := protocol.ReadFrame(st, s.cfg.MaxReliableSize)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("reliable channel closed", zap.Error(err))
			}
			break
		}
		payload, err := protocol.DataPayload(f, s.cfg.MaxReliableSize)
		if err != nil {
			log.Warn("invalid reliable frame", zap.Stringer("type", f.Type), zap.Error(err))
			break
		}
		if !s.received(rec, payload) {
			break
		}
	}

	if ctx.Err() != nil {
		return
	}
	s.actor.RemoveRecord(rec)
}

// write drains the connection's reliable backlog. A peer that cannot take a
// frame within WriteTimeout is disconnected.
func (s *Server) write(ctx context.Context, rec *conn.Record, log *zap.Logger) {
	err := rec.Writer.Run(ctx, s.cfg.MaxReliableSize, s.cfg.WriteTimeout)
	if err == nil || ctx.Err() != nil {
		return
	}
	log.Info("reliable write failed", zap.Error(err))
	s.actor.RemoveRecord(rec)
}

// admit registers a handshaken connection before the client learns its id,
// so its first datagram already finds the record.
func (s *Server) admit(key netip.AddrPort, st transport.Stream, sess *session.Session) (*conn.Record, error) {
	rec := conn.NewRecord(key, rtt.New(s.cfg.RTTCapacity, s.cfg.RTTAlpha), time.Now())
	rec.Reliable = st
	rec.Writer = conn.NewWriter(st, s.cfg.ReliableBacklog)
	rec.ID = sess.ID
	rec.Auth = sess.Auth
	rec.DatagramAddr = netip.AddrPortFrom(key.Addr(), sess.DatagramPort)

	if !s.table.Insert(rec) {
		return nil, ErrAddressInUse
	}
	if err := s.actor.Emit(event.Event{Kind: event.Connected, Addr: key}); err != nil {
		s.table.Remove(key)
		return nil, err
	}
	s.gate.bind(sess.ID, key)
	return rec, nil
}

// received touches liveness and emits a reliable payload. It reports false
// once rec has left the table.
func (s *Server) received(rec *conn.Record, payload []byte) bool {
	alive := false
	s.table.Alter(rec.Addr, nil, func(r *conn.Record) {
		if r != rec {
			return
		}
		r.LastInteraction = time.Now()
		alive = s.actor.Emit(event.Event{
			Kind:     event.Received,
			Addr:     r.Addr,
			Payload:  payload,
			Delivery: event.Reliable,
			RTT:      r.Smoothed(),
		}) == nil
	})
	return alive
}

func (s *Server) evicted(rec *conn.Record) {
	s.gate.forget(rec.ID, rec.Addr)
	rec.Lock()
	st, w := rec.Reliable, rec.Writer
	rec.Unlock()
	if w != nil {
		w.Close()
	}
	if st != nil {
		_ = st.Close()
	}
}
