package transport

import (
	"context"
	"net"
	"sync"
	"time"

	q "github.com/quic-go/quic-go"
)

// quicAcceptTimeout bounds how long a new QUIC connection may take to open its
// stream before it is dropped.
const quicAcceptTimeout = 10 * time.Second

var quicConfig = &q.Config{
	KeepAlivePeriod: 10 * time.Second,
}

// quicStream is the single bidirectional stream of a QUIC connection. Closing
// it tears down the whole connection.
type quicStream struct {
	q.Stream
	conn q.Connection
	once sync.Once
}

func (s *quicStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *quicStream) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *quicStream) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.Stream.Close()
		err = s.conn.CloseWithError(0, "")
	})
	return err
}

// quicListener accepts connections in the background and hands out their
// first stream, so a slow peer never blocks others.
type quicListener struct {
	inner   *q.Listener
	streams chan Stream
	done    chan struct{}
	once    sync.Once
}

func listenQUIC(addr string, opts Options) (Listener, error) {
	conf, err := tlsConfig(opts)
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, conf, quicConfig)
	if err != nil {
		return nil, err
	}
	l := &quicListener{
		inner:   ln,
		streams: make(chan Stream),
		done:    make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *quicListener) acceptLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-l.done
		cancel()
	}()

	for {
		conn, err := l.inner.Accept(ctx)
		if err != nil {
			return
		}
		go l.acceptStream(ctx, conn)
	}
}

func (l *quicListener) acceptStream(ctx context.Context, conn q.Connection) {
	ctx, cancel := context.WithTimeout(ctx, quicAcceptTimeout)
	defer cancel()

	st, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}
	s := &quicStream{Stream: st, conn: conn}
	select {
	case l.streams <- s:
	case <-l.done:
		_ = s.Close()
	}
}

func (l *quicListener) Accept(ctx context.Context) (Stream, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *quicListener) Addr() net.Addr { return l.inner.Addr() }

func (l *quicListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.inner.Close()
	})
	return err
}

// dialQUIC opens a connection and its single stream. quic-go only announces a
// stream to the peer once data is written, which the handshake does at once.
func dialQUIC(ctx context.Context, addr string, opts Options) (Stream, error) {
	conf, err := tlsConfig(opts)
	if err != nil {
		return nil, err
	}
	conn, err := q.DialAddr(ctx, addr, conf, quicConfig)
	if err != nil {
		return nil, err
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicStream{Stream: st, conn: conn}, nil
}
