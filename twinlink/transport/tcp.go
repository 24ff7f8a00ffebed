package transport

import (
	"context"
	"crypto/tls"
	"net"
)

type tcpListener struct {
	inner net.Listener
	// tls is set when accepted connections are wrapped in TLS.
	tls *tls.Config
}

func listenTCP(ctx context.Context, addr string, opts Options) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &tcpListener{inner: ln}
	if opts.TLS {
		if l.tls, err = tlsConfig(opts); err != nil {
			ln.Close()
			return nil, err
		}
	}
	return l, nil
}

// Accept blocks until a peer connects or the listener is closed; ctx is only
// checked between accepts. Socket options go on the raw connection before
// any TLS wrapping; the TLS handshake runs on first use.
func (l *tcpListener) Accept(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := l.inner.Accept()
	if err != nil {
		return nil, err
	}
	noDelay(c)
	if l.tls != nil {
		return tls.Server(c, l.tls), nil
	}
	return c, nil
}

func (l *tcpListener) Addr() net.Addr { return l.inner.Addr() }

func (l *tcpListener) Close() error { return l.inner.Close() }

func dialTCP(ctx context.Context, addr string, opts Options) (Stream, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	noDelay(c)
	if !opts.TLS {
		return c, nil
	}

	conf, err := tlsConfig(opts)
	if err != nil {
		c.Close()
		return nil, err
	}
	tc := tls.Client(c, conf)
	if err := tc.HandshakeContext(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return tc, nil
}

// noDelay disables Nagle so small reliable messages are not held back.
func noDelay(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}
