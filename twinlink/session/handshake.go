package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/TheusHen/twinlink/twinlink/crypto"
	"github.com/TheusHen/twinlink/twinlink/protocol"
	"github.com/TheusHen/twinlink/twinlink/transport"
)

// handshakeFrameLimit bounds every handshake frame; Hello is the largest.
const handshakeFrameLimit = protocol.MaxTokenSize + 256

type ClientOptions struct {
	Token []byte
	// DatagramPort is the local port of the client's UDP socket.
	DatagramPort uint16
	// Timeout bounds the whole exchange. Zero means only ctx applies.
	Timeout time.Duration
}

type ServerOptions struct {
	// Authorizer defaults to AllowAll.
	Authorizer Authorizer
	// NextID allocates the connection id of an admitted client. Defaults to a
	// random id.
	NextID func() uint64
	// Admit runs after the key exchange and before Welcome is sent, so the
	// caller can register the connection before the client may use it. An
	// error rejects the client.
	Admit   func(*Session) error
	Timeout time.Duration
}

// HandshakeClient performs the handshake as the connecting side.
func HandshakeClient(ctx context.Context, s transport.Stream, opts ClientOptions) (*Session, error) {
	release := bindDeadline(ctx, s, opts.Timeout)
	defer release()

	eph, err := crypto.NewEphemeral()
	if err != nil {
		return nil, err
	}
	hello, err := protocol.EncodeHello(protocol.Hello{
		Version:      protocol.Version,
		Token:        opts.Token,
		Ephemeral:    eph.Public,
		DatagramPort: opts.DatagramPort,
	})
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteFrame(s, hello, handshakeFrameLimit); err != nil {
		return nil, ctxErr(ctx, err)
	}

	frame, err := protocol.ReadFrame(s, handshakeFrameLimit)
	if err != nil {
		return nil, ctxErr(ctx, err)
	}
	switch frame.Type {
	case protocol.MessageTypeWelcome:
	case protocol.MessageTypeReject:
		r, err := protocol.DecodeReject(frame)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, r.Reason)
	default:
		return nil, fmt.Errorf("%w: %s", ErrHandshakeUnexpected, frame.Type)
	}

	welcome, err := protocol.DecodeWelcome(frame)
	if err != nil {
		return nil, err
	}
	shared, err := eph.Shared(welcome.Ephemeral)
	if err != nil {
		return nil, err
	}
	return newSession(welcome.ID, shared, eph.Public, welcome.Ephemeral)
}

// HandshakeServer performs the handshake as the accepting side. A refused
// client is sent a Reject before the error is returned; closing the stream is
// left to the caller. If Welcome cannot be sent after Admit succeeded, the
// admitted session is returned together with the error.
func HandshakeServer(ctx context.Context, s transport.Stream, opts ServerOptions) (*Session, error) {
	release := bindDeadline(ctx, s, opts.Timeout)
	defer release()

	frame, err := protocol.ReadFrame(s, handshakeFrameLimit)
	if err != nil {
		return nil, ctxErr(ctx, err)
	}
	if frame.Type != protocol.MessageTypeHello {
		return nil, fmt.Errorf("%w: %s", ErrHandshakeUnexpected, frame.Type)
	}
	hello, err := protocol.DecodeHello(frame)
	if err != nil {
		return nil, err
	}
	if hello.Version != protocol.Version {
		reject(s, fmt.Sprintf("unsupported version %d", hello.Version))
		return nil, fmt.Errorf("%w: %d", ErrHandshakeVersion, hello.Version)
	}

	authz := opts.Authorizer
	if authz == nil {
		authz = AllowAll
	}
	if err := authz.Authorize(hello.Token); err != nil {
		reject(s, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}

	eph, err := crypto.NewEphemeral()
	if err != nil {
		return nil, err
	}
	shared, err := eph.Shared(hello.Ephemeral)
	if err != nil {
		reject(s, "invalid key share")
		return nil, err
	}

	nextID := opts.NextID
	if nextID == nil {
		nextID = randomID
	}
	sess, err := newSession(nextID(), shared, hello.Ephemeral, eph.Public)
	if err != nil {
		return nil, err
	}
	sess.DatagramPort = hello.DatagramPort
	sess.Token = hello.Token
	if opts.Admit != nil {
		if err := opts.Admit(sess); err != nil {
			reject(s, err.Error())
			return nil, fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
		}
	}

	welcome, err := protocol.EncodeWelcome(protocol.Welcome{ID: sess.ID, Ephemeral: eph.Public})
	if err != nil {
		return sess, err
	}
	if err := protocol.WriteFrame(s, welcome, handshakeFrameLimit); err != nil {
		return sess, ctxErr(ctx, err)
	}
	return sess, nil
}

func reject(s transport.Stream, reason string) {
	f, err := protocol.EncodeReject(protocol.Reject{Reason: reason})
	if err != nil {
		return
	}
	_ = protocol.WriteFrame(s, f, handshakeFrameLimit)
}

// bindDeadline applies the timeout to s and cuts it short when ctx ends. The
// returned func clears the deadline again.
func bindDeadline(ctx context.Context, s transport.Stream, timeout time.Duration) func() {
	if timeout > 0 {
		_ = s.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = s.SetDeadline(time.Time{})
	}
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func randomID() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}
