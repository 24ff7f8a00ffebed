// Package session runs the connection handshake over a reliable stream. It
// admits the client by token, assigns the unreliable id and derives the
// datagram signing key both sides use afterwards.
package session

import (
	"errors"

	"github.com/TheusHen/twinlink/twinlink/crypto"
)

var (
	ErrHandshakeRejected   = errors.New("session: handshake rejected")
	ErrHandshakeUnexpected = errors.New("session: unexpected handshake message")
	ErrHandshakeVersion    = errors.New("session: unsupported protocol version")
)

// Session is the outcome of a successful handshake.
type Session struct {
	// ID tags every datagram of the connection.
	ID uint64
	// Key is the derived signing key; Auth wraps it.
	Key  []byte
	Auth *crypto.Authenticator
	// DatagramPort is the client's UDP port as announced in Hello. Only set
	// on the server side.
	DatagramPort uint16
	// Token is the credential the client presented. Only set on the server side.
	Token []byte
}

// Authorizer admits or refuses a client by its token. A non-nil error rejects
// the connection; its text is sent to the client as the reason.
type Authorizer interface {
	Authorize(token []byte) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(token []byte) error

func (f AuthorizerFunc) Authorize(token []byte) error { return f(token) }

// AllowAll admits every client.
var AllowAll Authorizer = AuthorizerFunc(func([]byte) error { return nil })

func newSession(id uint64, shared []byte, clientPub, serverPub [32]byte) (*Session, error) {
	key, err := crypto.DeriveSigningKey(shared, id, clientPub, serverPub)
	if err != nil {
		return nil, err
	}
	auth, err := crypto.NewAuthenticator(key)
	if err != nil {
		return nil, err
	}
	return &Session{ID: id, Key: key, Auth: auth}, nil
}
