package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of an X25519 scalar or point.
const KeySize = curve25519.ScalarSize

var ErrInvalidPublicKey = errors.New("crypto: invalid X25519 public key")

// Ephemeral is the one-shot X25519 keypair a handshake side contributes.
type Ephemeral struct {
	Public  [KeySize]byte
	private [KeySize]byte
}

// NewEphemeral draws a fresh keypair from crypto/rand.
func NewEphemeral() (*Ephemeral, error) {
	e := &Ephemeral{}
	if _, err := rand.Read(e.private[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(e.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(e.Public[:], pub)
	return e, nil
}

// Shared returns the raw ECDH secret with peer. Feed it to DeriveSigningKey.
// All-zero and low-order peer points are refused.
func (e *Ephemeral) Shared(peer [KeySize]byte) ([]byte, error) {
	if peer == ([KeySize]byte{}) {
		return nil, ErrInvalidPublicKey
	}
	shared, err := curve25519.X25519(e.private[:], peer[:])
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return shared, nil
}
