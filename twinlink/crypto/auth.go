package crypto

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// TagSize is the length of a datagram authentication tag.
const TagSize = 8

var (
	ErrInvalidSigningKey = errors.New("crypto: invalid signing key size")
)

// Authenticator signs and verifies unreliable payloads with a per-connection key.
//
// There is no replay window: a captured datagram verifies again if resent.
type Authenticator struct {
	key [SigningKeySize]byte
}

// NewAuthenticator creates an authenticator from a key produced by DeriveSigningKey.
func NewAuthenticator(key []byte) (*Authenticator, error) {
	if len(key) != SigningKeySize {
		return nil, ErrInvalidSigningKey
	}
	a := &Authenticator{}
	copy(a.key[:], key)
	return a, nil
}

// Sign returns the tag for the concatenation of parts.
func (a *Authenticator) Sign(parts ...[]byte) [TagSize]byte {
	// blake2b.New only fails for bad sizes or keys longer than 64 bytes.
	h, _ := blake2b.New(TagSize, a.key[:])
	for _, p := range parts {
		h.Write(p)
	}
	var tag [TagSize]byte
	copy(tag[:], h.Sum(nil))
	return tag
}

// Verify recomputes the tag over parts and compares it in constant time.
func (a *Authenticator) Verify(tag []byte, parts ...[]byte) bool {
	if len(tag) != TagSize {
		return false
	}
	want := a.Sign(parts...)
	return subtle.ConstantTimeCompare(want[:], tag) == 1
}
