package session

import (
	"errors"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/TheusHen/twinlink/twinlink/crypto"
)

var (
	ErrTokenInvalid = errors.New("session: token invalid")
	ErrTokenExpired = errors.New("session: token expired")
	ErrTokenRevoked = errors.New("session: token revoked")
)

const (
	TokenKeySize         = crypto.SealKeySize
	DefaultTokenLifetime = 24 * time.Hour

	tokenAD = "twinlink-token"
)

// Grant is the content of a token.
type Grant struct {
	_         struct{} `cbor:",toarray"`
	Subject   string
	IssuedAt  int64 // unix seconds
	ExpiresAt int64
}

// Tokens issues encrypted access tokens and authorizes handshakes that
// present them. Only a holder of the key can mint or read a token, so the
// server keeps no per-token state; revocation is tracked per subject.
type Tokens struct {
	sealer   *crypto.Sealer
	lifetime time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	revoked map[string]int64 // subject -> tokens issued at or before are void
}

// NewTokens creates an issuer from a TokenKeySize key. Servers sharing a key
// accept each other's tokens.
func NewTokens(key []byte, lifetime time.Duration) (*Tokens, error) {
	s, err := crypto.NewSealer(key)
	if err != nil {
		return nil, err
	}
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	return &Tokens{
		sealer:   s,
		lifetime: lifetime,
		now:      time.Now,
		revoked:  make(map[string]int64),
	}, nil
}

// Issue mints a token for subject.
func (t *Tokens) Issue(subject string) ([]byte, error) {
	now := t.now()
	plain, err := cbor.Marshal(Grant{
		Subject:   subject,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(t.lifetime).Unix(),
	})
	if err != nil {
		return nil, err
	}
	return t.sealer.Seal(plain, []byte(tokenAD))
}

// Parse decrypts and validates a token.
func (t *Tokens) Parse(token []byte) (Grant, error) {
	plain, err := t.sealer.Open(token, []byte(tokenAD))
	if err != nil {
		return Grant{}, ErrTokenInvalid
	}
	var g Grant
	if err := cbor.Unmarshal(plain, &g); err != nil {
		return Grant{}, ErrTokenInvalid
	}
	if t.now().Unix() > g.ExpiresAt {
		return Grant{}, ErrTokenExpired
	}

	t.mu.RLock()
	cutoff, ok := t.revoked[g.Subject]
	t.mu.RUnlock()
	if ok && g.IssuedAt <= cutoff {
		return Grant{}, ErrTokenRevoked
	}
	return g, nil
}

// Authorize implements Authorizer.
func (t *Tokens) Authorize(token []byte) error {
	_, err := t.Parse(token)
	return err
}

// Revoke voids every token issued to subject so far.
func (t *Tokens) Revoke(subject string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.revoked[subject] = t.now().Unix()
}

// Cleanup forgets revocations older than the token lifetime, since every
// token they could match has expired.
func (t *Tokens) Cleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	horizon := t.now().Add(-t.lifetime).Unix()
	removed := 0
	for subject, cutoff := range t.revoked {
		if cutoff < horizon {
			delete(t.revoked, subject)
			removed++
		}
	}
	return removed
}
