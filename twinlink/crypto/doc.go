// Package crypto provides the primitives twinlink uses to authenticate
// unreliable datagrams.
//
// Design goals:
//   - Per-connection signing keys derived from an ephemeral X25519 exchange
//   - Key derivation via HKDF-SHA256, bound to the connection id
//   - Short (8 byte) keyed BLAKE2b tags, cheap enough for every datagram
//   - Constant-time tag comparison
//
// Sealer encrypts opaque access tokens with XChaCha20-Poly1305.
package crypto
