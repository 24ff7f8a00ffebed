package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SigningKeySize is the length of a derived datagram signing key.
const SigningKeySize = 32

const signingInfo = "twinlink-unreliable"

// DeriveSigningKey derives the datagram signing key for connection id from the
// handshake's shared secret. The info string carries the id and both public
// keys in client, server order.
func DeriveSigningKey(sharedSecret []byte, id uint64, clientPub, serverPub [KeySize]byte) ([]byte, error) {
	info := make([]byte, 0, len(signingInfo)+8+2*KeySize)
	info = append(info, signingInfo...)
	info = binary.BigEndian.AppendUint64(info, id)
	info = append(info, clientPub[:]...)
	info = append(info, serverPub[:]...)

	key := make([]byte, SigningKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, nil, info), key); err != nil {
		return nil, err
	}
	return key, nil
}
