package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/TheusHen/twinlink/twinlink/crypto"
)

const (
	// DefaultMaxDatagram is the receive bound for a single datagram, sized
	// below a typical 1500 byte link MTU after IP/UDP headers.
	DefaultMaxDatagram = 1450

	idSize = 8

	// FrameOverhead is the size of the tag and id that prefix an
	// authenticated datagram.
	FrameOverhead = crypto.TagSize + idSize
)

var (
	ErrDatagramMalformed = errors.New("protocol: malformed datagram")
	ErrDatagramShort     = errors.New("protocol: datagram too short")
	ErrDatagramTag       = errors.New("protocol: datagram tag mismatch")
)

// Datagram is the envelope of every unreliable message. Seq is the sender's
// wrapping counter; Ack echoes the last sequence the sender received.
type Datagram struct {
	_       struct{} `cbor:",toarray"`
	Seq     uint16
	Ack     uint16
	Payload []byte
}

// NewDatagram builds an envelope.
func NewDatagram(payload []byte, seq, ack uint16) Datagram {
	return Datagram{Seq: seq, Ack: ack, Payload: payload}
}

// MarshalDatagram encodes d as a canonical CBOR array [seq, ack, payload].
func MarshalDatagram(d Datagram) ([]byte, error) {
	return encMode.Marshal(d)
}

// UnmarshalDatagram decodes an envelope, rejecting anything that is not
// exactly one well-formed CBOR envelope.
func UnmarshalDatagram(b []byte) (Datagram, error) {
	var d Datagram
	if err := decMode.Unmarshal(b, &d); err != nil {
		return Datagram{}, errors.Join(ErrDatagramMalformed, err)
	}
	return d, nil
}

// SealFrame produces tag(8) || id(8, big endian) || body, where the tag covers
// id || body.
func SealFrame(a *crypto.Authenticator, id uint64, body []byte) []byte {
	out := make([]byte, FrameOverhead+len(body))
	binary.BigEndian.PutUint64(out[crypto.TagSize:FrameOverhead], id)
	copy(out[FrameOverhead:], body)
	tag := a.Sign(out[crypto.TagSize:])
	copy(out[:crypto.TagSize], tag[:])
	return out
}

// SplitFrame separates an authenticated datagram into tag, id and body
// without verifying it. The datagram must be strictly longer than the tag.
func SplitFrame(frame []byte) (tag []byte, id uint64, body []byte, err error) {
	if len(frame) <= crypto.TagSize || len(frame) < FrameOverhead {
		return nil, 0, nil, ErrDatagramShort
	}
	tag = frame[:crypto.TagSize]
	id = binary.BigEndian.Uint64(frame[crypto.TagSize:FrameOverhead])
	body = frame[FrameOverhead:]
	return tag, id, body, nil
}

// OpenFrame verifies frame with a and returns the connection id and body.
func OpenFrame(a *crypto.Authenticator, frame []byte) (uint64, []byte, error) {
	tag, id, body, err := SplitFrame(frame)
	if err != nil {
		return 0, nil, err
	}
	if !a.Verify(tag, frame[crypto.TagSize:]) {
		return 0, nil, ErrDatagramTag
	}
	return id, body, nil
}
