package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrHandshakeMalformed = errors.New("protocol: malformed handshake message")
)

// MaxTokenSize bounds the opaque authentication token a client may present.
const MaxTokenSize = 4096

// Hello opens the handshake. The client announces the local port of its
// datagram socket so the server can address unreliable traffic before the
// first datagram arrives.
type Hello struct {
	_            struct{} `cbor:",toarray"`
	Version      uint8
	Token        []byte
	Ephemeral    [32]byte
	DatagramPort uint16
}

// Welcome accepts the connection and assigns its unreliable id.
type Welcome struct {
	_         struct{} `cbor:",toarray"`
	ID        uint64
	Ephemeral [32]byte
}

// Reject refuses the connection.
type Reject struct {
	_      struct{} `cbor:",toarray"`
	Reason string
}

func EncodeHello(h Hello) (Frame, error) {
	if len(h.Token) > MaxTokenSize {
		return Frame{}, fmt.Errorf("%w: token of %d bytes", ErrHandshakeMalformed, len(h.Token))
	}
	b, err := encMode.Marshal(h)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: MessageTypeHello, Payload: b}, nil
}

func DecodeHello(f Frame) (Hello, error) {
	var h Hello
	if f.Type != MessageTypeHello {
		return Hello{}, ErrInvalidType
	}
	if err := decMode.Unmarshal(f.Payload, &h); err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrHandshakeMalformed, err)
	}
	if len(h.Token) > MaxTokenSize {
		return Hello{}, fmt.Errorf("%w: token of %d bytes", ErrHandshakeMalformed, len(h.Token))
	}
	return h, nil
}

func EncodeWelcome(w Welcome) (Frame, error) {
	b, err := encMode.Marshal(w)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: MessageTypeWelcome, Payload: b}, nil
}

func DecodeWelcome(f Frame) (Welcome, error) {
	var w Welcome
	if f.Type != MessageTypeWelcome {
		return Welcome{}, ErrInvalidType
	}
	if err := decMode.Unmarshal(f.Payload, &w); err != nil {
		return Welcome{}, fmt.Errorf("%w: %v", ErrHandshakeMalformed, err)
	}
	return w, nil
}

func EncodeReject(r Reject) (Frame, error) {
	b, err := encMode.Marshal(r)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: MessageTypeReject, Payload: b}, nil
}

func DecodeReject(f Frame) (Reject, error) {
	var r Reject
	if f.Type != MessageTypeReject {
		return Reject{}, ErrInvalidType
	}
	if err := decMode.Unmarshal(f.Payload, &r); err != nil {
		return Reject{}, fmt.Errorf("%w: %v", ErrHandshakeMalformed, err)
	}
	return r, nil
}
