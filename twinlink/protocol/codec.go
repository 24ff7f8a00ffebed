package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFramePayload is the default limit for a single reliable frame payload.
	MaxFramePayload = 1 << 20 // 1 MiB

	headerSize = 6
)

var (
	ErrFrameTooLarge = errors.New("protocol: frame payload too large")
	ErrInvalidType   = errors.New("protocol: invalid message type")
	ErrInvalidFlags  = errors.New("protocol: invalid frame flags")
)

// Frame is the unit carried by the reliable stream.
// Format:
//
//	1 byte: type
//	1 byte: flags
//	4 bytes: payload length (big endian)
//	N bytes: payload
type Frame struct {
	Type    MessageType
	Flags   Flags
	Payload []byte
}

// WriteFrame writes f with a single Write call so that concurrent writers
// holding the same lock never interleave partial frames.
func WriteFrame(w io.Writer, f Frame, maxPayload int) error {
	if f.Type == 0 {
		return ErrInvalidType
	}
	if maxPayload <= 0 {
		maxPayload = MaxFramePayload
	}
	if len(f.Payload) > maxPayload {
		return fmt.Errorf("%w: %d", ErrFrameTooLarge, len(f.Payload))
	}

	buf := make([]byte, headerSize+len(f.Payload))
	buf[0] = byte(f.Type)
	buf[1] = byte(f.Flags)
	binary.BigEndian.PutUint32(buf[2:headerSize], uint32(len(f.Payload)))
	copy(buf[headerSize:], f.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame from r. It never reads past the frame, so
// r can be reused for the next call without buffering.
func ReadFrame(r io.Reader, maxPayload int) (Frame, error) {
	if maxPayload <= 0 {
		maxPayload = MaxFramePayload
	}
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}

	mt := MessageType(hdr[0])
	if mt == 0 {
		return Frame{}, ErrInvalidType
	}
	flags := Flags(hdr[1])
	if flags&^knownFlags != 0 {
		return Frame{}, ErrInvalidFlags
	}
	payloadLen := binary.BigEndian.Uint32(hdr[2:])
	if uint64(payloadLen) > uint64(maxPayload) {
		return Frame{}, fmt.Errorf("%w: %d", ErrFrameTooLarge, payloadLen)
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
	return Frame{Type: mt, Flags: flags, Payload: payload}, nil
}
