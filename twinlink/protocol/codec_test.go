package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Frame{Type: MessageTypeData, Payload: []byte("ok")}
	if err := WriteFrame(&buf, in, 0); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	out, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if out.Type != in.Type {
		t.Fatalf("type mismatch")
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestFramesStayOrdered(t *testing.T) {
	var buf bytes.Buffer
	msgs := [][]byte{[]byte("first"), {}, []byte("third"), bytes.Repeat([]byte{7}, 4096)}
	for _, m := range msgs {
		if err := WriteFrame(&buf, Frame{Type: MessageTypeData, Payload: m}, 0); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	for i, m := range msgs {
		f, err := ReadFrame(&buf, 0)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if !bytes.Equal(f.Payload, m) {
			t.Fatalf("frame %d payload mismatch", i)
		}
	}
	if _, err := ReadFrame(&buf, 0); err != io.EOF {
		t.Fatalf("expected io.EOF after last frame, got %v", err)
	}
}

func TestFrameLimits(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, Frame{Type: MessageTypeData, Payload: make([]byte, 11)}, 10)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge on write, got %v", err)
	}

	if err := WriteFrame(&buf, Frame{Type: MessageTypeData, Payload: make([]byte, 11)}, 100); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if _, err := ReadFrame(&buf, 10); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge on read, got %v", err)
	}
}

func TestFrameRejectsGarbageHeader(t *testing.T) {
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0, 0, 0}), 0); err != ErrInvalidType {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{4, 0x80, 0, 0, 0, 0}), 0); err != ErrInvalidFlags {
		t.Fatalf("expected ErrInvalidFlags, got %v", err)
	}
	if err := WriteFrame(io.Discard, Frame{}, 0); err != ErrInvalidType {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
}

func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, Frame{Type: MessageTypeData, Payload: []byte("truncated")}, 0)
	short := buf.Bytes()[:buf.Len()-3]
	if _, err := ReadFrame(bytes.NewReader(short), 0); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestDataFrameCompression(t *testing.T) {
	payload := bytes.Repeat([]byte("twinlink "), 512)

	f := DataFrame(payload, Compression{Enable: true, Threshold: 64})
	if f.Flags&FlagCompressed == 0 {
		t.Fatalf("expected repetitive payload to be compressed")
	}
	if len(f.Payload) >= len(payload) {
		t.Fatalf("compressed payload is not smaller")
	}
	out, err := DataPayload(f, 0)
	if err != nil {
		t.Fatalf("DataPayload: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("payload mismatch after decompression")
	}

	small := DataFrame([]byte("tiny"), Compression{Enable: true, Threshold: 64})
	if small.Flags != 0 {
		t.Fatalf("payload under threshold must not be compressed")
	}
	off := DataFrame(payload, Compression{})
	if off.Flags != 0 || !bytes.Equal(off.Payload, payload) {
		t.Fatalf("compression disabled must pass payload through")
	}
}

func TestDecompressRespectsLimit(t *testing.T) {
	payload := bytes.Repeat([]byte{0}, 64*1024)
	f := DataFrame(payload, Compression{Enable: true})
	if _, err := DataPayload(f, 1024); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge for inflated payload, got %v", err)
	}
}
