package protocol

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

var (
	ErrCompressionFailed   = errors.New("protocol: compression failed")
	ErrDecompressionFailed = errors.New("protocol: decompression failed")
)

// Compression controls whether reliable payloads are LZ4 compressed.
type Compression struct {
	Enable bool
	// Threshold is the minimum payload size worth compressing.
	Threshold int
}

// compressorPool reuses LZ4 writers to reduce allocations.
var compressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewWriter(nil)
	},
}

var decompressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewReader(nil)
	},
}

// Compress compresses data using the LZ4 frame format at the fast level.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := compressorPool.Get().(*lz4.Writer)
	defer compressorPool.Put(w)

	w.Reset(&buf)
	_ = w.Apply(lz4.CompressionLevelOption(lz4.Fast))

	if _, err := w.Write(data); err != nil {
		return nil, ErrCompressionFailed
	}
	if err := w.Close(); err != nil {
		return nil, ErrCompressionFailed
	}
	return buf.Bytes(), nil
}

// Decompress inflates LZ4 data, refusing output larger than limit.
func Decompress(data []byte, limit int) ([]byte, error) {
	r := decompressorPool.Get().(*lz4.Reader)
	defer decompressorPool.Put(r)

	r.Reset(bytes.NewReader(data))

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, ErrDecompressionFailed
	}
	if n > int64(limit) {
		return nil, ErrFrameTooLarge
	}
	return buf.Bytes(), nil
}

// DataFrame builds a DATA frame for payload, compressing it when enabled and
// beneficial.
func DataFrame(payload []byte, c Compression) Frame {
	if c.Enable && len(payload) >= c.Threshold {
		compressed, err := Compress(payload)
		if err == nil && len(compressed) < len(payload) {
			return Frame{Type: MessageTypeData, Flags: FlagCompressed, Payload: compressed}
		}
	}
	return Frame{Type: MessageTypeData, Payload: payload}
}

// DataPayload returns the application payload of a DATA frame.
func DataPayload(f Frame, maxPayload int) ([]byte, error) {
	if f.Type != MessageTypeData {
		return nil, ErrInvalidType
	}
	if f.Flags&FlagCompressed == 0 {
		return f.Payload, nil
	}
	if maxPayload <= 0 {
		maxPayload = MaxFramePayload
	}
	return Decompress(f.Payload, maxPayload)
}
