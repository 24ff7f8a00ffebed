package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/TheusHen/twinlink/twinlink/protocol"
	"github.com/TheusHen/twinlink/twinlink/transport"
)

var (
	ErrBacklogFull  = errors.New("conn: reliable backlog full")
	ErrWriterClosed = errors.New("conn: reliable writer closed")
)

// Writer owns the write side of one reliable stream. Frames are queued
// without blocking and written in order by Run, so a peer that stops reading
// only holds up its own traffic.
type Writer struct {
	stream transport.Stream
	frames chan protocol.Frame
	done   chan struct{}
	once   sync.Once
}

// NewWriter queues at most backlog frames for s.
func NewWriter(s transport.Stream, backlog int) *Writer {
	if backlog <= 0 {
		backlog = 1
	}
	return &Writer{
		stream: s,
		frames: make(chan protocol.Frame, backlog),
		done:   make(chan struct{}),
	}
}

// Enqueue never blocks.
func (w *Writer) Enqueue(f protocol.Frame) error {
	select {
	case <-w.done:
		return ErrWriterClosed
	default:
	}
	select {
	case w.frames <- f:
		return nil
	default:
		return ErrBacklogFull
	}
}

// Pending is the number of queued frames.
func (w *Writer) Pending() int { return len(w.frames) }

// Run writes queued frames until ctx ends, Close is called, or a write fails
// or exceeds timeout. A failed writer is closed and returns the error. Frames
// the codec refuses are skipped.
func (w *Writer) Run(ctx context.Context, maxPayload int, timeout time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		case f := <-w.frames:
			if timeout > 0 {
				_ = w.stream.SetWriteDeadline(time.Now().Add(timeout))
			}
			err := protocol.WriteFrame(w.stream, f, maxPayload)
			switch {
			case err == nil:
			case errors.Is(err, protocol.ErrFrameTooLarge), errors.Is(err, protocol.ErrInvalidType):
				// Rejected before any byte was written.
			default:
				w.Close()
				return err
			}
		}
	}
}

// Close stops Run and rejects further frames. Queued frames are discarded.
func (w *Writer) Close() {
	w.once.Do(func() { close(w.done) })
}
