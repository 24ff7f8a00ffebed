// Package conn holds per-peer connection state and the concurrent table that
// indexes it by peer address.
package conn

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/TheusHen/twinlink/twinlink/crypto"
	"github.com/TheusHen/twinlink/twinlink/protocol"
	"github.com/TheusHen/twinlink/twinlink/rtt"
	"github.com/TheusHen/twinlink/twinlink/transport"
)

var (
	ErrNoReliable = errors.New("conn: no reliable channel")
)

// Record is the state kept for one peer. Fields are guarded by the embedded
// mutex; Table.Alter and Table.Get callers lock it for them.
type Record struct {
	sync.Mutex

	// Addr is the table key.
	Addr netip.AddrPort
	// Reliable is nil for peers only reached over datagrams.
	Reliable transport.Stream
	// Writer, when set, takes queued frames for Reliable.
	Writer *Writer
	// DatagramAddr is where unreliable traffic for this peer is sent.
	DatagramAddr netip.AddrPort

	ID   uint64
	Auth *crypto.Authenticator

	SeqLocal  uint16
	SeqRemote uint16
	RTT       *rtt.Estimator

	LastInteraction time.Time

	removed bool
	writeMu sync.Mutex
}

// NewRecord creates a record for addr whose liveness starts at now.
func NewRecord(addr netip.AddrPort, est *rtt.Estimator, now time.Time) *Record {
	if est == nil {
		est = rtt.New(0, 0)
	}
	return &Record{
		Addr:            addr,
		DatagramAddr:    addr,
		RTT:             est,
		LastInteraction: now,
	}
}

// Removed reports whether the record has left its table. Caller holds the lock.
func (r *Record) Removed() bool { return r.removed }

// Smoothed returns the RTT estimate, zero before the first sample. Caller
// holds the lock.
func (r *Record) Smoothed() time.Duration {
	d, _ := r.RTT.Estimate()
	return d
}

// QueueFrame hands f to the record's Writer without blocking.
func (r *Record) QueueFrame(f protocol.Frame) error {
	r.Lock()
	w := r.Writer
	r.Unlock()
	if w == nil {
		return ErrNoReliable
	}
	return w.Enqueue(f)
}

// WriteFrame writes f to the reliable channel and blocks until it is written.
// Writes are serialized by a dedicated lock so a slow peer never blocks state
// updates on the record.
func (r *Record) WriteFrame(f protocol.Frame, maxPayload int) error {
	r.Lock()
	s := r.Reliable
	r.Unlock()
	if s == nil {
		return ErrNoReliable
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return protocol.WriteFrame(s, f, maxPayload)
}
