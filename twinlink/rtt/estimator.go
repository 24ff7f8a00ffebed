package rtt

import (
	"container/list"
	"time"
)

const (
	// DefaultAlpha is the EWMA weight given to a new sample (RFC 6298 uses 1/8).
	DefaultAlpha = 0.125
	// DefaultCapacity bounds the number of outstanding send timestamps.
	DefaultCapacity = 64
)

type timer struct {
	seq  uint16
	sent time.Time
}

// Estimator keeps the in-flight timer table and the smoothed estimate for one
// connection. It is not safe for concurrent use; the owning connection record
// serializes access.
type Estimator struct {
	alpha    float64
	capacity int

	order  *list.List // oldest first
	timers map[uint16]*list.Element

	estimate time.Duration
	valid    bool
}

// New creates an estimator. Out of range arguments fall back to the defaults.
func New(capacity int, alpha float64) *Estimator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Estimator{
		alpha:    alpha,
		capacity: capacity,
		order:    list.New(),
		timers:   make(map[uint16]*list.Element, capacity),
	}
}

// Register records that seq was sent at now. When the table grows past its
// capacity the oldest entries are dropped (FIFO, not LRU).
func (e *Estimator) Register(seq uint16, now time.Time) {
	if el, ok := e.timers[seq]; ok {
		// The counter wrapped before the old entry was acknowledged or evicted.
		e.order.Remove(el)
		delete(e.timers, seq)
	}
	e.timers[seq] = e.order.PushBack(timer{seq: seq, sent: now})
	for e.order.Len() > e.capacity {
		oldest := e.order.Front()
		e.order.Remove(oldest)
		delete(e.timers, oldest.Value.(timer).seq)
	}
}

// Sample removes the entry for ack and returns the time elapsed since it was
// registered. It reports false when no send is known for ack, e.g. because the
// entry was evicted, already sampled, or the ack is garbage.
func (e *Estimator) Sample(ack uint16, now time.Time) (time.Duration, bool) {
	el, ok := e.timers[ack]
	if !ok {
		return 0, false
	}
	e.order.Remove(el)
	delete(e.timers, ack)

	d := now.Sub(el.Value.(timer).sent)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Update folds sample into the estimate. The first sample sets it directly.
func (e *Estimator) Update(sample time.Duration) {
	if !e.valid {
		e.estimate = sample
		e.valid = true
		return
	}
	e.estimate = time.Duration(float64(e.estimate)*(1-e.alpha) + float64(sample)*e.alpha)
}

// Observe is Sample followed by Update. It returns the new estimate and
// whether ack produced a sample.
func (e *Estimator) Observe(ack uint16, now time.Time) (time.Duration, bool) {
	sample, ok := e.Sample(ack, now)
	if !ok {
		return e.estimate, false
	}
	e.Update(sample)
	return e.estimate, true
}

// Estimate returns the smoothed RTT, or false if no sample has been taken yet.
func (e *Estimator) Estimate() (time.Duration, bool) {
	return e.estimate, e.valid
}

// Len returns the number of outstanding timers.
func (e *Estimator) Len() int { return e.order.Len() }

// Capacity returns the configured timer table bound.
func (e *Estimator) Capacity() int { return e.capacity }

// Alpha returns the smoothing factor.
func (e *Estimator) Alpha() float64 { return e.alpha }
