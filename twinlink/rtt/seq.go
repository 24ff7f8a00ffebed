package rtt

// SeqDiff returns a-b interpreted in modular 16-bit arithmetic, so that a
// sequence just past the wrap point is "after" one just before it.
func SeqDiff(a, b uint16) int16 {
	return int16(a - b)
}

// SeqLess reports whether a precedes b in serial number order (RFC 1982).
// The RTT table itself only needs equality; use this for any ordering check.
func SeqLess(a, b uint16) bool {
	return SeqDiff(a, b) < 0
}

// SeqNext returns the sequence following s, wrapping at 2^16.
func SeqNext(s uint16) uint16 { return s + 1 }
