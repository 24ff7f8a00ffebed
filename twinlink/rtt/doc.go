// Package rtt estimates round-trip time from sequence/ack pairs carried by
// unreliable datagrams.
//
// Each send registers its sequence number with a timestamp in a bounded table.
// When the peer echoes that sequence as an ack, the elapsed time becomes one
// sample that is folded into an exponentially weighted moving average.
package rtt
