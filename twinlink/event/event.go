// Package event defines the boundary between twinlink and applications: the
// inbound event stream and the outbound command sink.
package event

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

var (
	// ErrOverflow is returned by a worker when the application stops draining
	// events and the bounded event channel fills up.
	ErrOverflow = errors.New("event: channel full, dispatch failed")
)

// Delivery selects the transport an outbound payload travels on.
type Delivery uint8

const (
	// Reliable payloads are ordered and lossless (stream transport).
	Reliable Delivery = iota
	// Unreliable payloads may be lost, duplicated or reordered (datagram transport).
	Unreliable
)

func (d Delivery) String() string {
	switch d {
	case Reliable:
		return "reliable"
	case Unreliable:
		return "unreliable"
	default:
		return fmt.Sprintf("delivery(%d)", uint8(d))
	}
}

// Kind identifies an event.
type Kind uint8

const (
	Connected Kind = iota + 1
	Received
	Disconnected
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Received:
		return "received"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is emitted for every connection state change and inbound payload.
// On the client Addr is the server address.
type Event struct {
	Kind     Kind
	Addr     netip.AddrPort
	Payload  []byte
	Delivery Delivery
	// RTT is the smoothed round-trip estimate at the time of the event, zero
	// until the first sample.
	RTT time.Duration
}

// Command asks the connection layer to send Payload to Addr.
type Command struct {
	Addr     netip.AddrPort
	Payload  []byte
	Delivery Delivery
}

// Emit delivers e without blocking. A full channel is a broken application
// boundary and is reported as ErrOverflow.
func Emit(ch chan<- Event, e Event) error {
	select {
	case ch <- e:
		return nil
	default:
		return fmt.Errorf("%w: %s %s", ErrOverflow, e.Kind, e.Addr)
	}
}
