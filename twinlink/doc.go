// Package twinlink provides a hybrid transport that gives every logical
// connection two delivery classes: reliable, ordered messages over a stream
// (TCP, TLS or QUIC) and unreliable datagrams over UDP, signed with a key
// agreed during the connection handshake.
//
// Servers keep a connection table driven by independent workers (datagram
// receiver, command sender, timeout sweeper); clients drive a single
// connection from one loop. Both report through a bounded channel of events
// and accept commands tagged with their delivery class. Round-trip time is
// estimated from the sequence/ack pair carried by every datagram.
package twinlink
