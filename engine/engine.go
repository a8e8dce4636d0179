// Package engine declares the narrow interfaces sockpool consumes from
// an embedded network engine.
//
// An engine owns the TCP/UDP/raw protocol state machines.  It never
// allocates payload memory of its own: every socket is built directly
// over byte and metadata regions handed in by the caller, and the
// engine reads and writes those regions in place.  The regions stay
// caller-owned; after Remove returns the engine must hold no further
// reference to them.
//
// Every method that can suspend the caller takes a context.  Engines
// must be safe for use from multiple goroutines.
package engine

import (
	"context"
	"net/netip"
)

// Family is a set of IP address families an engine was built with.
type Family uint8

const (
	FamilyIPv4 Family = 1 << iota
	FamilyIPv6

	FamilyAll = FamilyIPv4 | FamilyIPv6
)

// Has reports whether f includes every family in other.
func (f Family) Has(other Family) bool { return f&other == other }

// Of returns the family of addr, or 0 for an invalid address.
func Of(addr netip.Addr) Family {
	switch {
	case addr.Is4():
		return FamilyIPv4
	case addr.Is6():
		return FamilyIPv6
	default:
		return 0
	}
}

// Endpoint is the engine's representation of a remote or local
// socket address.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string { return netip.AddrPortFrom(e.Addr, e.Port).String() }

// ListenEndpoint is a local bind address.  An invalid (zero) Addr
// listens on every local address.
type ListenEndpoint struct {
	Addr netip.Addr
	Port uint16
}

// Matches reports whether a packet or connection addressed to e is
// accepted by l.
func (l ListenEndpoint) Matches(e Endpoint) bool {
	if l.Port != e.Port {
		return false
	}
	return !l.Addr.IsValid() || l.Addr == e.Addr
}

// PacketMetadata is one entry of a packet metadata ring: the framing
// the engine needs to recover datagram boundaries inside a byte ring.
type PacketMetadata struct {
	Size     int
	Endpoint Endpoint   // destination for tx entries, source for rx entries
	Local    netip.Addr // local address the packet was received on
}

// UDPMetadata describes a received datagram.
type UDPMetadata struct {
	Endpoint Endpoint
	Local    netip.Addr
}

// IPVersion selects the IP version of a raw socket; 0 means any.
type IPVersion uint8

const (
	IPVersionAny IPVersion = 0
	IPv4         IPVersion = 4
	IPv6         IPVersion = 6
)

// IPProtocol is an IP next-header number; 0 means any.
type IPProtocol uint8

const (
	IPProtocolAny  IPProtocol = 0
	IPProtocolICMP IPProtocol = 1
	IPProtocolTCP  IPProtocol = 6
	IPProtocolUDP  IPProtocol = 17
)

// DNSQueryType selects the record type of a DNS query.
type DNSQueryType uint8

const (
	QueryA DNSQueryType = iota
	QueryAAAA
)

// Matches reports whether addr is of the family q asks for.
func (q DNSQueryType) Matches(addr netip.Addr) bool {
	return (q == QueryAAAA) == !addr.Unmap().Is4()
}

func (q DNSQueryType) String() string {
	if q == QueryAAAA {
		return "AAAA"
	}
	return "A"
}

// Stack is a network engine instance.
type Stack interface {
	// Families reports the address families the engine supports.
	Families() Family

	// NewTCPSocket registers a stream socket over rx and tx.  It
	// fails with ErrSocketSetFull when the engine's socket capacity
	// is exhausted.
	NewTCPSocket(rx, tx []byte) (TCPSocket, error)

	// NewUDPSocket registers a datagram socket over the four regions.
	NewUDPSocket(rxMeta []PacketMetadata, rx []byte, txMeta []PacketMetadata, tx []byte) (UDPSocket, error)

	// NewRawSocket registers a raw IP socket over the four regions.
	NewRawSocket(version IPVersion, protocol IPProtocol,
		rxMeta []PacketMetadata, rx []byte, txMeta []PacketMetadata, tx []byte) (RawSocket, error)

	// DNSQuery resolves name and returns every answer of type qtype.
	DNSQuery(ctx context.Context, name string, qtype DNSQueryType) ([]netip.Addr, error)

	// JoinMulticastGroup and LeaveMulticastGroup manage stack-wide
	// group membership.
	JoinMulticastGroup(addr netip.Addr) error
	LeaveMulticastGroup(addr netip.Addr) error
}

// TCPSocket is an engine stream socket.
type TCPSocket interface {
	Connect(ctx context.Context, remote Endpoint) error
	Accept(ctx context.Context, local ListenEndpoint) error

	LocalEndpoint() (Endpoint, bool)
	RemoteEndpoint() (Endpoint, bool)

	// Read returns io.EOF once the peer has closed and every
	// received byte has been consumed.
	Read(ctx context.Context, p []byte) (int, error)
	Write(ctx context.Context, p []byte) (int, error)

	// Flush waits until every queued byte, and a queued FIN or RST,
	// has left the transmit region.
	Flush(ctx context.Context) error
	WaitReadReady(ctx context.Context) error

	// Close queues a FIN; no further data may be written.  It does
	// not block.
	Close()
	// Abort resets the connection and discards queued data.  The
	// RST itself may still be in flight until Flush returns.
	Abort()
	// Remove unregisters the socket.  After Remove returns the
	// engine no longer references the socket's regions.
	Remove()
}

// UDPSocket is an engine datagram socket.
type UDPSocket interface {
	Bind(local ListenEndpoint) error
	SendTo(ctx context.Context, p []byte, remote Endpoint) error
	RecvFrom(ctx context.Context, p []byte) (int, UDPMetadata, error)
	WaitRecvReady(ctx context.Context) error
	Close()
	Remove()
}

// RawSocket is an engine raw IP socket.
type RawSocket interface {
	Send(ctx context.Context, p []byte) error
	Recv(ctx context.Context, p []byte) (int, error)
	WaitRecvReady(ctx context.Context) error
	Remove()
}
