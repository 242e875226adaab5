package sip

import (
	"context"
	"log/slog"
	"net/netip"

	"github.com/halcyontel/converge/internal/util"
)

// TransportProto is a transport protocol name: UDP, TCP or TLS.
type TransportProto string

const (
	TransportUDP TransportProto = "UDP"
	TransportTCP TransportProto = "TCP"
	TransportTLS TransportProto = "TLS"
)

// Reliable reports whether the protocol is stream-based.
func (p TransportProto) Reliable() bool {
	return !util.EqFold(p, TransportUDP)
}

// Equal checks protocols for case-insensitive equality.
func (p TransportProto) Equal(other TransportProto) bool { return util.EqFold(p, other) }

// DefaultPortFor returns the default port of the protocol.
func DefaultPortFor(p TransportProto) uint16 {
	if p.Equal(TransportTLS) {
		return DefaultTLSPort
	}
	return DefaultPort
}

// TransportMessageHandler receives every inbound message a transport decodes.
type TransportMessageHandler func(ctx context.Context, tp Transport, msg Message)

// TransportDisconnectHandler is called when a stream connection is torn down.
type TransportDisconnectHandler func(tp Transport, raddr netip.AddrPort)

// Transport moves rendered SIP messages over one protocol and one local
// address. Implementations decode inbound datagrams or stream segments
// and hand the parsed messages to registered handlers; undecodable input
// is dropped with a log entry.
type Transport interface {
	slog.LogValuer
	// Proto returns the transport protocol.
	Proto() TransportProto
	// LocalAddr returns the bound local address.
	LocalAddr() netip.AddrPort
	// Reliable reports whether the transport is stream-based.
	Reliable() bool
	// Send transmits data to the remote address.
	Send(ctx context.Context, raddr netip.AddrPort, data []byte) error
	// OnMessage registers an inbound message handler.
	OnMessage(fn TransportMessageHandler) (cancel func())
	// OnDisconnect registers a stream teardown handler.
	OnDisconnect(fn TransportDisconnectHandler) (cancel func())
	// Serve runs the read loop until Close.
	Serve() error
	// Close shuts the transport down.
	Close() error
}

// IsReliableTransport reports whether tp is stream-based.
func IsReliableTransport(tp Transport) bool { return tp != nil && tp.Reliable() }
