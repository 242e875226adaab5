package sip

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/internal/types"
	"github.com/halcyontel/converge/log"
)

const udpReadBufSize = 65535

// UDPTransport is a datagram SIP transport.
type UDPTransport struct {
	conn  *net.UDPConn
	laddr netip.AddrPort
	log   *slog.Logger

	onMsg  types.CallbackManager[TransportMessageHandler]
	closed chan struct{}
}

// NewUDPTransport binds a UDP transport to laddr.
func NewUDPTransport(laddr netip.AddrPort, logger *slog.Logger) (*UDPTransport, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(laddr))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if logger == nil {
		logger = log.Default()
	}
	local := conn.LocalAddr().(*net.UDPAddr).AddrPort() //nolint:forcetypeassert
	return &UDPTransport{
		conn:   conn,
		laddr:  netip.AddrPortFrom(local.Addr().Unmap(), local.Port()),
		log:    logger,
		closed: make(chan struct{}),
	}, nil
}

func (tp *UDPTransport) Proto() TransportProto      { return TransportUDP }
func (tp *UDPTransport) LocalAddr() netip.AddrPort  { return tp.laddr }
func (tp *UDPTransport) Reliable() bool             { return false }

// Send transmits data in a single datagram.
func (tp *UDPTransport) Send(_ context.Context, raddr netip.AddrPort, data []byte) error {
	if _, err := tp.conn.WriteToUDPAddrPort(data, raddr); err != nil {
		return errtrace.Wrap(err)
	}
	return nil
}

// OnMessage registers an inbound message handler.
func (tp *UDPTransport) OnMessage(fn TransportMessageHandler) (cancel func()) {
	return tp.onMsg.Add(fn)
}

// OnDisconnect is a no-op for datagram transports.
func (tp *UDPTransport) OnDisconnect(TransportDisconnectHandler) (cancel func()) {
	return func() {}
}

// Serve reads datagrams until Close.
func (tp *UDPTransport) Serve() error {
	buf := make([]byte, udpReadBufSize)
	for {
		n, raddr, err := tp.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-tp.closed:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errtrace.Wrap(err)
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		msg, err := Parse(data)
		if err != nil {
			tp.log.LogAttrs(context.Background(), slog.LevelWarn,
				"dropping undecodable datagram",
				slog.Any("transport", tp),
				slog.Any("remote_addr", raddr),
				slog.Any("error", err),
			)
			continue
		}
		stampInbound(msg, TransportUDP, raddr, tp.laddr)

		ctx := context.Background()
		tp.onMsg.Range(func(fn TransportMessageHandler) { fn(ctx, tp, msg) })
	}
}

// Close shuts the transport down.
func (tp *UDPTransport) Close() error {
	select {
	case <-tp.closed:
		return nil
	default:
		close(tp.closed)
	}
	return errtrace.Wrap(tp.conn.Close())
}

// LogValue implements [slog.LogValuer].
func (tp *UDPTransport) LogValue() slog.Value {
	if tp == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("proto", string(TransportUDP)),
		slog.String("local_addr", tp.laddr.String()),
	)
}

func stampInbound(msg Message, proto TransportProto, src, dst netip.AddrPort) {
	switch m := msg.(type) {
	case *Request:
		m.SetTransport(proto)
		m.SetSource(src)
		m.SetDestination(dst)
	case *Response:
		m.SetTransport(proto)
		m.SetSource(src)
		m.SetDestination(dst)
	}
}

var _ Transport = (*UDPTransport)(nil)
