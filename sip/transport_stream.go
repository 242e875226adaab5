package sip

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/internal/types"
	"github.com/halcyontel/converge/internal/util"
	"github.com/halcyontel/converge/log"
)

// StreamTransport is a connection-oriented SIP transport (TCP or TLS).
// Outbound connections are dialed on demand and reused per remote
// address; a torn down connection notifies disconnect handlers so bound
// transactions can be failed.
type StreamTransport struct {
	proto TransportProto
	ln    net.Listener
	laddr netip.AddrPort
	tlsC  *tls.Config
	log   *slog.Logger

	mu    sync.Mutex
	conns map[netip.AddrPort]net.Conn

	onMsg  types.CallbackManager[TransportMessageHandler]
	onDisc types.CallbackManager[TransportDisconnectHandler]
	closed chan struct{}
}

// NewTCPTransport binds a TCP transport to laddr.
func NewTCPTransport(laddr netip.AddrPort, logger *slog.Logger) (*StreamTransport, error) {
	ln, err := net.Listen("tcp", laddr.String())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return newStreamTransport(TransportTCP, ln, nil, logger), nil
}

// NewTLSTransport binds a TLS transport to laddr with the given config.
func NewTLSTransport(laddr netip.AddrPort, tlsConf *tls.Config, logger *slog.Logger) (*StreamTransport, error) {
	if tlsConf == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing TLS config"))
	}
	ln, err := tls.Listen("tcp", laddr.String(), tlsConf)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return newStreamTransport(TransportTLS, ln, tlsConf, logger), nil
}

func newStreamTransport(proto TransportProto, ln net.Listener, tlsConf *tls.Config, logger *slog.Logger) *StreamTransport {
	if logger == nil {
		logger = log.Default()
	}
	laddr, _ := netip.ParseAddrPort(ln.Addr().String())
	return &StreamTransport{
		proto:  proto,
		ln:     ln,
		laddr:  laddr,
		tlsC:   tlsConf,
		log:    logger,
		conns:  make(map[netip.AddrPort]net.Conn),
		closed: make(chan struct{}),
	}
}

func (tp *StreamTransport) Proto() TransportProto     { return tp.proto }
func (tp *StreamTransport) LocalAddr() netip.AddrPort { return tp.laddr }
func (tp *StreamTransport) Reliable() bool            { return true }

// Send transmits data over the connection to raddr, dialing one if needed.
func (tp *StreamTransport) Send(ctx context.Context, raddr netip.AddrPort, data []byte) error {
	conn, err := tp.connTo(ctx, raddr)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if _, err := conn.Write(data); err != nil {
		tp.dropConn(raddr)
		return errtrace.Wrap(err)
	}
	return nil
}

func (tp *StreamTransport) connTo(ctx context.Context, raddr netip.AddrPort) (net.Conn, error) {
	tp.mu.Lock()
	if conn, ok := tp.conns[raddr]; ok {
		tp.mu.Unlock()
		return conn, nil
	}
	tp.mu.Unlock()

	var (
		conn net.Conn
		err  error
	)
	d := &net.Dialer{}
	if tp.proto.Equal(TransportTLS) {
		td := &tls.Dialer{NetDialer: d, Config: tp.tlsC}
		conn, err = td.DialContext(ctx, "tcp", raddr.String())
	} else {
		conn, err = d.DialContext(ctx, "tcp", raddr.String())
	}
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	tp.trackConn(raddr, conn)
	go tp.readConn(conn, raddr)
	return conn, nil
}

func (tp *StreamTransport) trackConn(raddr netip.AddrPort, conn net.Conn) {
	tp.mu.Lock()
	tp.conns[raddr] = conn
	tp.mu.Unlock()
}

func (tp *StreamTransport) dropConn(raddr netip.AddrPort) {
	tp.mu.Lock()
	conn, ok := tp.conns[raddr]
	delete(tp.conns, raddr)
	tp.mu.Unlock()

	if !ok {
		return
	}
	conn.Close()

	tp.onDisc.Range(func(fn TransportDisconnectHandler) { fn(tp, raddr) })
}

// OnMessage registers an inbound message handler.
func (tp *StreamTransport) OnMessage(fn TransportMessageHandler) (cancel func()) {
	return tp.onMsg.Add(fn)
}

// OnDisconnect registers a stream teardown handler.
func (tp *StreamTransport) OnDisconnect(fn TransportDisconnectHandler) (cancel func()) {
	return tp.onDisc.Add(fn)
}

// Serve accepts connections until Close.
func (tp *StreamTransport) Serve() error {
	for {
		conn, err := tp.ln.Accept()
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

		raddr, _ := netip.ParseAddrPort(conn.RemoteAddr().String())
		tp.trackConn(raddr, conn)
		go tp.readConn(conn, raddr)
	}
}

func (tp *StreamTransport) readConn(conn net.Conn, raddr netip.AddrPort) {
	rd := bufio.NewReader(conn)
	for {
		data, err := readStreamMessage(rd)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				tp.log.LogAttrs(context.Background(), slog.LevelWarn,
					"stream read failed",
					slog.Any("transport", tp),
					slog.Any("remote_addr", raddr),
					slog.Any("error", err),
				)
			}
			tp.dropConn(raddr)
			return
		}

		msg, err := Parse(data)
		if err != nil {
			tp.log.LogAttrs(context.Background(), slog.LevelWarn,
				"dropping undecodable stream message",
				slog.Any("transport", tp),
				slog.Any("remote_addr", raddr),
				slog.Any("error", err),
			)
			continue
		}
		stampInbound(msg, tp.proto, raddr, tp.laddr)

		ctx := context.Background()
		tp.onMsg.Range(func(fn TransportMessageHandler) { fn(ctx, tp, msg) })
	}
}

// readStreamMessage frames one SIP message off the stream: headers up to
// the blank line, then Content-Length body bytes.
func readStreamMessage(rd *bufio.Reader) ([]byte, error) {
	var head strings.Builder
	contentLength := 0
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		head.WriteString(line)

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if name, value, ok := strings.Cut(trimmed, ":"); ok {
			if util.EqFold(util.TrimSP(name), "Content-Length") || util.TrimSP(name) == "l" {
				if n, err := strconv.Atoi(util.TrimSP(value)); err == nil && n >= 0 {
					contentLength = n
				}
			}
		}
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(rd, body); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return append([]byte(head.String()), body...), nil
}

// Close shuts the transport and all tracked connections down.
func (tp *StreamTransport) Close() error {
	select {
	case <-tp.closed:
		return nil
	default:
		close(tp.closed)
	}

	tp.mu.Lock()
	conns := tp.conns
	tp.conns = make(map[netip.AddrPort]net.Conn)
	tp.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
	return errtrace.Wrap(tp.ln.Close())
}

// LogValue implements [slog.LogValuer].
func (tp *StreamTransport) LogValue() slog.Value {
	if tp == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("proto", string(tp.proto)),
		slog.String("local_addr", tp.laddr.String()),
	)
}

func (tp *StreamTransport) String() string {
	return fmt.Sprintf("%s/%s", tp.proto, tp.laddr)
}

var _ Transport = (*StreamTransport)(nil)
