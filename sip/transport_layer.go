package sip

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/internal/types"
	"github.com/halcyontel/converge/internal/util"
	"github.com/halcyontel/converge/log"
)

// TargetResolver resolves a URI host into an ordered list of send targets.
// Implementations consult DNS SRV/A records (RFC 3263); the order is the
// failover order.
type TargetResolver interface {
	ResolveTargets(ctx context.Context, proto TransportProto, host string, port uint16) ([]netip.AddrPort, error)
}

// TransportLayerOptions are the options for a [TransportLayer].
type TransportLayerOptions struct {
	// Resolver resolves request targets. If nil, hosts must be literal
	// IP addresses or pre-resolved destinations.
	Resolver TargetResolver
	// Log is the logger. If nil, [log.Default] is used.
	Log *slog.Logger
}

func (o *TransportLayerOptions) resolver() TargetResolver {
	if o == nil {
		return nil
	}
	return o.Resolver
}

func (o *TransportLayerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// TransportLayer multiplexes the configured transports: it selects the
// outbound transport per target (RFC 3261 section 18.1.1) and fans
// inbound messages from every transport into a single pair of handlers.
type TransportLayer struct {
	mu      sync.RWMutex
	transps map[TransportProto]map[netip.AddrPort]Transport
	aliases map[string]struct{}
	cancels []func()
	closed  bool
	serveWg sync.WaitGroup

	resolver TargetResolver
	logger   *slog.Logger

	onReq  types.CallbackManager[func(ctx context.Context, tp Transport, req *Request)]
	onRes  types.CallbackManager[func(ctx context.Context, tp Transport, res *Response)]
	onDisc types.CallbackManager[TransportDisconnectHandler]
}

// NewTransportLayer creates an empty transport layer.
func NewTransportLayer(opts *TransportLayerOptions) *TransportLayer {
	return &TransportLayer{
		transps:  make(map[TransportProto]map[netip.AddrPort]Transport),
		aliases:  make(map[string]struct{}),
		resolver: opts.resolver(),
		logger:   opts.log(),
	}
}

// AddTransport binds and tracks a UDP or TCP transport on host:port.
func (tpl *TransportLayer) AddTransport(proto TransportProto, host string, port uint16) error {
	addr, err := layerAddr(host, port, proto)
	if err != nil {
		return errtrace.Wrap(err)
	}

	var tp Transport
	switch {
	case proto.Equal(TransportUDP):
		tp, err = NewUDPTransport(addr, tpl.logger)
	case proto.Equal(TransportTCP):
		tp, err = NewTCPTransport(addr, tpl.logger)
	default:
		return errtrace.Wrap(NewInvalidArgumentError("use AddTLSTransport for %q", proto))
	}
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tpl.Track(tp))
}

// AddTLSTransport binds and tracks a TLS transport on host:port.
func (tpl *TransportLayer) AddTLSTransport(host string, port uint16, tlsConf *tls.Config) error {
	addr, err := layerAddr(host, port, TransportTLS)
	if err != nil {
		return errtrace.Wrap(err)
	}
	tp, err := NewTLSTransport(addr, tlsConf, tpl.logger)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tpl.Track(tp))
}

func layerAddr(host string, port uint16, proto TransportProto) (netip.AddrPort, error) {
	if port == 0 {
		port = DefaultPortFor(proto)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, errtrace.Wrap(NewInvalidArgumentError("transport host must be an IP literal: %w", err))
	}
	return netip.AddrPortFrom(ip, port), nil
}

// Track registers an externally built transport.
func (tpl *TransportLayer) Track(tp Transport) error {
	tpl.mu.Lock()
	defer tpl.mu.Unlock()

	if tpl.closed {
		return errtrace.Wrap(ErrTransportClosed)
	}

	byAddr := tpl.transps[tp.Proto()]
	if byAddr == nil {
		byAddr = make(map[netip.AddrPort]Transport)
		tpl.transps[tp.Proto()] = byAddr
	}
	if _, ok := byAddr[tp.LocalAddr()]; ok {
		return nil
	}
	byAddr[tp.LocalAddr()] = tp

	tpl.cancels = append(tpl.cancels,
		tp.OnMessage(tpl.recvMsg),
		tp.OnDisconnect(func(tp Transport, raddr netip.AddrPort) {
			tpl.onDisc.Range(func(fn TransportDisconnectHandler) { fn(tp, raddr) })
		}),
	)
	return nil
}

// AddAlias registers a domain the element answers for.
func (tpl *TransportLayer) AddAlias(domain string) {
	tpl.mu.Lock()
	tpl.aliases[util.LCase(domain)] = struct{}{}
	tpl.mu.Unlock()
}

// IsMyDomain reports whether the domain is one of the registered aliases
// or a bound transport address.
func (tpl *TransportLayer) IsMyDomain(domain string) bool {
	tpl.mu.RLock()
	defer tpl.mu.RUnlock()

	if _, ok := tpl.aliases[util.LCase(domain)]; ok {
		return true
	}
	for _, byAddr := range tpl.transps {
		for addr := range byAddr {
			if addr.Addr().String() == domain {
				return true
			}
		}
	}
	return false
}

// OnRequest registers an inbound request handler.
func (tpl *TransportLayer) OnRequest(fn func(ctx context.Context, tp Transport, req *Request)) (cancel func()) {
	return tpl.onReq.Add(fn)
}

// OnResponse registers an inbound response handler.
func (tpl *TransportLayer) OnResponse(fn func(ctx context.Context, tp Transport, res *Response)) (cancel func()) {
	return tpl.onRes.Add(fn)
}

// OnDisconnect registers a stream teardown handler.
func (tpl *TransportLayer) OnDisconnect(fn TransportDisconnectHandler) (cancel func()) {
	return tpl.onDisc.Add(fn)
}

func (tpl *TransportLayer) recvMsg(ctx context.Context, tp Transport, msg Message) {
	switch m := msg.(type) {
	case *Request:
		if tpl.onReq.Len() == 0 {
			tpl.logger.LogAttrs(ctx, slog.LevelWarn,
				"discarding inbound request due to missing handlers", slog.Any("request", m))
			return
		}
		tpl.onReq.Range(func(fn func(ctx context.Context, tp Transport, req *Request)) { fn(ctx, tp, m) })
	case *Response:
		if tpl.onRes.Len() == 0 {
			tpl.logger.LogAttrs(ctx, slog.LevelWarn,
				"discarding inbound response due to missing handlers", slog.Any("response", m))
			return
		}
		tpl.onRes.Range(func(fn func(ctx context.Context, tp Transport, res *Response)) { fn(ctx, tp, m) })
	}
}

// SendRequest selects a transport per RFC 3261 section 18.1.1 and
// transmits the request, completing its top Via hop and trying resolved
// targets in failover order.
func (tpl *TransportLayer) SendRequest(ctx context.Context, req *Request) error {
	if err := req.Validate(); err != nil {
		return errtrace.Wrap(err)
	}

	proto := tpl.selectProto(req)
	tp := tpl.transportFor(proto)
	if tp == nil {
		return errtrace.Wrap(NewWrapperError(ErrNoTransport, "no %q transport bound", proto))
	}

	completeVia(req, tp)

	targets, err := tpl.targetsFor(ctx, req, proto)
	if err != nil {
		return errtrace.Wrap(err)
	}

	var lastErr error
	for _, target := range targets {
		req.SetTransport(proto)
		req.SetDestination(target)
		if err := tp.Send(ctx, target, req.Render()); err != nil {
			lastErr = err
			tpl.logger.LogAttrs(ctx, slog.LevelWarn,
				"send failed, trying next target",
				slog.Any("request", req),
				slog.Any("target", target.String()),
				slog.Any("error", err),
			)
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = ErrNoTarget
	}
	return errtrace.Wrap(lastErr)
}

// selectProto picks the outbound protocol: a transport parameter on the
// top Route wins, then the request-URI transport, then message size.
func (tpl *TransportLayer) selectProto(req *Request) TransportProto {
	if routes := req.Routes(); len(routes) > 0 {
		if proto, ok := routes[0].Uri.Transport(); ok {
			return proto
		}
		if routes[0].Uri.IsSecure() {
			return TransportTLS
		}
	}
	if proto, ok := req.Uri().Transport(); ok {
		return proto
	}
	if req.Uri().IsSecure() {
		return TransportTLS
	}
	if len(req.Render()) > MTU {
		return TransportTCP
	}
	return TransportUDP
}

func (tpl *TransportLayer) transportFor(proto TransportProto) Transport {
	tpl.mu.RLock()
	defer tpl.mu.RUnlock()
	for _, tp := range tpl.transps[proto] {
		return tp
	}
	return nil
}

// targetsFor resolves the next-hop address list: a pre-stamped
// destination wins, then the top Route, then the request-URI.
func (tpl *TransportLayer) targetsFor(ctx context.Context, req *Request, proto TransportProto) ([]netip.AddrPort, error) {
	if dst := req.Destination(); dst.IsValid() {
		return []netip.AddrPort{dst}, nil
	}

	uri := req.Uri()
	if routes := req.Routes(); len(routes) > 0 {
		uri = routes[0].Uri
	}

	if ip, err := netip.ParseAddr(uri.Host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(ip, uri.PortOrDefault())}, nil
	}

	if tpl.resolver == nil {
		return nil, errtrace.Wrap(NewWrapperError(ErrNoTarget, "no resolver for host %q", uri.Host))
	}
	targets, err := tpl.resolver.ResolveTargets(ctx, proto, uri.Host, uri.Port)
	if err != nil {
		return nil, errtrace.Wrap(NewWrapperError(ErrNoTarget, err))
	}
	return targets, nil
}

// completeVia fills the sent-by and transport of the top Via hop.
func completeVia(req *Request, tp Transport) {
	via := req.Via()
	if via == nil {
		return
	}
	if via.Host == "" {
		via.Host = tp.LocalAddr().Addr().String()
		via.Port = tp.LocalAddr().Port()
	}
	if via.Transport == "" {
		via.Transport = tp.Proto()
	}
}

// SendResponse transmits the response to the source of its request.
func (tpl *TransportLayer) SendResponse(ctx context.Context, res *Response) error {
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(err)
	}

	proto := res.Transport()
	if proto == "" {
		proto = res.Via().Transport
	}
	tp := tpl.transportFor(proto)
	if tp == nil {
		return errtrace.Wrap(NewWrapperError(ErrNoTransport, "no %q transport bound", proto))
	}

	dst := res.Destination()
	if !dst.IsValid() {
		via := res.Via()
		ip, err := netip.ParseAddr(via.Host)
		if err != nil {
			return errtrace.Wrap(NewWrapperError(ErrNoTarget, "response Via host %q", via.Host))
		}
		port := via.Port
		if port == 0 {
			port = DefaultPortFor(proto)
		}
		dst = netip.AddrPortFrom(ip, port)
	}

	return errtrace.Wrap(tp.Send(ctx, dst, res.Render()))
}

// Serve runs every tracked transport until Close.
func (tpl *TransportLayer) Serve() {
	tpl.mu.RLock()
	defer tpl.mu.RUnlock()
	for _, byAddr := range tpl.transps {
		for _, tp := range byAddr {
			tpl.serveWg.Add(1)
			go func(tp Transport) {
				defer tpl.serveWg.Done()
				if err := tp.Serve(); err != nil {
					tpl.logger.LogAttrs(context.Background(), slog.LevelError,
						"transport serve failed", slog.Any("transport", tp), slog.Any("error", err))
				}
			}(tp)
		}
	}
}

// Close shuts all transports down and waits for their read loops.
func (tpl *TransportLayer) Close() error {
	tpl.mu.Lock()
	if tpl.closed {
		tpl.mu.Unlock()
		return nil
	}
	tpl.closed = true
	var errs []error
	for _, byAddr := range tpl.transps {
		for _, tp := range byAddr {
			if err := tp.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	cancels := tpl.cancels
	tpl.cancels = nil
	tpl.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	tpl.serveWg.Wait()

	if len(errs) > 0 {
		return errtrace.Wrap(fmt.Errorf("close transports: %w", errs[0]))
	}
	return nil
}
