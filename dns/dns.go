// Package dns resolves SIP request targets per RFC 3263: SRV records
// select host:port pairs in failover order, A/AAAA records resolve the
// hosts themselves.
package dns

import (
	"cmp"
	"context"
	"net"
	"net/netip"
	"slices"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"

	"github.com/halcyontel/converge/sip"
)

// Resolver wraps net.Resolver with SRV lookups at the DNS message level.
// The zero value uses the system resolver configuration.
type Resolver struct {
	net.Resolver

	// NameServer specifies the DNS server address (e.g. "8.8.8.8:53").
	// If empty, SRV queries go through net.Resolver as well.
	NameServer string
	// Timeout specifies the timeout for direct DNS queries.
	// If zero, defaults to 5 seconds.
	Timeout time.Duration
}

// SRV is a DNS SRV record.
type SRV = net.SRV

// LookupSRV queries SRV records for _service._proto.host and returns them
// sorted by priority then descending weight (RFC 2782 failover order).
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	if r.NameServer == "" {
		_, srvs, err := r.Resolver.LookupSRV(ctx, service, proto, host)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		sortSRVs(srvs)
		return srvs, nil
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("_"+service+"._"+proto+"."+host), dns.TypeSRV)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, r.nameserver())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       host,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}

	srvs := make([]*SRV, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.SRV); ok {
			srvs = append(srvs, &SRV{
				Target:   rr.Target,
				Port:     rr.Port,
				Priority: rr.Priority,
				Weight:   rr.Weight,
			})
		}
	}
	sortSRVs(srvs)
	return srvs, nil
}

func sortSRVs(srvs []*SRV) {
	slices.SortFunc(srvs, func(a, b *SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})
}

// LookupIP resolves the host to IP addresses, IPv4 first.
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := r.Resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for i, a := range addrs {
		addrs[i] = a.Unmap()
	}
	slices.SortStableFunc(addrs, func(a, b netip.Addr) int {
		if a.Is4() == b.Is4() {
			return 0
		}
		if a.Is4() {
			return -1
		}
		return 1
	})
	return addrs, nil
}

// srvService maps a transport protocol to its SRV service/proto labels.
func srvService(proto sip.TransportProto) (service, transport string) {
	switch {
	case proto.Equal(sip.TransportTLS):
		return "sips", "tcp"
	case proto.Equal(sip.TransportTCP):
		return "sip", "tcp"
	default:
		return "sip", "udp"
	}
}

// ResolveTargets implements [sip.TargetResolver]. With an explicit port
// only A/AAAA resolution runs; otherwise SRV targets are tried first and
// the protocol default port is the fallback (RFC 3263 section 4.2).
func (r *Resolver) ResolveTargets(ctx context.Context, proto sip.TransportProto, host string, port uint16) ([]netip.AddrPort, error) {
	if port != 0 {
		return errtrace.Wrap2(r.resolveHost(ctx, host, port))
	}

	service, transport := srvService(proto)
	srvs, err := r.LookupSRV(ctx, service, transport, host)
	if err != nil || len(srvs) == 0 {
		return errtrace.Wrap2(r.resolveHost(ctx, host, sip.DefaultPortFor(proto)))
	}

	var targets []netip.AddrPort
	for _, srv := range srvs {
		addrs, err := r.resolveHost(ctx, srv.Target, srv.Port)
		if err != nil {
			continue
		}
		targets = append(targets, addrs...)
	}
	if len(targets) == 0 {
		return nil, errtrace.Wrap(&net.DNSError{Err: "no targets", Name: host, IsNotFound: true})
	}
	return targets, nil
}

func (r *Resolver) resolveHost(ctx context.Context, host string, port uint16) ([]netip.AddrPort, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(ip, port)}, nil
	}
	addrs, err := r.LookupIP(ctx, dns.Fqdn(host))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	targets := make([]netip.AddrPort, len(addrs))
	for i, a := range addrs {
		targets[i] = netip.AddrPortFrom(a, port)
	}
	return targets, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() string {
	if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
		return net.JoinHostPort(r.NameServer, "53")
	}
	return r.NameServer
}

var _ sip.TargetResolver = (*Resolver)(nil)
