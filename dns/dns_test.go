package dns

import (
	"context"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/halcyontel/converge/sip"
)

func TestSortSRVs(t *testing.T) {
	t.Parallel()

	srvs := []*SRV{
		{Target: "c.example.com.", Priority: 20, Weight: 10},
		{Target: "b.example.com.", Priority: 10, Weight: 5},
		{Target: "a.example.com.", Priority: 10, Weight: 60},
	}
	sortSRVs(srvs)

	got := []string{srvs[0].Target, srvs[1].Target, srvs[2].Target}
	want := []string{"a.example.com.", "b.example.com.", "c.example.com."}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("failover order mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveTargets_IPLiteral(t *testing.T) {
	t.Parallel()

	r := &Resolver{}
	targets, err := r.ResolveTargets(context.Background(), sip.TransportUDP, "192.0.2.5", 5080)
	if err != nil {
		t.Fatalf("ResolveTargets() error = %v, want nil", err)
	}
	want := []netip.AddrPort{netip.MustParseAddrPort("192.0.2.5:5080")}
	if diff := cmp.Diff(want, targets, cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })); diff != "" {
		t.Errorf("targets mismatch (-want +got):\n%s", diff)
	}
}

func TestSRVService(t *testing.T) {
	t.Parallel()

	cases := []struct {
		proto            sip.TransportProto
		service, carrier string
	}{
		{sip.TransportUDP, "sip", "udp"},
		{sip.TransportTCP, "sip", "tcp"},
		{sip.TransportTLS, "sips", "tcp"},
	}
	for _, tc := range cases {
		service, carrier := srvService(tc.proto)
		if service != tc.service || carrier != tc.carrier {
			t.Errorf("srvService(%q) = %q/%q, want %q/%q", tc.proto, service, carrier, tc.service, tc.carrier)
		}
	}
}
