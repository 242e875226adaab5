package sip

import (
	"strings"
	"testing"
)

func newSelectReq(t *testing.T, ruri string, route string, bodySize int) *Request {
	t.Helper()

	uri, err := ParseUri(ruri)
	if err != nil {
		t.Fatalf("ParseUri(%q) error = %v, want nil", ruri, err)
	}
	from, _ := ParseNameAddr("<sip:a@1.1.1.1>;tag=t1")
	to, _ := ParseNameAddr("<sip:b@2.2.2.2>")

	req, err := NewRequest(RequestMethodInvite, uri, from, to, "cid-select", 1)
	if err != nil {
		t.Fatalf("NewRequest() error = %v, want nil", err)
	}
	req.PushVia(&Via{Transport: TransportUDP, Host: "1.1.1.1", Params: Params{{Key: "branch", Value: GenerateBranch()}}})
	if route != "" {
		na, err := ParseNameAddr(route)
		if err != nil {
			t.Fatalf("ParseNameAddr(%q) error = %v, want nil", route, err)
		}
		req.SetRoutes([]*NameAddr{na})
	}
	if bodySize > 0 {
		req.SetBody("application/sdp", []byte(strings.Repeat("x", bodySize)))
	}
	return req
}

func TestTransportLayer_SelectProto(t *testing.T) {
	t.Parallel()

	tpl := NewTransportLayer(&TransportLayerOptions{})

	cases := []struct {
		name string
		req  *Request
		want TransportProto
	}{
		{
			name: "route transport parameter wins",
			req:  newSelectReq(t, "sip:b@2.2.2.2;transport=udp", "<sip:p.example.com;lr;transport=tcp>", 0),
			want: TransportTCP,
		},
		{
			name: "request uri transport",
			req:  newSelectReq(t, "sip:b@2.2.2.2;transport=tcp", "", 0),
			want: TransportTCP,
		},
		{
			name: "sips selects tls",
			req:  newSelectReq(t, "sips:b@2.2.2.2", "", 0),
			want: TransportTLS,
		},
		{
			name: "small defaults to udp",
			req:  newSelectReq(t, "sip:b@2.2.2.2", "", 0),
			want: TransportUDP,
		},
		{
			name: "oversize goes to tcp",
			req:  newSelectReq(t, "sip:b@2.2.2.2", "", MTU+1),
			want: TransportTCP,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tpl.selectProto(tc.req); !got.Equal(tc.want) {
				t.Errorf("selectProto() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTransportLayer_IsMyDomain(t *testing.T) {
	t.Parallel()

	tpl := NewTransportLayer(&TransportLayerOptions{})
	tpl.AddAlias("Example.COM")

	if !tpl.IsMyDomain("example.com") {
		t.Errorf("IsMyDomain(example.com) = false, want true")
	}
	if tpl.IsMyDomain("other.com") {
		t.Errorf("IsMyDomain(other.com) = true, want false")
	}
}
