package dum

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/halcyontel/converge/sip"
)

// insertRecordRoutes splices proxy Record-Route headers into a rendered
// request, the way a forwarded INVITE arrives at the UAS.
func insertRecordRoutes(t *testing.T, raw []byte) []byte {
	t.Helper()
	s := string(raw)
	i := strings.Index(s, "\r\n")
	if i < 0 {
		t.Fatalf("malformed rendered request")
	}
	rr := "\r\nRecord-Route: <sip:p1.example.com;lr>\r\nRecord-Route: <sip:p2.example.com;lr>"
	return []byte(s[:i] + rr + s[i:])
}

func newTestInvitePair(t *testing.T) (*sip.Request, *sip.Response) {
	t.Helper()

	uri, err := sip.ParseUri("sip:bob@biloxi.example.com")
	if err != nil {
		t.Fatalf("sip.ParseUri() error = %v, want nil", err)
	}
	from, _ := sip.ParseNameAddr("<sip:alice@atlanta.example.com>;tag=fromtag1")
	to, _ := sip.ParseNameAddr("<sip:bob@biloxi.example.com>")

	req, err := sip.NewRequest(sip.RequestMethodInvite, uri, from, to, "dlg-call-1", 10)
	if err != nil {
		t.Fatalf("sip.NewRequest() error = %v, want nil", err)
	}
	req.PushVia(&sip.Via{Transport: sip.TransportUDP, Host: "1.1.1.1", Params: sip.Params{{Key: "branch", Value: sip.GenerateBranch()}}})
	req.SetContact(&sip.NameAddr{Uri: &sip.Uri{Scheme: "sip", User: "alice", Host: "1.1.1.1", Port: 5060}})

	res, err := req.NewResponse(sip.StatusOK, "totag1")
	if err != nil {
		t.Fatalf("req.NewResponse() error = %v, want nil", err)
	}
	res.SetContact(&sip.NameAddr{Uri: &sip.Uri{Scheme: "sip", User: "bob", Host: "2.2.2.2", Port: 5080}})

	rr1, _ := sip.ParseNameAddr("<sip:p1.example.com;lr>")
	rr2, _ := sip.ParseNameAddr("<sip:p2.example.com;lr>")
	res.SetRecordRoutes([]*sip.NameAddr{rr1, rr2})
	return req, res
}

func TestDialogUAC_RouteSetReversed(t *testing.T) {
	t.Parallel()

	req, res := newTestInvitePair(t)
	ds := &DialogSet{dialogs: make(map[string]*Dialog)}
	dlg := newDialogUAC(ds, req, res)

	if !dlg.IsUAC() {
		t.Errorf("dlg.IsUAC() = false, want true")
	}
	if got, want := dlg.ID(), (sip.DialogID{CallID: "dlg-call-1", LocalTag: "fromtag1", RemoteTag: "totag1"}); got != want {
		t.Errorf("dlg.ID() = %v, want %v", got, want)
	}
	if got, want := dlg.RemoteTarget().Host, "2.2.2.2"; got != want {
		t.Errorf("dlg.RemoteTarget().Host = %q, want %q", got, want)
	}

	// UAC stores the Record-Route set reversed (RFC 3261 section 12.1.2)
	hosts := []string{}
	for _, r := range dlg.routeSet {
		hosts = append(hosts, r.Uri.Host)
	}
	if diff := cmp.Diff([]string{"p2.example.com", "p1.example.com"}, hosts); diff != "" {
		t.Errorf("route set mismatch (-want +got):\n%s", diff)
	}
}

func TestDialogUAS_RouteSetAsReceived(t *testing.T) {
	t.Parallel()

	req, _ := newTestInvitePair(t)

	// record-routes ride on the request for the UAS side and stay in
	// message order (RFC 3261 section 12.1.1)
	parsed, err := sip.Parse(insertRecordRoutes(t, req.Render()))
	if err != nil {
		t.Fatalf("re-parse error = %v, want nil", err)
	}
	invite := parsed.(*sip.Request)

	ds := &DialogSet{dialogs: make(map[string]*Dialog)}
	dlg := newDialogUAS(ds, invite, "uastag1")

	hosts := []string{}
	for _, r := range dlg.routeSet {
		hosts = append(hosts, r.Uri.Host)
	}
	if diff := cmp.Diff([]string{"p1.example.com", "p2.example.com"}, hosts); diff != "" {
		t.Errorf("route set mismatch (-want +got):\n%s", diff)
	}
	if got, want := dlg.ID().LocalTag, "uastag1"; got != want {
		t.Errorf("dlg.ID().LocalTag = %q, want %q", got, want)
	}
	if got, want := dlg.RemoteCSeq(), uint32(10); got != want {
		t.Errorf("dlg.RemoteCSeq() = %d, want %d", got, want)
	}
}

func TestDialog_LocalCSeqStrictlyMonotone(t *testing.T) {
	t.Parallel()

	req, res := newTestInvitePair(t)
	ds := &DialogSet{dialogs: make(map[string]*Dialog)}
	dlg := newDialogUAC(ds, req, res)

	last := dlg.LocalCSeq()
	for range 20 {
		out, err := dlg.NewRequest(sip.RequestMethodInfo)
		if err != nil {
			t.Fatalf("dlg.NewRequest() error = %v, want nil", err)
		}
		if out.CSeq().Seq <= last {
			t.Fatalf("local CSeq %d not strictly greater than %d", out.CSeq().Seq, last)
		}
		last = out.CSeq().Seq
	}
}

func TestDialog_RemoteCSeqRegressionRejected(t *testing.T) {
	t.Parallel()

	req, _ := newTestInvitePair(t)
	ds := &DialogSet{dialogs: make(map[string]*Dialog)}
	dlg := newDialogUAS(ds, req, "uastag2")

	mk := func(seq uint32) *sip.Request {
		in, err := sip.NewRequest(sip.RequestMethodInfo, req.Uri(), req.From(), req.To().WithTag("uastag2"), req.CallID(), seq)
		if err != nil {
			t.Fatalf("sip.NewRequest() error = %v, want nil", err)
		}
		in.PushVia(req.Via())
		return in
	}

	if err := dlg.CheckRemoteCSeq(mk(11)); err != nil {
		t.Fatalf("CheckRemoteCSeq(11) error = %v, want nil", err)
	}
	if err := dlg.CheckRemoteCSeq(mk(11)); err != nil {
		t.Fatalf("CheckRemoteCSeq(11 again) error = %v, want nil (non-decreasing allowed)", err)
	}
	if err := dlg.CheckRemoteCSeq(mk(9)); !errors.Is(err, ErrCSeqRegression) {
		t.Fatalf("CheckRemoteCSeq(9) error = %v, want %v", err, ErrCSeqRegression)
	}
	// the rejected request must not advance state
	if got, want := dlg.RemoteCSeq(), uint32(11); got != want {
		t.Errorf("dlg.RemoteCSeq() = %d, want %d", got, want)
	}
}
