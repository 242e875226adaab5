package sip_test

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/halcyontel/converge/log"
	"github.com/halcyontel/converge/sip"
)

func noopLogger() *slog.Logger { return log.Noop }

// stubSender records sent messages and hands them to the test over
// channels, standing in for the transport layer.
type stubSender struct {
	mu       sync.Mutex
	failSend bool

	reqCh chan *sip.Request
	resCh chan *sip.Response
}

func newStubSender() *stubSender {
	return &stubSender{
		reqCh: make(chan *sip.Request, 16),
		resCh: make(chan *sip.Response, 16),
	}
}

func (s *stubSender) setFail(fail bool) {
	s.mu.Lock()
	s.failSend = fail
	s.mu.Unlock()
}

func (s *stubSender) SendRequest(_ context.Context, req *sip.Request) error {
	s.mu.Lock()
	fail := s.failSend
	s.mu.Unlock()
	if fail {
		return sip.ErrTransportClosed
	}
	s.reqCh <- req
	return nil
}

func (s *stubSender) SendResponse(_ context.Context, res *sip.Response) error {
	s.mu.Lock()
	fail := s.failSend
	s.mu.Unlock()
	if fail {
		return sip.ErrTransportClosed
	}
	s.resCh <- res
	return nil
}

func (s *stubSender) waitRequest(t *testing.T, timeout time.Duration) *sip.Request {
	t.Helper()
	select {
	case req := <-s.reqCh:
		return req
	case <-time.After(timeout):
		t.Fatalf("no request sent within %v", timeout)
		return nil
	}
}

func (s *stubSender) waitResponse(t *testing.T, timeout time.Duration) *sip.Response {
	t.Helper()
	select {
	case res := <-s.resCh:
		return res
	case <-time.After(timeout):
		t.Fatalf("no response sent within %v", timeout)
		return nil
	}
}

func (s *stubSender) ensureNoRequest(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case req := <-s.reqCh:
		t.Fatalf("unexpected request sent: %v", req)
	case <-time.After(d):
	}
}

// newTestInvite builds a valid outbound INVITE over an unreliable
// transport so the retransmit timers stay armed.
func newTestInvite(t *testing.T, branch string) *sip.Request {
	t.Helper()

	uri, err := sip.ParseUri("sip:bob@55.55.55.55:5060")
	if err != nil {
		t.Fatalf("sip.ParseUri() error = %v, want nil", err)
	}
	from, err := sip.ParseNameAddr("<sip:alice@11.11.11.11>;tag=fromtag1")
	if err != nil {
		t.Fatalf("sip.ParseNameAddr() error = %v, want nil", err)
	}
	to, err := sip.ParseNameAddr("<sip:bob@55.55.55.55>")
	if err != nil {
		t.Fatalf("sip.ParseNameAddr() error = %v, want nil", err)
	}

	req, err := sip.NewRequest(sip.RequestMethodInvite, uri, from, to, "call-"+branch, 1)
	if err != nil {
		t.Fatalf("sip.NewRequest() error = %v, want nil", err)
	}
	req.PushVia(&sip.Via{
		Transport: sip.TransportUDP,
		Host:      "11.11.11.11",
		Port:      5070,
		Params:    sip.Params{{Key: "branch", Value: branch}},
	})
	req.SetContact(&sip.NameAddr{Uri: &sip.Uri{Scheme: "sip", User: "alice", Host: "11.11.11.11", Port: 5070}})
	req.SetTransport(sip.TransportUDP)
	req.SetDestination(netip.MustParseAddrPort("55.55.55.55:5060"))
	return req
}

// newInboundResponse builds a response the far end would send for req.
func newInboundResponse(t *testing.T, req *sip.Request, status sip.StatusCode, toTag string) *sip.Response {
	t.Helper()
	res, err := req.NewResponse(status, toTag)
	if err != nil {
		t.Fatalf("req.NewResponse(%d) error = %v, want nil", status, err)
	}
	return res
}

func waitTransactionState(t *testing.T, state func() sip.TransactionState, want sip.TransactionState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if state() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("transaction state = %q, want %q within %v", state(), want, timeout)
}

func testTimings(t1 time.Duration) sip.TimingConfig {
	return sip.NewTimings(t1, 8*t1, 10*t1, 32*t1, time.Minute)
}
