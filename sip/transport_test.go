package sip_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/halcyontel/converge/log"
	"github.com/halcyontel/converge/sip"
)

var portMu sync.Mutex

// TestTransportLayer_UDPLoopback sends a request between two transport
// layers bound to the loopback interface and checks the inbound side
// sees the parsed message with its source stamped.
func TestTransportLayer_UDPLoopback(t *testing.T) {
	t.Parallel()

	left := sip.NewTransportLayer(&sip.TransportLayerOptions{Log: log.Noop})
	if err := left.AddTransport(sip.TransportUDP, "127.0.0.1", freePort(t)); err != nil {
		t.Fatalf("left.AddTransport() error = %v, want nil", err)
	}
	right := sip.NewTransportLayer(&sip.TransportLayerOptions{Log: log.Noop})
	rightPort := freePort(t)
	if err := right.AddTransport(sip.TransportUDP, "127.0.0.1", rightPort); err != nil {
		t.Fatalf("right.AddTransport() error = %v, want nil", err)
	}

	left.Serve()
	right.Serve()
	t.Cleanup(func() {
		left.Close()  //nolint:errcheck
		right.Close() //nolint:errcheck
	})

	reqCh := make(chan *sip.Request, 1)
	right.OnRequest(func(_ context.Context, _ sip.Transport, req *sip.Request) {
		reqCh <- req
	})

	uri, err := sip.ParseUri("sip:bob@127.0.0.1:" + itoa(rightPort))
	if err != nil {
		t.Fatalf("sip.ParseUri() error = %v, want nil", err)
	}
	from, _ := sip.ParseNameAddr("<sip:alice@127.0.0.1>;tag=loop1")
	to, _ := sip.ParseNameAddr("<sip:bob@127.0.0.1>")
	req, err := sip.NewRequest(sip.RequestMethodOptions, uri, from, to, "loopback-call-1", 1)
	if err != nil {
		t.Fatalf("sip.NewRequest() error = %v, want nil", err)
	}
	req.PushVia(&sip.Via{Params: sip.Params{{Key: "branch", Value: sip.GenerateBranch()}}})

	if err := left.SendRequest(context.Background(), req); err != nil {
		t.Fatalf("left.SendRequest() error = %v, want nil", err)
	}

	select {
	case got := <-reqCh:
		if !got.Method().Equal(sip.RequestMethodOptions) {
			t.Errorf("inbound method = %q, want OPTIONS", got.Method())
		}
		if got.CallID() != "loopback-call-1" {
			t.Errorf("inbound Call-ID = %q, want loopback-call-1", got.CallID())
		}
		if !got.Source().IsValid() {
			t.Errorf("inbound source not stamped")
		}
		if got.Via().Host == "" {
			t.Errorf("outbound Via sent-by was not completed")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("request did not arrive")
	}
}

var nextTestPort uint16 = 27060

// freePort hands out loopback test ports; collisions surface as bind
// errors and fail the test early.
func freePort(t *testing.T) uint16 {
	t.Helper()
	portMu.Lock()
	defer portMu.Unlock()
	nextTestPort++
	return nextTestPort
}

func itoa(p uint16) string {
	digits := [5]byte{}
	i := len(digits)
	for p > 0 {
		i--
		digits[i] = byte('0' + p%10)
		p /= 10
	}
	return string(digits[i:])
}
