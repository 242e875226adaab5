package sip_test

import (
	"context"
	"testing"
	"time"

	"github.com/halcyontel/converge/sip"
)

func newTestBye(t *testing.T, branch string) *sip.Request {
	t.Helper()
	invite := newTestInvite(t, branch)
	bye, err := sip.NewRequest(sip.RequestMethodBye, invite.Uri(), invite.From(),
		invite.To().WithTag("totag1"), invite.CallID(), 2)
	if err != nil {
		t.Fatalf("sip.NewRequest() error = %v, want nil", err)
	}
	bye.PushVia(invite.Via())
	bye.SetTransport(sip.TransportUDP)
	bye.SetDestination(invite.Destination())
	return bye
}

func TestNonInviteClientTransaction_Completed(t *testing.T) {
	t.Parallel()

	timings := testTimings(40 * time.Millisecond)
	sender := newStubSender()
	req := newTestBye(t, sip.MagicCookie+".ni-completed")

	tx, err := sip.NewNonInviteClientTransaction(req, sender, &sip.ClientTransactionOptions{Timings: timings, Log: noopLogger()})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction() error = %v, want nil", err)
	}
	sender.waitRequest(t, time.Second)

	if got, want := tx.State(), sip.TransactionStateTrying; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	resCh := make(chan *sip.Response, 2)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.Response) {
		resCh <- res
	})

	if err := tx.RecvResponse(context.Background(), newInboundResponse(t, req, sip.StatusOK, "")); err != nil {
		t.Fatalf("tx.RecvResponse(200) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, sip.StatusOK)

	// timer K reaps the completed transaction
	waitTransactionState(t, tx.State, sip.TransactionStateTerminated, timings.TimeK()+time.Second)
}

func TestNonInviteClientTransaction_TimerF(t *testing.T) {
	t.Parallel()

	timings := testTimings(10 * time.Millisecond)
	sender := newStubSender()
	req := newTestBye(t, sip.MagicCookie+".ni-timerf")

	tx, err := sip.NewNonInviteClientTransaction(req, sender, &sip.ClientTransactionOptions{Timings: timings, Log: noopLogger()})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction() error = %v, want nil", err)
	}

	resCh := make(chan *sip.Response, 2)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.Response) {
		resCh <- res
	})

	// no response at all: timer F synthesizes a 408
	assertResponseStatus(t, resCh, sip.StatusRequestTimeout)
	waitTransactionState(t, tx.State, sip.TransactionStateTerminated, time.Second)

	// timer E retransmitted at least once before F
	if len(sender.reqCh) < 2 {
		t.Errorf("sends buffered = %d, want at least 2", len(sender.reqCh))
	}
}
