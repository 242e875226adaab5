package sip_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/halcyontel/converge/sip"
)

func TestInviteClientTransaction_Accepted(t *testing.T) {
	t.Parallel()

	// bigger T1 so timer A does not fire before responses are injected
	timings := testTimings(40 * time.Millisecond)
	sender := newStubSender()
	req := newTestInvite(t, sip.MagicCookie+".cli-accepted")

	tx, err := sip.NewInviteClientTransaction(req, sender, &sip.ClientTransactionOptions{Timings: timings, Log: noopLogger()})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}

	if got := sender.waitRequest(t, time.Second); !got.Method().Equal(sip.RequestMethodInvite) {
		t.Fatalf("initial send method = %q, want INVITE", got.Method())
	}
	if got, want := tx.State(), sip.TransactionStateCalling; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	resCh := make(chan *sip.Response, 4)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.Response) {
		resCh <- res
	})

	ctx := context.Background()
	if err := tx.RecvResponse(ctx, newInboundResponse(t, req, sip.StatusRinging, "totag1")); err != nil {
		t.Fatalf("tx.RecvResponse(180) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, sip.StatusRinging)

	ok := newInboundResponse(t, req, sip.StatusOK, "totag1")
	if err := tx.RecvResponse(ctx, ok); err != nil {
		t.Fatalf("tx.RecvResponse(200) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateAccepted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, sip.StatusOK)

	// a retransmitted 2xx keeps the transaction accepted and reaches the TU
	if err := tx.RecvResponse(ctx, ok); err != nil {
		t.Fatalf("tx.RecvResponse(200 retransmit) error = %v, want nil", err)
	}
	assertResponseStatus(t, resCh, sip.StatusOK)

	waitTransactionState(t, tx.State, sip.TransactionStateTerminated, timings.TimeM()+time.Second)
}

func TestInviteClientTransaction_Rejected(t *testing.T) {
	t.Parallel()

	timings := testTimings(40 * time.Millisecond)
	sender := newStubSender()
	req := newTestInvite(t, sip.MagicCookie+".cli-rejected")

	tx, err := sip.NewInviteClientTransaction(req, sender, &sip.ClientTransactionOptions{Timings: timings, Log: noopLogger()})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	sender.waitRequest(t, time.Second)

	resCh := make(chan *sip.Response, 4)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.Response) {
		resCh <- res
	})

	ctx := context.Background()
	busy := newInboundResponse(t, req, sip.StatusBusyHere, "totag1")
	if err := tx.RecvResponse(ctx, busy); err != nil {
		t.Fatalf("tx.RecvResponse(486) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, sip.StatusBusyHere)

	// the transaction acknowledges the rejection itself
	ack := sender.waitRequest(t, time.Second)
	if !ack.Method().Equal(sip.RequestMethodAck) {
		t.Fatalf("post-486 request method = %q, want ACK", ack.Method())
	}
	if got, want := ack.Via().Branch(), req.Via().Branch(); got != want {
		t.Errorf("non-2xx ACK branch = %q, want the INVITE branch %q", got, want)
	}

	// a retransmitted final response triggers an ACK retransmit only
	if err := tx.RecvResponse(ctx, busy); err != nil {
		t.Fatalf("tx.RecvResponse(486 retransmit) error = %v, want nil", err)
	}
	if got := sender.waitRequest(t, time.Second); !got.Method().Equal(sip.RequestMethodAck) {
		t.Fatalf("retransmit answer method = %q, want ACK", got.Method())
	}
	select {
	case res := <-resCh:
		t.Fatalf("retransmitted final reached TU: %v", res)
	default:
	}

	waitTransactionState(t, tx.State, sip.TransactionStateTerminated, timings.TimeD()+time.Second)
}

func TestInviteClientTransaction_RetransmitsUntilTimerB(t *testing.T) {
	t.Parallel()

	timings := testTimings(10 * time.Millisecond)
	sender := newStubSender()
	req := newTestInvite(t, sip.MagicCookie+".cli-timeout")

	tx, err := sip.NewInviteClientTransaction(req, sender, &sip.ClientTransactionOptions{Timings: timings, Log: noopLogger()})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}

	resCh := make(chan *sip.Response, 4)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.Response) {
		resCh <- res
	})

	// initial send plus timer A retransmits
	sends := 0
	deadline := time.After(timings.TimeB() + time.Second)
collect:
	for {
		select {
		case <-sender.reqCh:
			sends++
		case <-deadline:
			break collect
		default:
			if tx.State() == sip.TransactionStateTerminated && len(sender.reqCh) == 0 {
				break collect
			}
			time.Sleep(time.Millisecond)
		}
	}
	if sends < 3 {
		t.Errorf("sends = %d, want at least 3 (initial + retransmits)", sends)
	}

	// timer B produces the synthetic 408
	assertResponseStatus(t, resCh, sip.StatusRequestTimeout)
	waitTransactionState(t, tx.State, sip.TransactionStateTerminated, time.Second)
}

func TestInviteClientTransaction_TransportError(t *testing.T) {
	t.Parallel()

	timings := testTimings(40 * time.Millisecond)
	sender := newStubSender()
	sender.setFail(true)
	req := newTestInvite(t, sip.MagicCookie+".cli-transperr")

	tx, err := sip.NewInviteClientTransaction(req, sender, &sip.ClientTransactionOptions{Timings: timings, Log: noopLogger()})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}

	resCh := make(chan *sip.Response, 4)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.Response) {
		resCh <- res
	})

	// the failed send synthesizes a 503 and terminates
	assertResponseStatus(t, resCh, sip.StatusServiceUnavailable)
	waitTransactionState(t, tx.State, sip.TransactionStateTerminated, time.Second)
}

func TestInviteClientTransaction_RejectsForeignResponse(t *testing.T) {
	t.Parallel()

	sender := newStubSender()
	req := newTestInvite(t, sip.MagicCookie+".cli-foreign")

	tx, err := sip.NewInviteClientTransaction(req, sender, &sip.ClientTransactionOptions{Timings: testTimings(40 * time.Millisecond), Log: noopLogger()})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	t.Cleanup(tx.Terminate)
	sender.waitRequest(t, time.Second)

	other := newTestInvite(t, sip.MagicCookie+".cli-other")
	res := newInboundResponse(t, other, sip.StatusOK, "totag1")
	if err := tx.RecvResponse(context.Background(), res); !errors.Is(err, sip.ErrTransactionNotMatched) {
		t.Fatalf("tx.RecvResponse(foreign) error = %v, want %v", err, sip.ErrTransactionNotMatched)
	}
}

func assertResponseStatus(t *testing.T, ch <-chan *sip.Response, want sip.StatusCode) {
	t.Helper()
	select {
	case res := <-ch:
		if res.Status() != want {
			t.Fatalf("TU response status = %d, want %d", res.Status(), want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no %d response delivered to TU", want)
	}
}
