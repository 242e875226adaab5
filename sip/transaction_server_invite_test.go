package sip_test

import (
	"context"
	"testing"
	"time"

	"github.com/halcyontel/converge/sip"
)

// newInboundInvite builds an INVITE as the transport layer would deliver it.
func newInboundInvite(t *testing.T, branch string) *sip.Request {
	t.Helper()
	req := newTestInvite(t, branch)
	return req
}

func TestInviteServerTransaction_Auto100(t *testing.T) {
	t.Parallel()

	timings := sip.NewTimings(40*time.Millisecond, 0, 0, 0, 20*time.Millisecond)
	sender := newStubSender()
	req := newInboundInvite(t, sip.MagicCookie+".srv-auto100")

	tx, err := sip.NewInviteServerTransaction(req, sender, &sip.ServerTransactionOptions{Timings: timings, Log: noopLogger()})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}
	t.Cleanup(tx.Terminate)

	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	res := sender.waitResponse(t, time.Second)
	if got, want := res.Status(), sip.StatusTrying; got != want {
		t.Fatalf("auto response status = %d, want %d", got, want)
	}
}

func TestInviteServerTransaction_AcceptedAbsorbsRetransmits(t *testing.T) {
	t.Parallel()

	timings := testTimings(20 * time.Millisecond)
	sender := newStubSender()
	req := newInboundInvite(t, sip.MagicCookie+".srv-accepted")

	tx, err := sip.NewInviteServerTransaction(req, sender, &sip.ServerTransactionOptions{Timings: timings, Log: noopLogger()})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}

	ctx := context.Background()
	ringing := newInboundResponse(t, req, sip.StatusRinging, "srvtag1")
	if err := tx.Respond(ctx, ringing); err != nil {
		t.Fatalf("tx.Respond(180) error = %v, want nil", err)
	}
	if got, want := sender.waitResponse(t, time.Second).Status(), sip.StatusRinging; got != want {
		t.Fatalf("sent status = %d, want %d", got, want)
	}

	// an INVITE retransmit is answered with the last response
	if err := tx.RecvRequest(ctx, req); err != nil {
		t.Fatalf("tx.RecvRequest(retransmit) error = %v, want nil", err)
	}
	if got, want := sender.waitResponse(t, time.Second).Status(), sip.StatusRinging; got != want {
		t.Fatalf("retransmit answer status = %d, want %d", got, want)
	}

	ok := newInboundResponse(t, req, sip.StatusOK, "srvtag1")
	if err := tx.Respond(ctx, ok); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateAccepted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	if got, want := sender.waitResponse(t, time.Second).Status(), sip.StatusOK; got != want {
		t.Fatalf("sent status = %d, want %d", got, want)
	}

	// an INVITE retransmit in Accepted is absorbed without a response
	if err := tx.RecvRequest(ctx, req); err != nil {
		t.Fatalf("tx.RecvRequest(retransmit in accepted) error = %v, want nil", err)
	}
	select {
	case res := <-sender.resCh:
		t.Fatalf("accepted transaction answered a retransmit with %d", res.Status())
	case <-time.After(50 * time.Millisecond):
	}

	// timer L reaps the accepted transaction
	waitTransactionState(t, tx.State, sip.TransactionStateTerminated, timings.TimeL()+time.Second)
}

func TestInviteServerTransaction_RejectedToConfirmed(t *testing.T) {
	t.Parallel()

	timings := testTimings(20 * time.Millisecond)
	sender := newStubSender()
	req := newInboundInvite(t, sip.MagicCookie+".srv-rejected")

	tx, err := sip.NewInviteServerTransaction(req, sender, &sip.ServerTransactionOptions{Timings: timings, Log: noopLogger()})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}

	ctx := context.Background()
	busy := newInboundResponse(t, req, sip.StatusBusyHere, "srvtag1")
	if err := tx.Respond(ctx, busy); err != nil {
		t.Fatalf("tx.Respond(486) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	if got, want := sender.waitResponse(t, time.Second).Status(), sip.StatusBusyHere; got != want {
		t.Fatalf("sent status = %d, want %d", got, want)
	}

	// timer G retransmits the final response on unreliable transport
	if got, want := sender.waitResponse(t, timings.TimeG()+time.Second).Status(), sip.StatusBusyHere; got != want {
		t.Fatalf("timer G retransmit status = %d, want %d", got, want)
	}

	// the non-2xx ACK carries the INVITE branch and confirms the transaction
	ack, err := req.NewAck(busy, req.Contact())
	if err != nil {
		t.Fatalf("req.NewAck() error = %v, want nil", err)
	}
	ack.PushVia(req.Via())
	ack.SetTransport(sip.TransportUDP)
	if err := tx.RecvRequest(ctx, ack); err != nil {
		t.Fatalf("tx.RecvRequest(ACK) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateConfirmed; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// timer I reaps the confirmed transaction
	waitTransactionState(t, tx.State, sip.TransactionStateTerminated, timings.TimeI()+time.Second)
}

func TestInviteServerTransaction_TimerHWithoutAck(t *testing.T) {
	t.Parallel()

	timings := testTimings(10 * time.Millisecond)
	sender := newStubSender()
	req := newInboundInvite(t, sip.MagicCookie+".srv-timerh")

	tx, err := sip.NewInviteServerTransaction(req, sender, &sip.ServerTransactionOptions{Timings: timings, Log: noopLogger()})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}

	busy := newInboundResponse(t, req, sip.StatusBusyHere, "srvtag1")
	if err := tx.Respond(context.Background(), busy); err != nil {
		t.Fatalf("tx.Respond(486) error = %v, want nil", err)
	}

	// no ACK ever arrives: timer H terminates the transaction
	waitTransactionState(t, tx.State, sip.TransactionStateTerminated, timings.TimeH()+2*time.Second)
}
