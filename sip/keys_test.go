package sip_test

import (
	"testing"

	"github.com/halcyontel/converge/sip"
)

func TestServerTransactionKey_AckFoldsToInvite(t *testing.T) {
	t.Parallel()

	req := newTestInvite(t, sip.MagicCookie+".key-ack")

	var invKey sip.ServerTransactionKey
	if err := invKey.FillFromMessage(req); err != nil {
		t.Fatalf("invKey.FillFromMessage() error = %v, want nil", err)
	}

	res := newInboundResponse(t, req, sip.StatusBusyHere, "totag1")
	ack, err := req.NewAck(res, req.Contact())
	if err != nil {
		t.Fatalf("req.NewAck() error = %v, want nil", err)
	}
	ack.PushVia(req.Via())

	var ackKey sip.ServerTransactionKey
	if err := ackKey.FillFromMessage(ack); err != nil {
		t.Fatalf("ackKey.FillFromMessage() error = %v, want nil", err)
	}
	if !invKey.Equal(ackKey) {
		t.Errorf("ACK key %v does not fold onto INVITE key %v", ackKey, invKey)
	}
}

func TestServerTransactionKey_CancelKeepsOwnKey(t *testing.T) {
	t.Parallel()

	req := newTestInvite(t, sip.MagicCookie+".key-cancel")

	var invKey sip.ServerTransactionKey
	if err := invKey.FillFromMessage(req); err != nil {
		t.Fatalf("invKey.FillFromMessage() error = %v, want nil", err)
	}

	cancel, err := req.NewCancel()
	if err != nil {
		t.Fatalf("req.NewCancel() error = %v, want nil", err)
	}

	var cancelKey sip.ServerTransactionKey
	if err := cancelKey.FillFromMessage(cancel); err != nil {
		t.Fatalf("cancelKey.FillFromMessage() error = %v, want nil", err)
	}
	if invKey.Equal(cancelKey) {
		t.Errorf("CANCEL key %v must differ from INVITE key", cancelKey)
	}
	if !cancelKey.TargetOfCancel().Equal(invKey) {
		t.Errorf("cancelKey.TargetOfCancel() = %v, want %v", cancelKey.TargetOfCancel(), invKey)
	}
}

func TestClientTransactionKey_MatchesByBranchAndMethod(t *testing.T) {
	t.Parallel()

	req := newTestInvite(t, sip.MagicCookie+".key-client")
	res := newInboundResponse(t, req, sip.StatusOK, "totag1")

	var reqKey, resKey sip.ClientTransactionKey
	if err := reqKey.FillFromMessage(req); err != nil {
		t.Fatalf("reqKey.FillFromMessage() error = %v, want nil", err)
	}
	if err := resKey.FillFromMessage(res); err != nil {
		t.Fatalf("resKey.FillFromMessage() error = %v, want nil", err)
	}
	if !reqKey.Equal(resKey) {
		t.Errorf("response key %v does not match request key %v", resKey, reqKey)
	}

	other := newTestInvite(t, sip.MagicCookie+".key-client-2")
	var otherKey sip.ClientTransactionKey
	if err := otherKey.FillFromMessage(other); err != nil {
		t.Fatalf("otherKey.FillFromMessage() error = %v, want nil", err)
	}
	if reqKey.Equal(otherKey) {
		t.Errorf("keys with different branches must not match")
	}
}

func TestTimingConfig_Defaults(t *testing.T) {
	t.Parallel()

	var cfg sip.TimingConfig
	if got, want := cfg.T1(), sip.T1; got != want {
		t.Errorf("cfg.T1() = %v, want %v", got, want)
	}
	if got, want := cfg.TimeB(), 64*sip.T1; got != want {
		t.Errorf("cfg.TimeB() = %v, want %v", got, want)
	}
	if got, want := cfg.TimeD(), sip.TimeD; got != want {
		t.Errorf("cfg.TimeD() = %v, want %v", got, want)
	}
	if got, want := cfg.TimeI(), sip.T4; got != want {
		t.Errorf("cfg.TimeI() = %v, want %v", got, want)
	}

	scaled := sip.NewTimings(10, 20, 30, 40, 50)
	if got, want := scaled.TimeH(), int64(640); got.Nanoseconds() != want {
		t.Errorf("scaled.TimeH() = %v, want %dns", got, want)
	}
}
