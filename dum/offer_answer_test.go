package dum

import (
	"errors"
	"testing"

	"github.com/halcyontel/converge/sdp"
)

func testSDP(t *testing.T, port uint16) *sdp.Session {
	t.Helper()
	return sdp.New("test", "10.0.0.1", port)
}

func TestNegotiation_SingleOutstandingOffer(t *testing.T) {
	t.Parallel()

	var n negotiation

	if err := n.proposeLocal(testSDP(t, 4000), OfferInInvite); err != nil {
		t.Fatalf("proposeLocal() error = %v, want nil", err)
	}
	// a second offer in either direction is illegal while one is pending
	if err := n.proposeLocal(testSDP(t, 4002), OfferInReinvite); !errors.Is(err, ErrIllegalNegotiation) {
		t.Fatalf("second proposeLocal() error = %v, want %v", err, ErrIllegalNegotiation)
	}
	if err := n.recvRemoteOffer(testSDP(t, 5000), OfferInReinvite); !errors.Is(err, ErrIllegalNegotiation) {
		t.Fatalf("recvRemoteOffer() during local offer error = %v, want %v", err, ErrIllegalNegotiation)
	}

	if err := n.recvRemoteAnswer(testSDP(t, 5000), AnswerInOk); err != nil {
		t.Fatalf("recvRemoteAnswer() error = %v, want nil", err)
	}
	if n.outstanding() {
		t.Fatalf("outstanding() = true after answer")
	}
	if n.local == nil || n.remote == nil {
		t.Fatalf("negotiated pair incomplete: local=%v remote=%v", n.local, n.remote)
	}
}

func TestNegotiation_AnswerWithoutOfferIsIllegal(t *testing.T) {
	t.Parallel()

	var n negotiation
	if err := n.recvRemoteAnswer(testSDP(t, 5000), AnswerInOk); !errors.Is(err, ErrIllegalNegotiation) {
		t.Fatalf("recvRemoteAnswer() error = %v, want %v", err, ErrIllegalNegotiation)
	}
	if err := n.provideLocalAnswer(testSDP(t, 5000), AnswerInOk); !errors.Is(err, ErrIllegalNegotiation) {
		t.Fatalf("provideLocalAnswer() error = %v, want %v", err, ErrIllegalNegotiation)
	}
}

func TestNegotiation_RollbackClearsPending(t *testing.T) {
	t.Parallel()

	var n negotiation
	if err := n.proposeLocal(testSDP(t, 4000), OfferInReinvite); err != nil {
		t.Fatalf("proposeLocal() error = %v, want nil", err)
	}
	n.rollback()
	if n.outstanding() {
		t.Fatalf("outstanding() = true after rollback")
	}
	// a fresh exchange is legal again
	if err := n.recvRemoteOffer(testSDP(t, 5000), OfferInReinvite); err != nil {
		t.Fatalf("recvRemoteOffer() after rollback error = %v, want nil", err)
	}
	if err := n.provideLocalAnswer(testSDP(t, 4002), AnswerInReinviteOk); err != nil {
		t.Fatalf("provideLocalAnswer() error = %v, want nil", err)
	}
}

func TestNegotiation_ReinviteRoundTrips(t *testing.T) {
	t.Parallel()

	var n negotiation
	// initial exchange
	n.proposeLocal(testSDP(t, 4000), OfferInInvite)    //nolint:errcheck
	n.recvRemoteAnswer(testSDP(t, 5000), AnswerInOk)   //nolint:errcheck
	// re-INVITE exchange initiated remotely
	n.recvRemoteOffer(testSDP(t, 5002), OfferInReinvite)       //nolint:errcheck
	n.provideLocalAnswer(testSDP(t, 4002), AnswerInReinviteOk) //nolint:errcheck
	// and one more initiated locally
	n.proposeLocal(testSDP(t, 4004), OfferInReinvite)          //nolint:errcheck
	n.recvRemoteAnswer(testSDP(t, 5004), AnswerInReinviteOk)   //nolint:errcheck

	if n.outstanding() {
		t.Fatalf("outstanding() = true after completed exchanges")
	}
	if got, want := n.local.MediaPort(), uint16(4004); got != want {
		t.Errorf("local media port = %d, want %d", got, want)
	}
	if got, want := n.remote.MediaPort(), uint16(5004); got != want {
		t.Errorf("remote media port = %d, want %d", got, want)
	}
	if got, want := n.lastType, AnswerInReinviteOk; got != want {
		t.Errorf("lastType = %q, want %q", got, want)
	}
}
