package dum

import (
	"braces.dev/errtrace"

	"github.com/halcyontel/converge/internal/errorutil"
	"github.com/halcyontel/converge/sdp"
)

// ErrIllegalNegotiation is returned when an offer/answer rule is violated,
// e.g. a second offer while one is already outstanding.
const ErrIllegalNegotiation errorutil.Error = "illegal offer/answer negotiation"

// OfferAnswerType records where in the message flow an SDP exchange
// travelled, which drives the callbacks the application sees.
type OfferAnswerType string

const (
	OfferInInvite      OfferAnswerType = "offer_in_invite"
	AnswerInOk         OfferAnswerType = "answer_in_ok"
	AnswerInProvisional OfferAnswerType = "answer_in_provisional"
	OfferInOk          OfferAnswerType = "offer_in_ok"
	AnswerInAck        OfferAnswerType = "answer_in_ack"
	OfferInUpdate      OfferAnswerType = "offer_in_update"
	AnswerInUpdateOk   OfferAnswerType = "answer_in_update_ok"
	OfferInReinvite    OfferAnswerType = "offer_in_reinvite"
	AnswerInReinviteOk OfferAnswerType = "answer_in_reinvite_ok"
)

type offerer string

const (
	offererNone   offerer = ""
	offererLocal  offerer = "local"
	offererRemote offerer = "remote"
)

// negotiation tracks the RFC 3264 offer/answer state of one session:
// the current negotiated pair plus at most one outstanding offer.
type negotiation struct {
	local, remote *sdp.Session

	pending     *sdp.Session
	pendingFrom offerer
	lastType    OfferAnswerType
}

// outstanding reports whether an offer awaits its answer.
func (n *negotiation) outstanding() bool { return n.pendingFrom != offererNone }

// proposeLocal records a local offer going out.
func (n *negotiation) proposeLocal(offer *sdp.Session, typ OfferAnswerType) error {
	if n.outstanding() {
		return errtrace.Wrap(ErrIllegalNegotiation)
	}
	n.pending = offer
	n.pendingFrom = offererLocal
	n.lastType = typ
	return nil
}

// recvRemoteOffer records an offer arriving from the peer.
func (n *negotiation) recvRemoteOffer(offer *sdp.Session, typ OfferAnswerType) error {
	if n.outstanding() {
		return errtrace.Wrap(ErrIllegalNegotiation)
	}
	n.pending = offer
	n.pendingFrom = offererRemote
	n.lastType = typ
	return nil
}

// recvRemoteAnswer settles a local offer with the peer's answer.
func (n *negotiation) recvRemoteAnswer(answer *sdp.Session, typ OfferAnswerType) error {
	if n.pendingFrom != offererLocal {
		return errtrace.Wrap(ErrIllegalNegotiation)
	}
	n.local = n.pending
	n.remote = answer
	n.pending = nil
	n.pendingFrom = offererNone
	n.lastType = typ
	return nil
}

// provideLocalAnswer settles a remote offer with our answer.
func (n *negotiation) provideLocalAnswer(answer *sdp.Session, typ OfferAnswerType) error {
	if n.pendingFrom != offererRemote {
		return errtrace.Wrap(ErrIllegalNegotiation)
	}
	n.remote = n.pending
	n.local = answer
	n.pending = nil
	n.pendingFrom = offererNone
	n.lastType = typ
	return nil
}

// rollback drops an outstanding offer, e.g. after 488 or 491.
func (n *negotiation) rollback() {
	n.pending = nil
	n.pendingFrom = offererNone
}
