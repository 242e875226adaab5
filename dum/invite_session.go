package dum

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/halcyontel/converge/internal/timeutil"
	"github.com/halcyontel/converge/sdp"
	"github.com/halcyontel/converge/sip"
)

// SessionState is a state of the INVITE session state machine.
type SessionState string

const (
	StateUACStart           SessionState = "uac_start"
	StateUACEarly           SessionState = "uac_early"
	StateUACEarlyWithOffer  SessionState = "uac_early_with_offer"
	StateUACEarlyWithAnswer SessionState = "uac_early_with_answer"
	StateUACConnected       SessionState = "uac_connected"
	StateUASStart           SessionState = "uas_start"
	StateUASOffer           SessionState = "uas_offer"
	StateUASEarlyOffer      SessionState = "uas_early_offer"
	StateUASAccepted        SessionState = "uas_accepted"
	StateConnected          SessionState = "connected"
	StateSentUpdate         SessionState = "sent_update"
	StateReceivedUpdate     SessionState = "received_update"
	StateSentReinvite       SessionState = "sent_reinvite"
	StateReceivedReinvite   SessionState = "received_reinvite"
	StateTerminated         SessionState = "terminated"
)

// Session FSM triggers.
const (
	sessEvtProvisional      = "provisional"
	sessEvtProvisionalOffer = "provisional_offer"
	sessEvtProvisionalAnsw  = "provisional_answer"
	sessEvtConnect          = "connect"
	sessEvtConfirm          = "confirm"
	sessEvtAccept           = "accept"
	sessEvtSendReinvite     = "send_reinvite"
	sessEvtReinviteDone     = "reinvite_done"
	sessEvtRecvReinvite     = "recv_reinvite"
	sessEvtReinviteAnswered = "reinvite_answered"
	sessEvtSendUpdate       = "send_update"
	sessEvtUpdateDone       = "update_done"
	sessEvtRecvUpdate       = "recv_update"
	sessEvtUpdateAnswered   = "update_answered"
	sessEvtTerminate        = "terminate"
)

// InviteSession is the usage hosting one call leg: the offer/answer
// coordinator and the UAC/UAS INVITE state machine of one dialog.
type InviteSession struct {
	dum     *DialogUsageManager
	ds      *DialogSet
	dlg     *Dialog
	usageID int

	fsm *stateless.StateMachine
	neg negotiation

	// invite is the INVITE that created the session: outbound for UAC,
	// inbound for UAS.
	invite   *sip.Request
	inviteTx sip.ClientTransaction
	serverTx sip.ServerTransaction
	// reinviteTx is the server transaction of a received re-INVITE or
	// UPDATE awaiting our answer.
	reinviteTx sip.ServerTransaction

	isUAC    bool
	localTag string
	rtag     atomic.Pointer[string]

	// connectRes is the 2xx that connected the session (UAC).
	connectRes *sip.Response
	// lastAck is replayed on 2xx retransmits (RFC 3261 section 13.2.2.4).
	lastAck *sip.Request

	staleTmr *timeutil.Timer
	glareTmr *timeutil.Timer
	// glareOffer is the rolled back offer a 491 retry re-proposes.
	glareOffer *sdp.Session

	reason TerminatedReason
}

func newSessionFSM(start SessionState) *stateless.StateMachine {
	fsm := stateless.NewStateMachineWithMode(start, stateless.FiringQueued)

	fsm.Configure(StateUACStart).
		Permit(sessEvtProvisionalOffer, StateUACEarlyWithOffer).
		Permit(sessEvtProvisionalAnsw, StateUACEarlyWithAnswer).
		Permit(sessEvtProvisional, StateUACEarly).
		Permit(sessEvtConnect, StateUACConnected).
		Permit(sessEvtTerminate, StateTerminated)

	for _, early := range []SessionState{StateUACEarly, StateUACEarlyWithOffer, StateUACEarlyWithAnswer} {
		cfg := fsm.Configure(early).
			Permit(sessEvtConnect, StateUACConnected).
			Permit(sessEvtTerminate, StateTerminated)
		switch early {
		case StateUACEarly:
			cfg.PermitReentry(sessEvtProvisional).
				Permit(sessEvtProvisionalOffer, StateUACEarlyWithOffer).
				Permit(sessEvtProvisionalAnsw, StateUACEarlyWithAnswer)
		default:
			cfg.InternalTransition(sessEvtProvisional, func(context.Context, ...any) error { return nil })
		}
	}

	fsm.Configure(StateUACConnected).
		Permit(sessEvtConfirm, StateConnected).
		Permit(sessEvtTerminate, StateTerminated)

	fsm.Configure(StateUASStart).
		Permit(sessEvtProvisionalOffer, StateUASOffer).
		Permit(sessEvtProvisional, StateUASEarlyOffer).
		Permit(sessEvtTerminate, StateTerminated)

	fsm.Configure(StateUASOffer).
		InternalTransition(sessEvtProvisional, func(context.Context, ...any) error { return nil }).
		Permit(sessEvtAccept, StateUASAccepted).
		Permit(sessEvtTerminate, StateTerminated)

	fsm.Configure(StateUASEarlyOffer).
		InternalTransition(sessEvtProvisional, func(context.Context, ...any) error { return nil }).
		Permit(sessEvtAccept, StateUASAccepted).
		Permit(sessEvtTerminate, StateTerminated)

	fsm.Configure(StateUASAccepted).
		Permit(sessEvtConfirm, StateConnected).
		Permit(sessEvtTerminate, StateTerminated)

	fsm.Configure(StateConnected).
		Permit(sessEvtSendReinvite, StateSentReinvite).
		Permit(sessEvtRecvReinvite, StateReceivedReinvite).
		Permit(sessEvtSendUpdate, StateSentUpdate).
		Permit(sessEvtRecvUpdate, StateReceivedUpdate).
		Permit(sessEvtTerminate, StateTerminated)

	fsm.Configure(StateSentReinvite).
		Permit(sessEvtReinviteDone, StateConnected).
		Permit(sessEvtTerminate, StateTerminated)

	fsm.Configure(StateReceivedReinvite).
		Permit(sessEvtReinviteAnswered, StateConnected).
		Permit(sessEvtTerminate, StateTerminated)

	fsm.Configure(StateSentUpdate).
		Permit(sessEvtUpdateDone, StateConnected).
		Permit(sessEvtTerminate, StateTerminated)

	fsm.Configure(StateReceivedUpdate).
		Permit(sessEvtUpdateAnswered, StateConnected).
		Permit(sessEvtTerminate, StateTerminated)

	fsm.Configure(StateTerminated)

	return fsm
}

func newUACInviteSession(dum *DialogUsageManager, ds *DialogSet, invite *sip.Request, offer *sdp.Session) *InviteSession {
	s := &InviteSession{
		dum:      dum,
		ds:       ds,
		invite:   invite,
		isUAC:    true,
		localTag: invite.From().Tag(),
		fsm:      newSessionFSM(StateUACStart),
	}
	if offer != nil {
		s.neg.proposeLocal(offer, OfferInInvite) //nolint:errcheck
	}
	s.usageID = ds.addUsage(s)
	return s
}

// newForkInviteSession materializes the session of a sibling fork dialog.
// It shares the original INVITE and client transaction.
func newForkInviteSession(dum *DialogUsageManager, ds *DialogSet, orig *InviteSession, remoteTag string) *InviteSession {
	s := &InviteSession{
		dum:      dum,
		ds:       ds,
		invite:   orig.invite,
		inviteTx: orig.inviteTx,
		isUAC:    true,
		localTag: orig.localTag,
		fsm:      newSessionFSM(StateUACStart),
	}
	s.neg = negotiation{pending: orig.neg.pending, pendingFrom: orig.neg.pendingFrom, lastType: orig.neg.lastType}
	if orig.neg.local != nil {
		// original already answered: the fork still negotiates the INVITE offer
		s.neg = negotiation{pending: orig.neg.local, pendingFrom: offererLocal, lastType: OfferInInvite}
	}
	s.bindRemoteTag(remoteTag)
	s.usageID = ds.addUsage(s)
	return s
}

func newUASInviteSession(dum *DialogUsageManager, tx sip.ServerTransaction, invite *sip.Request) *InviteSession {
	s := &InviteSession{
		dum:      dum,
		invite:   invite,
		serverTx: tx,
		localTag: sip.GenerateTag(),
		fsm:      newSessionFSM(StateUASStart),
	}

	setID := sip.DialogSetID{CallID: invite.CallID(), LocalTag: s.localTag}
	s.ds = newDialogSet(dum, setID, invite)
	dum.dialogSets[setID] = s.ds
	s.usageID = s.ds.addUsage(s)

	if body := invite.Body(); len(body) > 0 && strings.HasPrefix(invite.ContentType(), sdp.ContentType) {
		offer, err := sdp.Parse(body)
		if err != nil {
			s.respondServer(tx, invite, sip.StatusBadRequest)
			s.terminate(ReasonRemoteError, nil)
			return nil
		}
		s.neg.recvRemoteOffer(offer, OfferInInvite) //nolint:errcheck
		s.fire(sessEvtProvisionalOffer)
	} else {
		s.fire(sessEvtProvisional)
	}
	return s
}

// State returns the current session state.
func (s *InviteSession) State() SessionState {
	return s.fsm.MustState().(SessionState) //nolint:forcetypeassert
}

// Dialog returns the dialog the session is attached to, nil while early
// and tagless.
func (s *InviteSession) Dialog() *Dialog { return s.dlg }

// DialogSet returns the owning dialog set.
func (s *InviteSession) DialogSet() *DialogSet { return s.ds }

// IsUAC reports whether this side initiated the INVITE.
func (s *InviteSession) IsUAC() bool { return s.isUAC }

// LocalSDP returns the current negotiated local session description.
func (s *InviteSession) LocalSDP() *sdp.Session { return s.neg.local }

// RemoteSDP returns the current negotiated remote session description.
func (s *InviteSession) RemoteSDP() *sdp.Session { return s.neg.remote }

// RemoteOffer returns the outstanding remote offer, if any.
func (s *InviteSession) RemoteOffer() *sdp.Session {
	if s.neg.pendingFrom == offererRemote {
		return s.neg.pending
	}
	return nil
}

// InviteRequest returns the INVITE that created the session.
func (s *InviteSession) InviteRequest() *sip.Request { return s.invite }

// Reason returns the termination reason once terminated.
func (s *InviteSession) Reason() TerminatedReason { return s.reason }

func (s *InviteSession) hasRemoteTag() bool { return s.rtag.Load() != nil }

func (s *InviteSession) remoteTag() string {
	if t := s.rtag.Load(); t != nil {
		return *t
	}
	return ""
}

func (s *InviteSession) bindRemoteTag(tag string) { s.rtag.Store(&tag) }

func (s *InviteSession) fire(trigger string, args ...any) {
	if err := s.fsm.FireCtx(context.Background(), trigger, args...); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", trigger, s.State(), err))
	}
}

// tryFire fires the trigger and reports whether the FSM accepted it.
func (s *InviteSession) tryFire(trigger string, args ...any) bool {
	ok, err := s.fsm.CanFire(trigger)
	if err != nil || !ok {
		return false
	}
	s.fire(trigger, args...)
	return true
}

func (s *InviteSession) logger() *slog.Logger { return s.dum.logger }

// LogValue implements [slog.LogValuer].
func (s *InviteSession) LogValue() slog.Value {
	if s == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("state", string(s.State())),
		slog.Bool("uac", s.isUAC),
		slog.String("call_id", s.invite.CallID()),
	}
	if s.dlg != nil {
		attrs = append(attrs, slog.Any("dialog", s.dlg.ID()))
	}
	return slog.GroupValue(attrs...)
}

// ----------------------------------------------------------------------------
// UAC response handling

func (s *InviteSession) recvInviteResponse(res *sip.Response) {
	if s.State() == StateTerminated {
		// a late 2xx on a terminated leg still needs ACK+BYE so the far
		// end does not keep ringing a dead call
		if res.Status().IsSuccess() {
			s.ackAndBye(res)
		}
		return
	}

	status := res.Status()
	switch {
	case status == sip.StatusTrying:
		s.dum.emit(Event{Kind: EventTrying, Session: s, Message: res})

	case status.IsProvisional():
		s.recvProvisional(res)

	case status.IsSuccess():
		s.recvConnect(res)

	case status.IsRedirect():
		s.reason = ReasonRejected
		s.terminate(ReasonRejected, nil)
		s.dum.emit(Event{Kind: EventRedirected, Session: s, Message: res, Status: status, Target: redirectTarget(res)})
		s.dum.emit(Event{Kind: EventTerminated, Session: s, Message: res, Reason: ReasonRejected, Status: status})

	default:
		reason := ReasonRejected
		if status == sip.StatusRequestTimeout || status == sip.StatusServiceUnavailable {
			// synthetic timer B / transport failure responses
			reason = ReasonNetworkError
		}
		if s.reason == ReasonCancelled {
			reason = ReasonCancelled
		}
		s.terminate(reason, nil)
		s.dum.emit(Event{Kind: EventTerminated, Session: s, Message: res, Reason: reason, Status: status})
	}
}

func redirectTarget(res *sip.Response) *sip.Uri {
	if contact := res.Contact(); contact != nil {
		return contact.Uri
	}
	return nil
}

func (s *InviteSession) recvProvisional(res *sip.Response) {
	if res.To().Tag() != "" {
		// a tagged provisional establishes the early dialog, which fork
		// losers need for their per-leg BYE
		s.ensureDialog(res)
	}

	sdpBody := s.parseBody(res)

	switch {
	case sdpBody == nil:
		s.tryFire(sessEvtProvisional)
	case s.neg.pendingFrom == offererLocal:
		// answer in a provisional settles the INVITE offer early
		s.neg.recvRemoteAnswer(sdpBody, AnswerInProvisional) //nolint:errcheck
		if !s.tryFire(sessEvtProvisionalAnsw) {
			s.tryFire(sessEvtProvisional)
		}
		s.dum.emit(Event{Kind: EventAnswer, Session: s, Message: res, SDP: sdpBody})
		s.dum.emit(Event{Kind: EventEarlyMedia, Session: s, Message: res, SDP: sdpBody})
	default:
		// offerless INVITE: the offer arrives in a reliable provisional
		s.neg.recvRemoteOffer(sdpBody, OfferInOk) //nolint:errcheck
		if !s.tryFire(sessEvtProvisionalOffer) {
			s.tryFire(sessEvtProvisional)
		}
		s.dum.emit(Event{Kind: EventOffer, Session: s, Message: res, SDP: sdpBody})
	}

	s.dum.emit(Event{Kind: EventProvisional, Session: s, Message: res, Status: res.Status()})

	s.maybePrack(res)
}

// maybePrack acknowledges a reliable provisional (RFC 3262).
func (s *InviteSession) maybePrack(res *sip.Response) {
	rseq := firstHeader(res, "RSeq")
	if rseq == "" || !hasOption(res, "Require", "100rel") {
		return
	}

	s.ensureDialog(res)
	prack, err := s.dlg.NewRequest(sip.RequestMethodPrack)
	if err != nil {
		s.logger().LogAttrs(context.Background(), slog.LevelWarn,
			"PRACK build failed", slog.Any("session", s), slog.Any("error", err))
		return
	}
	prack.SetHeader("RAck", fmt.Sprintf("%s %d %s", rseq, s.invite.CSeq().Seq, sip.RequestMethodInvite))
	s.sendInDialog(prack, nil)
}

func (s *InviteSession) recvConnect(res *sip.Response) {
	if s.connectRes != nil {
		// 2xx retransmit: replay the ACK, the exchange is already settled
		if s.lastAck != nil {
			if _, err := s.dum.txl.SendRequest(context.Background(), s.lastAck); err != nil {
				s.logger().LogAttrs(context.Background(), slog.LevelWarn,
					"ACK replay failed", slog.Any("session", s), slog.Any("error", err))
			}
		}
		return
	}

	s.ensureDialog(res)
	// the 2xx Contact refreshes the target captured from a provisional
	s.dlg.updateRemoteTarget(res)
	s.connectRes = res

	sdpBody := s.parseBody(res)
	switch {
	case sdpBody != nil && s.neg.pendingFrom == offererLocal:
		s.neg.recvRemoteAnswer(sdpBody, AnswerInOk) //nolint:errcheck
		s.tryFire(sessEvtConnect)
		s.dum.emit(Event{Kind: EventAnswer, Session: s, Message: res, SDP: sdpBody})
		s.sendAck(res, nil)
	case sdpBody != nil && s.neg.pendingFrom == offererRemote && s.neg.lastType == OfferInOk:
		// answer to the offer already seen in a reliable provisional
		s.tryFire(sessEvtConnect)
		s.sendAck(res, nil)
	case sdpBody != nil:
		// offerless INVITE: offer in the 200, answer goes in the ACK
		s.neg.recvRemoteOffer(sdpBody, OfferInOk) //nolint:errcheck
		s.tryFire(sessEvtConnect)
		s.dum.emit(Event{Kind: EventOffer, Session: s, Message: res, SDP: sdpBody})
		return // ACK deferred until ProvideAnswer
	default:
		if s.neg.pendingFrom == offererLocal {
			// 200 without the required answer
			s.terminateWithBye(ReasonRemoteError)
			return
		}
		s.tryFire(sessEvtConnect)
		s.sendAck(res, nil)
	}

	// reach Connected before announcing it so the handler can offer
	s.fire(sessEvtConfirm)
	s.dum.emit(Event{Kind: EventConnected, Session: s, Message: res})
}

// ensureDialog creates the UAC dialog from the first tagged response.
func (s *InviteSession) ensureDialog(res *sip.Response) {
	if s.dlg != nil {
		return
	}
	s.bindRemoteTag(res.To().Tag())
	s.dlg = newDialogUAC(s.ds, s.invite, res)
	s.ds.addDialog(s.dlg)
	if s.dum.profile.Contact != nil {
		s.dlg.SetContact(s.dum.profile.Contact)
	}
}

func (s *InviteSession) sendAck(res *sip.Response, answer *sdp.Session) {
	ack, err := s.dlg.NewRequest(sip.RequestMethodAck)
	if err != nil {
		s.logger().LogAttrs(context.Background(), slog.LevelWarn,
			"ACK build failed", slog.Any("session", s), slog.Any("error", err))
		return
	}
	// ACK carries the INVITE CSeq number (RFC 3261 section 13.2.2.4)
	ackFixCSeq(ack, s.invite.CSeq().Seq)
	if answer != nil {
		ack.SetBody(sdp.ContentType, answer.Marshal())
	}
	s.lastAck = ack
	if _, err := s.dum.txl.SendRequest(context.Background(), ack); err != nil {
		s.logger().LogAttrs(context.Background(), slog.LevelWarn,
			"ACK send failed", slog.Any("session", s), slog.Any("error", err))
	}
}

// ackAndBye settles a late 2xx on a losing or destroyed leg: the dialog
// is acknowledged and immediately released.
func (s *InviteSession) ackAndBye(res *sip.Response) {
	if s.lastAck != nil {
		// already settled, this is a retransmit
		s.dum.txl.SendRequest(context.Background(), s.lastAck) //nolint:errcheck
		return
	}
	s.ensureDialog(res)
	s.sendAck(res, s.neg.pending)

	bye, err := s.dlg.NewRequest(sip.RequestMethodBye)
	if err != nil {
		return
	}
	if _, err := s.dum.txl.SendRequest(context.Background(), bye); err == nil {
		s.logger().LogAttrs(context.Background(), slog.LevelDebug,
			"late 2xx answered with BYE", slog.Any("session", s), slog.Any("response", res))
	}
	s.dropDialog()
}

// ----------------------------------------------------------------------------
// UAS API

// Provisional sends a 1xx, optionally with early media (SDP in a 180/183).
func (s *InviteSession) Provisional(status sip.StatusCode, early *sdp.Session) error {
	switch s.State() {
	case StateUASOffer, StateUASEarlyOffer:
	default:
		return errtrace.Wrap(sip.NewWrapperError(ErrIllegalNegotiation, "provisional in state %q", s.State()))
	}

	res, err := s.invite.NewResponse(status, s.localTag)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if s.dum.profile.Contact != nil {
		res.SetContact(s.dum.profile.Contact)
	}
	if early != nil {
		if s.neg.pendingFrom != offererRemote {
			return errtrace.Wrap(ErrIllegalNegotiation)
		}
		res.SetBody(sdp.ContentType, early.Marshal())
	}
	s.fire(sessEvtProvisional)
	return errtrace.Wrap(s.serverTx.Respond(context.Background(), res))
}

// Accept answers the INVITE with 200. For an INVITE with offer the body
// is the answer; for an offerless INVITE it is our offer and the answer
// arrives in the ACK.
func (s *InviteSession) Accept(body *sdp.Session) error {
	switch s.State() {
	case StateUASOffer:
		if body == nil {
			return errtrace.Wrap(sip.NewWrapperError(ErrIllegalNegotiation, "answer required"))
		}
		if err := s.neg.provideLocalAnswer(body, AnswerInOk); err != nil {
			return errtrace.Wrap(err)
		}
	case StateUASEarlyOffer:
		if body == nil {
			return errtrace.Wrap(sip.NewWrapperError(ErrIllegalNegotiation, "offer required"))
		}
		if err := s.neg.proposeLocal(body, OfferInOk); err != nil {
			return errtrace.Wrap(err)
		}
	default:
		return errtrace.Wrap(sip.NewWrapperError(ErrIllegalNegotiation, "accept in state %q", s.State()))
	}

	res, err := s.invite.NewResponse(sip.StatusOK, s.localTag)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if s.dum.profile.Contact != nil {
		res.SetContact(s.dum.profile.Contact)
	}
	res.SetBody(sdp.ContentType, body.Marshal())

	s.makeUASDialog()
	s.fire(sessEvtAccept)

	if err := s.serverTx.Respond(context.Background(), res); err != nil {
		return errtrace.Wrap(err)
	}

	s.armStaleCallTimer()
	s.dum.emit(Event{Kind: EventConnected, Session: s, Message: res})
	return nil
}

func (s *InviteSession) makeUASDialog() {
	if s.dlg != nil {
		return
	}
	s.dlg = newDialogUAS(s.ds, s.invite, s.localTag)
	s.ds.addDialog(s.dlg)
	if s.dum.profile.Contact != nil {
		s.dlg.SetContact(s.dum.profile.Contact)
	}
	s.bindRemoteTag(s.invite.From().Tag())
}

// armStaleCallTimer waits for the ACK after our 2xx; without one the call
// is torn down with BYE.
func (s *InviteSession) armStaleCallTimer() {
	d := 32 * s.dum.timings.T1()
	s.staleTmr = timeutil.AfterFunc(d, func() {
		s.dum.Post(func() { s.onStaleCall() })
	})
}

func (s *InviteSession) onStaleCall() {
	if s.State() != StateUASAccepted {
		return
	}
	s.dum.emit(Event{Kind: EventStaleCallTimeout, Session: s})
	s.terminateWithBye(ReasonNetworkError)
}

// Reject answers a not yet accepted INVITE with a failure status.
func (s *InviteSession) Reject(status sip.StatusCode) error {
	switch s.State() {
	case StateUASStart, StateUASOffer, StateUASEarlyOffer:
	default:
		return errtrace.Wrap(sip.NewWrapperError(ErrIllegalNegotiation, "reject in state %q", s.State()))
	}

	res, err := s.invite.NewResponse(status, s.localTag)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if err := s.serverTx.Respond(context.Background(), res); err != nil {
		return errtrace.Wrap(err)
	}
	s.terminate(ReasonRejected, nil)
	s.dum.emit(Event{Kind: EventTerminated, Session: s, Reason: ReasonRejected, Status: status})
	return nil
}

// Redirect answers a not yet accepted INVITE with 302 and the target.
func (s *InviteSession) Redirect(target *sip.Uri) error {
	switch s.State() {
	case StateUASStart, StateUASOffer, StateUASEarlyOffer:
	default:
		return errtrace.Wrap(sip.NewWrapperError(ErrIllegalNegotiation, "redirect in state %q", s.State()))
	}

	res, err := s.invite.NewResponse(sip.StatusMovedTemporarily, s.localTag)
	if err != nil {
		return errtrace.Wrap(err)
	}
	res.SetContact(&sip.NameAddr{Uri: target.Clone()})
	if err := s.serverTx.Respond(context.Background(), res); err != nil {
		return errtrace.Wrap(err)
	}
	s.terminate(ReasonRejected, nil)
	s.dum.emit(Event{Kind: EventTerminated, Session: s, Reason: ReasonRejected, Status: sip.StatusMovedTemporarily})
	return nil
}

// ----------------------------------------------------------------------------
// offer/answer API

// ProvideOffer sends a new offer: a re-INVITE when connected.
func (s *InviteSession) ProvideOffer(offer *sdp.Session) error {
	if s.State() != StateConnected {
		return errtrace.Wrap(sip.NewWrapperError(ErrIllegalNegotiation, "offer in state %q", s.State()))
	}
	return errtrace.Wrap(s.sendReinvite(offer))
}

// ProvideAnswer settles the outstanding remote offer. Depending on where
// the offer travelled the answer goes into the ACK (offer in 200), the
// re-INVITE 200 or the UPDATE 200.
func (s *InviteSession) ProvideAnswer(answer *sdp.Session) error {
	if s.neg.pendingFrom != offererRemote {
		return errtrace.Wrap(ErrIllegalNegotiation)
	}

	switch s.State() {
	case StateUACConnected:
		// answer to the offer in the 200 goes in the ACK
		if err := s.neg.provideLocalAnswer(answer, AnswerInAck); err != nil {
			return errtrace.Wrap(err)
		}
		s.sendAck(s.connectRes, answer)
		s.fire(sessEvtConfirm)
		s.dum.emit(Event{Kind: EventConnected, Session: s, Message: s.connectRes})
		return nil

	case StateReceivedReinvite:
		if err := s.neg.provideLocalAnswer(answer, AnswerInReinviteOk); err != nil {
			return errtrace.Wrap(err)
		}
		return errtrace.Wrap(s.respondReinvite(answer))

	case StateReceivedUpdate:
		if err := s.neg.provideLocalAnswer(answer, AnswerInUpdateOk); err != nil {
			return errtrace.Wrap(err)
		}
		return errtrace.Wrap(s.respondUpdate(answer))

	case StateUASOffer, StateUASEarlyOffer:
		// the answer rides in the 200, Accept does the bookkeeping
		return errtrace.Wrap(s.Accept(answer))
	}
	return errtrace.Wrap(sip.NewWrapperError(ErrIllegalNegotiation, "answer in state %q", s.State()))
}

func (s *InviteSession) parseBody(msg sip.Message) *sdp.Session {
	body := msg.Body()
	if len(body) == 0 || !strings.HasPrefix(msg.ContentType(), sdp.ContentType) {
		return nil
	}
	sess, err := sdp.Parse(body)
	if err != nil {
		s.logger().LogAttrs(context.Background(), slog.LevelWarn,
			"undecodable SDP body", slog.Any("session", s), slog.Any("error", err))
		return nil
	}
	return sess
}

// ----------------------------------------------------------------------------
// re-INVITE / UPDATE

func (s *InviteSession) sendReinvite(offer *sdp.Session) error {
	if err := s.neg.proposeLocal(offer, OfferInReinvite); err != nil {
		return errtrace.Wrap(err)
	}

	req, err := s.dlg.NewRequest(sip.RequestMethodInvite)
	if err != nil {
		s.neg.rollback()
		return errtrace.Wrap(err)
	}
	req.SetBody(sdp.ContentType, offer.Marshal())

	s.fire(sessEvtSendReinvite)
	s.sendInDialog(req, func(res *sip.Response) { s.recvReinviteResponse(req, res) })
	return nil
}

func (s *InviteSession) recvReinviteResponse(req *sip.Request, res *sip.Response) {
	if s.State() != StateSentReinvite {
		if res.Status().IsSuccess() {
			// stale 200 after we moved on: honor the dialog with ACK
			s.sendAckFor(req, res)
		}
		return
	}

	status := res.Status()
	switch {
	case status.IsProvisional():
		return
	case status.IsSuccess():
		s.dlg.updateRemoteTarget(res)
		answer := s.parseBody(res)
		if answer == nil {
			s.sendAckFor(req, res)
			s.terminateWithBye(ReasonRemoteError)
			return
		}
		s.neg.recvRemoteAnswer(answer, AnswerInReinviteOk) //nolint:errcheck
		s.sendAckFor(req, res)
		s.fire(sessEvtReinviteDone)
		s.dum.emit(Event{Kind: EventAnswer, Session: s, Message: res, SDP: answer})

	case status == sip.StatusRequestPending:
		// glare: back off per RFC 3261 section 14.1 and retry
		s.glareOffer = s.neg.pending
		s.neg.rollback()
		s.fire(sessEvtReinviteDone)
		s.armGlareTimer()

	case status == sip.StatusCallDoesNotExist, status == sip.StatusRequestTimeout:
		s.terminate(ReasonStaleReInvite, nil)
		s.dum.emit(Event{Kind: EventTerminated, Session: s, Message: res, Reason: ReasonStaleReInvite, Status: status})

	default:
		s.neg.rollback()
		s.fire(sessEvtReinviteDone)
		s.dum.emit(Event{Kind: EventOfferRejected, Session: s, Message: res, Status: status})
	}
}

func (s *InviteSession) sendAckFor(req *sip.Request, res *sip.Response) {
	ack, err := s.dlg.NewRequest(sip.RequestMethodAck)
	if err != nil {
		return
	}
	ackFixCSeq(ack, req.CSeq().Seq)
	if _, err := s.dum.txl.SendRequest(context.Background(), ack); err != nil {
		s.logger().LogAttrs(context.Background(), slog.LevelWarn,
			"ACK send failed", slog.Any("session", s), slog.Any("error", err))
	}
}

// armGlareTimer schedules the 491 retry: 2.1-4s when we own the
// Call-ID, 0-2s otherwise (RFC 3261 section 14.1).
func (s *InviteSession) armGlareTimer() {
	var d time.Duration
	if s.dlg.IsUAC() {
		d = 2100*time.Millisecond + time.Duration(rand.Int64N(int64(1900*time.Millisecond)))
	} else {
		d = time.Duration(rand.Int64N(int64(2 * time.Second)))
	}
	s.glareTmr = timeutil.AfterFunc(d, func() {
		s.dum.Post(func() { s.onGlareRetry() })
	})
}

func (s *InviteSession) onGlareRetry() {
	offer := s.glareOffer
	s.glareOffer = nil
	if offer == nil || s.State() != StateConnected {
		return
	}
	if err := s.sendReinvite(offer); err != nil {
		s.logger().LogAttrs(context.Background(), slog.LevelWarn,
			"glare retry failed", slog.Any("session", s), slog.Any("error", err))
	}
}

// Update sends an UPDATE with a new offer without re-inviting (RFC 3311).
func (s *InviteSession) Update(offer *sdp.Session) error {
	switch s.State() {
	case StateConnected, StateUACEarlyWithAnswer:
	default:
		return errtrace.Wrap(sip.NewWrapperError(ErrIllegalNegotiation, "update in state %q", s.State()))
	}
	if s.dlg == nil {
		return errtrace.Wrap(sip.NewWrapperError(ErrIllegalNegotiation, "update without dialog"))
	}
	if err := s.neg.proposeLocal(offer, OfferInUpdate); err != nil {
		return errtrace.Wrap(err)
	}

	req, err := s.dlg.NewRequest(sip.RequestMethodUpdate)
	if err != nil {
		s.neg.rollback()
		return errtrace.Wrap(err)
	}
	req.SetBody(sdp.ContentType, offer.Marshal())

	s.tryFire(sessEvtSendUpdate)
	s.sendInDialog(req, s.recvUpdateResponse)
	return nil
}

func (s *InviteSession) recvUpdateResponse(res *sip.Response) {
	inUpdate := s.State() == StateSentUpdate

	status := res.Status()
	switch {
	case status.IsProvisional():
		return
	case status.IsSuccess():
		if answer := s.parseBody(res); answer != nil {
			s.neg.recvRemoteAnswer(answer, AnswerInUpdateOk) //nolint:errcheck
			s.dum.emit(Event{Kind: EventAnswer, Session: s, Message: res, SDP: answer})
		} else {
			s.neg.rollback()
		}
		if inUpdate {
			s.fire(sessEvtUpdateDone)
		}
	case status == sip.StatusRequestPending:
		s.glareOffer = s.neg.pending
		s.neg.rollback()
		if inUpdate {
			s.fire(sessEvtUpdateDone)
		}
		s.armGlareTimer()
	default:
		s.neg.rollback()
		if inUpdate {
			s.fire(sessEvtUpdateDone)
		}
		s.dum.emit(Event{Kind: EventOfferRejected, Session: s, Message: res, Status: status})
	}
}

// ----------------------------------------------------------------------------
// in-dialog server side

func (s *InviteSession) recvRequest(tx sip.ServerTransaction, req *sip.Request) {
	switch {
	case req.Method().Equal(sip.RequestMethodBye):
		s.recvBye(tx, req)
	case req.Method().Equal(sip.RequestMethodInvite):
		s.recvReinvite(tx, req)
	case req.Method().Equal(sip.RequestMethodUpdate):
		s.recvUpdate(tx, req)
	case req.Method().Equal(sip.RequestMethodPrack):
		s.respondServer(tx, req, sip.StatusOK)
	case req.Method().Equal(sip.RequestMethodInfo):
		s.dum.emit(Event{Kind: EventInfo, Session: s, Message: req})
		s.respondServer(tx, req, sip.StatusOK)
	case req.Method().Equal(sip.RequestMethodMessage):
		s.dum.emit(Event{Kind: EventMessage, Session: s, Message: req})
		s.respondServer(tx, req, sip.StatusOK)
	case req.Method().Equal(sip.RequestMethodRefer):
		s.recvRefer(tx, req)
	default:
		s.respondServer(tx, req, sip.StatusNotImplemented)
	}
}

func (s *InviteSession) respondServer(tx sip.ServerTransaction, req *sip.Request, status sip.StatusCode) {
	res, err := req.NewResponse(status, s.localTag)
	if err != nil {
		return
	}
	if err := tx.Respond(context.Background(), res); err != nil {
		s.logger().LogAttrs(context.Background(), slog.LevelWarn,
			"respond failed", slog.Any("session", s), slog.Any("error", err))
	}
}

func (s *InviteSession) recvBye(tx sip.ServerTransaction, req *sip.Request) {
	s.respondServer(tx, req, sip.StatusOK)
	if s.State() == StateTerminated {
		return
	}
	s.terminate(ReasonPeerEnded, nil)
	s.dum.emit(Event{Kind: EventTerminated, Session: s, Message: req, Reason: ReasonPeerEnded})
}

func (s *InviteSession) recvReinvite(tx sip.ServerTransaction, req *sip.Request) {
	offer := s.parseBody(req)

	if !s.tryFire(sessEvtRecvReinvite) {
		// an exchange is already in progress: glare (RFC 3261 section 14.2)
		s.respondServer(tx, req, sip.StatusRequestPending)
		return
	}

	s.dlg.updateRemoteTarget(req)
	s.reinviteTx = tx

	if offer == nil {
		// offerless re-INVITE asks us to offer; answered by the app
		s.dum.emit(Event{Kind: EventOfferRequired, Session: s, Message: req})
		return
	}
	if err := s.neg.recvRemoteOffer(offer, OfferInReinvite); err != nil {
		s.respondServer(tx, req, sip.StatusRequestPending)
		s.fire(sessEvtReinviteAnswered)
		return
	}
	s.dum.emit(Event{Kind: EventOffer, Session: s, Message: req, SDP: offer})
}

func (s *InviteSession) respondReinvite(answer *sdp.Session) error {
	tx := s.reinviteTx
	if tx == nil {
		return errtrace.Wrap(sip.NewWrapperError(ErrIllegalNegotiation, "no re-INVITE pending"))
	}
	s.reinviteTx = nil

	res, err := tx.Request().NewResponse(sip.StatusOK, s.localTag)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if s.dum.profile.Contact != nil {
		res.SetContact(s.dum.profile.Contact)
	}
	res.SetBody(sdp.ContentType, answer.Marshal())

	s.fire(sessEvtReinviteAnswered)
	return errtrace.Wrap(tx.Respond(context.Background(), res))
}

func (s *InviteSession) recvUpdate(tx sip.ServerTransaction, req *sip.Request) {
	offer := s.parseBody(req)
	if offer == nil {
		// target refresh without body
		s.dlg.updateRemoteTarget(req)
		s.respondServer(tx, req, sip.StatusOK)
		return
	}

	if !s.tryFire(sessEvtRecvUpdate) {
		s.respondServer(tx, req, sip.StatusRequestPending)
		return
	}
	if err := s.neg.recvRemoteOffer(offer, OfferInUpdate); err != nil {
		s.respondServer(tx, req, sip.StatusRequestPending)
		s.fire(sessEvtUpdateAnswered)
		return
	}
	s.reinviteTx = tx
	s.dum.emit(Event{Kind: EventOffer, Session: s, Message: req, SDP: offer})
}

func (s *InviteSession) respondUpdate(answer *sdp.Session) error {
	tx := s.reinviteTx
	if tx == nil {
		return errtrace.Wrap(sip.NewWrapperError(ErrIllegalNegotiation, "no UPDATE pending"))
	}
	s.reinviteTx = nil

	res, err := tx.Request().NewResponse(sip.StatusOK, s.localTag)
	if err != nil {
		return errtrace.Wrap(err)
	}
	res.SetBody(sdp.ContentType, answer.Marshal())

	s.fire(sessEvtUpdateAnswered)
	return errtrace.Wrap(tx.Respond(context.Background(), res))
}

func (s *InviteSession) recvAck(ack *sip.Request) {
	switch s.State() {
	case StateUASAccepted:
		if s.staleTmr.Stop() {
			s.staleTmr = nil
		}
		if answer := s.parseBody(ack); answer != nil && s.neg.pendingFrom == offererLocal {
			s.neg.recvRemoteAnswer(answer, AnswerInAck) //nolint:errcheck
			s.dum.emit(Event{Kind: EventAnswer, Session: s, Message: ack, SDP: answer})
		}
		s.fire(sessEvtConfirm)
		s.dum.emit(Event{Kind: EventConnectedConfirmed, Session: s, Message: ack})

	case StateConnected:
		// answer to an offer we placed in a re-INVITE 200
		if answer := s.parseBody(ack); answer != nil &&
			s.neg.pendingFrom == offererLocal && s.neg.lastType == OfferInOk {
			s.neg.recvRemoteAnswer(answer, AnswerInAck) //nolint:errcheck
			s.dum.emit(Event{Kind: EventAnswer, Session: s, Message: ack, SDP: answer})
		}
	}
}

// ProvideOfferIn200 answers an offerless re-INVITE: our offer rides in
// the 200 and the peer's answer arrives in the ACK.
func (s *InviteSession) ProvideOfferIn200(offer *sdp.Session) error {
	tx := s.reinviteTx
	if s.State() != StateReceivedReinvite || tx == nil {
		return errtrace.Wrap(sip.NewWrapperError(ErrIllegalNegotiation, "no offerless re-INVITE pending"))
	}
	if err := s.neg.proposeLocal(offer, OfferInOk); err != nil {
		return errtrace.Wrap(err)
	}
	s.reinviteTx = nil

	res, err := tx.Request().NewResponse(sip.StatusOK, s.localTag)
	if err != nil {
		s.neg.rollback()
		return errtrace.Wrap(err)
	}
	if s.dum.profile.Contact != nil {
		res.SetContact(s.dum.profile.Contact)
	}
	res.SetBody(sdp.ContentType, offer.Marshal())

	s.fire(sessEvtReinviteAnswered)
	return errtrace.Wrap(tx.Respond(context.Background(), res))
}

func (s *InviteSession) remoteCancel(cancel *sip.Request) {
	switch s.State() {
	case StateUASStart, StateUASOffer, StateUASEarlyOffer:
	default:
		return
	}
	s.respondServer(s.serverTx, s.invite, sip.StatusRequestTerminated)
	s.terminate(ReasonCancelled, nil)
	s.dum.emit(Event{Kind: EventTerminated, Session: s, Message: cancel, Reason: ReasonCancelled})
}

// ----------------------------------------------------------------------------
// INFO / MESSAGE / REFER client side

// Info sends an in-dialog INFO.
func (s *InviteSession) Info(contentType string, body []byte) error {
	return errtrace.Wrap(s.sendSimple(sip.RequestMethodInfo, contentType, body,
		EventInfoSuccess, EventInfoFailure))
}

// SendMessage sends an in-dialog MESSAGE.
func (s *InviteSession) SendMessage(contentType string, body []byte) error {
	return errtrace.Wrap(s.sendSimple(sip.RequestMethodMessage, contentType, body,
		EventMessageSuccess, EventMessageFailure))
}

func (s *InviteSession) sendSimple(method sip.RequestMethod, contentType string, body []byte, okKind, failKind EventKind) error {
	if s.dlg == nil {
		return errtrace.Wrap(sip.NewWrapperError(sip.ErrInvalidMessage, "no dialog"))
	}
	req, err := s.dlg.NewRequest(method)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if len(body) > 0 {
		req.SetBody(contentType, body)
	}
	s.sendInDialog(req, func(res *sip.Response) {
		if res.Status().IsProvisional() {
			return
		}
		kind := okKind
		if !res.Status().IsSuccess() {
			kind = failKind
		}
		s.dum.emit(Event{Kind: kind, Session: s, Message: res, Status: res.Status()})
	})
	return nil
}

// Refer asks the peer to call the target (RFC 3515). When replaces is a
// confirmed session, the REFER carries a Replaces header for attended
// transfer.
func (s *InviteSession) Refer(target *sip.Uri, replaces *InviteSession) error {
	if s.dlg == nil {
		return errtrace.Wrap(sip.NewWrapperError(sip.ErrInvalidMessage, "no dialog"))
	}
	req, err := s.dlg.NewRequest(sip.RequestMethodRefer)
	if err != nil {
		return errtrace.Wrap(err)
	}

	referTo := &sip.NameAddr{Uri: target.Clone()}
	if replaces != nil && replaces.dlg != nil {
		id := replaces.dlg.ID()
		referTo.Uri.Params = referTo.Uri.Params.With("Replaces",
			fmt.Sprintf("%s%%3Bto-tag%%3D%s%%3Bfrom-tag%%3D%s", id.CallID, id.RemoteTag, id.LocalTag))
	}
	req.SetHeader("Refer-To", referTo.String())
	req.SetHeader("Referred-By", s.dum.profile.Aor.String())

	s.sendInDialog(req, func(res *sip.Response) {
		if res.Status().IsProvisional() {
			return
		}
		if res.Status().IsSuccess() {
			// the implicit subscription collects the NOTIFY progress
			newClientSubscription(s.dum, s.dlg, "refer")
			s.dum.emit(Event{Kind: EventReferAccepted, Session: s, Message: res})
			return
		}
		s.dum.emit(Event{Kind: EventReferRejected, Session: s, Message: res, Status: res.Status()})
	})
	return nil
}

func (s *InviteSession) recvRefer(tx sip.ServerTransaction, req *sip.Request) {
	target, err := sip.ParseNameAddr(firstHeader(req, "Refer-To"))
	if err != nil {
		s.respondServer(tx, req, sip.StatusBadRequest)
		return
	}

	res, err := req.NewResponse(sip.StatusAccepted, s.localTag)
	if err != nil {
		return
	}
	if err := tx.Respond(context.Background(), res); err != nil {
		return
	}

	// REFER starts an implicit subscription reporting progress via NOTIFY
	sub := newServerSubscription(s.dum, s.dlg, "refer")
	sub.Notify("SIP/2.0 100 Trying", false)

	s.dum.emit(Event{Kind: EventRefer, Session: s, Message: req, Target: target.Uri})
}

// ----------------------------------------------------------------------------
// ending

// SendCancel issues a CANCEL for the INVITE transaction without touching
// session state; forking proxies pass it to legs that have not answered.
func (s *InviteSession) SendCancel() error {
	cancel, err := s.invite.NewCancel()
	if err != nil {
		return errtrace.Wrap(err)
	}
	_, err = s.dum.txl.SendRequest(context.Background(), cancel)
	return errtrace.Wrap(err)
}

// EndFork releases a losing fork after another fork answered: the early
// dialog gets its own BYE (CANCEL would kill the shared INVITE
// transaction and the winner with it).
func (s *InviteSession) EndFork() {
	if s.State() == StateTerminated {
		return
	}
	if s.dlg != nil {
		if bye, err := s.dlg.NewRequest(sip.RequestMethodBye); err == nil {
			if _, err := s.dum.txl.SendRequest(context.Background(), bye); err != nil {
				s.logger().LogAttrs(context.Background(), slog.LevelWarn,
					"fork BYE send failed", slog.Any("session", s), slog.Any("error", err))
			}
		}
	}
	s.terminate(ReasonPeerEnded, nil)
	s.dum.emit(Event{Kind: EventForkDestroyed, Session: s})
	s.dum.emit(Event{Kind: EventTerminated, Session: s, Reason: ReasonPeerEnded})
}

// End releases the session: CANCEL before the final response (UAC),
// reject before answering (UAS), BYE once connected.
func (s *InviteSession) End() error {
	switch s.State() {
	case StateTerminated:
		return nil

	case StateUACStart, StateUACEarly, StateUACEarlyWithOffer, StateUACEarlyWithAnswer:
		return errtrace.Wrap(s.cancel())

	case StateUASStart, StateUASOffer, StateUASEarlyOffer:
		return errtrace.Wrap(s.Reject(sip.StatusTemporarilyUnavail))

	default:
		s.terminateWithBye(ReasonEnded)
		return nil
	}
}

// cancel issues a CANCEL for the outstanding INVITE. A 200 racing the
// CANCEL is settled with ACK+BYE when it lands on the terminated leg.
func (s *InviteSession) cancel() error {
	cancel, err := s.invite.NewCancel()
	if err != nil {
		return errtrace.Wrap(err)
	}
	if _, err := s.dum.txl.SendRequest(context.Background(), cancel); err != nil {
		return errtrace.Wrap(err)
	}
	s.reason = ReasonCancelled
	s.terminate(ReasonCancelled, nil)
	s.dum.emit(Event{Kind: EventTerminated, Session: s, Reason: ReasonCancelled})
	return nil
}

// terminateWithBye sends BYE and terminates locally.
func (s *InviteSession) terminateWithBye(reason TerminatedReason) {
	if s.dlg != nil {
		if bye, err := s.dlg.NewRequest(sip.RequestMethodBye); err == nil {
			if _, err := s.dum.txl.SendRequest(context.Background(), bye); err != nil {
				s.logger().LogAttrs(context.Background(), slog.LevelWarn,
					"BYE send failed", slog.Any("session", s), slog.Any("error", err))
			}
		}
	}
	s.terminate(reason, nil)
	s.dum.emit(Event{Kind: EventTerminated, Session: s, Reason: reason})
}

// terminate moves to the terminal state and drops the dialog. It never
// emits; callers pair it with the right terminated event.
func (s *InviteSession) terminate(reason TerminatedReason, _ *sip.Response) {
	if s.State() == StateTerminated {
		return
	}
	s.reason = reason
	s.staleTmr.Stop()
	s.glareTmr.Stop()
	s.fire(sessEvtTerminate)
	s.dropDialog()
}

func (s *InviteSession) dropDialog() {
	s.ds.removeUsage(s.usageID)
	if s.dlg != nil {
		s.ds.removeDialog(s.dlg)
	} else if len(s.ds.dialogs) == 0 && len(s.ds.usages) == 0 {
		s.dum.removeDialogSet(s.ds)
	}
}

// end implements [Usage].
func (s *InviteSession) end(reason TerminatedReason) {
	if s.State() == StateTerminated {
		return
	}
	s.terminateWithBye(reason)
}

// sendInDialog sends the request and routes its responses back onto the
// stack goroutine.
func (s *InviteSession) sendInDialog(req *sip.Request, onRes func(res *sip.Response)) {
	tx, err := s.dum.txl.SendRequest(context.Background(), req)
	if err != nil {
		s.logger().LogAttrs(context.Background(), slog.LevelWarn,
			"in-dialog send failed", slog.Any("session", s), slog.Any("request", req), slog.Any("error", err))
		return
	}
	if onRes == nil {
		return
	}
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.Response) {
		s.dum.Post(func() { onRes(res) })
	})
}

// ----------------------------------------------------------------------------
// small header helpers

func firstHeader(msg sip.Message, name string) string {
	vals := msg.Header(name)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func hasOption(msg sip.Message, header, option string) bool {
	for _, v := range msg.Header(header) {
		for part := range strings.SplitSeq(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), option) {
				return true
			}
		}
	}
	return false
}

// ackFixCSeq rewrites the CSeq number of an ACK to the INVITE's.
func ackFixCSeq(ack *sip.Request, seq uint32) {
	ack.OverrideCSeq(sip.CSeq{Seq: seq, Method: sip.RequestMethodAck})
}
