// Package dum is the dialog usage manager: it owns dialogs and dialog
// sets, hosts usages on them (INVITE sessions, subscriptions) and runs
// the single stack goroutine every protocol mutation is serialized on.
package dum

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/halcyontel/converge/sdp"
	"github.com/halcyontel/converge/sip"
)

// Profile carries the identity and capabilities used for new requests.
type Profile struct {
	// Aor is the public identity placed in From.
	Aor *sip.NameAddr
	// Contact is the local contact placed in Contact.
	Contact *sip.NameAddr
	// UserAgent is the User-Agent header value, optional.
	UserAgent string
	// Supports100Rel advertises reliable provisionals (RFC 3262).
	Supports100Rel bool
	// SupportsUpdate is not read by the stack: outgoing INVITEs carry
	// nothing from it, and OPTIONS answers list UPDATE in Allow whatever
	// its value.
	SupportsUpdate bool
	// IdentitySigner, when set, adds an Identity header to out-of-dialog
	// INVITEs (RFC 4474).
	IdentitySigner IdentitySigner
	// AuthUser and AuthPassword answer Digest challenges (401/407) on
	// outgoing requests when set.
	AuthUser     string
	AuthPassword string
}

// IdentitySigner computes the RFC 4474 identity signature over the
// canonical form of a request.
type IdentitySigner interface {
	ComputeIdentity(signerDomain, canonical string) (string, error)
}

// NewCallID mints a unique Call-ID.
func (p *Profile) NewCallID() string { return uuid.NewString() }

func (p *Profile) supported() []string {
	var opts []string
	if p.Supports100Rel {
		opts = append(opts, "100rel")
	}
	return opts
}

// TerminatedReason explains why a session ended.
type TerminatedReason string

const (
	// ReasonEnded is a normal local BYE.
	ReasonEnded TerminatedReason = "ended"
	// ReasonPeerEnded is a BYE from the peer.
	ReasonPeerEnded TerminatedReason = "peer_ended"
	// ReasonCancelled is a CANCEL before the final response.
	ReasonCancelled TerminatedReason = "cancelled"
	// ReasonRejected is a 3xx-6xx final response or local rejection.
	ReasonRejected TerminatedReason = "rejected"
	// ReasonLocalError is a local protocol violation.
	ReasonLocalError TerminatedReason = "local_error"
	// ReasonRemoteError is a peer protocol violation.
	ReasonRemoteError TerminatedReason = "remote_error"
	// ReasonNetworkError is a transport failure or transaction timeout.
	ReasonNetworkError TerminatedReason = "network_error"
	// ReasonStaleReInvite is a re-INVITE that never completed.
	ReasonStaleReInvite TerminatedReason = "stale_reinvite"
	// ReasonReferred is a session replaced through REFER.
	ReasonReferred TerminatedReason = "referred"
)

// EventKind tags the consolidated callback variant.
type EventKind string

const (
	EventNewSession         EventKind = "new_session"
	EventTrying             EventKind = "trying"
	EventProvisional        EventKind = "provisional"
	EventEarlyMedia         EventKind = "early_media"
	EventConnected          EventKind = "connected"
	EventConnectedConfirmed EventKind = "connected_confirmed"
	EventAnswer             EventKind = "answer"
	EventOffer              EventKind = "offer"
	EventOfferRequired      EventKind = "offer_required"
	EventOfferRejected      EventKind = "offer_rejected"
	EventRefer              EventKind = "refer"
	EventReferAccepted      EventKind = "refer_accepted"
	EventReferRejected      EventKind = "refer_rejected"
	EventInfo               EventKind = "info"
	EventInfoSuccess        EventKind = "info_success"
	EventInfoFailure        EventKind = "info_failure"
	EventMessage            EventKind = "message"
	EventMessageSuccess     EventKind = "message_success"
	EventMessageFailure     EventKind = "message_failure"
	EventStaleCallTimeout   EventKind = "stale_call_timeout"
	EventTerminated         EventKind = "terminated"
	EventRedirected         EventKind = "redirected"
	EventForkedSession      EventKind = "forked_session"
	EventForkDestroyed      EventKind = "fork_destroyed"
	EventSubNotify          EventKind = "subscription_notify"
	EventSubTerminated      EventKind = "subscription_terminated"
	EventOutOfDialogRequest EventKind = "out_of_dialog_request"
)

// Event is the single tagged variant delivered to the application
// handler; which fields are set depends on Kind.
type Event struct {
	Kind EventKind
	// Session is the invite session the event belongs to, if any.
	Session *InviteSession
	// Original is the session the fork derives from (forked_session only).
	Original *InviteSession
	// Message is the SIP message that produced the event, if any.
	Message sip.Message
	// SDP is the body attached to offer/answer events.
	SDP *sdp.Session
	// Reason is set on terminated events.
	Reason TerminatedReason
	// Status is the status code on rejection/redirect/failure events.
	Status sip.StatusCode
	// Target is the refer-to or redirect target, if any.
	Target *sip.Uri
}

// LogValue implements [slog.LogValuer].
func (ev Event) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("kind", string(ev.Kind))}
	if ev.Session != nil {
		attrs = append(attrs, slog.Any("session", ev.Session))
	}
	if ev.Reason != "" {
		attrs = append(attrs, slog.String("reason", string(ev.Reason)))
	}
	if ev.Status != 0 {
		attrs = append(attrs, slog.Int("status", int(ev.Status)))
	}
	return slog.GroupValue(attrs...)
}

// Handler receives every usage event, dispatched in order on the stack
// goroutine. Handlers must not block.
type Handler interface {
	OnEvent(ev Event)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ev Event)

func (fn HandlerFunc) OnEvent(ev Event) { fn(ev) }
