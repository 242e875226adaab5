// Package conversation is the conversation manager: a handle-based
// registry of conversations and media participants multiplexed over SIP
// dialogs, with remote fork selection, auto-hold and the bridge mixing
// matrix.
package conversation

import (
	"log/slog"

	"github.com/halcyontel/converge/sip"
)

// ConversationHandle identifies a conversation. Handles are opaque,
// 64-bit and minted from a monotone counter, so a destroyed handle is
// never reused and stale lookups simply miss.
type ConversationHandle uint64

// ParticipantHandle identifies a participant.
type ParticipantHandle uint64

// AutoHoldMode controls automatic SDP direction changes per conversation.
type AutoHoldMode int

const (
	// AutoHoldDisabled never changes SDP direction automatically.
	AutoHoldDisabled AutoHoldMode = iota
	// AutoHoldEnabled holds a remote participant that is the sole member
	// of its conversation and unholds when someone joins. The default.
	AutoHoldEnabled
	// AutoHoldBroadcastOnly keeps every remote participant sendonly and
	// answers inbound inactive offers with sendonly; for broadcast
	// servers that never receive media.
	AutoHoldBroadcastOnly
)

func (m AutoHoldMode) String() string {
	switch m {
	case AutoHoldDisabled:
		return "disabled"
	case AutoHoldBroadcastOnly:
		return "broadcast_only"
	default:
		return "enabled"
	}
}

// ForkSelectMode controls what happens when an outgoing INVITE forks.
type ForkSelectMode int

const (
	// ForkSelectAutomatic accepts the first fork that answers and
	// releases the others with BYE; no CANCEL is issued for forks that
	// never answered.
	ForkSelectAutomatic ForkSelectMode = iota
	// ForkSelectManual leaves every fork to the application.
	ForkSelectManual
	// ForkSelectAutomaticEx behaves like automatic and additionally
	// issues a single CANCEL and tears down all related conversations
	// when the original participant is destroyed before any answer.
	ForkSelectAutomaticEx
)

func (m ForkSelectMode) String() string {
	switch m {
	case ForkSelectManual:
		return "manual"
	case ForkSelectAutomaticEx:
		return "automatic_ex"
	default:
		return "automatic"
	}
}

// Handler receives conversation manager callbacks on the stack
// goroutine. Embed [NoopHandler] to implement a subset.
type Handler interface {
	// OnIncomingParticipant announces a new inbound call leg.
	OnIncomingParticipant(ph ParticipantHandle, invite sip.Message, autoAnswer bool)
	// OnParticipantProceeding reports first-hop progress (100).
	OnParticipantProceeding(ph ParticipantHandle, msg sip.Message)
	// OnParticipantAlerting reports remote alerting (180/183).
	OnParticipantAlerting(ph ParticipantHandle, msg sip.Message)
	// OnParticipantConnected reports an answered leg.
	OnParticipantConnected(ph ParticipantHandle, msg sip.Message)
	// OnParticipantConnectedConfirmed reports ACK receipt on an inbound leg.
	OnParticipantConnectedConfirmed(ph ParticipantHandle, msg sip.Message)
	// OnParticipantTerminated reports a disconnect with its status code.
	OnParticipantTerminated(ph ParticipantHandle, status sip.StatusCode)
	// OnParticipantDestroyed reports handle removal.
	OnParticipantDestroyed(ph ParticipantHandle)
	// OnConversationDestroyed reports conversation removal.
	OnConversationDestroyed(ch ConversationHandle)
	// OnRelatedConversation announces the conversation+participant pair
	// materialized for an extra fork.
	OnRelatedConversation(relatedConv ConversationHandle, relatedPart ParticipantHandle,
		origConv ConversationHandle, origPart ParticipantHandle)
	// OnParticipantRequestedHold reports an inbound hold or unhold offer.
	OnParticipantRequestedHold(ph ParticipantHandle, held bool)
	// OnParticipantRedirectSuccess reports a completed redirect or transfer.
	OnParticipantRedirectSuccess(ph ParticipantHandle)
	// OnParticipantRedirectFailure reports a failed redirect or transfer.
	OnParticipantRedirectFailure(ph ParticipantHandle, status sip.StatusCode)
	// OnMediaResourceDone reports finished media resource playback.
	OnMediaResourceDone(ph ParticipantHandle, failed bool)
	// OnApplicationTimer delivers [Manager.StartApplicationTimer] expiry.
	OnApplicationTimer(id, data1, data2 uint)
}

// NoopHandler implements [Handler] with no-ops.
type NoopHandler struct{}

func (NoopHandler) OnIncomingParticipant(ParticipantHandle, sip.Message, bool)     {}
func (NoopHandler) OnParticipantProceeding(ParticipantHandle, sip.Message)         {}
func (NoopHandler) OnParticipantAlerting(ParticipantHandle, sip.Message)           {}
func (NoopHandler) OnParticipantConnected(ParticipantHandle, sip.Message)          {}
func (NoopHandler) OnParticipantConnectedConfirmed(ParticipantHandle, sip.Message) {}
func (NoopHandler) OnParticipantTerminated(ParticipantHandle, sip.StatusCode)      {}
func (NoopHandler) OnParticipantDestroyed(ParticipantHandle)                       {}
func (NoopHandler) OnConversationDestroyed(ConversationHandle)                     {}
func (NoopHandler) OnRelatedConversation(ConversationHandle, ParticipantHandle, ConversationHandle, ParticipantHandle) {
}
func (NoopHandler) OnParticipantRequestedHold(ParticipantHandle, bool)               {}
func (NoopHandler) OnParticipantRedirectSuccess(ParticipantHandle)                   {}
func (NoopHandler) OnParticipantRedirectFailure(ParticipantHandle, sip.StatusCode)   {}
func (NoopHandler) OnMediaResourceDone(ParticipantHandle, bool)                      {}
func (NoopHandler) OnApplicationTimer(uint, uint, uint)                              {}

var _ Handler = NoopHandler{}

// ErrNotFound is returned for a stale or unknown handle.
const ErrNotFound sip.Error = "handle not found"

// ErrShuttingDown is returned once shutdown began.
const ErrShuttingDown sip.Error = "conversation manager shutting down"

func handleAttr(name string, h uint64) slog.Attr { return slog.Uint64(name, h) }
