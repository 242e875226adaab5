package conversation

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/dum"
	"github.com/halcyontel/converge/sdp"
	"github.com/halcyontel/converge/sip"
)

// RemoteParticipant is a participant backed by an INVITE session. The
// fork set of one outgoing INVITE shares one original participant; every
// extra early fork materializes a related participant in a related
// conversation.
type RemoteParticipant struct {
	participant
	sess *dum.InviteSession
	mode ForkSelectMode

	// orig points at the original participant of the fork set; nil on
	// the original itself.
	orig    *RemoteParticipant
	related []*RemoteParticipant
	// answered marks that some fork of the set produced a 2xx.
	answered bool

	connected  bool
	held       bool
	remoteHeld bool
	destroyed  bool

	mediaAddr string
	mediaPort uint16
}

func (rp *RemoteParticipant) original() *RemoteParticipant {
	if rp.orig != nil {
		return rp.orig
	}
	return rp
}

// forkGroup returns the original and every related participant.
func (rp *RemoteParticipant) forkGroup() []*RemoteParticipant {
	orig := rp.original()
	return append([]*RemoteParticipant{orig}, orig.related...)
}

// Session returns the backing invite session.
func (rp *RemoteParticipant) Session() *dum.InviteSession { return rp.sess }

// IsHeld reports whether the participant is currently held.
func (rp *RemoteParticipant) IsHeld() bool { return rp.held }

func (rp *RemoteParticipant) allocateMedia() error {
	if rp.mediaPort != 0 {
		return nil
	}
	addr, port, err := rp.mgr.engine.AllocateEndpoint(rp.handle)
	if err != nil {
		return errtrace.Wrap(err)
	}
	rp.mediaAddr, rp.mediaPort = addr, port
	return nil
}

// localSDP returns the local session description rooted at the media
// endpoint, in its current hold state.
func (rp *RemoteParticipant) localSDP() *sdp.Session {
	local := sdp.New("converge", rp.mediaAddr, rp.mediaPort)
	if rp.held {
		return local.WithDirection(sdp.DirectionSendOnly)
	}
	return local
}

// buildAnswer computes the answer to a remote offer honoring the
// conversation auto-hold mode.
func (rp *RemoteParticipant) buildAnswer(offer *sdp.Session) *sdp.Session {
	dir := sdp.AnswerDirection(offer.Direction(), rp.broadcastOnly())
	return sdp.New("converge", rp.mediaAddr, rp.mediaPort).WithDirection(dir)
}

func (rp *RemoteParticipant) broadcastOnly() bool {
	for _, conv := range rp.memberships {
		if conv.mode == AutoHoldBroadcastOnly {
			return true
		}
	}
	return false
}

// wantAutoHold computes the hold state the auto-hold policy asks for:
// broadcast conversations always hold; enabled conversations hold a
// remote that sits alone. Outside broadcast conversations, a participant
// unholds as soon as any of its enabled conversations wants it active.
func (rp *RemoteParticipant) wantAutoHold() (want, governed bool) {
	broadcast, active := false, false
	for _, conv := range rp.memberships {
		switch conv.mode {
		case AutoHoldBroadcastOnly:
			broadcast = true
		case AutoHoldEnabled:
			governed = true
			if !conv.remoteAlone(rp) {
				active = true
			}
		case AutoHoldDisabled:
		}
	}
	if broadcast {
		return true, true
	}
	if active {
		return false, true
	}
	return governed, governed
}

// setHold drives the hold state with a re-INVITE when it changes.
func (rp *RemoteParticipant) setHold(want bool) {
	if rp.destroyed || !rp.connected || rp.held == want {
		return
	}
	rp.held = want

	offer := sdp.New("converge", rp.mediaAddr, rp.mediaPort)
	if want {
		offer = offer.Hold()
	}
	if err := rp.sess.ProvideOffer(offer); err != nil {
		rp.held = !want
		rp.mgr.logger.LogAttrs(context.Background(), slog.LevelWarn,
			"hold re-INVITE failed", slog.Any("participant", rp), slog.Any("error", err))
	}
}

// release implements [Participant]: the SIP leg is ended and the media
// endpoint freed.
func (rp *RemoteParticipant) release(sip.StatusCode) {
	if rp.destroyed {
		return
	}
	rp.destroyed = true

	group := rp.original()
	switch {
	case rp.orig == nil && !group.answered && rp.mode == ForkSelectAutomaticEx:
		// destroying the original before any answer cancels the whole
		// fork set with a single CANCEL and tears the related legs down
		rp.sess.End() //nolint:errcheck
		for _, rel := range group.related {
			rp.mgr.destroyRelated(rel)
		}
	case !group.answered && rp.lastAliveInGroup():
		// the last leg of an unanswered set carries the CANCEL
		rp.sess.End() //nolint:errcheck
	case !rp.connected && rp.sess.IsUAC():
		rp.sess.EndFork()
	default:
		rp.sess.End() //nolint:errcheck
	}

	if rp.mediaPort != 0 {
		rp.mgr.engine.ReleaseEndpoint(rp.handle)
	}
}

func (rp *RemoteParticipant) lastAliveInGroup() bool {
	for _, member := range rp.forkGroup() {
		if member != rp && !member.destroyed {
			return false
		}
	}
	return true
}

// LogValue implements [slog.LogValuer].
func (rp *RemoteParticipant) LogValue() slog.Value {
	return slog.GroupValue(
		handleAttr("handle", uint64(rp.handle)),
		slog.String("fork_select", rp.mode.String()),
		slog.Bool("connected", rp.connected),
		slog.Bool("held", rp.held),
	)
}

var _ Participant = (*RemoteParticipant)(nil)
