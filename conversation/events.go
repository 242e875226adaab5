package conversation

import (
	"context"
	"log/slog"

	"github.com/halcyontel/converge/dum"
	"github.com/halcyontel/converge/sdp"
	"github.com/halcyontel/converge/sip"
)

// onDumEvent is the dialog usage manager handler: every usage event
// lands here, already serialized on the stack goroutine.
func (m *Manager) onDumEvent(ev dum.Event) {
	switch ev.Kind {
	case dum.EventNewSession:
		m.onIncomingSession(ev)
	case dum.EventForkedSession:
		m.onForkedSession(ev)
	case dum.EventTrying:
		if rp := m.bySession[ev.Session]; rp != nil {
			m.handler.OnParticipantProceeding(rp.handle, ev.Message)
		}
	case dum.EventProvisional:
		if rp := m.bySession[ev.Session]; rp != nil {
			m.handler.OnParticipantAlerting(rp.handle, ev.Message)
		}
	case dum.EventConnected:
		m.onSessionConnected(ev)
	case dum.EventConnectedConfirmed:
		if rp := m.bySession[ev.Session]; rp != nil {
			m.handler.OnParticipantConnectedConfirmed(rp.handle, ev.Message)
			// the inbound leg is fully up now, auto-hold may re-INVITE
			m.refreshMedia(rp)
		}
	case dum.EventAnswer:
		m.refreshMediaForSession(ev.Session)
	case dum.EventOffer:
		m.onRemoteOffer(ev)
	case dum.EventOfferRequired:
		m.onOfferRequired(ev)
	case dum.EventOfferRejected:
		m.onOfferRejected(ev)
	case dum.EventTerminated:
		m.onSessionTerminated(ev)
	case dum.EventRefer:
		m.onRefer(ev)
	case dum.EventReferAccepted:
		if rp := m.bySession[ev.Session]; rp != nil {
			m.handler.OnParticipantRedirectSuccess(rp.handle)
		}
	case dum.EventReferRejected:
		if rp := m.bySession[ev.Session]; rp != nil {
			m.handler.OnParticipantRedirectFailure(rp.handle, ev.Status)
		}
	case dum.EventStaleCallTimeout:
		m.logger.LogAttrs(context.Background(), slog.LevelWarn,
			"stale call timeout", slog.Any("session", ev.Session))
	default:
		m.logger.LogAttrs(context.Background(), slog.LevelDebug,
			"unrouted usage event", slog.Any("event", ev))
	}
}

func (m *Manager) onIncomingSession(ev dum.Event) {
	if m.shuttingDown.IsSet() {
		ev.Session.Reject(sip.StatusServiceUnavailable) //nolint:errcheck
		return
	}

	rp := &RemoteParticipant{
		participant: newParticipant(m, m.newParticipantHandle()),
		sess:        ev.Session,
	}
	m.participants[rp.handle] = rp
	m.bySession[ev.Session] = rp

	m.handler.OnIncomingParticipant(rp.handle, ev.Message, false)
}

// onForkedSession materializes the related conversation + participant
// pair of an extra early fork.
func (m *Manager) onForkedSession(ev dum.Event) {
	orig := m.bySession[ev.Original]
	if orig == nil || orig.destroyed {
		// nobody tracks this set anymore: release the stray fork
		ev.Session.EndFork()
		return
	}

	origConvs := orig.Conversations()
	if len(origConvs) == 0 {
		ev.Session.EndFork()
		return
	}
	origConv := m.conversations[origConvs[0]]

	relConv := newConversation(m, m.newConversationHandle(), origConv.mode)
	relConv.relatedOrig = origConv.handle
	m.conversations[relConv.handle] = relConv

	rel := &RemoteParticipant{
		participant: newParticipant(m, m.newParticipantHandle()),
		sess:        ev.Session,
		mode:        orig.mode,
		orig:        orig,
		mediaAddr:   orig.mediaAddr,
		mediaPort:   orig.mediaPort,
	}
	orig.related = append(orig.related, rel)
	m.participants[rel.handle] = rel
	m.bySession[ev.Session] = rel
	relConv.add(rel)

	m.handler.OnRelatedConversation(relConv.handle, rel.handle, origConv.handle, orig.handle)
}

func (m *Manager) onSessionConnected(ev dum.Event) {
	rp := m.bySession[ev.Session]
	if rp == nil {
		return
	}

	firstAnswer := !rp.original().answered
	rp.original().answered = true
	wasConnected := rp.connected
	rp.connected = true

	if firstAnswer && rp.sess.IsUAC() && rp.mode != ForkSelectManual {
		m.releaseLosingForks(rp)
	}

	if !wasConnected {
		m.handler.OnParticipantConnected(rp.handle, ev.Message)
	}
	m.refreshMedia(rp)
}

// releaseLosingForks ends every fork except the winner: connected losers
// and early dialogs get BYE; CANCEL goes out only when configured, the
// original stack never issued one here.
func (m *Manager) releaseLosingForks(winner *RemoteParticipant) {
	if m.cancelLosingForks {
		if err := winner.sess.SendCancel(); err != nil {
			m.logger.LogAttrs(context.Background(), slog.LevelWarn,
				"losing-fork CANCEL failed", slog.Any("error", err))
		}
	}
	for _, member := range winner.forkGroup() {
		if member == winner || member.destroyed {
			continue
		}
		if member.connected {
			member.sess.End() //nolint:errcheck
		} else {
			member.sess.EndFork()
		}
	}
}

func (m *Manager) onRemoteOffer(ev dum.Event) {
	rp := m.bySession[ev.Session]
	if rp == nil || ev.SDP == nil {
		return
	}

	held := sdp.IsHold(ev.SDP.Direction())
	if held != rp.remoteHeld {
		rp.remoteHeld = held
		m.handler.OnParticipantRequestedHold(rp.handle, held)
	}

	if err := rp.allocateMedia(); err != nil {
		return
	}
	if err := ev.Session.ProvideAnswer(rp.buildAnswer(ev.SDP)); err != nil {
		m.logger.LogAttrs(context.Background(), slog.LevelWarn,
			"answer to remote offer failed", slog.Any("participant", rp), slog.Any("error", err))
	}
}

// onOfferRequired serves an offerless re-INVITE with our current state.
func (m *Manager) onOfferRequired(ev dum.Event) {
	rp := m.bySession[ev.Session]
	if rp == nil {
		return
	}
	if err := ev.Session.ProvideOfferIn200(rp.localSDP()); err != nil {
		m.logger.LogAttrs(context.Background(), slog.LevelWarn,
			"offer for offerless re-INVITE failed", slog.Any("participant", rp), slog.Any("error", err))
	}
}

func (m *Manager) onOfferRejected(ev dum.Event) {
	rp := m.bySession[ev.Session]
	if rp == nil {
		return
	}
	m.logger.LogAttrs(context.Background(), slog.LevelWarn,
		"offer rejected", slog.Any("participant", rp), slog.Int("status", int(ev.Status)))
	// a rejected hold re-INVITE leaves the previous media state in place
	if want, governed := rp.wantAutoHold(); governed {
		rp.held = want
	}
}

func (m *Manager) onSessionTerminated(ev dum.Event) {
	rp := m.bySession[ev.Session]
	if rp == nil {
		return
	}

	status := ev.Status
	if status == 0 {
		status = sip.StatusOK
	}
	m.handler.OnParticipantTerminated(rp.handle, status)

	convs := rp.Conversations()
	m.destroyParticipantLocked(rp, status)

	// fork-related conversations die with their only participant
	for _, ch := range convs {
		if conv, ok := m.conversations[ch]; ok && conv.relatedOrig != 0 && len(conv.members) == 0 {
			delete(m.conversations, ch)
			m.handler.OnConversationDestroyed(ch)
		}
	}
}

// onRefer serves an in-dialog REFER by dialing the target into the
// referrer's conversations (blind transfer, RFC 3515).
func (m *Manager) onRefer(ev dum.Event) {
	rp := m.bySession[ev.Session]
	if rp == nil || ev.Target == nil {
		return
	}
	convs := rp.Conversations()
	if len(convs) == 0 {
		return
	}
	ph := m.CreateRemoteParticipant(convs[0], ev.Target, ForkSelectAutomatic, nil)
	m.logger.LogAttrs(context.Background(), slog.LevelInfo,
		"REFER accepted, dialing target",
		slog.Any("participant", rp),
		slog.Any("target", ev.Target),
		handleAttr("new_participant", uint64(ph)),
	)
}

func (m *Manager) refreshMediaForSession(sess *dum.InviteSession) {
	if rp := m.bySession[sess]; rp != nil {
		m.refreshMedia(rp)
	}
}
