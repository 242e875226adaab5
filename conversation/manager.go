package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tevino/abool"

	"github.com/halcyontel/converge/dum"
	"github.com/halcyontel/converge/log"
	"github.com/halcyontel/converge/sdp"
	"github.com/halcyontel/converge/sip"
)

// ManagerOptions are the options for a [Manager].
type ManagerOptions struct {
	// CancelLosingForks issues CANCEL for never-answered forks when a
	// fork wins under ForkSelectAutomatic. The original stack does not;
	// off by default.
	CancelLosingForks bool
	// Log is the logger. If nil, [log.Default] is used.
	Log *slog.Logger
}

func (o *ManagerOptions) cancelLosingForks() bool {
	return o != nil && o.CancelLosingForks
}

func (o *ManagerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Manager multiplexes conversations and participants over the dialog
// usage manager. All handle-returning entry points are safe from any
// goroutine: they mint the handle under a mutex and enqueue the actual
// work as a command on the stack goroutine. Everything else runs on the
// stack goroutine.
type Manager struct {
	dum     *dum.DialogUsageManager
	engine  MediaEngine
	handler Handler
	logger  *slog.Logger

	mixer *BridgeMixer
	cache *MediaResourceCache

	// stack-goroutine state
	conversations map[ConversationHandle]*Conversation
	participants  map[ParticipantHandle]Participant
	bySession     map[*dum.InviteSession]*RemoteParticipant
	localPart     *LocalParticipant

	// handle minting is the one cross-thread mutation
	handleMu sync.Mutex
	nextConv uint64
	nextPart uint64

	shuttingDown      *abool.AtomicBool
	cancelLosingForks bool
}

// NewManager wires a conversation manager over the dialog usage manager
// and registers itself as its event handler.
func NewManager(d *dum.DialogUsageManager, engine MediaEngine, handler Handler, opts *ManagerOptions) *Manager {
	if engine == nil {
		engine = &NullEngine{}
	}
	if handler == nil {
		handler = NoopHandler{}
	}
	m := &Manager{
		dum:               d,
		engine:            engine,
		handler:           handler,
		logger:            opts.log(),
		cache:             &MediaResourceCache{},
		conversations:     make(map[ConversationHandle]*Conversation),
		participants:      make(map[ParticipantHandle]Participant),
		bySession:         make(map[*dum.InviteSession]*RemoteParticipant),
		shuttingDown:      abool.New(),
		cancelLosingForks: opts.cancelLosingForks(),
	}
	m.mixer = newBridgeMixer(engine)
	d.SetHandler(dum.HandlerFunc(m.onDumEvent))
	return m
}

func (m *Manager) post(fn func()) { m.dum.Post(fn) }

// Cache returns the media resource cache.
func (m *Manager) Cache() *MediaResourceCache { return m.cache }

// Mixer returns the bridge mixer.
func (m *Manager) Mixer() *BridgeMixer { return m.mixer }

func (m *Manager) newConversationHandle() ConversationHandle {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()
	m.nextConv++
	return ConversationHandle(m.nextConv)
}

func (m *Manager) newParticipantHandle() ParticipantHandle {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()
	m.nextPart++
	return ParticipantHandle(m.nextPart)
}

// ----------------------------------------------------------------------------
// conversation surface

// CreateConversation creates an empty conversation. Safe from any goroutine.
func (m *Manager) CreateConversation(mode AutoHoldMode) ConversationHandle {
	ch := m.newConversationHandle()
	m.post(func() {
		if m.shuttingDown.IsSet() {
			return
		}
		m.conversations[ch] = newConversation(m, ch, mode)
	})
	return ch
}

// DestroyConversation destroys the conversation; members whose
// membership set becomes empty are destroyed too (remote members get a
// BYE). Safe from any goroutine.
func (m *Manager) DestroyConversation(ch ConversationHandle) {
	m.post(func() { m.destroyConversationLocked(ch) })
}

func (m *Manager) destroyConversationLocked(ch ConversationHandle) {
	conv, ok := m.conversations[ch]
	if !ok {
		return
	}

	members := append([]Participant{}, conv.members...)
	for _, p := range members {
		conv.remove(p)
	}
	delete(m.conversations, ch)

	for _, p := range members {
		if m.isMemberless(p) {
			m.destroyParticipantLocked(p, sip.StatusOK)
		}
	}
	m.refreshMedia(members...)
	m.handler.OnConversationDestroyed(ch)
}

func (m *Manager) isMemberless(p Participant) bool {
	return len(p.Conversations()) == 0
}

// JoinConversation transfers every member of src into dst atomically and
// destroys src without releasing anyone. Safe from any goroutine.
func (m *Manager) JoinConversation(src, dst ConversationHandle) {
	m.post(func() {
		from, ok1 := m.conversations[src]
		to, ok2 := m.conversations[dst]
		if !ok1 || !ok2 || src == dst {
			return
		}

		members := append([]Participant{}, from.members...)
		for _, p := range members {
			gains := from.gains[p.Handle()]
			from.remove(p)
			to.add(p)
			to.setGains(p.Handle(), gains.input, gains.output)
		}
		delete(m.conversations, src)

		m.refreshMedia(members...)
		m.handler.OnConversationDestroyed(src)
	})
}

// ----------------------------------------------------------------------------
// participant surface

// CreateRemoteParticipant places an outbound call into the conversation.
// Safe from any goroutine.
func (m *Manager) CreateRemoteParticipant(ch ConversationHandle, destination *sip.Uri, mode ForkSelectMode, extraHeaders map[string]string) ParticipantHandle {
	ph := m.newParticipantHandle()
	dest := destination.Clone()

	m.post(func() {
		if m.shuttingDown.IsSet() {
			return
		}
		conv, ok := m.conversations[ch]
		if !ok {
			m.logger.LogAttrs(context.Background(), slog.LevelWarn,
				"create remote participant: conversation not found", handleAttr("conversation", uint64(ch)))
			return
		}

		rp := &RemoteParticipant{
			participant: newParticipant(m, ph),
			mode:        mode,
		}
		if err := rp.allocateMedia(); err != nil {
			m.logger.LogAttrs(context.Background(), slog.LevelError,
				"media allocation failed", slog.Any("error", err))
			return
		}

		offer := rp.localSDP()
		if conv.mode == AutoHoldBroadcastOnly {
			rp.held = true
			offer = offer.WithDirection(sdp.DirectionSendOnly)
		}

		sess, err := m.dum.Invite(dest, offer, extraHeaders)
		if err != nil {
			m.engine.ReleaseEndpoint(ph)
			m.logger.LogAttrs(context.Background(), slog.LevelError,
				"INVITE failed", slog.Any("error", err))
			return
		}
		rp.sess = sess

		m.participants[ph] = rp
		m.bySession[sess] = rp
		conv.add(rp)
	})
	return ph
}

// CreateMediaResourceParticipant plays or records the media URL into the
// conversation. Safe from any goroutine.
func (m *Manager) CreateMediaResourceParticipant(ch ConversationHandle, mediaURL string) ParticipantHandle {
	ph := m.newParticipantHandle()

	m.post(func() {
		if m.shuttingDown.IsSet() {
			return
		}
		conv, ok := m.conversations[ch]
		if !ok {
			return
		}
		url, err := ParseMediaURL(mediaURL)
		if err != nil {
			m.logger.LogAttrs(context.Background(), slog.LevelWarn,
				"bad media url", slog.String("url", mediaURL), slog.Any("error", err))
			m.handler.OnMediaResourceDone(ph, true)
			return
		}

		mp := newMediaParticipant(m, ph, url)
		m.participants[ph] = mp
		conv.add(mp)

		if err := mp.start(); err != nil {
			m.logger.LogAttrs(context.Background(), slog.LevelWarn,
				"media resource start failed", slog.String("url", mediaURL), slog.Any("error", err))
			m.handler.OnMediaResourceDone(ph, true)
			m.destroyParticipantLocked(mp, sip.StatusServerInternalError)
			return
		}
		m.refreshMedia(mp)
	})
	return ph
}

// CreateLocalParticipant creates the singleton microphone/speaker
// participant where the engine supports local audio. Safe from any
// goroutine; returns the existing handle when already created.
func (m *Manager) CreateLocalParticipant() ParticipantHandle {
	m.handleMu.Lock()
	if m.localPart != nil {
		ph := m.localPart.handle
		m.handleMu.Unlock()
		return ph
	}
	m.handleMu.Unlock()

	if !m.engine.SupportsLocalAudio() {
		return 0
	}

	ph := m.newParticipantHandle()
	m.post(func() {
		if m.localPart != nil || m.shuttingDown.IsSet() {
			return
		}
		lp := &LocalParticipant{participant: newParticipant(m, ph)}
		if _, _, err := m.engine.AllocateEndpoint(ph); err != nil {
			m.logger.LogAttrs(context.Background(), slog.LevelError,
				"local audio allocation failed", slog.Any("error", err))
			return
		}
		m.localPart = lp
		m.participants[ph] = lp
	})
	return ph
}

// DestroyParticipant ends the participant and removes it from every
// conversation. Destroy is idempotent. Safe from any goroutine.
func (m *Manager) DestroyParticipant(ph ParticipantHandle) {
	m.post(func() {
		p, ok := m.participants[ph]
		if !ok {
			return
		}
		m.destroyParticipantLocked(p, sip.StatusOK)
	})
}

func (m *Manager) destroyParticipantLocked(p Participant, status sip.StatusCode) {
	ph := p.Handle()
	if _, ok := m.participants[ph]; !ok {
		return
	}
	delete(m.participants, ph)

	var affected []Participant
	for _, ch := range p.Conversations() {
		if conv, ok := m.conversations[ch]; ok {
			conv.remove(p)
			affected = append(affected, conv.members...)
		}
	}
	if rp, ok := p.(*RemoteParticipant); ok {
		delete(m.bySession, rp.sess)
	}
	if lp, ok := p.(*LocalParticipant); ok && lp == m.localPart {
		m.localPart = nil
	}

	p.release(status)
	m.refreshMedia(affected...)
	m.handler.OnParticipantDestroyed(ph)
}

// destroyRelated tears a related fork participant and its related
// conversation down without a further CANCEL.
func (m *Manager) destroyRelated(rel *RemoteParticipant) {
	convs := rel.Conversations()
	m.destroyParticipantLocked(rel, sip.StatusOK)
	for _, ch := range convs {
		if conv, ok := m.conversations[ch]; ok && conv.relatedOrig != 0 && len(conv.members) == 0 {
			delete(m.conversations, ch)
			m.handler.OnConversationDestroyed(ch)
		}
	}
}

// AddParticipant adds the participant to the conversation. Safe from any
// goroutine.
func (m *Manager) AddParticipant(ch ConversationHandle, ph ParticipantHandle) {
	m.post(func() {
		conv, ok1 := m.conversations[ch]
		p, ok2 := m.participants[ph]
		if !ok1 || !ok2 {
			return
		}
		conv.add(p)
		m.refreshMedia(conv.members...)
	})
}

// RemoveParticipant removes the participant from the conversation; a
// participant left without conversations is destroyed (remote members
// get a BYE). Safe from any goroutine.
func (m *Manager) RemoveParticipant(ch ConversationHandle, ph ParticipantHandle) {
	m.post(func() {
		conv, ok1 := m.conversations[ch]
		p, ok2 := m.participants[ph]
		if !ok1 || !ok2 {
			return
		}
		conv.remove(p)
		if m.isMemberless(p) {
			m.destroyParticipantLocked(p, sip.StatusOK)
		}
		m.refreshMedia(conv.members...)
	})
}

// MoveParticipant moves the participant between conversations
// atomically. Safe from any goroutine.
func (m *Manager) MoveParticipant(ph ParticipantHandle, from, to ConversationHandle) {
	m.post(func() {
		src, ok1 := m.conversations[from]
		dst, ok2 := m.conversations[to]
		p, ok3 := m.participants[ph]
		if !ok1 || !ok2 || !ok3 || from == to {
			return
		}
		gains := src.gains[ph]
		src.remove(p)
		dst.add(p)
		dst.setGains(ph, gains.input, gains.output)
		m.refreshMedia(append(src.members, dst.members...)...)
	})
}

// ModifyParticipantContribution sets the participant's input and output
// gain within the conversation, 0..100. Safe from any goroutine.
func (m *Manager) ModifyParticipantContribution(ch ConversationHandle, ph ParticipantHandle, inputGain, outputGain int) {
	m.post(func() {
		conv, ok := m.conversations[ch]
		if !ok || !conv.has(ph) {
			return
		}
		conv.setGains(ph, inputGain, outputGain)
		m.mixer.recompute(m.conversations)
	})
}

// OutputBridgeMatrix logs the current mixing matrix. Safe from any
// goroutine.
func (m *Manager) OutputBridgeMatrix() {
	m.post(func() {
		m.logger.LogAttrs(context.Background(), slog.LevelInfo, m.mixer.Output())
	})
}

// ----------------------------------------------------------------------------
// call control surface

func (m *Manager) withRemote(ph ParticipantHandle, fn func(rp *RemoteParticipant)) {
	m.post(func() {
		rp, ok := m.participants[ph].(*RemoteParticipant)
		if !ok {
			m.logger.LogAttrs(context.Background(), slog.LevelWarn,
				"no remote participant for handle", handleAttr("participant", uint64(ph)))
			return
		}
		fn(rp)
	})
}

// AlertParticipant answers an inbound leg with 180; with early true the
// 180 carries the SDP answer for early media. Safe from any goroutine.
func (m *Manager) AlertParticipant(ph ParticipantHandle, early bool) {
	m.withRemote(ph, func(rp *RemoteParticipant) {
		var body *sdp.Session
		if early {
			if offer := rp.sess.RemoteOffer(); offer != nil {
				if err := rp.allocateMedia(); err != nil {
					return
				}
				body = rp.buildAnswer(offer)
			}
		}
		if err := rp.sess.Provisional(sip.StatusRinging, body); err != nil {
			m.logger.LogAttrs(context.Background(), slog.LevelWarn,
				"alert failed", slog.Any("participant", rp), slog.Any("error", err))
		}
	})
}

// AnswerParticipant answers an inbound leg with 200. Safe from any
// goroutine.
func (m *Manager) AnswerParticipant(ph ParticipantHandle) {
	m.withRemote(ph, func(rp *RemoteParticipant) {
		if err := rp.allocateMedia(); err != nil {
			return
		}
		var body *sdp.Session
		if offer := rp.sess.RemoteOffer(); offer != nil {
			body = rp.buildAnswer(offer)
		} else {
			body = rp.localSDP()
		}
		if err := rp.sess.Accept(body); err != nil {
			m.logger.LogAttrs(context.Background(), slog.LevelWarn,
				"answer failed", slog.Any("participant", rp), slog.Any("error", err))
			return
		}
		rp.connected = true
		m.refreshMedia(rp)
	})
}

// RejectParticipant rejects an inbound (or REFER-initiated outbound) leg
// with the code. Safe from any goroutine.
func (m *Manager) RejectParticipant(ph ParticipantHandle, status sip.StatusCode) {
	m.withRemote(ph, func(rp *RemoteParticipant) {
		if err := rp.sess.Reject(status); err != nil {
			m.logger.LogAttrs(context.Background(), slog.LevelWarn,
				"reject failed", slog.Any("participant", rp), slog.Any("error", err))
		}
	})
}

// RedirectParticipant redirects the leg: 302 before answering, REFER
// (blind transfer) once connected. Safe from any goroutine.
func (m *Manager) RedirectParticipant(ph ParticipantHandle, destination *sip.Uri) {
	dest := destination.Clone()
	m.withRemote(ph, func(rp *RemoteParticipant) {
		var err error
		if rp.connected {
			err = rp.sess.Refer(dest, nil)
		} else {
			err = rp.sess.Redirect(dest)
		}
		if err != nil {
			m.logger.LogAttrs(context.Background(), slog.LevelWarn,
				"redirect failed", slog.Any("participant", rp), slog.Any("error", err))
			m.handler.OnParticipantRedirectFailure(ph, sip.StatusServerInternalError)
		}
	})
}

// RedirectToParticipant joins two legs with an attended transfer: REFER
// with Replaces. Safe from any goroutine.
func (m *Manager) RedirectToParticipant(ph, destPh ParticipantHandle) {
	m.post(func() {
		rp, ok1 := m.participants[ph].(*RemoteParticipant)
		other, ok2 := m.participants[destPh].(*RemoteParticipant)
		if !ok1 || !ok2 || other.sess.Dialog() == nil {
			m.handler.OnParticipantRedirectFailure(ph, sip.StatusNotFound)
			return
		}
		if err := rp.sess.Refer(other.sess.Dialog().RemoteTarget(), other.sess); err != nil {
			m.logger.LogAttrs(context.Background(), slog.LevelWarn,
				"attended transfer failed", slog.Any("participant", rp), slog.Any("error", err))
			m.handler.OnParticipantRedirectFailure(ph, sip.StatusServerInternalError)
		}
	})
}

// HoldParticipant holds or unholds the leg regardless of auto-hold.
// Safe from any goroutine.
func (m *Manager) HoldParticipant(ph ParticipantHandle, hold bool) {
	m.withRemote(ph, func(rp *RemoteParticipant) {
		rp.setHold(hold)
	})
}

// AddBufferToMediaResourceCache stores media for later cache: playback.
// Safe from any goroutine.
func (m *Manager) AddBufferToMediaResourceCache(name string, data []byte, typ MediaType) {
	m.cache.AddBuffer(name, data, typ)
}

// StartApplicationTimer arms a coarse one-shot timer delivered through
// [Handler.OnApplicationTimer]. Timers cannot be cancelled. Safe from
// any goroutine.
func (m *Manager) StartApplicationTimer(id, data1, data2 uint, d time.Duration) {
	time.AfterFunc(d, func() {
		m.post(func() { m.handler.OnApplicationTimer(id, data1, data2) })
	})
}

// Shutdown walks the participant map, reports every leg terminated with
// 500 and releases it. Safe from any goroutine.
func (m *Manager) Shutdown() {
	if !m.shuttingDown.SetToIf(false, true) {
		return
	}
	m.post(func() {
		for _, p := range m.participants {
			m.handler.OnParticipantTerminated(p.Handle(), sip.StatusServerInternalError)
			m.destroyParticipantLocked(p, sip.StatusServerInternalError)
		}
		for ch := range m.conversations {
			delete(m.conversations, ch)
			m.handler.OnConversationDestroyed(ch)
		}
	})
}

// ----------------------------------------------------------------------------
// queries (stack goroutine only)

// Conversation returns the conversation for the handle.
func (m *Manager) Conversation(ch ConversationHandle) (*Conversation, error) {
	conv, ok := m.conversations[ch]
	if !ok {
		return nil, ErrNotFound //errtrace:skip
	}
	return conv, nil
}

// Participant returns the participant for the handle.
func (m *Manager) Participant(ph ParticipantHandle) (Participant, error) {
	p, ok := m.participants[ph]
	if !ok {
		return nil, ErrNotFound //errtrace:skip
	}
	return p, nil
}

// refreshMedia re-evaluates auto-hold for the remote participants and
// recomputes the bridge matrix.
func (m *Manager) refreshMedia(parts ...Participant) {
	seen := make(map[ParticipantHandle]struct{}, len(parts))
	for _, p := range parts {
		if _, ok := seen[p.Handle()]; ok {
			continue
		}
		seen[p.Handle()] = struct{}{}
		if rp, ok := p.(*RemoteParticipant); ok {
			if want, governed := rp.wantAutoHold(); governed {
				rp.setHold(want)
			}
		}
	}
	m.mixer.recompute(m.conversations)
}
