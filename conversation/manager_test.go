package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyontel/converge/dum"
	"github.com/halcyontel/converge/log"
	"github.com/halcyontel/converge/sip"
)

// recordingHandler collects callbacks for assertions.
type recordingHandler struct {
	NoopHandler
	destroyedParts []ParticipantHandle
	destroyedConvs []ConversationHandle
	terminated     map[ParticipantHandle]sip.StatusCode
	timers         []uint
}

func (h *recordingHandler) OnParticipantDestroyed(ph ParticipantHandle) {
	h.destroyedParts = append(h.destroyedParts, ph)
}

func (h *recordingHandler) OnConversationDestroyed(ch ConversationHandle) {
	h.destroyedConvs = append(h.destroyedConvs, ch)
}

func (h *recordingHandler) OnParticipantTerminated(ph ParticipantHandle, status sip.StatusCode) {
	if h.terminated == nil {
		h.terminated = make(map[ParticipantHandle]sip.StatusCode)
	}
	h.terminated[ph] = status
}

func (h *recordingHandler) OnApplicationTimer(id, d1, d2 uint) {
	h.timers = append(h.timers, id)
}

// newTestManager builds a manager over a dum with no transports; the
// test goroutine doubles as the stack goroutine by draining Process.
func newTestManager(t *testing.T) (*Manager, *dum.DialogUsageManager, *recordingHandler) {
	t.Helper()

	tpl := sip.NewTransportLayer(&sip.TransportLayerOptions{Log: log.Noop})
	txl, err := sip.NewTransactionLayer(tpl, &sip.TransactionLayerOptions{Log: log.Noop})
	require.NoError(t, err)

	aor, err := sip.ParseNameAddr("<sip:test@127.0.0.1>")
	require.NoError(t, err)

	d, err := dum.New(tpl, txl, &dum.Profile{Aor: aor}, nil, &dum.DialogUsageManagerOptions{Log: log.Noop})
	require.NoError(t, err)

	h := &recordingHandler{}
	mgr := NewManager(d, &NullEngine{}, h, &ManagerOptions{Log: log.Noop})
	t.Cleanup(func() {
		txl.Close()
		tpl.Close() //nolint:errcheck
	})
	return mgr, d, h
}

func TestManager_HandleRegistry(t *testing.T) {
	t.Parallel()

	mgr, d, h := newTestManager(t)

	ch := mgr.CreateConversation(AutoHoldEnabled)
	ph := mgr.CreateMediaResourceParticipant(ch, "tone:ringback")
	d.Process()

	conv, err := mgr.Conversation(ch)
	require.NoError(t, err)
	assert.Equal(t, []ParticipantHandle{ph}, conv.Participants())

	_, err = mgr.Participant(ph)
	require.NoError(t, err)

	// destroying the conversation cascades into the memberless participant
	mgr.DestroyConversation(ch)
	d.Process()

	_, err = mgr.Conversation(ch)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = mgr.Participant(ph)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, h.destroyedParts, ph)
	assert.Contains(t, h.destroyedConvs, ch)

	// destroy is idempotent
	mgr.DestroyParticipant(ph)
	mgr.DestroyConversation(ch)
	d.Process()
	assert.Len(t, h.destroyedParts, 1)
}

func TestManager_JoinConversationPreservesMembers(t *testing.T) {
	t.Parallel()

	mgr, d, h := newTestManager(t)

	a := mgr.CreateConversation(AutoHoldDisabled)
	b := mgr.CreateConversation(AutoHoldDisabled)
	p1 := mgr.CreateMediaResourceParticipant(a, "tone:1")
	p2 := mgr.CreateMediaResourceParticipant(b, "tone:2")
	d.Process()

	mgr.JoinConversation(a, b)
	d.Process()

	// a is gone, b holds the union, nobody was destroyed
	_, err := mgr.Conversation(a)
	assert.ErrorIs(t, err, ErrNotFound)

	conv, err := mgr.Conversation(b)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ParticipantHandle{p1, p2}, conv.Participants())
	assert.Empty(t, h.destroyedParts)
	assert.Contains(t, h.destroyedConvs, a)
}

func TestManager_RemoveLastConversationDestroysParticipant(t *testing.T) {
	t.Parallel()

	mgr, d, h := newTestManager(t)

	a := mgr.CreateConversation(AutoHoldDisabled)
	b := mgr.CreateConversation(AutoHoldDisabled)
	p := mgr.CreateMediaResourceParticipant(a, "tone:busy")
	mgr.AddParticipant(b, p)
	d.Process()

	mgr.RemoveParticipant(a, p)
	d.Process()
	assert.Empty(t, h.destroyedParts, "participant still has a conversation")

	mgr.RemoveParticipant(b, p)
	d.Process()
	assert.Contains(t, h.destroyedParts, p)
}

func TestManager_BridgeMixerInvariants(t *testing.T) {
	t.Parallel()

	mgr, d, _ := newTestManager(t)

	ch := mgr.CreateConversation(AutoHoldDisabled)
	p1 := mgr.CreateMediaResourceParticipant(ch, "tone:1")
	p2 := mgr.CreateMediaResourceParticipant(ch, "tone:2")
	p3 := mgr.CreateMediaResourceParticipant(ch, "tone:3")
	d.Process()

	mixer := mgr.Mixer()
	parts := []ParticipantHandle{p1, p2, p3}
	for _, src := range parts {
		for _, dst := range parts {
			w := mixer.Weight(src, dst)
			if src == dst {
				assert.Zero(t, w, "diagonal must be zero")
				continue
			}
			assert.Equal(t, 100, w, "default gains bridge at full weight")
		}
	}

	mgr.ModifyParticipantContribution(ch, p1, 50, 80)
	d.Process()

	// weight(i,j) = inGain_i * outGain_j / 100
	assert.Equal(t, 50, mixer.Weight(p1, p2), "p1 input gain scales its source row")
	assert.Equal(t, 80, mixer.Weight(p2, p1), "p1 output gain scales its sink column")
	assert.Zero(t, mixer.Weight(p1, p1))

	// gains clamp to [0,100]
	mgr.ModifyParticipantContribution(ch, p2, 1000, -5)
	d.Process()
	assert.Equal(t, 100, mixer.Weight(p2, p3))
	assert.Zero(t, mixer.Weight(p3, p2))

	out := mixer.Output()
	assert.Contains(t, out, "bridge matrix")
}

func TestManager_MediaResourceDurationDestroys(t *testing.T) {
	t.Parallel()

	mgr, d, h := newTestManager(t)

	ch := mgr.CreateConversation(AutoHoldDisabled)
	ph := mgr.CreateMediaResourceParticipant(ch, "tone:0;duration=30")
	d.Process()

	_, err := mgr.Participant(ph)
	require.NoError(t, err)

	// the duration timer posts the teardown
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.Process()
		if _, err := mgr.Participant(ph); err != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, err = mgr.Participant(ph)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, h.destroyedParts, ph)
}

func TestManager_CacheRoundTrip(t *testing.T) {
	t.Parallel()

	mgr, d, _ := newTestManager(t)

	mgr.AddBufferToMediaResourceCache("welcome", []byte{1, 2, 3}, MediaTypeRawPCM16)
	data, typ, ok := mgr.Cache().GetBuffer("welcome")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.Equal(t, MediaTypeRawPCM16, typ)

	// cache-backed participants start from the buffer
	ch := mgr.CreateConversation(AutoHoldDisabled)
	ph := mgr.CreateMediaResourceParticipant(ch, "cache:welcome")
	d.Process()
	_, err := mgr.Participant(ph)
	assert.NoError(t, err)

	// unknown cache entries fail the participant
	bad := mgr.CreateMediaResourceParticipant(ch, "cache:missing")
	d.Process()
	_, err = mgr.Participant(bad)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_ApplicationTimer(t *testing.T) {
	t.Parallel()

	mgr, d, h := newTestManager(t)
	mgr.StartApplicationTimer(7, 1, 2, 20*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(h.timers) == 0 {
		d.Process()
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEmpty(t, h.timers)
	assert.Equal(t, uint(7), h.timers[0])
}

func TestManager_ShutdownReports500(t *testing.T) {
	t.Parallel()

	mgr, d, h := newTestManager(t)

	ch := mgr.CreateConversation(AutoHoldDisabled)
	ph := mgr.CreateMediaResourceParticipant(ch, "tone:holding")
	d.Process()

	mgr.Shutdown()
	d.Process()

	assert.Equal(t, sip.StatusServerInternalError, h.terminated[ph])
	assert.Contains(t, h.destroyedParts, ph)
	assert.Contains(t, h.destroyedConvs, ch)

	// creations are refused after shutdown
	ch2 := mgr.CreateConversation(AutoHoldDisabled)
	d.Process()
	_, err := mgr.Conversation(ch2)
	assert.ErrorIs(t, err, ErrNotFound)
}
