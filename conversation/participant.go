package conversation

import (
	"log/slog"

	"github.com/halcyontel/converge/sip"
)

// Participant is a media endpoint in one or more conversations: local
// audio, a remote SIP leg or a media resource.
type Participant interface {
	slog.LogValuer
	// Handle returns the participant handle.
	Handle() ParticipantHandle
	// Conversations returns the handles of conversations the participant
	// belongs to.
	Conversations() []ConversationHandle

	// joined and left maintain the membership set; stack goroutine only.
	joined(c *Conversation)
	left(c *Conversation)
	// release tears the participant's media and signalling down; status
	// is the code reported to the application.
	release(status sip.StatusCode)
}

// participant carries the shared handle and membership bookkeeping.
type participant struct {
	handle      ParticipantHandle
	mgr         *Manager
	memberships map[ConversationHandle]*Conversation
}

func newParticipant(mgr *Manager, handle ParticipantHandle) participant {
	return participant{
		handle:      handle,
		mgr:         mgr,
		memberships: make(map[ConversationHandle]*Conversation),
	}
}

// Handle returns the participant handle.
func (p *participant) Handle() ParticipantHandle { return p.handle }

// Conversations returns the handles of conversations the participant belongs to.
func (p *participant) Conversations() []ConversationHandle {
	out := make([]ConversationHandle, 0, len(p.memberships))
	for ch := range p.memberships {
		out = append(out, ch)
	}
	return out
}

func (p *participant) joined(c *Conversation) { p.memberships[c.handle] = c }

func (p *participant) left(c *Conversation) { delete(p.memberships, c.handle) }

func (p *participant) memberless() bool { return len(p.memberships) == 0 }

// LogValue implements [slog.LogValuer].
func (p *participant) LogValue() slog.Value {
	return slog.GroupValue(
		handleAttr("handle", uint64(p.handle)),
		slog.Int("conversations", len(p.memberships)),
	)
}

// LocalParticipant represents the local microphone and speaker. At most
// one exists and only where the media engine supports local audio.
type LocalParticipant struct {
	participant
}

func (p *LocalParticipant) release(sip.StatusCode) {
	p.mgr.engine.ReleaseEndpoint(p.handle)
}

var _ Participant = (*LocalParticipant)(nil)
