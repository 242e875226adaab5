package conversation

import (
	"log/slog"
	"slices"
)

type gainPair struct {
	input  int
	output int
}

// Conversation is an ordered set of participants with an auto-hold mode.
// Mutations happen on the stack goroutine only.
type Conversation struct {
	handle ConversationHandle
	mgr    *Manager
	mode   AutoHoldMode

	members []Participant
	gains   map[ParticipantHandle]gainPair

	// relatedOrig is the conversation this one was forked from, zero for
	// ordinary conversations.
	relatedOrig ConversationHandle
}

func newConversation(mgr *Manager, handle ConversationHandle, mode AutoHoldMode) *Conversation {
	return &Conversation{
		handle: handle,
		mgr:    mgr,
		mode:   mode,
		gains:  make(map[ParticipantHandle]gainPair),
	}
}

// Handle returns the conversation handle.
func (c *Conversation) Handle() ConversationHandle { return c.handle }

// Mode returns the auto-hold mode.
func (c *Conversation) Mode() AutoHoldMode { return c.mode }

// Participants returns the member handles in join order.
func (c *Conversation) Participants() []ParticipantHandle {
	out := make([]ParticipantHandle, len(c.members))
	for i, p := range c.members {
		out[i] = p.Handle()
	}
	return out
}

func (c *Conversation) has(ph ParticipantHandle) bool {
	return slices.ContainsFunc(c.members, func(p Participant) bool { return p.Handle() == ph })
}

func (c *Conversation) add(p Participant) {
	if c.has(p.Handle()) {
		return
	}
	c.members = append(c.members, p)
	c.gains[p.Handle()] = gainPair{input: 100, output: 100}
	p.joined(c)
}

func (c *Conversation) remove(p Participant) {
	c.members = slices.DeleteFunc(c.members, func(m Participant) bool { return m.Handle() == p.Handle() })
	delete(c.gains, p.Handle())
	p.left(c)
}

func (c *Conversation) setGains(ph ParticipantHandle, input, output int) {
	c.gains[ph] = gainPair{
		input:  min(max(input, 0), 100),
		output: min(max(output, 0), 100),
	}
}

// remoteAlone reports whether rp is the only member.
func (c *Conversation) remoteAlone(rp *RemoteParticipant) bool {
	return len(c.members) == 1 && c.members[0].Handle() == rp.Handle()
}

// LogValue implements [slog.LogValuer].
func (c *Conversation) LogValue() slog.Value {
	if c == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		handleAttr("handle", uint64(c.handle)),
		slog.String("auto_hold", c.mode.String()),
		slog.Int("members", len(c.members)),
	)
}
