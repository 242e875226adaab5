package conversation_test

import (
	"net"
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyontel/converge/conversation"
	"github.com/halcyontel/converge/dum"
	"github.com/halcyontel/converge/log"
	"github.com/halcyontel/converge/sdp"
	"github.com/halcyontel/converge/sip"
)

var (
	portMu   sync.Mutex
	nextPort uint16 = 29060
)

func freePort() uint16 {
	portMu.Lock()
	defer portMu.Unlock()
	nextPort++
	return nextPort
}

// convHandler records manager callbacks over channels and optionally
// auto-answers inbound legs.
type convHandler struct {
	conversation.NoopHandler
	mgr        *conversation.Manager
	autoAnswer bool

	incoming   chan conversation.ParticipantHandle
	connected  chan conversation.ParticipantHandle
	terminated chan conversation.ParticipantHandle
	holds      chan bool
	related    chan [2]conversation.ConversationHandle
}

func newConvHandler(autoAnswer bool) *convHandler {
	return &convHandler{
		autoAnswer: autoAnswer,
		incoming:   make(chan conversation.ParticipantHandle, 16),
		connected:  make(chan conversation.ParticipantHandle, 16),
		terminated: make(chan conversation.ParticipantHandle, 16),
		holds:      make(chan bool, 16),
		related:    make(chan [2]conversation.ConversationHandle, 16),
	}
}

func (h *convHandler) OnIncomingParticipant(ph conversation.ParticipantHandle, _ sip.Message, _ bool) {
	h.incoming <- ph
	if h.autoAnswer {
		h.mgr.AnswerParticipant(ph)
	}
}

func (h *convHandler) OnParticipantConnected(ph conversation.ParticipantHandle, _ sip.Message) {
	h.connected <- ph
}

func (h *convHandler) OnParticipantTerminated(ph conversation.ParticipantHandle, _ sip.StatusCode) {
	h.terminated <- ph
}

func (h *convHandler) OnParticipantRequestedHold(_ conversation.ParticipantHandle, held bool) {
	h.holds <- held
}

func (h *convHandler) OnRelatedConversation(rel conversation.ConversationHandle, _ conversation.ParticipantHandle, orig conversation.ConversationHandle, _ conversation.ParticipantHandle) {
	h.related <- [2]conversation.ConversationHandle{rel, orig}
}

type convStack struct {
	port    uint16
	mgr     *conversation.Manager
	dum     *dum.DialogUsageManager
	handler *convHandler
}

func newConvStack(t *testing.T, user string, autoAnswer bool) *convStack {
	t.Helper()

	timings := sip.NewTimings(20*time.Millisecond, 160*time.Millisecond, 200*time.Millisecond,
		640*time.Millisecond, 50*time.Millisecond)

	port := freePort()
	tpl := sip.NewTransportLayer(&sip.TransportLayerOptions{Log: log.Noop})
	require.NoError(t, tpl.AddTransport(sip.TransportUDP, "127.0.0.1", port))

	txl, err := sip.NewTransactionLayer(tpl, &sip.TransactionLayerOptions{Timings: timings, Log: log.Noop})
	require.NoError(t, err)

	aor, err := sip.ParseNameAddr("<sip:" + user + "@127.0.0.1>")
	require.NoError(t, err)
	contact, err := sip.ParseNameAddr("<sip:" + user + "@127.0.0.1:" + strconv.Itoa(int(port)) + ">")
	require.NoError(t, err)

	d, err := dum.New(tpl, txl, &dum.Profile{Aor: aor, Contact: contact}, nil,
		&dum.DialogUsageManagerOptions{Timings: timings, Log: log.Noop})
	require.NoError(t, err)

	h := newConvHandler(autoAnswer)
	mgr := conversation.NewManager(d, &conversation.NullEngine{}, h, &conversation.ManagerOptions{Log: log.Noop})
	h.mgr = mgr

	tpl.Serve()
	go d.Run()
	t.Cleanup(func() {
		d.Close()
		txl.Close()
		tpl.Close() //nolint:errcheck
	})

	return &convStack{port: port, mgr: mgr, dum: d, handler: h}
}

func (st *convStack) uri(t *testing.T, user string) *sip.Uri {
	t.Helper()
	uri, err := sip.ParseUri("sip:" + user + "@127.0.0.1:" + strconv.Itoa(int(st.port)))
	require.NoError(t, err)
	return uri
}

func waitHandle[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("no %s within 5s", what)
		var zero T
		return zero
	}
}

// TestAutoHold drives the auto-hold policy end to end: a lone remote is
// held, gains company and is unheld, loses it and is held again.
func TestAutoHold(t *testing.T) {
	t.Parallel()

	a := newConvStack(t, "alice", false)
	b := newConvStack(t, "bob", true)

	conv := a.mgr.CreateConversation(conversation.AutoHoldEnabled)
	rph := a.mgr.CreateRemoteParticipant(conv, b.uri(t, "bob"), conversation.ForkSelectAutomatic, nil)

	waitHandle(t, b.handler.incoming, "incoming participant")
	waitHandle(t, a.handler.connected, "connected callback")

	// alone in the conversation: the auto-hold re-INVITE reaches Bob
	assert.True(t, waitHandle(t, b.handler.holds, "hold request"), "lone remote must be held")

	// company arrives: unhold
	tone := a.mgr.CreateMediaResourceParticipant(conv, "tone:ringback")
	assert.False(t, waitHandle(t, b.handler.holds, "unhold request"), "accompanied remote must be unheld")

	// company leaves: hold again
	a.mgr.RemoveParticipant(conv, tone)
	assert.True(t, waitHandle(t, b.handler.holds, "second hold request"), "lone remote must be re-held")

	// teardown releases the leg with BYE
	a.mgr.DestroyParticipant(rph)
	waitHandle(t, b.handler.terminated, "terminated callback")
}

// scriptedPeer is a bare UDP endpoint playing the far side of a forking
// proxy: it answers the INVITE with whatever the script needs.
type scriptedPeer struct {
	t    *testing.T
	conn *net.UDPConn
	port uint16

	mu   sync.Mutex
	reqs []*sip.Request
	wake chan struct{}
}

func newScriptedPeer(t *testing.T) *scriptedPeer {
	t.Helper()
	port := freePort()
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(
		netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)))
	require.NoError(t, err)

	p := &scriptedPeer{t: t, conn: conn, port: port, wake: make(chan struct{}, 1)}
	go p.readLoop()
	t.Cleanup(func() { conn.Close() })
	return p
}

func (p *scriptedPeer) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, raddr, err := p.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		msg, err := sip.Parse(data)
		if err != nil {
			continue
		}
		req, ok := msg.(*sip.Request)
		if !ok {
			continue
		}
		req.SetSource(raddr)

		p.mu.Lock()
		p.reqs = append(p.reqs, req)
		p.mu.Unlock()
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// waitRequest returns the next request of the wanted method.
func (p *scriptedPeer) waitRequest(method sip.RequestMethod, timeout time.Duration) *sip.Request {
	p.t.Helper()
	deadline := time.After(timeout)
	for {
		p.mu.Lock()
		for i, req := range p.reqs {
			if req.Method().Equal(method) {
				p.reqs = append(p.reqs[:i], p.reqs[i+1:]...)
				p.mu.Unlock()
				return req
			}
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-deadline:
			p.t.Fatalf("no %q request within %v", method, timeout)
			return nil
		}
	}
}

func (p *scriptedPeer) send(req *sip.Request, status sip.StatusCode, toTag string, answer *sdp.Session) {
	p.t.Helper()
	res, err := req.NewResponse(status, toTag)
	require.NoError(p.t, err)
	contact, err := sip.ParseNameAddr("<sip:" + toTag + "@127.0.0.1:" + strconv.Itoa(int(p.port)) + ">")
	require.NoError(p.t, err)
	res.SetContact(contact)
	if answer != nil {
		res.SetBody(sdp.ContentType, answer.Marshal())
	}

	_, err = p.conn.WriteToUDPAddrPort(res.Render(), req.Source())
	require.NoError(p.t, err)
}

// TestForkSelectAutomatic plays scenario S2: two early forks, the first
// answers; the second fork's related conversation is torn down with BYE.
func TestForkSelectAutomatic(t *testing.T) {
	t.Parallel()

	a := newConvStack(t, "alice", false)
	peer := newScriptedPeer(t)

	conv := a.mgr.CreateConversation(conversation.AutoHoldDisabled)
	peerURI, err := sip.ParseUri("sip:fork@127.0.0.1:" + strconv.Itoa(int(peer.port)))
	require.NoError(t, err)
	orig := a.mgr.CreateRemoteParticipant(conv, peerURI, conversation.ForkSelectAutomatic, nil)

	invite := peer.waitRequest(sip.RequestMethodInvite, 5*time.Second)

	// two early dialogs: the second one materializes a related conversation
	peer.send(invite, sip.StatusRinging, "fork1", nil)
	peer.send(invite, sip.StatusRinging, "fork2", nil)

	rel := waitHandle(t, a.handler.related, "related conversation")
	assert.Equal(t, conv, rel[1], "related event names the original conversation")

	// fork1 answers
	peer.send(invite, sip.StatusOK, "fork1", sdp.New("fork1", "127.0.0.1", 45000))

	connected := waitHandle(t, a.handler.connected, "connected callback")
	assert.Equal(t, orig, connected, "the original participant wins")

	// the winner is acknowledged
	ack := peer.waitRequest(sip.RequestMethodAck, 5*time.Second)
	assert.Equal(t, "fork1", ack.To().Tag())

	// the loser gets exactly one BYE on its early dialog
	bye := peer.waitRequest(sip.RequestMethodBye, 5*time.Second)
	assert.Equal(t, "fork2", bye.To().Tag())
	peer.send(bye, sip.StatusOK, "", nil)

	// the related participant reports terminated and its conversation dies
	waitHandle(t, a.handler.terminated, "fork terminated callback")

	// no CANCEL in automatic mode
	p := peer
	p.mu.Lock()
	for _, req := range p.reqs {
		assert.False(t, req.Method().Equal(sip.RequestMethodCancel), "no CANCEL for losing forks")
	}
	p.mu.Unlock()
}
