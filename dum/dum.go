package dum

import (
	"context"
	"log/slog"
	"time"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/internal/fifo"
	"github.com/halcyontel/converge/log"
	"github.com/halcyontel/converge/sdp"
	"github.com/halcyontel/converge/sip"
)

// DialogUsageManagerOptions are the options for a [DialogUsageManager].
type DialogUsageManagerOptions struct {
	// Timings is the SIP timing config, shared with the transaction layer.
	Timings sip.TimingConfig
	// FifoLimit bounds the command fifo. Zero means unbounded.
	FifoLimit int
	// Log is the logger. If nil, [log.Default] is used.
	Log *slog.Logger
}

func (o *DialogUsageManagerOptions) timings() sip.TimingConfig {
	if o == nil {
		return sip.TimingConfig{}
	}
	return o.Timings
}

func (o *DialogUsageManagerOptions) fifoLimit() int {
	if o == nil {
		return 0
	}
	return o.FifoLimit
}

func (o *DialogUsageManagerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// DialogUsageManager owns dialogs, dialog sets and the usages hosted on
// them. All protocol work runs on one goroutine (the stack goroutine);
// foreign goroutines enter through [DialogUsageManager.Post].
type DialogUsageManager struct {
	tpl     *sip.TransportLayer
	txl     *sip.TransactionLayer
	profile *Profile
	handler Handler
	timings sip.TimingConfig
	logger  *slog.Logger

	cmds *fifo.Fifo[func()]
	done chan struct{}

	dialogSets map[sip.DialogSetID]*DialogSet
	dialogs    map[sip.DialogID]*Dialog
	// uasInvites maps the INVITE server transaction to its session so
	// CANCEL can find its target.
	uasInvites map[sip.ServerTransaction]*InviteSession
}

// New creates a dialog usage manager over the transaction layer.
// The handler receives every usage event on the stack goroutine.
func New(tpl *sip.TransportLayer, txl *sip.TransactionLayer, profile *Profile, handler Handler, opts *DialogUsageManagerOptions) (*DialogUsageManager, error) {
	if tpl == nil || txl == nil {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("invalid layers"))
	}
	if profile == nil || profile.Aor == nil {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("invalid profile"))
	}
	if handler == nil {
		handler = HandlerFunc(func(Event) {})
	}

	dum := &DialogUsageManager{
		tpl:        tpl,
		txl:        txl,
		profile:    profile,
		handler:    handler,
		timings:    opts.timings(),
		logger:     opts.log(),
		cmds:       fifo.New[func()](opts.fifoLimit()),
		done:       make(chan struct{}),
		dialogSets: make(map[sip.DialogSetID]*DialogSet),
		dialogs:    make(map[sip.DialogID]*Dialog),
		uasInvites: make(map[sip.ServerTransaction]*InviteSession),
	}

	txl.OnRequest(func(ctx context.Context, tx sip.ServerTransaction, req *sip.Request) {
		dum.Post(func() { dum.recvRequest(tx, req) })
	})
	txl.OnAck(func(ctx context.Context, ack *sip.Request) {
		dum.Post(func() { dum.recvAck(ack) })
	})
	txl.OnCancel(func(ctx context.Context, cancelTx, invTx sip.ServerTransaction, cancel *sip.Request) {
		dum.Post(func() { dum.recvCancel(invTx, cancel) })
	})
	return dum, nil
}

// Profile returns the manager profile.
func (dum *DialogUsageManager) Profile() *Profile { return dum.profile }

// SetHandler replaces the event handler. Call before Run; the higher
// layers use it to hook themselves in after construction.
func (dum *DialogUsageManager) SetHandler(h Handler) {
	if h != nil {
		dum.handler = h
	}
}

// Post schedules fn on the stack goroutine. Safe from any goroutine;
// functions posted from one goroutine run in post order.
func (dum *DialogUsageManager) Post(fn func()) {
	if err := dum.cmds.Post(fn); err != nil {
		dum.logger.LogAttrs(context.Background(), slog.LevelWarn,
			"dropping posted command", slog.Any("error", err))
	}
}

// PostDelayed schedules fn on the stack goroutine after d.
func (dum *DialogUsageManager) PostDelayed(fn func(), d time.Duration) {
	time.AfterFunc(d, func() {
		if err := dum.cmds.PostHigh(fn); err != nil {
			dum.logger.LogAttrs(context.Background(), slog.LevelWarn,
				"dropping delayed command", slog.Any("error", err))
		}
	})
}

// Run drives the stack goroutine until [DialogUsageManager.Close].
// It is typically the body of a dedicated goroutine.
func (dum *DialogUsageManager) Run() {
	for {
		fn, ok := dum.cmds.Next(250 * time.Millisecond)
		if ok {
			fn()
			continue
		}
		select {
		case <-dum.done:
			return
		default:
		}
	}
}

// Process drains currently queued work without blocking; it exists for
// applications driving the stack from their own loop and for tests.
func (dum *DialogUsageManager) Process() {
	for {
		fn, ok := dum.cmds.TryNext()
		if !ok {
			return
		}
		fn()
	}
}

// Close ends every usage and stops the stack goroutine.
func (dum *DialogUsageManager) Close() {
	dum.Post(func() {
		for _, ds := range dum.dialogSets {
			for _, u := range ds.usages {
				u.end(ReasonEnded)
			}
		}
		close(dum.done)
	})
	dum.cmds.Close()
}

func (dum *DialogUsageManager) emit(ev Event) {
	dum.logger.LogAttrs(context.Background(), slog.LevelDebug, "emit event", slog.Any("event", ev))
	dum.handler.OnEvent(ev)
}

func (dum *DialogUsageManager) removeDialogSet(ds *DialogSet) {
	delete(dum.dialogSets, ds.id)
}

// Invite starts an outgoing INVITE session. A nil offer sends an
// offerless INVITE and the offer is requested in the 200.
// Must run on the stack goroutine.
func (dum *DialogUsageManager) Invite(target *sip.Uri, offer *sdp.Session, extraHeaders map[string]string) (*InviteSession, error) {
	from := dum.profile.Aor.WithTag(sip.GenerateTag())
	to := &sip.NameAddr{Uri: target.Clone()}

	req, err := sip.NewRequest(sip.RequestMethodInvite, target, from, to, dum.profile.NewCallID(), 1)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	req.PushVia(&sip.Via{Params: sip.Params{{Key: "branch", Value: sip.GenerateBranch()}}})
	if dum.profile.Contact != nil {
		req.SetContact(dum.profile.Contact)
	}
	if supported := dum.profile.supported(); len(supported) > 0 {
		for _, opt := range supported {
			req.AddHeader("Supported", opt)
		}
	}
	if dum.profile.UserAgent != "" {
		req.SetHeader("User-Agent", dum.profile.UserAgent)
	}
	for name, value := range extraHeaders {
		req.AddHeader(name, value)
	}
	if offer != nil {
		req.SetBody(sdp.ContentType, offer.Marshal())
	}
	dum.signIdentity(req)

	setID := sip.DialogSetID{CallID: req.CallID(), LocalTag: from.Tag()}
	ds := newDialogSet(dum, setID, req)
	dum.dialogSets[setID] = ds

	sess := newUACInviteSession(dum, ds, req, offer)

	tx, err := dum.txl.SendRequest(context.Background(), req)
	if err != nil {
		dum.removeDialogSet(ds)
		return nil, errtrace.Wrap(err)
	}
	sess.inviteTx = tx

	tx.OnResponse(func(_ context.Context, tx sip.ClientTransaction, res *sip.Response) {
		dum.Post(func() { ds.recvInviteResponse(sess, res) })
	})
	return sess, nil
}

// signIdentity applies the RFC 4474 identity hook to an out-of-dialog INVITE.
func (dum *DialogUsageManager) signIdentity(req *sip.Request) {
	signer := dum.profile.IdentitySigner
	if signer == nil {
		return
	}
	canonical := identityCanonicalForm(req)
	sig, err := signer.ComputeIdentity(dum.profile.Aor.Uri.Host, canonical)
	if err != nil {
		dum.logger.LogAttrs(context.Background(), slog.LevelWarn,
			"identity signing failed", slog.Any("request", req), slog.Any("error", err))
		return
	}
	req.SetHeader("Identity", sig)
	req.SetHeader("Identity-Info", "<https://"+dum.profile.Aor.Uri.Host+"/cert>;alg=rsa-sha1")
}

// identityCanonicalForm builds the RFC 4474 section 9 digest string.
func identityCanonicalForm(req *sip.Request) string {
	return req.From().Uri.String() + "|" +
		req.To().Uri.String() + "|" +
		req.CallID() + "|" +
		req.CSeq().String() + "|" +
		req.Uri().String() + "|" +
		string(req.Body())
}

// recvInviteResponse demultiplexes INVITE responses onto the fork dialogs
// of the set: each new remote tag materializes a sibling dialog with its
// own session, announced with a forked_session event.
func (ds *DialogSet) recvInviteResponse(orig *InviteSession, res *sip.Response) {
	status := res.Status()
	if (status == sip.StatusUnauthorized || status == sip.StatusProxyAuthRequired) &&
		ds.dum.profile.AuthUser != "" && !ds.authRetried {
		ds.authRetried = true
		if err := ds.dum.retryWithAuth(orig, res); err == nil {
			return
		}
		ds.dum.logger.LogAttrs(context.Background(), slog.LevelWarn,
			"digest retry failed", slog.Any("session", orig))
	}

	tag := res.To().Tag()

	if tag == "" || res.Status() == sip.StatusTrying {
		orig.recvInviteResponse(res)
		return
	}

	if !orig.hasRemoteTag() || orig.remoteTag() == tag {
		orig.bindRemoteTag(tag)
		orig.recvInviteResponse(res)
		return
	}

	if dlg, ok := ds.dialogByRemoteTag(tag); ok {
		for _, u := range ds.usagesOn(dlg) {
			if sess, ok := u.(*InviteSession); ok {
				sess.recvInviteResponse(res)
				return
			}
		}
	}

	// a new fork
	fork := newForkInviteSession(ds.dum, ds, orig, tag)
	ds.dum.emit(Event{Kind: EventForkedSession, Session: fork, Original: orig, Message: res})
	fork.recvInviteResponse(res)
}

// retryWithAuth answers a Digest challenge on the set's original request
// by re-sending it with credentials, a fresh branch and the next CSeq
// (RFC 3261 section 22.2).
func (dum *DialogUsageManager) retryWithAuth(sess *InviteSession, challenge *sip.Response) error {
	req := sess.invite.Clone().(*sip.Request) //nolint:forcetypeassert
	req.OverrideCSeq(sip.CSeq{Seq: req.CSeq().Seq + 1, Method: req.Method()})
	req.Via().Params = req.Via().Params.With("branch", sip.GenerateBranch())

	if err := sip.AuthorizeRequest(req, challenge, dum.profile.AuthUser, dum.profile.AuthPassword); err != nil {
		return errtrace.Wrap(err)
	}

	tx, err := dum.txl.SendRequest(context.Background(), req)
	if err != nil {
		return errtrace.Wrap(err)
	}
	sess.invite = req
	sess.inviteTx = tx
	ds := sess.ds
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.Response) {
		dum.Post(func() { ds.recvInviteResponse(sess, res) })
	})
	return nil
}

func (dum *DialogUsageManager) recvRequest(tx sip.ServerTransaction, req *sip.Request) {
	ctx := context.Background()

	if req.To().Tag() != "" {
		dum.recvInDialogRequest(tx, req)
		return
	}

	switch {
	case req.Method().Equal(sip.RequestMethodInvite):
		sess := newUASInviteSession(dum, tx, req)
		if sess == nil {
			return
		}
		dum.uasInvites[tx] = sess
		tx.OnTerminate(func(sip.Transaction) {
			dum.Post(func() { delete(dum.uasInvites, tx) })
		})
		dum.emit(Event{Kind: EventNewSession, Session: sess, Message: req, SDP: sess.neg.pending})

	case req.Method().Equal(sip.RequestMethodOptions):
		res, err := req.NewResponse(sip.StatusOK, sip.GenerateTag())
		if err == nil {
			res.SetHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO, MESSAGE, REFER, NOTIFY, PRACK, UPDATE")
			tx.Respond(ctx, res) //nolint:errcheck
		}

	case req.Method().Equal(sip.RequestMethodMessage), req.Method().Equal(sip.RequestMethodInfo):
		dum.emit(Event{Kind: EventOutOfDialogRequest, Message: req})
		if res, err := req.NewResponse(sip.StatusOK, sip.GenerateTag()); err == nil {
			tx.Respond(ctx, res) //nolint:errcheck
		}

	default:
		if res, err := req.NewResponse(sip.StatusNotImplemented, sip.GenerateTag()); err == nil {
			tx.Respond(ctx, res) //nolint:errcheck
		}
	}
}

func (dum *DialogUsageManager) recvInDialogRequest(tx sip.ServerTransaction, req *sip.Request) {
	ctx := context.Background()

	id := sip.MakeDialogID(req, true)
	dlg, ok := dum.dialogs[id]
	if !ok {
		if res, err := req.NewResponse(sip.StatusCallDoesNotExist, ""); err == nil {
			tx.Respond(ctx, res) //nolint:errcheck
		}
		return
	}

	// out-of-order in-dialog requests are rejected and advance nothing
	if err := dlg.CheckRemoteCSeq(req); err != nil {
		dum.logger.LogAttrs(ctx, slog.LevelWarn, "rejecting out-of-order request",
			slog.Any("dialog", dlg), slog.Any("request", req))
		if res, err := req.NewResponse(sip.StatusServerInternalError, ""); err == nil {
			tx.Respond(ctx, res) //nolint:errcheck
		}
		return
	}

	for _, u := range dlg.set.usagesOn(dlg) {
		if dum.usageWants(u, req) {
			u.recvRequest(tx, req)
			return
		}
	}

	if res, err := req.NewResponse(sip.StatusCallDoesNotExist, ""); err == nil {
		tx.Respond(ctx, res) //nolint:errcheck
	}
}

// usageWants routes an in-dialog request to the right usage: NOTIFY goes
// to the matching subscription, everything else to the invite session.
func (dum *DialogUsageManager) usageWants(u Usage, req *sip.Request) bool {
	switch u.(type) {
	case *ClientSubscription:
		return req.Method().Equal(sip.RequestMethodNotify)
	case *ServerSubscription:
		return req.Method().Equal(sip.RequestMethodSubscribe)
	case *InviteSession:
		return !req.Method().Equal(sip.RequestMethodNotify) &&
			!req.Method().Equal(sip.RequestMethodSubscribe)
	default:
		return false
	}
}

func (dum *DialogUsageManager) recvAck(ack *sip.Request) {
	id := sip.MakeDialogID(ack, true)
	dlg, ok := dum.dialogs[id]
	if !ok {
		dum.logger.LogAttrs(context.Background(), slog.LevelDebug,
			"dropping ACK without dialog", slog.Any("request", ack))
		return
	}
	for _, u := range dlg.set.usagesOn(dlg) {
		if sess, ok := u.(*InviteSession); ok {
			sess.recvAck(ack)
			return
		}
	}
}

func (dum *DialogUsageManager) recvCancel(invTx sip.ServerTransaction, cancel *sip.Request) {
	sess, ok := dum.uasInvites[invTx]
	if !ok {
		return
	}
	sess.remoteCancel(cancel)
}
