package dum

import (
	"context"
	"log/slog"
	"strings"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/sip"
)

// SipfragContentType is the body type of REFER progress notifications.
const SipfragContentType = "message/sipfrag"

// ServerSubscription is the notifier side of a subscription usage,
// created implicitly by an accepted REFER (RFC 3515).
type ServerSubscription struct {
	dum     *DialogUsageManager
	dlg     *Dialog
	event   string
	usageID int
	done    bool
}

func newServerSubscription(dum *DialogUsageManager, dlg *Dialog, event string) *ServerSubscription {
	ss := &ServerSubscription{dum: dum, dlg: dlg, event: event}
	ss.usageID = dlg.set.addUsage(ss)
	return ss
}

// Dialog implements [Usage].
func (ss *ServerSubscription) Dialog() *Dialog { return ss.dlg }

// Notify reports subscription progress; final terminates the
// subscription with Subscription-State: terminated.
func (ss *ServerSubscription) Notify(sipfrag string, final bool) error {
	if ss.done {
		return nil
	}

	req, err := ss.dlg.NewRequest(sip.RequestMethodNotify)
	if err != nil {
		return errtrace.Wrap(err)
	}
	req.SetHeader("Event", ss.event)
	if final {
		req.SetHeader("Subscription-State", "terminated;reason=noresource")
	} else {
		req.SetHeader("Subscription-State", "active;expires=60")
	}
	req.SetBody(SipfragContentType, []byte(sipfrag+"\r\n"))

	if _, err := ss.dum.txl.SendRequest(context.Background(), req); err != nil {
		return errtrace.Wrap(err)
	}
	if final {
		ss.end(ReasonEnded)
	}
	return nil
}

func (ss *ServerSubscription) recvRequest(tx sip.ServerTransaction, req *sip.Request) {
	// SUBSCRIBE refresh; expires=0 unsubscribes
	res, err := req.NewResponse(sip.StatusOK, ss.dlg.id.LocalTag)
	if err != nil {
		return
	}
	if err := tx.Respond(context.Background(), res); err != nil {
		ss.dum.logger.LogAttrs(context.Background(), slog.LevelWarn,
			"subscription respond failed", slog.Any("error", err))
	}
	if expires := firstHeader(req, "Expires"); expires == "0" {
		ss.Notify("SIP/2.0 487 Request Terminated", true) //nolint:errcheck
	}
}

func (ss *ServerSubscription) end(TerminatedReason) {
	if ss.done {
		return
	}
	ss.done = true
	ss.dlg.set.removeUsage(ss.usageID)
}

// ClientSubscription is the subscriber side of a subscription usage: it
// collects the NOTIFYs of a sent REFER.
type ClientSubscription struct {
	dum     *DialogUsageManager
	dlg     *Dialog
	event   string
	usageID int
	done    bool
}

func newClientSubscription(dum *DialogUsageManager, dlg *Dialog, event string) *ClientSubscription {
	cs := &ClientSubscription{dum: dum, dlg: dlg, event: event}
	cs.usageID = dlg.set.addUsage(cs)
	return cs
}

// Dialog implements [Usage].
func (cs *ClientSubscription) Dialog() *Dialog { return cs.dlg }

func (cs *ClientSubscription) recvRequest(tx sip.ServerTransaction, req *sip.Request) {
	res, err := req.NewResponse(sip.StatusOK, cs.dlg.id.LocalTag)
	if err != nil {
		return
	}
	tx.Respond(context.Background(), res) //nolint:errcheck

	cs.dum.emit(Event{Kind: EventSubNotify, Message: req})

	if state := firstHeader(req, "Subscription-State"); strings.HasPrefix(strings.ToLower(state), "terminated") {
		cs.dum.emit(Event{Kind: EventSubTerminated, Message: req})
		cs.end(ReasonEnded)
	}
}

func (cs *ClientSubscription) end(TerminatedReason) {
	if cs.done {
		return
	}
	cs.done = true
	cs.dlg.set.removeUsage(cs.usageID)
}

var (
	_ Usage = (*ServerSubscription)(nil)
	_ Usage = (*ClientSubscription)(nil)
)
