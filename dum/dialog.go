package dum

import (
	"log/slog"
	"slices"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/internal/errorutil"
	"github.com/halcyontel/converge/sip"
)

// ErrCSeqRegression is returned for in-dialog requests whose CSeq went
// backwards; the caller answers them with 500.
const ErrCSeqRegression errorutil.Error = "remote CSeq regression"

// Dialog is a peer-to-peer SIP relationship (RFC 3261 section 12):
// identity tags, route set, remote target and the CSeq counters.
type Dialog struct {
	id  sip.DialogID
	set *DialogSet

	localURI  *sip.NameAddr
	remoteURI *sip.NameAddr
	contact   *sip.NameAddr

	remoteTarget *sip.Uri
	routeSet     []*sip.NameAddr
	secure       bool
	isUAC        bool

	localCSeq     uint32
	remoteCSeq    uint32
	remoteCSeqSet bool
}

// newDialogUAC constructs the dialog from the request we sent and the
// first tagged response: the route set is the reversed Record-Route of
// the response, the remote target its Contact (section 12.1.2).
func newDialogUAC(set *DialogSet, req *sip.Request, res *sip.Response) *Dialog {
	dlg := &Dialog{
		id:        sip.MakeDialogID(res, false),
		set:       set,
		localURI:  req.From().Clone(),
		remoteURI: res.To().Clone(),
		contact:   req.Contact().Clone(),
		secure:    req.Uri().IsSecure(),
		isUAC:     true,
		localCSeq: req.CSeq().Seq,
	}

	rrs := res.RecordRoutes()
	dlg.routeSet = make([]*sip.NameAddr, 0, len(rrs))
	for i := len(rrs) - 1; i >= 0; i-- {
		dlg.routeSet = append(dlg.routeSet, rrs[i].Clone())
	}

	if contact := res.Contact(); contact != nil {
		dlg.remoteTarget = contact.Uri.Clone()
	} else {
		dlg.remoteTarget = req.Uri().Clone()
	}
	return dlg
}

// newDialogUAS constructs the dialog from the request we received and the
// local tag we answer with: the route set is the Record-Route as
// received, the remote target the request Contact (section 12.1.1).
func newDialogUAS(set *DialogSet, req *sip.Request, localTag string) *Dialog {
	dlg := &Dialog{
		id: sip.DialogID{
			CallID:    req.CallID(),
			LocalTag:  localTag,
			RemoteTag: req.From().Tag(),
		},
		set:           set,
		localURI:      req.To().WithTag(localTag),
		remoteURI:     req.From().Clone(),
		secure:        req.Uri().IsSecure(),
		remoteCSeq:    req.CSeq().Seq,
		remoteCSeqSet: true,
	}

	rrs := req.RecordRoutes()
	dlg.routeSet = make([]*sip.NameAddr, len(rrs))
	for i, rr := range rrs {
		dlg.routeSet[i] = rr.Clone()
	}

	if contact := req.Contact(); contact != nil {
		dlg.remoteTarget = contact.Uri.Clone()
	} else {
		dlg.remoteTarget = req.From().Uri.Clone()
	}
	return dlg
}

// ID returns the dialog id.
func (dlg *Dialog) ID() sip.DialogID { return dlg.id }

// IsUAC reports whether we were the caller at dialog creation.
func (dlg *Dialog) IsUAC() bool { return dlg.isUAC }

// RemoteTarget returns the current remote target URI.
func (dlg *Dialog) RemoteTarget() *sip.Uri { return dlg.remoteTarget }

// SetContact sets the local contact used for in-dialog requests.
func (dlg *Dialog) SetContact(na *sip.NameAddr) { dlg.contact = na.Clone() }

// updateRemoteTarget follows a target refresh (re-INVITE/UPDATE Contact).
func (dlg *Dialog) updateRemoteTarget(msg sip.Message) {
	if contact := msg.Contact(); contact != nil {
		dlg.remoteTarget = contact.Uri.Clone()
	}
}

// NewRequest builds an in-dialog request per RFC 3261 section 12.2.1.1:
// request-URI from the remote target, stored route set, next local CSeq.
// The local CSeq is strictly monotone across calls.
func (dlg *Dialog) NewRequest(method sip.RequestMethod) (*sip.Request, error) {
	dlg.localCSeq++

	req, err := sip.NewRequest(method, dlg.requestURI(), dlg.localURI, dlg.remoteURI, dlg.id.CallID, dlg.localCSeq)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	req.SetRoutes(dlg.routes())
	if dlg.contact != nil {
		req.SetContact(dlg.contact)
	}
	req.PushVia(&sip.Via{Params: sip.Params{{Key: "branch", Value: sip.GenerateBranch()}}})
	return req, nil
}

// requestURI picks the request-URI: the remote target, unless a strict
// router heads the route set.
func (dlg *Dialog) requestURI() *sip.Uri {
	if len(dlg.routeSet) > 0 && !dlg.routeSet[0].Uri.IsLooseRouter() {
		return dlg.routeSet[0].Uri
	}
	return dlg.remoteTarget
}

func (dlg *Dialog) routes() []*sip.NameAddr {
	if len(dlg.routeSet) == 0 {
		return nil
	}
	if dlg.routeSet[0].Uri.IsLooseRouter() {
		return dlg.routeSet
	}
	// strict routing: the remote target goes last, the first route became
	// the request-URI
	routes := slices.Clone(dlg.routeSet[1:])
	return append(routes, &sip.NameAddr{Uri: dlg.remoteTarget.Clone()})
}

// CheckRemoteCSeq enforces that the remote CSeq never decreases for
// in-dialog requests. Out-of-order requests are rejected with 500 by the
// caller and do not advance state.
func (dlg *Dialog) CheckRemoteCSeq(req *sip.Request) error {
	seq := req.CSeq().Seq
	if dlg.remoteCSeqSet && seq < dlg.remoteCSeq {
		return errtrace.Wrap(ErrCSeqRegression)
	}
	dlg.remoteCSeq = seq
	dlg.remoteCSeqSet = true
	return nil
}

// LocalCSeq returns the last used local sequence number.
func (dlg *Dialog) LocalCSeq() uint32 { return dlg.localCSeq }

// RemoteCSeq returns the highest accepted remote sequence number.
func (dlg *Dialog) RemoteCSeq() uint32 { return dlg.remoteCSeq }

// LogValue implements [slog.LogValuer].
func (dlg *Dialog) LogValue() slog.Value {
	if dlg == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("id", dlg.id),
		slog.Bool("uac", dlg.isUAC),
		slog.Any("remote_target", dlg.remoteTarget),
	)
}
