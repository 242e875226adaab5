package dum

import (
	"log/slog"

	"github.com/halcyontel/converge/sip"
)

// DialogSet groups the sibling dialogs of one request: all dialogs
// sharing Call-ID and local tag, i.e. the forks of an INVITE. The set
// has sole ownership of its dialogs and the usages hosted on them;
// usages are addressed by numeric id.
type DialogSet struct {
	id  sip.DialogSetID
	dum *DialogUsageManager

	// request is the out-of-dialog request that created the set (UAC).
	request *sip.Request

	dialogs map[string]*Dialog // keyed by remote tag
	order   []string

	usages      map[int]Usage
	nextUsageID int

	// authRetried marks that the original request was already re-sent
	// with credentials; a second challenge is final.
	authRetried bool
}

func newDialogSet(dum *DialogUsageManager, id sip.DialogSetID, req *sip.Request) *DialogSet {
	return &DialogSet{
		id:      id,
		dum:     dum,
		request: req,
		dialogs: make(map[string]*Dialog),
		usages:  make(map[int]Usage),
	}
}

// ID returns the dialog set id.
func (ds *DialogSet) ID() sip.DialogSetID { return ds.id }

// Request returns the request that created the set.
func (ds *DialogSet) Request() *sip.Request { return ds.request }

// Dialogs returns the member dialogs in creation order.
func (ds *DialogSet) Dialogs() []*Dialog {
	out := make([]*Dialog, 0, len(ds.order))
	for _, tag := range ds.order {
		if dlg, ok := ds.dialogs[tag]; ok {
			out = append(out, dlg)
		}
	}
	return out
}

// Size returns the number of member dialogs.
func (ds *DialogSet) Size() int { return len(ds.dialogs) }

func (ds *DialogSet) dialogByRemoteTag(tag string) (*Dialog, bool) {
	dlg, ok := ds.dialogs[tag]
	return dlg, ok
}

func (ds *DialogSet) addDialog(dlg *Dialog) {
	if _, ok := ds.dialogs[dlg.id.RemoteTag]; !ok {
		ds.order = append(ds.order, dlg.id.RemoteTag)
	}
	ds.dialogs[dlg.id.RemoteTag] = dlg
	ds.dum.dialogs[dlg.id] = dlg
}

func (ds *DialogSet) removeDialog(dlg *Dialog) {
	delete(ds.dialogs, dlg.id.RemoteTag)
	delete(ds.dum.dialogs, dlg.id)
	if len(ds.dialogs) == 0 {
		ds.dum.removeDialogSet(ds)
	}
}

// addUsage attaches a usage and returns its id within the set.
func (ds *DialogSet) addUsage(u Usage) int {
	ds.nextUsageID++
	ds.usages[ds.nextUsageID] = u
	return ds.nextUsageID
}

func (ds *DialogSet) removeUsage(id int) {
	delete(ds.usages, id)
}

// usagesOn returns the usages hosted on the dialog.
func (ds *DialogSet) usagesOn(dlg *Dialog) []Usage {
	var out []Usage
	for _, u := range ds.usages {
		if u.Dialog() == dlg {
			out = append(out, u)
		}
	}
	return out
}

// LogValue implements [slog.LogValuer].
func (ds *DialogSet) LogValue() slog.Value {
	if ds == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("call_id", ds.id.CallID),
		slog.String("local_tag", ds.id.LocalTag),
		slog.Int("dialogs", len(ds.dialogs)),
	)
}

// Usage is a long-lived SIP interaction hosted on a dialog.
type Usage interface {
	// Dialog returns the dialog the usage is attached to, nil before one exists.
	Dialog() *Dialog
	// recvRequest handles an in-dialog request addressed to the usage.
	recvRequest(tx sip.ServerTransaction, req *sip.Request)
	// end releases the usage.
	end(reason TerminatedReason)
}
