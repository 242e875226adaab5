package sip

import (
	"fmt"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/internal/util"
)

// ClientTransactionKey matches responses to the request that created the
// transaction (RFC 3261 section 17.1.3): top Via branch plus CSeq method.
type ClientTransactionKey struct {
	Branch string
	Method string
}


// FillFromMessage populates the key fields from the given message.
func (k *ClientTransactionKey) FillFromMessage(msg Message) error {
	if msg == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid message"))
	}
	if err := msg.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	k.Branch = msg.Via().Branch()
	k.Method = util.UCase(string(msg.CSeq().Method))
	return nil
}

// Equal checks whether the key is equal to another key.
func (k ClientTransactionKey) Equal(other ClientTransactionKey) bool {
	return k.Branch == other.Branch && util.EqFold(k.Method, other.Method)
}

// IsValid checks whether the key is valid.
func (k ClientTransactionKey) IsValid() bool { return k.Branch != "" && k.Method != "" }

func (k ClientTransactionKey) String() string { return k.Branch + "|" + k.Method }

// LogValue implements [slog.LogValuer].
func (k ClientTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("branch", k.Branch),
		slog.String("method", k.Method),
	)
}

// ServerTransactionKey matches requests to an existing server transaction
// (RFC 3261 section 17.2.3): top Via branch, sent-by and method, where
// ACK matches the INVITE and CANCEL matches its target transaction.
type ServerTransactionKey struct {
	Branch string
	SentBy string
	Method string
}


// FillFromMessage populates the key fields from the given request.
// ACK folds onto the INVITE transaction it belongs to; CANCEL keeps its
// own key and is matched to its target separately (RFC 3261 section 9.2).
func (k *ServerTransactionKey) FillFromMessage(msg Message) error {
	if msg == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid message"))
	}
	if err := msg.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	req, ok := msg.(*Request)
	if !ok {
		return errtrace.Wrap(NewInvalidArgumentError("not a request"))
	}

	via := req.Via()
	k.Branch = via.Branch()
	k.SentBy = via.SentBy()

	method := req.Method()
	if method.Equal(RequestMethodAck) {
		method = RequestMethodInvite
	}
	k.Method = util.UCase(string(method))
	return nil
}

// TargetOfCancel returns the key of the transaction a CANCEL targets.
func (k ServerTransactionKey) TargetOfCancel() ServerTransactionKey {
	out := k
	out.Method = string(RequestMethodInvite)
	return out
}

// Equal checks whether the key is equal to another key.
func (k ServerTransactionKey) Equal(other ServerTransactionKey) bool {
	return k.Branch == other.Branch &&
		util.EqFold(k.SentBy, other.SentBy) &&
		util.EqFold(k.Method, other.Method)
}

// IsValid checks whether the key is valid.
func (k ServerTransactionKey) IsValid() bool { return k.Branch != "" && k.Method != "" }

func (k ServerTransactionKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Branch, k.SentBy, k.Method)
}

// LogValue implements [slog.LogValuer].
func (k ServerTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("branch", k.Branch),
		slog.String("sent_by", k.SentBy),
		slog.String("method", k.Method),
	)
}

// DialogID identifies a dialog: Call-ID plus local and remote tags.
type DialogID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// MakeDialogID derives the dialog id from a message. With asUAS the local
// tag is To's and the remote tag From's (the view of a received request);
// otherwise local is From and remote is To. The message type is not
// consulted.
func MakeDialogID(msg Message, asUAS bool) DialogID {
	var local, remote string
	if asUAS {
		local, remote = msg.To().Tag(), msg.From().Tag()
	} else {
		local, remote = msg.From().Tag(), msg.To().Tag()
	}
	return DialogID{CallID: msg.CallID(), LocalTag: local, RemoteTag: remote}
}

// IsConfirmed reports whether both tags are present.
func (id DialogID) IsConfirmed() bool {
	return id.CallID != "" && id.LocalTag != "" && id.RemoteTag != ""
}

func (id DialogID) String() string {
	return id.CallID + "__" + id.LocalTag + "__" + id.RemoteTag
}

// LogValue implements [slog.LogValuer].
func (id DialogID) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", id.CallID),
		slog.String("local_tag", id.LocalTag),
		slog.String("remote_tag", id.RemoteTag),
	)
}

// DialogSetID identifies the siblings of a forked request:
// Call-ID plus the local tag only.
type DialogSetID struct {
	CallID   string
	LocalTag string
}

func (id DialogSetID) String() string { return id.CallID + "__" + id.LocalTag }

// SetID returns the dialog-set id of the dialog id.
func (id DialogID) SetID() DialogSetID {
	return DialogSetID{CallID: id.CallID, LocalTag: id.LocalTag}
}
