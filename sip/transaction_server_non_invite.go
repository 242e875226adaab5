package sip

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/internal/timeutil"
)

// NonInviteServerTransaction implements the non-INVITE server transaction
// state machine of RFC 3261 section 17.2.2.
type NonInviteServerTransaction struct {
	*serverTransact

	tmrJ atomic.Pointer[timeutil.Timer]
}

const txEvtTimerJ = "timer_j"

// NewNonInviteServerTransaction creates the transaction and starts its
// state machine in the Trying state.
func NewNonInviteServerTransaction(req *Request, sender ResponseSender, opts *ServerTransactionOptions) (*NonInviteServerTransaction, error) {
	switch {
	case req.Method().Equal(RequestMethodInvite), req.Method().Equal(RequestMethodAck):
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(NonInviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerNonInvite, tx, req, sender, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx

	tx.initFSM(TransactionStateTrying)
	return tx, nil
}

func (tx *NonInviteServerTransaction) initFSM(start TransactionState) {
	tx.serverTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Permit(txEvtTimerJ, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated)
}

func (tx *NonInviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	var timeJ time.Duration
	if !tx.req.Transport().Reliable() {
		timeJ = tx.timings.TimeJ()
	}
	tmr := timeutil.AfterFunc(timeJ, tx.onTimerJ)
	tx.tmrJ.Store(tmr)

	tx.logger.LogAttrs(ctx, slog.LevelDebug, "timer J started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)
	return nil
}

func (tx *NonInviteServerTransaction) onTimerJ() {
	tx.logger.LogAttrs(tx.ctx, slog.LevelDebug, "timer J expired", slog.Any("transaction", tx))

	tx.tmrJ.Store(nil)
	tx.fireTimer(txEvtTimerJ, TransactionStateCompleted)
}

func (tx *NonInviteServerTransaction) actTerminated(ctx context.Context, args ...any) error {
	if tmr := tx.tmrJ.Swap(nil); tmr != nil && tmr.Stop() {
		tx.logger.LogAttrs(ctx, slog.LevelDebug, "timer J stopped", slog.Any("transaction", tx))
	}
	return errtrace.Wrap(tx.baseTransact.actTerminated(ctx, args...))
}

var _ ServerTransaction = (*NonInviteServerTransaction)(nil)
