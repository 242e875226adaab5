package sip

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/internal/timeutil"
)

// NonInviteClientTransaction implements the non-INVITE client transaction
// state machine of RFC 3261 section 17.1.2.
type NonInviteClientTransaction struct {
	*clientTransact

	tmrE atomic.Pointer[timeutil.Timer]
	tmrF atomic.Pointer[timeutil.Timer]
	tmrK atomic.Pointer[timeutil.Timer]
}

const (
	txEvtTimerE = "timer_e"
	txEvtTimerF = "timer_f"
	txEvtTimerK = "timer_k"
)

// NewNonInviteClientTransaction creates the transaction, sends the
// request and starts its state machine in the Trying state.
func NewNonInviteClientTransaction(req *Request, sender RequestSender, opts *ClientTransactionOptions) (*NonInviteClientTransaction, error) {
	switch {
	case req.Method().Equal(RequestMethodInvite), req.Method().Equal(RequestMethodAck):
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(NonInviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientNonInvite, tx, req, sender, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx

	tx.initFSM(TransactionStateTrying)
	if err := tx.actTrying(tx.ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

func (tx *NonInviteClientTransaction) initFSM(start TransactionState) {
	tx.clientTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtTimerE, tx.actRetransmit).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerE, tx.actRetransmit).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actNoop).
		InternalTransition(txEvtRecv2xx, tx.actNoop).
		InternalTransition(txEvtRecv300699, tx.actNoop).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerF, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr)
}

func (tx *NonInviteClientTransaction) actNoop(context.Context, ...any) error { return nil }

func (tx *NonInviteClientTransaction) actTrying(ctx context.Context, _ ...any) error {
	tx.actSendReq(ctx) //nolint:errcheck

	if !tx.reliable() {
		tmr := timeutil.AfterFunc(tx.timings.TimeE(), tx.onTimerE)
		tx.tmrE.Store(tmr)

		tx.logger.LogAttrs(ctx, slog.LevelDebug, "timer E started",
			slog.Any("transaction", tx),
			slog.Time("expires_at", time.Now().Add(tmr.Left())),
		)
	}

	tmr := timeutil.AfterFunc(tx.timings.TimeF(), tx.onTimerF)
	tx.tmrF.Store(tmr)

	tx.logger.LogAttrs(ctx, slog.LevelDebug, "timer F started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)
	return nil
}

func (tx *NonInviteClientTransaction) actRetransmit(ctx context.Context, _ ...any) error {
	tx.actSendReq(ctx) //nolint:errcheck
	return nil
}

func (tx *NonInviteClientTransaction) onTimerE() {
	tx.logger.LogAttrs(tx.ctx, slog.LevelDebug, "timer E expired", slog.Any("transaction", tx))

	st := tx.State()
	if st != TransactionStateTrying && st != TransactionStateProceeding {
		tx.tmrE.Store(nil)
		return
	}

	tx.fireTimer(txEvtTimerE, st)

	// retransmit interval doubles up to the T2 cap (section 17.1.2.2)
	if tmr := tx.tmrE.Load(); tmr != nil {
		tmr.Reset(min(2*tmr.Duration(), tx.timings.T2()))
	}
}

func (tx *NonInviteClientTransaction) onTimerF() {
	tx.logger.LogAttrs(tx.ctx, slog.LevelDebug, "timer F expired", slog.Any("transaction", tx))

	tx.tmrF.Store(nil)
	if st := tx.State(); st == TransactionStateTrying || st == TransactionStateProceeding {
		tx.fireTimer(txEvtTimerF, st)
	}
}

func (tx *NonInviteClientTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, &tx.tmrE, "timer E")
	tx.stopTimer(ctx, &tx.tmrF, "timer F")

	var timeK time.Duration
	if !tx.reliable() {
		timeK = tx.timings.TimeK()
	}
	tmr := timeutil.AfterFunc(timeK, tx.onTimerK)
	tx.tmrK.Store(tmr)

	tx.logger.LogAttrs(ctx, slog.LevelDebug, "timer K started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)
	return nil
}

func (tx *NonInviteClientTransaction) onTimerK() {
	tx.logger.LogAttrs(tx.ctx, slog.LevelDebug, "timer K expired", slog.Any("transaction", tx))

	tx.tmrK.Store(nil)
	tx.fireTimer(txEvtTimerK, TransactionStateCompleted)
}

func (tx *NonInviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmrE, "timer E")
	tx.stopTimer(ctx, &tx.tmrF, "timer F")
	tx.stopTimer(ctx, &tx.tmrK, "timer K")
	return errtrace.Wrap(tx.baseTransact.actTerminated(ctx, args...))
}

func (tx *NonInviteClientTransaction) stopTimer(ctx context.Context, p *atomic.Pointer[timeutil.Timer], name string) {
	if tmr := p.Swap(nil); tmr != nil && tmr.Stop() {
		tx.logger.LogAttrs(ctx, slog.LevelDebug, name+" stopped", slog.Any("transaction", tx))
	}
}

var _ ClientTransaction = (*NonInviteClientTransaction)(nil)
