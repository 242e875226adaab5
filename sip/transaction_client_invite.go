package sip

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/internal/timeutil"
)

// InviteClientTransaction implements the INVITE client transaction state
// machine of RFC 3261 section 17.1.1 with the Accepted state of RFC 6026.
type InviteClientTransaction struct {
	*clientTransact

	tmrA atomic.Pointer[timeutil.Timer]
	tmrB atomic.Pointer[timeutil.Timer]
	tmrD atomic.Pointer[timeutil.Timer]
	tmrM atomic.Pointer[timeutil.Timer]

	ack atomic.Pointer[Request]
}

const (
	txEvtTimerA = "timer_a"
	txEvtTimerB = "timer_b"
	txEvtTimerD = "timer_d"
	txEvtTimerM = "timer_m"
)

// NewInviteClientTransaction creates the transaction, sends the INVITE
// and starts its state machine in the Calling state.
func NewInviteClientTransaction(req *Request, sender RequestSender, opts *ClientTransactionOptions) (*InviteClientTransaction, error) {
	if !req.Method().Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(InviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientInvite, tx, req, sender, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx

	tx.initFSM(TransactionStateCalling)
	if err := tx.actCalling(tx.ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

func (tx *InviteClientTransaction) initFSM(start TransactionState) {
	tx.clientTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateCalling).
		InternalTransition(txEvtTimerA, tx.actRetransmit).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		InternalTransition(txEvtRecv2xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actNoop).
		Permit(txEvtTimerM, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actFinalRejected).
		InternalTransition(txEvtRecv300699, tx.actSendAck).
		InternalTransition(txEvtRecv1xx, tx.actNoop).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerB, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr)
}

func (tx *InviteClientTransaction) actNoop(context.Context, ...any) error { return nil }

func (tx *InviteClientTransaction) actCalling(ctx context.Context, _ ...any) error {
	tx.actSendReq(ctx) //nolint:errcheck

	if !tx.reliable() {
		tmr := timeutil.AfterFunc(tx.timings.TimeA(), tx.onTimerA)
		tx.tmrA.Store(tmr)

		tx.logger.LogAttrs(ctx, slog.LevelDebug, "timer A started",
			slog.Any("transaction", tx),
			slog.Time("expires_at", time.Now().Add(tmr.Left())),
		)
	}

	tmr := timeutil.AfterFunc(tx.timings.TimeB(), tx.onTimerB)
	tx.tmrB.Store(tmr)

	tx.logger.LogAttrs(ctx, slog.LevelDebug, "timer B started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)
	return nil
}

func (tx *InviteClientTransaction) actRetransmit(ctx context.Context, _ ...any) error {
	tx.actSendReq(ctx) //nolint:errcheck
	return nil
}

func (tx *InviteClientTransaction) onTimerA() {
	tx.logger.LogAttrs(tx.ctx, slog.LevelDebug, "timer A expired", slog.Any("transaction", tx))

	if tx.State() != TransactionStateCalling {
		tx.tmrA.Store(nil)
		return
	}

	tx.fireTimer(txEvtTimerA, TransactionStateCalling)

	// INVITE retransmit interval doubles without the T2 cap (section 17.1.1.2).
	if tmr := tx.tmrA.Load(); tmr != nil {
		tmr.Reset(2 * tmr.Duration())
	}
}

func (tx *InviteClientTransaction) onTimerB() {
	tx.logger.LogAttrs(tx.ctx, slog.LevelDebug, "timer B expired", slog.Any("transaction", tx))

	tx.tmrB.Store(nil)
	if st := tx.State(); st == TransactionStateCalling || st == TransactionStateProceeding {
		tx.fireTimer(txEvtTimerB, st)
	}
}

func (tx *InviteClientTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, &tx.tmrA, "timer A")
	tx.stopTimer(ctx, &tx.tmrB, "timer B")

	tmr := timeutil.AfterFunc(tx.timings.TimeM(), tx.onTimerM)
	tx.tmrM.Store(tmr)

	tx.logger.LogAttrs(ctx, slog.LevelDebug, "timer M started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)
	return nil
}

func (tx *InviteClientTransaction) onTimerM() {
	tx.logger.LogAttrs(tx.ctx, slog.LevelDebug, "timer M expired", slog.Any("transaction", tx))

	tx.tmrM.Store(nil)
	tx.fireTimer(txEvtTimerM, TransactionStateAccepted)
}

// actFinalRejected passes the 300-699 up and ACKs it (section 17.1.1.3).
func (tx *InviteClientTransaction) actFinalRejected(ctx context.Context, args ...any) error {
	tx.actPassRes(ctx, args...) //nolint:errcheck
	return errtrace.Wrap(tx.actSendAck(ctx, args...))
}

// actSendAck acknowledges a non-2xx final response.
func (tx *InviteClientTransaction) actSendAck(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert

	ack := tx.ack.Load()
	if ack == nil {
		var err error
		ack, err = tx.req.NewAck(res, tx.req.Contact())
		if err != nil {
			return errtrace.Wrap(err)
		}
		// non-2xx ACK stays inside the transaction: same branch (section 17.1.1.3)
		ack.PushVia(tx.req.Via())
		tx.ack.Store(ack)
	}

	tx.logger.LogAttrs(ctx, slog.LevelDebug, "send ACK", slog.Any("transaction", tx), slog.Any("ack", ack))

	tx.sendReq(ctx, ack)
	return nil
}

func (tx *InviteClientTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, &tx.tmrA, "timer A")
	tx.stopTimer(ctx, &tx.tmrB, "timer B")

	var timeD time.Duration
	if !tx.reliable() {
		timeD = tx.timings.TimeD()
	}
	tmr := timeutil.AfterFunc(timeD, tx.onTimerD)
	tx.tmrD.Store(tmr)

	tx.logger.LogAttrs(ctx, slog.LevelDebug, "timer D started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)
	return nil
}

func (tx *InviteClientTransaction) onTimerD() {
	tx.logger.LogAttrs(tx.ctx, slog.LevelDebug, "timer D expired", slog.Any("transaction", tx))

	tx.tmrD.Store(nil)
	tx.fireTimer(txEvtTimerD, TransactionStateCompleted)
}

func (tx *InviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmrA, "timer A")
	tx.stopTimer(ctx, &tx.tmrB, "timer B")
	tx.stopTimer(ctx, &tx.tmrD, "timer D")
	tx.stopTimer(ctx, &tx.tmrM, "timer M")
	return errtrace.Wrap(tx.baseTransact.actTerminated(ctx, args...))
}

func (tx *InviteClientTransaction) stopTimer(ctx context.Context, p *atomic.Pointer[timeutil.Timer], name string) {
	if tmr := p.Swap(nil); tmr != nil && tmr.Stop() {
		tx.logger.LogAttrs(ctx, slog.LevelDebug, name+" stopped", slog.Any("transaction", tx))
	}
}

var _ ClientTransaction = (*InviteClientTransaction)(nil)
