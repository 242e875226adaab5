package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/internal/timeutil"
	"github.com/halcyontel/converge/internal/types"
)

// InviteServerTransaction implements the INVITE server transaction state
// machine of RFC 3261 section 17.2.1 with the Accepted state of RFC 6026.
type InviteServerTransaction struct {
	*serverTransact

	tmr1xx atomic.Pointer[timeutil.Timer]
	tmrG   atomic.Pointer[timeutil.Timer]
	tmrH   atomic.Pointer[timeutil.Timer]
	tmrI   atomic.Pointer[timeutil.Timer]
	tmrL   atomic.Pointer[timeutil.Timer]

	onAck       types.CallbackManager[func(ctx context.Context, ack *Request)]
	pendingAcks types.Deque[*Request]
}

const (
	txEvtTimer1xx = "timer_1xx"
	txEvtTimerG   = "timer_g"
	txEvtTimerH   = "timer_h"
	txEvtTimerI   = "timer_i"
	txEvtTimerL   = "timer_l"
)

// NewInviteServerTransaction creates the transaction and starts its state
// machine in the Proceeding state. An automatic 100 Trying goes out if
// the TU sends nothing within Time100.
func NewInviteServerTransaction(req *Request, sender ResponseSender, opts *ServerTransactionOptions) (*InviteServerTransaction, error) {
	if !req.Method().Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(InviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerInvite, tx, req, sender, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx

	tx.initFSM(TransactionStateProceeding)
	if err := tx.actProceeding(tx.ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

func (tx *InviteServerTransaction) initFSM(start TransactionState) {
	tx.serverTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtTimer1xx, tx.actSend100).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Permit(txEvtSend2xx, TransactionStateAccepted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		InternalTransition(txEvtRecvAck, tx.actPassAck).
		InternalTransition(txEvtSend2xx, tx.actSendRes).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Permit(txEvtTimerL, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTimerG, tx.actResendRes).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntry(tx.actConfirmed).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		InternalTransition(txEvtRecvAck, tx.actNoop).
		Permit(txEvtTimerI, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated)
}

//nolint:unparam
func (tx *InviteServerTransaction) actProceeding(ctx context.Context, _ ...any) error {
	tmr := timeutil.AfterFunc(tx.timings.Time100(), tx.onTimer1xx)
	tx.tmr1xx.Store(tmr)

	tx.logger.LogAttrs(ctx, slog.LevelDebug, "1xx timer started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)
	return nil
}

func (tx *InviteServerTransaction) onTimer1xx() {
	tx.logger.LogAttrs(tx.ctx, slog.LevelDebug, "1xx timer expired", slog.Any("transaction", tx))

	tx.tmr1xx.Store(nil)
	if tx.State() != TransactionStateProceeding || tx.LastResponse() != nil {
		return
	}
	tx.fireTimer(txEvtTimer1xx, TransactionStateProceeding)
}

func (tx *InviteServerTransaction) actSend100(ctx context.Context, _ ...any) error {
	res, err := tx.req.NewResponse(StatusTrying, "")
	if err != nil {
		// the stored request is always valid
		panic(fmt.Errorf("create auto %d response: %w", StatusTrying, err))
	}

	tx.logger.LogAttrs(ctx, slog.LevelDebug, "send auto 100",
		slog.Any("transaction", tx), slog.Any("response", res))

	return errtrace.Wrap(tx.actSendRes(ctx, res))
}

func (tx *InviteServerTransaction) actSendRes(ctx context.Context, args ...any) error {
	if tmr := tx.tmr1xx.Swap(nil); tmr != nil && tmr.Stop() {
		tx.logger.LogAttrs(ctx, slog.LevelDebug, "1xx timer stopped", slog.Any("transaction", tx))
	}
	return errtrace.Wrap(tx.serverTransact.actSendRes(ctx, args...))
}

// RecvRequest absorbs INVITE retransmits and routes the ACK.
func (tx *InviteServerTransaction) RecvRequest(ctx context.Context, req *Request) error {
	if err := tx.MatchRequest(req); err != nil {
		return errtrace.Wrap(err)
	}
	if req.Method().Equal(RequestMethodAck) {
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecvAck, req))
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecvReq, req))
}

func (tx *InviteServerTransaction) actPassAck(ctx context.Context, args ...any) error {
	ack := args[0].(*Request) //nolint:forcetypeassert

	tx.logger.LogAttrs(ctx, slog.LevelDebug, "pass ACK", slog.Any("transaction", tx), slog.Any("ack", ack))

	tx.pendingAcks.Append(ack)
	if tx.onAck.Len() > 0 {
		tx.deliverPendingAcks()
	}
	return nil
}

func (tx *InviteServerTransaction) deliverPendingAcks() {
	acks := tx.pendingAcks.Drain()
	if len(acks) == 0 {
		return
	}
	tx.onAck.Range(func(fn func(ctx context.Context, ack *Request)) {
		for _, ack := range acks {
			fn(tx.ctx, ack)
		}
	})
}

// OnAck registers a callback for ACKs that match the transaction by the
// RFC 2543 fallback rules; a 2xx ACK with an RFC 3261 branch is always
// dispatched outside the transaction.
func (tx *InviteServerTransaction) OnAck(fn func(ctx context.Context, ack *Request)) (cancel func()) {
	cancel = tx.onAck.Add(fn)
	tx.deliverPendingAcks()
	return cancel
}

func (tx *InviteServerTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.logger.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tmr := timeutil.AfterFunc(tx.timings.TimeL(), tx.onTimerL)
	tx.tmrL.Store(tmr)

	tx.logger.LogAttrs(ctx, slog.LevelDebug, "timer L started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)
	return nil
}

func (tx *InviteServerTransaction) onTimerL() {
	tx.logger.LogAttrs(tx.ctx, slog.LevelDebug, "timer L expired", slog.Any("transaction", tx))

	tx.tmrL.Store(nil)
	tx.fireTimer(txEvtTimerL, TransactionStateAccepted)
}

func (tx *InviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.logger.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	if !tx.req.Transport().Reliable() {
		tmr := timeutil.AfterFunc(tx.timings.TimeG(), tx.onTimerG)
		tx.tmrG.Store(tmr)

		tx.logger.LogAttrs(ctx, slog.LevelDebug, "timer G started",
			slog.Any("transaction", tx),
			slog.Time("expires_at", time.Now().Add(tmr.Left())),
		)
	}

	tmr := timeutil.AfterFunc(tx.timings.TimeH(), tx.onTimerH)
	tx.tmrH.Store(tmr)

	tx.logger.LogAttrs(ctx, slog.LevelDebug, "timer H started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)
	return nil
}

func (tx *InviteServerTransaction) onTimerG() {
	tx.logger.LogAttrs(tx.ctx, slog.LevelDebug, "timer G expired", slog.Any("transaction", tx))

	if tx.State() != TransactionStateCompleted {
		tx.tmrG.Store(nil)
		return
	}

	tx.fireTimer(txEvtTimerG, TransactionStateCompleted)

	if tmr := tx.tmrG.Load(); tmr != nil {
		tmr.Reset(min(2*tmr.Duration(), tx.timings.T2()))
	}
}

func (tx *InviteServerTransaction) onTimerH() {
	tx.logger.LogAttrs(tx.ctx, slog.LevelDebug, "timer H expired", slog.Any("transaction", tx))

	tx.tmrH.Store(nil)
	tx.fireTimer(txEvtTimerH, TransactionStateCompleted)
}

func (tx *InviteServerTransaction) actConfirmed(ctx context.Context, _ ...any) error {
	tx.logger.LogAttrs(ctx, slog.LevelDebug, "transaction confirmed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, &tx.tmrG, "timer G")
	tx.stopTimer(ctx, &tx.tmrH, "timer H")

	var timeI time.Duration
	if !tx.req.Transport().Reliable() {
		timeI = tx.timings.TimeI()
	}
	tmr := timeutil.AfterFunc(timeI, tx.onTimerI)
	tx.tmrI.Store(tmr)

	tx.logger.LogAttrs(ctx, slog.LevelDebug, "timer I started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)
	return nil
}

func (tx *InviteServerTransaction) onTimerI() {
	tx.logger.LogAttrs(tx.ctx, slog.LevelDebug, "timer I expired", slog.Any("transaction", tx))

	tx.tmrI.Store(nil)
	tx.fireTimer(txEvtTimerI, TransactionStateConfirmed)
}

func (tx *InviteServerTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmr1xx, "1xx timer")
	tx.stopTimer(ctx, &tx.tmrG, "timer G")
	tx.stopTimer(ctx, &tx.tmrH, "timer H")
	tx.stopTimer(ctx, &tx.tmrI, "timer I")
	tx.stopTimer(ctx, &tx.tmrL, "timer L")
	return errtrace.Wrap(tx.baseTransact.actTerminated(ctx, args...))
}

func (tx *InviteServerTransaction) stopTimer(ctx context.Context, p *atomic.Pointer[timeutil.Timer], name string) {
	if tmr := p.Swap(nil); tmr != nil && tmr.Stop() {
		tx.logger.LogAttrs(ctx, slog.LevelDebug, name+" stopped", slog.Any("transaction", tx))
	}
}

var _ ServerTransaction = (*InviteServerTransaction)(nil)
