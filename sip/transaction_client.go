package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/internal/types"
)

// ClientTransaction represents a SIP client transaction.
type ClientTransaction interface {
	Transaction
	// Key returns the transaction key.
	Key() ClientTransactionKey
	// MatchResponse checks whether the response matches the transaction.
	MatchResponse(res *Response) error
	// RecvResponse is called for each matched inbound response.
	RecvResponse(ctx context.Context, res *Response) error
	// OnResponse registers a callback for responses, including the
	// synthetic 408/503 the transaction generates itself.
	OnResponse(fn TransactionResponseHandler) (cancel func())
}

// TransactionResponseHandler receives responses passed up by a client transaction.
type TransactionResponseHandler = func(ctx context.Context, tx ClientTransaction, res *Response)

// ClientTransactionOptions contains options for a client transaction.
type ClientTransactionOptions struct {
	// Timings is the SIP timing config. Zero value uses RFC 3261 defaults.
	Timings TimingConfig
	// Log is the logger. If nil, [log.Default] is used.
	Log *slog.Logger
}

func (o *ClientTransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ClientTransactionOptions) log() *slog.Logger {
	if o == nil {
		return nil
	}
	return o.Log
}

type clientTransact struct {
	*baseTransact
	key     ClientTransactionKey
	sender  RequestSender
	req     *Request
	lastRes atomic.Pointer[Response]

	onRes       types.CallbackManager[TransactionResponseHandler]
	pendingRess types.Deque[*Response]
}

func newClientTransact(typ TransactionType, impl ClientTransaction, req *Request, sender RequestSender, opts *ClientTransactionOptions) (*clientTransact, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if sender == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request sender"))
	}

	var key ClientTransactionKey
	if err := key.FillFromMessage(req); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}

	tx := &clientTransact{key: key, sender: sender, req: req}
	tx.baseTransact = newBaseTransact(typ, impl, opts.timings(), opts.log())
	return tx, nil
}

func (tx *clientTransact) initFSM(start TransactionState) {
	tx.baseTransact.initFSM(start)
	tx.fsm.SetTriggerParameters(txEvtRecv1xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecv2xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecv300699, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtTranspErr, reflect.TypeOf((*error)(nil)).Elem())
}

// Key returns the transaction key.
func (tx *clientTransact) Key() ClientTransactionKey { return tx.key }

// Request returns the request that created the transaction.
func (tx *clientTransact) Request() *Request { return tx.req }

// LastResponse returns the last response received by the transaction.
func (tx *clientTransact) LastResponse() *Response { return tx.lastRes.Load() }

// MatchResponse checks the RFC 3261 section 17.1.3 matching rules.
func (tx *clientTransact) MatchResponse(res *Response) error {
	var resKey ClientTransactionKey
	if err := resKey.FillFromMessage(res); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !tx.key.Equal(resKey) {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}
	return nil
}

// RecvResponse is called for each matched inbound response.
func (tx *clientTransact) RecvResponse(ctx context.Context, res *Response) error {
	if err := tx.MatchResponse(res); err != nil {
		return errtrace.Wrap(err)
	}

	switch {
	case res.Status().IsProvisional():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv1xx, res))
	case res.Status().IsSuccess():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv2xx, res))
	default:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv300699, res))
	}
}

func (tx *clientTransact) sendReq(ctx context.Context, req *Request) {
	if err := tx.sender.SendRequest(ctx, req); err != nil {
		err = fmt.Errorf("send %q request: %w", req.Method(), err)
		if err := tx.fsm.FireCtx(ctx, txEvtTranspErr, err); err != nil {
			panic(fmt.Errorf("fire %q in state %q: %w", txEvtTranspErr, tx.State(), err))
		}
	}
}

func (tx *clientTransact) reliable() bool { return tx.req.Transport().Reliable() }

func (tx *clientTransact) actSendReq(ctx context.Context, _ ...any) error {
	tx.logger.LogAttrs(ctx, slog.LevelDebug, "send request",
		slog.Any("transaction", tx.impl), slog.Any("request", tx.req))

	tx.sendReq(ctx, tx.req)
	return nil
}

func (tx *clientTransact) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)

	tx.logger.LogAttrs(ctx, slog.LevelDebug, "pass response",
		slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.pendingRess.Append(res)
	if tx.onRes.Len() > 0 {
		tx.deliverPendingRess()
	}
	return nil
}

func (tx *clientTransact) deliverPendingRess() {
	resps := tx.pendingRess.Drain()
	if len(resps) == 0 {
		return
	}
	tx.onRes.Range(func(fn TransactionResponseHandler) {
		for _, res := range resps {
			fn(tx.ctx, tx.impl.(ClientTransaction), res) //nolint:forcetypeassert
		}
	})
}

// actTranspErr synthesizes a 503 for the TU, per the transport failure model.
func (tx *clientTransact) actTranspErr(ctx context.Context, args ...any) error {
	var cause error
	if len(args) > 0 {
		cause, _ = args[0].(error)
	}
	tx.logger.LogAttrs(ctx, slog.LevelWarn, "transaction transport error",
		slog.Any("transaction", tx.impl), slog.Any("error", cause))

	return errtrace.Wrap(tx.actPassRes(ctx, newSyntheticResponse(tx.req, StatusServiceUnavailable)))
}

// actTimedOut synthesizes a 408 for the TU, per timer B/F expiry.
func (tx *clientTransact) actTimedOut(ctx context.Context, _ ...any) error {
	tx.logger.LogAttrs(ctx, slog.LevelWarn, "transaction timed out",
		slog.Any("transaction", tx.impl))

	return errtrace.Wrap(tx.actPassRes(ctx, newSyntheticResponse(tx.req, StatusRequestTimeout)))
}

// TransportError feeds a transport failure into the transaction, e.g.
// when the stream connection carrying it is torn down.
func (tx *clientTransact) TransportError(err error) {
	if fireErr := tx.fsm.FireCtx(tx.ctx, txEvtTranspErr, err); fireErr != nil {
		tx.Terminate()
	}
}

// OnResponse registers a callback for responses. Responses received
// before registration are delivered immediately.
func (tx *clientTransact) OnResponse(fn TransactionResponseHandler) (cancel func()) {
	cancel = tx.onRes.Add(fn)
	tx.deliverPendingRess()
	return cancel
}
