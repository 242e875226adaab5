package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"

	"braces.dev/errtrace"
)

// ServerTransaction represents a SIP server transaction.
type ServerTransaction interface {
	Transaction
	// Key returns the transaction key.
	Key() ServerTransactionKey
	// LastResponse returns the last response sent by the transaction.
	LastResponse() *Response
	// MatchRequest checks whether the request matches the transaction.
	MatchRequest(req *Request) error
	// RecvRequest absorbs request retransmits and, for INVITE, the ACK.
	RecvRequest(ctx context.Context, req *Request) error
	// Respond sends a response through the transaction.
	Respond(ctx context.Context, res *Response) error
}

// ServerTransactionOptions contains options for a server transaction.
type ServerTransactionOptions struct {
	// Timings is the SIP timing config. Zero value uses RFC 3261 defaults.
	Timings TimingConfig
	// Log is the logger. If nil, [log.Default] is used.
	Log *slog.Logger
}

func (o *ServerTransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ServerTransactionOptions) log() *slog.Logger {
	if o == nil {
		return nil
	}
	return o.Log
}

type serverTransact struct {
	*baseTransact
	key     ServerTransactionKey
	sender  ResponseSender
	req     *Request
	lastRes atomic.Pointer[Response]
}

func newServerTransact(typ TransactionType, impl ServerTransaction, req *Request, sender ResponseSender, opts *ServerTransactionOptions) (*serverTransact, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if sender == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid response sender"))
	}

	var key ServerTransactionKey
	if err := key.FillFromMessage(req); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}

	tx := &serverTransact{key: key, sender: sender, req: req}
	tx.baseTransact = newBaseTransact(typ, impl, opts.timings(), opts.log())
	return tx, nil
}

func (tx *serverTransact) initFSM(start TransactionState) {
	tx.baseTransact.initFSM(start)
	tx.fsm.SetTriggerParameters(txEvtRecvReq, reflect.TypeOf((*Request)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecvAck, reflect.TypeOf((*Request)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend1xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend2xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtSend300699, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtTranspErr, reflect.TypeOf((*error)(nil)).Elem())
}

// Key returns the transaction key.
func (tx *serverTransact) Key() ServerTransactionKey { return tx.key }

// Request returns the request that created the transaction.
func (tx *serverTransact) Request() *Request { return tx.req }

// LastResponse returns the last response sent by the transaction.
func (tx *serverTransact) LastResponse() *Response { return tx.lastRes.Load() }

// MatchRequest checks the RFC 3261 section 17.2.3 matching rules.
func (tx *serverTransact) MatchRequest(req *Request) error {
	var reqKey ServerTransactionKey
	if err := reqKey.FillFromMessage(req); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !tx.key.Equal(reqKey) {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}
	return nil
}

// RecvRequest absorbs request retransmits.
func (tx *serverTransact) RecvRequest(ctx context.Context, req *Request) error {
	if err := tx.MatchRequest(req); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecvReq, req))
}

// Respond sends a response through the transaction.
func (tx *serverTransact) Respond(ctx context.Context, res *Response) error {
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	switch {
	case res.Status().IsProvisional():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend1xx, res))
	case res.Status().IsSuccess():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend2xx, res))
	default:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend300699, res))
	}
}

func (tx *serverTransact) sendRes(ctx context.Context, res *Response) {
	if err := tx.sender.SendResponse(ctx, res); err != nil {
		err = fmt.Errorf("send %d response: %w", res.Status(), err)
		if err := tx.fsm.FireCtx(ctx, txEvtTranspErr, err); err != nil {
			panic(fmt.Errorf("fire %q in state %q: %w", txEvtTranspErr, tx.State(), err))
		}
	}
}

func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)

	tx.logger.LogAttrs(ctx, slog.LevelDebug, "send response",
		slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.sendRes(ctx, res)
	return nil
}

// actResendRes answers a retransmitted request with the last response.
func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	res := tx.lastRes.Load()
	if res == nil {
		return nil
	}

	tx.logger.LogAttrs(ctx, slog.LevelDebug, "resend response",
		slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.sendRes(ctx, res)
	return nil
}

func (tx *serverTransact) actTranspErr(ctx context.Context, args ...any) error {
	var cause error
	if len(args) > 0 {
		cause, _ = args[0].(error)
	}
	tx.logger.LogAttrs(ctx, slog.LevelWarn, "transaction transport error",
		slog.Any("transaction", tx.impl), slog.Any("error", cause))
	return nil
}

func (tx *serverTransact) actNoop(context.Context, ...any) error { return nil }
