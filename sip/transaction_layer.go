package sip

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"

	"braces.dev/errtrace"

	"github.com/halcyontel/converge/internal/types"
	"github.com/halcyontel/converge/log"
)

// TransactionLayerOptions are the options for a [TransactionLayer].
type TransactionLayerOptions struct {
	// Timings is the SIP timing config shared by all transactions.
	Timings TimingConfig
	// Stats records transaction statistics. Optional.
	Stats *StatsRecorder
	// Log is the logger. If nil, [log.Default] is used.
	Log *slog.Logger
}

func (o *TransactionLayerOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *TransactionLayerOptions) stats() *StatsRecorder {
	if o == nil {
		return nil
	}
	return o.Stats
}

func (o *TransactionLayerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// TransactionLayer creates, matches and destroys transactions. Every
// egress passes through it to get its transaction armed; every inbound
// message is matched to an existing transaction or creates a server one.
// The ACK for a 2xx never matches a transaction and is handed straight
// to the dialog layer.
type TransactionLayer struct {
	tpl     *TransportLayer
	timings TimingConfig
	stats   *StatsRecorder
	logger  *slog.Logger

	mu        sync.RWMutex
	clientTxs map[ClientTransactionKey]ClientTransaction
	serverTxs map[ServerTransactionKey]ServerTransaction
	closed    bool

	onReq    types.CallbackManager[func(ctx context.Context, tx ServerTransaction, req *Request)]
	onAck    types.CallbackManager[func(ctx context.Context, ack *Request)]
	onCancel types.CallbackManager[func(ctx context.Context, cancelTx, invTx ServerTransaction, cancel *Request)]

	cancels []func()
}

// NewTransactionLayer wires a transaction layer on top of the transport layer.
func NewTransactionLayer(tpl *TransportLayer, opts *TransactionLayerOptions) (*TransactionLayer, error) {
	if tpl == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport layer"))
	}

	txl := &TransactionLayer{
		tpl:       tpl,
		timings:   opts.timings(),
		stats:     opts.stats(),
		logger:    opts.log(),
		clientTxs: make(map[ClientTransactionKey]ClientTransaction),
		serverTxs: make(map[ServerTransactionKey]ServerTransaction),
	}
	txl.cancels = append(txl.cancels,
		tpl.OnRequest(txl.recvReq),
		tpl.OnResponse(txl.recvRes),
		tpl.OnDisconnect(txl.failConn),
	)
	return txl, nil
}

// OnRequest registers a handler for requests that created a new server
// transaction.
func (txl *TransactionLayer) OnRequest(fn func(ctx context.Context, tx ServerTransaction, req *Request)) (cancel func()) {
	return txl.onReq.Add(fn)
}

// OnAck registers a handler for 2xx ACKs, which bypass transaction matching.
func (txl *TransactionLayer) OnAck(fn func(ctx context.Context, ack *Request)) (cancel func()) {
	return txl.onAck.Add(fn)
}

// OnCancel registers a handler for CANCELs matched to an INVITE server
// transaction. The layer already answered the CANCEL itself.
func (txl *TransactionLayer) OnCancel(fn func(ctx context.Context, cancelTx, invTx ServerTransaction, cancel *Request)) (cancel func()) {
	return txl.onCancel.Add(fn)
}

// SendRequest creates a client transaction for the request and sends it.
// ACK is transactionless and goes straight to the transport layer.
func (txl *TransactionLayer) SendRequest(ctx context.Context, req *Request) (ClientTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}

	txl.mu.RLock()
	closed := txl.closed
	txl.mu.RUnlock()
	if closed {
		return nil, errtrace.Wrap(ErrTransactionLayerClosed)
	}

	txl.stats.msgSent(req)
	if req.Method().Equal(RequestMethodAck) {
		return nil, errtrace.Wrap(txl.tpl.SendRequest(ctx, req))
	}

	opts := &ClientTransactionOptions{Timings: txl.timings, Log: txl.logger}

	var (
		tx  ClientTransaction
		err error
	)
	if req.Method().Equal(RequestMethodInvite) {
		tx, err = NewInviteClientTransaction(req, txl.tpl, opts)
	} else {
		tx, err = NewNonInviteClientTransaction(req, txl.tpl, opts)
	}
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	txl.mu.Lock()
	txl.clientTxs[tx.Key()] = tx
	txl.mu.Unlock()
	txl.stats.clientTxCreated(tx.Type())

	tx.OnTerminate(func(tx Transaction) {
		txl.mu.Lock()
		delete(txl.clientTxs, tx.(ClientTransaction).Key()) //nolint:forcetypeassert
		txl.mu.Unlock()
		txl.stats.clientTxDestroyed(tx.Type())
	})
	return tx, nil
}

func (txl *TransactionLayer) clientTx(key ClientTransactionKey) (ClientTransaction, bool) {
	txl.mu.RLock()
	defer txl.mu.RUnlock()
	tx, ok := txl.clientTxs[key]
	return tx, ok
}

func (txl *TransactionLayer) serverTx(key ServerTransactionKey) (ServerTransaction, bool) {
	txl.mu.RLock()
	defer txl.mu.RUnlock()
	tx, ok := txl.serverTxs[key]
	return tx, ok
}

func (txl *TransactionLayer) recvRes(ctx context.Context, _ Transport, res *Response) {
	txl.stats.msgReceived(res)

	var key ClientTransactionKey
	if err := key.FillFromMessage(res); err != nil {
		txl.logger.LogAttrs(ctx, slog.LevelWarn, "dropping unmatchable response",
			slog.Any("response", res), slog.Any("error", err))
		return
	}

	tx, ok := txl.clientTx(key)
	if !ok {
		txl.logger.LogAttrs(ctx, slog.LevelDebug, "dropping stray response",
			slog.Any("response", res))
		return
	}
	if err := tx.RecvResponse(ctx, res); err != nil {
		txl.logger.LogAttrs(ctx, slog.LevelWarn, "response rejected by transaction",
			slog.Any("transaction", tx), slog.Any("response", res), slog.Any("error", err))
	}
}

func (txl *TransactionLayer) recvReq(ctx context.Context, _ Transport, req *Request) {
	txl.stats.msgReceived(req)

	var key ServerTransactionKey
	if err := key.FillFromMessage(req); err != nil {
		txl.logger.LogAttrs(ctx, slog.LevelWarn, "dropping unmatchable request",
			slog.Any("request", req), slog.Any("error", err))
		return
	}

	if tx, ok := txl.serverTx(key); ok {
		if err := tx.RecvRequest(ctx, req); err != nil {
			txl.logger.LogAttrs(ctx, slog.LevelWarn, "request rejected by transaction",
				slog.Any("transaction", tx), slog.Any("request", req), slog.Any("error", err))
		}
		return
	}

	switch {
	case req.Method().Equal(RequestMethodAck):
		// ACK for a 2xx: no transaction, dialog layer matches it by CSeq.
		txl.onAck.Range(func(fn func(ctx context.Context, ack *Request)) { fn(ctx, req) })
		return
	case req.Method().Equal(RequestMethodCancel):
		txl.recvCancel(ctx, key, req)
		return
	}

	txl.mu.RLock()
	closed := txl.closed
	txl.mu.RUnlock()
	if closed {
		txl.respondStateless(ctx, req, StatusServiceUnavailable)
		return
	}

	opts := &ServerTransactionOptions{Timings: txl.timings, Log: txl.logger}

	var (
		tx  ServerTransaction
		err error
	)
	if req.Method().Equal(RequestMethodInvite) {
		tx, err = NewInviteServerTransaction(req, txl.tpl, opts)
	} else {
		tx, err = NewNonInviteServerTransaction(req, txl.tpl, opts)
	}
	if err != nil {
		txl.logger.LogAttrs(ctx, slog.LevelWarn, "server transaction create failed",
			slog.Any("request", req), slog.Any("error", err))
		txl.respondStateless(ctx, req, StatusServerInternalError)
		return
	}

	txl.mu.Lock()
	txl.serverTxs[tx.Key()] = tx
	txl.mu.Unlock()
	txl.stats.serverTxCreated(tx.Type())

	tx.OnTerminate(func(t Transaction) {
		txl.mu.Lock()
		delete(txl.serverTxs, t.(ServerTransaction).Key()) //nolint:forcetypeassert
		txl.mu.Unlock()
		txl.stats.serverTxDestroyed(t.Type())
	})

	if txl.onReq.Len() == 0 {
		txl.logger.LogAttrs(ctx, slog.LevelWarn,
			"no TU request handlers, rejecting request", slog.Any("request", req))
		tx.Respond(ctx, newSyntheticResponse(req, StatusServiceUnavailable)) //nolint:errcheck
		return
	}
	txl.onReq.Range(func(fn func(ctx context.Context, tx ServerTransaction, req *Request)) { fn(ctx, tx, req) })
}

// recvCancel builds the CANCEL's own transaction and matches its target
// INVITE transaction per RFC 3261 section 9.2.
func (txl *TransactionLayer) recvCancel(ctx context.Context, key ServerTransactionKey, req *Request) {
	opts := &ServerTransactionOptions{Timings: txl.timings, Log: txl.logger}
	cancelTx, err := NewNonInviteServerTransaction(req, txl.tpl, opts)
	if err != nil {
		txl.logger.LogAttrs(ctx, slog.LevelWarn, "CANCEL transaction create failed",
			slog.Any("request", req), slog.Any("error", err))
		return
	}

	txl.mu.Lock()
	txl.serverTxs[cancelTx.Key()] = cancelTx
	txl.mu.Unlock()
	txl.stats.serverTxCreated(cancelTx.Type())
	cancelTx.OnTerminate(func(t Transaction) {
		txl.mu.Lock()
		delete(txl.serverTxs, t.(ServerTransaction).Key()) //nolint:forcetypeassert
		txl.mu.Unlock()
		txl.stats.serverTxDestroyed(t.Type())
	})

	invTx, ok := txl.serverTx(key.TargetOfCancel())
	if !ok {
		cancelTx.Respond(ctx, newSyntheticResponse(req, StatusCallDoesNotExist)) //nolint:errcheck
		return
	}

	if res, err := req.NewResponse(StatusOK, ""); err == nil {
		cancelTx.Respond(ctx, res) //nolint:errcheck
	}
	txl.onCancel.Range(func(fn func(ctx context.Context, cancelTx, invTx ServerTransaction, cancel *Request)) {
		fn(ctx, cancelTx, invTx, req)
	})
}

func (txl *TransactionLayer) respondStateless(ctx context.Context, req *Request, status StatusCode) {
	if req.Method().Equal(RequestMethodAck) {
		return
	}
	res, err := req.NewResponse(status, "")
	if err != nil {
		return
	}
	txl.stats.msgSent(res)
	if err := txl.tpl.SendResponse(ctx, res); err != nil {
		txl.logger.LogAttrs(ctx, slog.LevelWarn, "stateless response failed",
			slog.Any("response", res), slog.Any("error", err))
	}
}

// failConn fails every client transaction bound to the torn down stream
// connection: each gets a synthetic 503 and terminates.
func (txl *TransactionLayer) failConn(tp Transport, raddr netip.AddrPort) {
	txl.mu.RLock()
	var failed []ClientTransaction
	for _, tx := range txl.clientTxs {
		req := tx.Request()
		if req.Transport().Equal(tp.Proto()) && req.Destination() == raddr {
			failed = append(failed, tx)
		}
	}
	txl.mu.RUnlock()

	for _, tx := range failed {
		if te, ok := tx.(interface{ TransportError(error) }); ok {
			te.TransportError(ErrTransportClosed)
		} else {
			tx.Terminate()
		}
	}
}

// Close terminates every transaction and detaches from the transport layer.
func (txl *TransactionLayer) Close() {
	txl.mu.Lock()
	if txl.closed {
		txl.mu.Unlock()
		return
	}
	txl.closed = true
	clientTxs := make([]ClientTransaction, 0, len(txl.clientTxs))
	for _, tx := range txl.clientTxs {
		clientTxs = append(clientTxs, tx)
	}
	serverTxs := make([]ServerTransaction, 0, len(txl.serverTxs))
	for _, tx := range txl.serverTxs {
		serverTxs = append(serverTxs, tx)
	}
	cancels := txl.cancels
	txl.cancels = nil
	txl.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, tx := range clientTxs {
		tx.Terminate()
	}
	for _, tx := range serverTxs {
		tx.Terminate()
	}
}
