package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/halcyontel/converge/internal/types"
	"github.com/halcyontel/converge/log"
)

// TransactionType discriminates the four RFC 3261 section 17 variants.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

// TransactionState is a state of the RFC 3261 section 17 state machines,
// with the Accepted states added by RFC 6026.
type TransactionState string

const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateAccepted   TransactionState = "accepted"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

// Transaction is the common surface of client and server transactions.
type Transaction interface {
	slog.LogValuer
	// Type returns the transaction type.
	Type() TransactionType
	// State returns the current state.
	State() TransactionState
	// Request returns the request that created the transaction.
	Request() *Request
	// Terminate forces the transaction into the terminated state.
	Terminate()
	// OnTerminate registers a callback fired once on termination.
	OnTerminate(fn func(tx Transaction)) (cancel func())
}

// Transaction FSM triggers.
const (
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
	txEvtRecvReq    = "recv_req"
	txEvtRecvAck    = "recv_ack"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
	txEvtTranspErr  = "transport_err"
	txEvtTerminate  = "terminate"
)

// RequestSender transmits requests on behalf of client transactions.
// [TransportLayer] is the production implementation.
type RequestSender interface {
	SendRequest(ctx context.Context, req *Request) error
}

// ResponseSender transmits responses on behalf of server transactions.
// [TransportLayer] is the production implementation.
type ResponseSender interface {
	SendResponse(ctx context.Context, res *Response) error
}

// baseTransact carries the machinery shared by all transaction variants.
type baseTransact struct {
	typ     TransactionType
	impl    Transaction
	fsm     *stateless.StateMachine
	ctx     context.Context
	canc    context.CancelFunc
	timings TimingConfig
	logger  *slog.Logger

	onTerm   types.CallbackManager[func(tx Transaction)]
	termOnce sync.Once
}

func newBaseTransact(typ TransactionType, impl Transaction, timings TimingConfig, logger *slog.Logger) *baseTransact {
	if logger == nil {
		logger = log.Default()
	}
	ctx, canc := context.WithCancel(context.Background())
	return &baseTransact{
		typ:     typ,
		impl:    impl,
		ctx:     ctx,
		canc:    canc,
		timings: timings,
		logger:  logger,
	}
}

func (tx *baseTransact) initFSM(start TransactionState) {
	tx.fsm = stateless.NewStateMachineWithMode(start, stateless.FiringQueued)
}

// Type returns the transaction type.
func (tx *baseTransact) Type() TransactionType { return tx.typ }

// State returns the current state.
func (tx *baseTransact) State() TransactionState {
	return tx.fsm.MustState().(TransactionState) //nolint:forcetypeassert
}

// Context returns the transaction context, cancelled on termination.
func (tx *baseTransact) Context() context.Context { return tx.ctx }

// Terminate forces the transaction into the terminated state.
func (tx *baseTransact) Terminate() {
	if tx.State() == TransactionStateTerminated {
		return
	}
	if err := tx.fsm.FireCtx(tx.ctx, txEvtTerminate); err != nil {
		tx.logger.LogAttrs(tx.ctx, slog.LevelWarn,
			"terminate rejected", slog.Any("transaction", tx.impl), slog.Any("error", err))
	}
}

// OnTerminate registers a callback fired once on termination.
func (tx *baseTransact) OnTerminate(fn func(tx Transaction)) (cancel func()) {
	if tx.State() == TransactionStateTerminated {
		fn(tx.impl)
		return func() {}
	}
	return tx.onTerm.Add(fn)
}

func (tx *baseTransact) actTerminated(ctx context.Context, _ ...any) error {
	tx.logger.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx.impl))

	tx.termOnce.Do(func() {
		tx.canc()
		tx.onTerm.Range(func(fn func(tx Transaction)) { fn(tx.impl) })
	})
	return nil
}

func (tx *baseTransact) fireTimer(trigger string, want TransactionState) {
	if tx.State() != want {
		return
	}
	if err := tx.fsm.FireCtx(tx.ctx, trigger); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", trigger, tx.State(), err))
	}
}

// LogValue implements [slog.LogValuer].
func (tx *baseTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("type", string(tx.typ)),
		slog.String("state", string(tx.State())),
	)
}

// newSyntheticResponse builds a locally generated response carrying the
// request identity, used for 408 on timer B/F and 503 on transport error.
func newSyntheticResponse(req *Request, status StatusCode) *Response {
	res, err := req.NewResponse(status, "")
	if err != nil {
		panic(fmt.Errorf("synthesize %d response: %w", status, err))
	}
	return res
}
