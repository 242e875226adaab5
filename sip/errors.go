package sip

import "github.com/halcyontel/converge/internal/errorutil"

// Common errors.
const (
	ErrInvalidArgument = errorutil.ErrInvalidArgument
)

// Transaction errors.
const (
	ErrTransactionNotFound    Error = "transaction not found"
	ErrTransactionNotMatched  Error = "transaction not matched"
	ErrTransactionTimedOut    Error = "transaction timed out"
	ErrTransactionLayerClosed Error = "transaction layer closed"
)

// Transport errors.
const (
	// ErrTransportClosed is returned when attempting to use a closed transport.
	ErrTransportClosed Error = "transport closed"
	// ErrNoTransport is returned when no transport matches the target.
	ErrNoTransport Error = "no transport resolved"
	// ErrNoTarget is returned when no target for the message is resolved.
	ErrNoTarget Error = "no target resolved"
)

// Message errors.
const (
	ErrInvalidMessage   Error = "invalid message"
	ErrMethodNotAllowed Error = "request method not allowed"
)

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

// NewWrapperError creates or wraps an error with a sentinel error,
// see [errorutil.NewWrapperError].
func NewWrapperError(sentinel error, args ...any) error {
	return errorutil.NewWrapperError(sentinel, args...) //errtrace:skip
}
