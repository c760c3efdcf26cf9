// Package errors defines the ledger error taxonomy and helpers for
// classifying failures across the wallet, engine and settlement layers.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind classifies a ledger failure. The set is closed: every error returned
// by the core maps to exactly one kind.
type Kind string

const (
	// KindInvalidOrder marks rejected input. Not retryable; the client must
	// correct the request.
	KindInvalidOrder Kind = "invalid_order"

	// KindInsufficientFunds marks a business rejection of a balance
	// reservation or debit. Not retryable without user action.
	KindInsufficientFunds Kind = "insufficient_funds"

	// KindInvalidState marks an illegal lifecycle transition, such as
	// cancelling an order that is already terminal.
	KindInvalidState Kind = "invalid_state"

	// KindSettlementFailed marks a transient or systemic failure during
	// atomic settlement. Retryable with the same idempotency key.
	KindSettlementFailed Kind = "settlement_failed"

	// KindInvariantViolation signals ledger corruption (for example a
	// double-release driving locked balance negative). Never swallowed.
	KindInvariantViolation Kind = "invariant_violation"

	// KindInternal covers storage and infrastructure failures.
	KindInternal Kind = "internal"
)

// Error carries a kind, a human readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches errors by kind so callers can test with errors.Is against the
// exported sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidOrder       = &Error{Kind: KindInvalidOrder, Message: "invalid order"}
	ErrInsufficientFunds  = &Error{Kind: KindInsufficientFunds, Message: "insufficient funds"}
	ErrInvalidState       = &Error{Kind: KindInvalidState, Message: "invalid state"}
	ErrSettlementFailed   = &Error{Kind: KindSettlementFailed, Message: "settlement failed"}
	ErrInvariantViolation = &Error{Kind: KindInvariantViolation, Message: "invariant violation"}
)

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind with an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// InvalidOrder creates a client-correctable validation error.
func InvalidOrder(format string, args ...interface{}) *Error {
	return New(KindInvalidOrder, format, args...)
}

// InsufficientFunds creates a balance rejection error.
func InsufficientFunds(format string, args ...interface{}) *Error {
	return New(KindInsufficientFunds, format, args...)
}

// InvalidState creates an illegal-transition error.
func InvalidState(format string, args ...interface{}) *Error {
	return New(KindInvalidState, format, args...)
}

// SettlementFailed wraps a failure inside the settlement transaction.
func SettlementFailed(cause error, format string, args ...interface{}) *Error {
	return Wrap(KindSettlementFailed, cause, format, args...)
}

// InvariantViolation creates a corruption signal. Callers must log these.
func InvariantViolation(format string, args ...interface{}) *Error {
	return New(KindInvariantViolation, format, args...)
}

// Internal wraps a storage or infrastructure failure.
func Internal(cause error, format string, args ...interface{}) *Error {
	return Wrap(KindInternal, cause, format, args...)
}

// KindOf extracts the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to the status code the API layer returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidOrder:
		return http.StatusBadRequest
	case KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case KindInvalidState:
		return http.StatusConflict
	case KindSettlementFailed:
		return http.StatusBadGateway
	case KindInvariantViolation:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
