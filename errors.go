package swapengine

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

var (
	// ErrSwapAlreadyExists is returned when a quote resolves to a swap
	// hash that is already tracked.
	ErrSwapAlreadyExists = errors.New("swap already exists")

	// ErrInvalidState is returned when an operation is invoked on a swap
	// whose current state does not admit it.
	ErrInvalidState = errors.New("operation not allowed in current state")

	// ErrQuoteExpired is returned when an operation is attempted on a
	// quote past its validity deadline.
	ErrQuoteExpired = errors.New("quote expired")

	// ErrInvalidAddress is returned for a destination address the engine
	// cannot accept. It is a user error and is never retried.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidPreimage is returned when a supplied secret does not hash
	// to the swap's claim hash.
	ErrInvalidPreimage = errors.New("preimage does not match claim hash")

	// ErrSwapNotInitiated is returned when an operation requires a swap
	// that has already taken an irreversible action.
	ErrSwapNotInitiated = errors.New("swap not initiated")

	// ErrOperationInFlight is returned when a blocking operation is
	// started on a swap that still has one outstanding. Transitions on a
	// single swap are strictly sequential.
	ErrOperationInFlight = errors.New("swap operation already in flight")
)

// IntermediaryError wraps a failure attributed to the intermediary. The
// Recoverable flag distinguishes transient conditions that are safe to retry
// against the same intermediary from misbehavior that makes the intermediary
// eligible for blacklisting upstream.
type IntermediaryError struct {
	// URL is the endpoint of the offending intermediary.
	URL string

	// Recoverable is false if the intermediary delivered malformed or
	// contradictory data, true for transient or ambiguous failures.
	Recoverable bool

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *IntermediaryError) Error() string {
	kind := "recoverable"
	if !e.Recoverable {
		kind = "non-recoverable"
	}

	return fmt.Sprintf("intermediary %v: %v error: %v", e.URL, kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *IntermediaryError) Unwrap() error {
	return e.Err
}

// permanentIntermediaryError marks a failure as intermediary misbehavior.
func permanentIntermediaryError(url string, err error) error {
	return &IntermediaryError{URL: url, Recoverable: false, Err: err}
}

// transientIntermediaryError marks a failure as safe to retry.
func transientIntermediaryError(url string, err error) error {
	return &IntermediaryError{URL: url, Recoverable: true, Err: err}
}

// IsRecoverable returns true if the error is an intermediary error flagged as
// safe to retry. Any other error is not an intermediary classification at
// all and returns false.
func IsRecoverable(err error) bool {
	var intermediaryErr *IntermediaryError
	if errors.As(err, &intermediaryErr) {
		return intermediaryErr.Recoverable
	}

	return false
}

// AmountOutOfBoundsError is returned when an intermediary rejects a swap
// amount, carrying the allowed bounds parsed from the structured error body.
type AmountOutOfBoundsError struct {
	// MinimumAmount is the minimum amount the intermediary accepts.
	MinimumAmount btcutil.Amount

	// MaximumAmount is the maximum amount the intermediary accepts.
	MaximumAmount btcutil.Amount
}

// Error implements the error interface.
func (e *AmountOutOfBoundsError) Error() string {
	return fmt.Sprintf("amount out of bounds, minimum %v, maximum %v",
		e.MinimumAmount, e.MaximumAmount)
}
