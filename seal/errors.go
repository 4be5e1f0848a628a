// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package seal

import (
	"context"
	"errors"
	"net"
)

// ErrorKind identifies a kind of error that can be used to define new errors
// via const SomeError = seal.ErrorKind("something").
type ErrorKind string

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error pairs an error with details.
type Error struct {
	wrapped error
	detail  string
}

// Error satisfies the error interface, combining the wrapped error message with
// the details.
func (e Error) Error() string {
	return e.wrapped.Error() + ": " + e.detail
}

// Unwrap returns the wrapped error, allowing errors.Is and errors.As to work.
func (e Error) Unwrap() error {
	return e.wrapped
}

// NewError wraps the provided Error with details in a Error, facilitating the
// use of errors.Is and errors.As via errors.Unwrap.
func NewError(err error, detail string) Error {
	return Error{
		wrapped: err,
		detail:  detail,
	}
}

// The error taxonomy shared by the wallet and the ledger. Ledger responses are
// translated back into these kinds by the ledger client.
const (
	// ErrNetworkUnavailable means the indexer or ledger could not be reached
	// or did not answer in time. Always retryable.
	ErrNetworkUnavailable = ErrorKind("network unavailable")
	// ErrInvalidConsignment is a failed proof, signature or conservation
	// check, or a blob that cannot be parsed.
	ErrInvalidConsignment = ErrorKind("invalid consignment")
	// ErrUnknownContract is an operation naming a contract that has not been
	// imported.
	ErrUnknownContract = ErrorKind("unknown contract")
	// ErrDoubleClaimConflict is returned by the ledger when a witness is
	// already bound to a different seal.
	ErrDoubleClaimConflict = ErrorKind("double claim conflict")
	// ErrInsufficientFunds means no eligible confirmed seal or coin exists.
	ErrInsufficientFunds = ErrorKind("insufficient funds")
	// ErrRetryBudgetExceeded marks a claim that ran out of attempts.
	ErrRetryBudgetExceeded = ErrorKind("retry budget exceeded")
	// ErrUnknownWitness means the ledger holds no placeholder or allocation
	// for a witness.
	ErrUnknownWitness = ErrorKind("unknown witness")
	// ErrUnknownSeal means the ledger holds no allocation for a seal.
	ErrUnknownSeal = ErrorKind("unknown seal")
	ErrInvalidSignature = ErrorKind("invalid signature")
	ErrInvalidInvoice   = ErrorKind("invalid invoice")
	ErrNotFound         = ErrorKind("not found")
)

// IsRetryable is true for errors that should leave a claim's status alone so
// that the next pass tries again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ErrorCloser is used to synchronize shutdown when an error is encountered in a
// multi-step process. After each successful step, a shutdown routine can be
// scheduled with Add. If Success is not signaled before Done, the shutdown
// routines will be run in the reverse order that they are added.
type ErrorCloser struct {
	closers []func() error
}

// NewErrorCloser creates a new ErrorCloser.
func NewErrorCloser() *ErrorCloser {
	return &ErrorCloser{
		closers: make([]func() error, 0, 3),
	}
}

// Add adds a new function to the queue.
func (e *ErrorCloser) Add(closer func() error) {
	e.closers = append(e.closers, closer)
}

// Success cancels the running of any Add'ed functions.
func (e *ErrorCloser) Success() {
	e.closers = nil
}

// Done runs the registered functions if Success has not been called.
func (e *ErrorCloser) Done(log Logger) {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			log.Errorf("error running shutdown function %d: %v", i, err)
		}
	}
}
