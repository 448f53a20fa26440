package ledger

import (
	"errors"
	"fmt"
)

// Caller-facing error kinds. Handlers map these onto transport status codes.
var (
	// ErrBadInput marks validation failures; never retried.
	ErrBadInput = errors.New("ledger: bad input")
	// ErrUnauthorized marks a bundle operation without lock ownership.
	ErrUnauthorized = errors.New("ledger: unauthorized")
	// ErrNotFound marks an absent snapshot.
	ErrNotFound = errors.New("ledger: not found")
	// ErrTransientWrite marks a write the durable store could not confirm.
	// The caller may retry with the same item id.
	ErrTransientWrite = errors.New("ledger: transient write failure")
	// ErrInternal marks an invariant violation.
	ErrInternal = errors.New("ledger: internal error")
)

// Store-level error kinds, wrapped by DurableStore and BlobStore
// implementations. Conflict never escapes the engine.
var (
	// ErrConflict marks a conditional-write predicate violation.
	ErrConflict = errors.New("ledger: conditional write conflict")
	// ErrTransient marks a network or store failure.
	ErrTransient = errors.New("ledger: transient store failure")
)

// Error carries a machine-readable operation.reason code alongside the error
// kind the caller dispatches on.
type Error struct {
	kind error
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches the error against its kind so callers can use errors.Is with the
// package sentinels.
func (e *Error) Is(target error) bool {
	return target == e.kind
}

// Code returns the operation.reason code.
func (e *Error) Code() string {
	return e.code
}

func newError(kind error, operation, reason string, cause error) error {
	return &Error{
		kind: kind,
		code: fmt.Sprintf("%s.%s", operation, reason),
		err:  cause,
	}
}
