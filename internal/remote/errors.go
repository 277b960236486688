package remote

import (
	"context"
	"errors"
	"fmt"
)

// TransientError marks a failure as retryable. The offline queue leaves
// the item in place and the scheduler retries on its next wake; nothing
// surfaces to the user on a first occurrence.
type TransientError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient remote failure during %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable. Returns nil if err is nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err (anywhere in its chain) is retryable.
// Context cancellation and deadline expiry also count: the operation was
// cut short, not refused.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// ErrScopeNotFound is returned when a handle or share reference names a
// scope the backend does not know. Not transient: retrying the same
// reference cannot succeed.
var ErrScopeNotFound = errors.New("remote: scope not found")

// ErrBadGrant is returned when a grant token does not authorize the
// requested scope. Not transient.
var ErrBadGrant = errors.New("remote: grant token not valid for scope")
