package backup

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the requested id has no corresponding object.
	ErrNotFound = errors.New("backup not found")

	// ErrConflict indicates another operation is active for the same id.
	ErrConflict = errors.New("concurrent operation on backup")

	// ErrAuthFailure indicates the store rejected the credentials. Never
	// retried; the platform owns credential validity.
	ErrAuthFailure = errors.New("object store rejected credentials")

	// ErrTransferFailed indicates an upload or download exhausted its
	// retries. Partial remote state is cleaned up before this surfaces.
	ErrTransferFailed = errors.New("backup transfer failed")

	// ErrStoreUnavailable indicates the store stayed unreachable after
	// the transient-fault retries ran out.
	ErrStoreUnavailable = errors.New("object store unavailable")

	// ErrInvalidArgument indicates malformed input from the caller.
	ErrInvalidArgument = errors.New("invalid argument")
)

var kinds = []error{
	ErrNotFound,
	ErrConflict,
	ErrAuthFailure,
	ErrTransferFailed,
	ErrStoreUnavailable,
	ErrInvalidArgument,
}

// HasKind reports whether err already carries one of the error kinds or
// a context cancellation, meaning it needs no further translation on
// its way to the platform.
func HasKind(err error) bool {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return true
		}
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
