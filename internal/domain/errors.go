package domain

import "github.com/cockroachdb/errors"

// Error classes. Concrete errors are marked with one of these so callers can
// classify them with errors.Is.
var (
	ErrConflict             = errors.New("conflict")
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrTransient            = errors.New("transient")
	ErrInvalidInput         = errors.New("invalid input")
	ErrSerializationFailure = errors.Mark(errors.New("serialization failure"), ErrTransient)
)

var (
	ErrSeatUnavailable   = errors.Mark(errors.New("seat is not available"), ErrConflict)
	ErrLockNotFound      = errors.Mark(errors.New("seat lock not found or expired"), ErrNotFound)
	ErrNotLockOwner      = errors.Mark(errors.New("seat lock is owned by another user"), ErrForbidden)
	ErrSeatNotFound      = errors.Mark(errors.New("seat not found"), ErrNotFound)
	ErrAlreadyQueued     = errors.Mark(errors.New("user already has a live queue entry"), ErrConflict)
	ErrEntryNotFound     = errors.Mark(errors.New("queue entry not found"), ErrNotFound)
	ErrAdmissionExpired  = errors.Mark(errors.New("admission window expired"), ErrNotFound)
	ErrNotAdmitted       = errors.Mark(errors.New("user has not entered seat selection"), ErrForbidden)
	ErrInvalidTransition = errors.Mark(errors.New("invalid state transition"), ErrConflict)
	ErrPaymentNotFound   = errors.Mark(errors.New("payment not found"), ErrNotFound)
	ErrPaymentExists     = errors.Mark(errors.New("payment already exists for reservation"), ErrConflict)
	ErrNotRequester      = errors.Mark(errors.New("caller is not the payment requester"), ErrForbidden)
	ErrReservationState  = errors.Mark(errors.New("reservation is not pending"), ErrConflict)
	ErrAmountMismatch    = errors.Mark(errors.New("amount does not match seat price"), ErrInvalidInput)
)

// Transient marks err as a retryable infrastructure failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Fatalf builds an invariant-violation error. These are never retried.
func Fatalf(format string, args ...interface{}) error {
	return errors.AssertionFailedf(format, args...)
}

// IsFatal reports whether err signals a broken invariant upstream.
func IsFatal(err error) bool {
	return errors.HasAssertionFailure(err)
}
