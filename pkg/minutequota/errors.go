package minutequota

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded is returned when the monthly allowance cannot cover a job
	// and the account holds no credits to fall back on
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInsufficientCredits is returned when a job needs more credits than the
	// account holds
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrAlreadyFinalized is returned by confirm or release on a reservation that
	// is no longer pending
	ErrAlreadyFinalized = errors.New("reservation already finalized")

	// ErrTransientConflict is returned when optimistic retries are exhausted.
	// Callers may retry.
	ErrTransientConflict = errors.New("transient conflict")

	// ErrReconciliation marks a confirm whose charge could not be fully covered.
	// The confirm is committed; see ReconciliationError.
	ErrReconciliation = errors.New("reconciliation required")

	// ErrNotFound is the parent of every lookup failure
	ErrNotFound = errors.New("not found")

	// ErrAccountNotFound is returned for an unknown user
	ErrAccountNotFound = fmt.Errorf("account %w", ErrNotFound)

	// ErrReservationNotFound is returned for an unknown reservation
	ErrReservationNotFound = fmt.Errorf("reservation %w", ErrNotFound)

	// ErrAccountExists is returned by storage when creating a duplicate account
	ErrAccountExists = errors.New("account already exists")

	// ErrVersionConflict is returned by storage when the account changed since
	// it was read
	ErrVersionConflict = errors.New("version conflict")

	// ErrEventAlreadyApplied is returned when an idempotency key was already used
	ErrEventAlreadyApplied = errors.New("event already applied")

	// ErrInvalidAmount is returned for non-positive minutes or credits
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidMode is returned for unknown transcription modes
	ErrInvalidMode = errors.New("invalid mode")

	// ErrInvalidRequest is returned for requests missing required fields
	ErrInvalidRequest = errors.New("invalid request")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ReconciliationError reports a confirmed job whose extra usage could not be
// charged in full. The shortfall is persisted on the account.
type ReconciliationError struct {
	UserID           string
	ReservationID    string
	ShortfallCredits int
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation required: reservation %s for user %s is short %d credits",
		e.ReservationID, e.UserID, e.ShortfallCredits)
}

func (e *ReconciliationError) Unwrap() error {
	return ErrReconciliation
}
