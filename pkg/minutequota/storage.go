package minutequota

import (
	"context"
	"time"
)

// Storage defines the interface for ledger persistence.
// All methods use concrete types from this package to avoid import cycles.
//
// Reads return copies: callers may mutate what they get back. Every write to
// an account and its reservations goes through Commit, which is guarded by
// the account version. A reservation's state therefore never changes without
// its account's version changing too.
type Storage interface {
	// GetAccount returns the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// CreateAccount inserts a new account or returns ErrAccountExists.
	CreateAccount(ctx context.Context, acct *Account) error

	// GetReservation returns the reservation or ErrReservationNotFound.
	GetReservation(ctx context.Context, reservationID string) (*Reservation, error)

	// FindReservation returns the reservation made for a job, or
	// ErrReservationNotFound.
	FindReservation(ctx context.Context, userID, jobID string) (*Reservation, error)

	// Commit atomically applies a mutation. It fails with ErrVersionConflict
	// when the stored account version differs from m.ExpectedVersion and with
	// ErrEventAlreadyApplied when m.EventKey was committed before. On failure
	// nothing is written.
	Commit(ctx context.Context, m *Mutation) error

	// ListUsage returns usage records matching the filter, oldest first.
	ListUsage(ctx context.Context, filter UsageFilter) ([]*UsageRecord, error)

	// ListPendingReservations returns up to limit pending reservations created
	// before the given time, oldest first.
	ListPendingReservations(ctx context.Context, before time.Time, limit int) ([]*Reservation, error)
}

// Mutation is the unit of change for one account.
type Mutation struct {
	// Account is the new account state. Its Version is ExpectedVersion+1.
	Account *Account

	// ExpectedVersion is the version the change was computed from.
	ExpectedVersion int64

	// Reservation, when set, is inserted or replaced.
	Reservation *Reservation

	// Usage, when set, is appended to the audit log.
	Usage *UsageRecord

	// EventKey, when set, is recorded as applied. A key can be committed once.
	EventKey string
}
