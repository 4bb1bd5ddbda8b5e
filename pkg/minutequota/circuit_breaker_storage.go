package minutequota

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

// guarded runs a storage call that returns a value through the breaker.
func guarded[T any](ctx context.Context, cb CircuitBreaker, fn func() (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func() error {
		var e error
		out, e = fn()
		return e
	})
	return out, err
}

func (s *CircuitBreakerStorage) GetAccount(ctx context.Context, userID string) (*Account, error) {
	return guarded(ctx, s.cb, func() (*Account, error) {
		return s.storage.GetAccount(ctx, userID)
	})
}

func (s *CircuitBreakerStorage) CreateAccount(ctx context.Context, acct *Account) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.CreateAccount(ctx, acct)
	})
}

func (s *CircuitBreakerStorage) GetReservation(ctx context.Context, reservationID string) (*Reservation, error) {
	return guarded(ctx, s.cb, func() (*Reservation, error) {
		return s.storage.GetReservation(ctx, reservationID)
	})
}

func (s *CircuitBreakerStorage) FindReservation(ctx context.Context, userID, jobID string) (*Reservation, error) {
	return guarded(ctx, s.cb, func() (*Reservation, error) {
		return s.storage.FindReservation(ctx, userID, jobID)
	})
}

func (s *CircuitBreakerStorage) Commit(ctx context.Context, m *Mutation) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.Commit(ctx, m)
	})
}

func (s *CircuitBreakerStorage) ListUsage(ctx context.Context, filter UsageFilter) ([]*UsageRecord, error) {
	return guarded(ctx, s.cb, func() ([]*UsageRecord, error) {
		return s.storage.ListUsage(ctx, filter)
	})
}

func (s *CircuitBreakerStorage) ListPendingReservations(
	ctx context.Context, before time.Time, limit int,
) ([]*Reservation, error) {
	return guarded(ctx, s.cb, func() ([]*Reservation, error) {
		return s.storage.ListPendingReservations(ctx, before, limit)
	})
}
