// Package memory provides an in-memory implementation of the minutequota.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

// Storage implements minutequota.Storage using in-memory maps. Commits on
// one account are serialized by that account's lock only.
type Storage struct {
	mu           sync.RWMutex
	accounts     map[string]*accountEntry
	reservations map[string]*minutequota.Reservation
	jobs         map[string]string
	usage        map[string][]*minutequota.UsageRecord
	events       map[string]struct{}
}

type accountEntry struct {
	mu   sync.Mutex
	acct *minutequota.Account
}

var _ minutequota.Storage = (*Storage)(nil)

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		accounts:     make(map[string]*accountEntry),
		reservations: make(map[string]*minutequota.Reservation),
		jobs:         make(map[string]string),
		usage:        make(map[string][]*minutequota.UsageRecord),
		events:       make(map[string]struct{}),
	}
}

func jobKey(userID, jobID string) string {
	return userID + "\x00" + jobID
}

func (s *Storage) entry(userID string) (*accountEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.accounts[userID]
	return e, ok
}

// GetAccount implements minutequota.Storage
func (s *Storage) GetAccount(_ context.Context, userID string) (*minutequota.Account, error) {
	e, ok := s.entry(userID)
	if !ok {
		return nil, minutequota.ErrAccountNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acct.Clone(), nil
}

// CreateAccount implements minutequota.Storage
func (s *Storage) CreateAccount(_ context.Context, acct *minutequota.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[acct.UserID]; exists {
		return minutequota.ErrAccountExists
	}
	s.accounts[acct.UserID] = &accountEntry{acct: acct.Clone()}
	return nil
}

// GetReservation implements minutequota.Storage
func (s *Storage) GetReservation(_ context.Context, reservationID string) (*minutequota.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.reservations[reservationID]
	if !ok {
		return nil, minutequota.ErrReservationNotFound
	}
	return res.Clone(), nil
}

// FindReservation implements minutequota.Storage
func (s *Storage) FindReservation(_ context.Context, userID, jobID string) (*minutequota.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.jobs[jobKey(userID, jobID)]
	if !ok {
		return nil, minutequota.ErrReservationNotFound
	}
	return s.reservations[id].Clone(), nil
}

// Commit implements minutequota.Storage
func (s *Storage) Commit(_ context.Context, m *minutequota.Mutation) error {
	if m == nil || m.Account == nil {
		return fmt.Errorf("invalid mutation")
	}

	e, ok := s.entry(m.Account.UserID)
	if !ok {
		return minutequota.ErrAccountNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.acct.Version != m.ExpectedVersion {
		return minutequota.ErrVersionConflict
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.EventKey != "" {
		if _, seen := s.events[m.EventKey]; seen {
			return minutequota.ErrEventAlreadyApplied
		}
		s.events[m.EventKey] = struct{}{}
	}
	if res := m.Reservation; res != nil {
		s.reservations[res.ID] = res.Clone()
		s.jobs[jobKey(res.UserID, res.JobID)] = res.ID
	}
	if rec := m.Usage; rec != nil {
		cp := *rec
		s.usage[rec.UserID] = append(s.usage[rec.UserID], &cp)
	}
	e.acct = m.Account.Clone()
	return nil
}

// ListUsage implements minutequota.Storage
func (s *Storage) ListUsage(_ context.Context, filter minutequota.UsageFilter) ([]*minutequota.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*minutequota.UsageRecord
	for _, rec := range s.usage[filter.UserID] {
		if !filter.Matches(rec) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// ListPendingReservations implements minutequota.Storage
func (s *Storage) ListPendingReservations(
	_ context.Context, before time.Time, limit int,
) ([]*minutequota.Reservation, error) {
	s.mu.RLock()
	var out []*minutequota.Reservation
	for _, res := range s.reservations {
		if res.Pending() && res.CreatedAt.Before(before) {
			out = append(out, res.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
