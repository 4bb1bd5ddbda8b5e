package minutequota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Manager is the reservation engine. It admits jobs, holds capacity while
// they run, settles usage afterwards and applies billing events, keeping each
// account consistent under concurrent access.
type Manager struct {
	storage Storage
	catalog *Catalog
	config  Config

	cache   *accountCache
	logger  Logger
	metrics Metrics
	now     func() time.Time
	newID   func() string
}

// NewManager creates a new manager with the given storage and configuration
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	// Set defaults
	if config.Catalog == nil {
		config.Catalog = DefaultCatalog()
	}
	if config.Retry.MaxRetries == 0 {
		config.Retry.MaxRetries = 16
	}
	if config.Retry.BaseDelay <= 0 {
		config.Retry.BaseDelay = 2 * time.Millisecond
	}
	if config.Retry.MaxDelay <= 0 {
		config.Retry.MaxDelay = 100 * time.Millisecond
	}
	if config.Retry.Jitter == 0 {
		config.Retry.Jitter = 2 * time.Millisecond
	}
	if config.SweepBatchSize <= 0 {
		config.SweepBatchSize = 500
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.IDGenerator == nil {
		config.IDGenerator = uuid.NewString
	}

	if cb := config.CircuitBreakerConfig; cb != nil && cb.Enabled {
		metrics := config.Metrics
		breaker := NewDefaultCircuitBreaker(cb.FailureThreshold, cb.ResetTimeout, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
		})
		storage = NewCircuitBreakerStorage(storage, breaker)
	}

	return &Manager{
		storage: storage,
		catalog: config.Catalog,
		config:  config,
		cache:   newAccountCache(config.CacheConfig, config.Metrics),
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     func() time.Time { return config.Clock().UTC() },
		newID:   config.IDGenerator,
	}, nil
}

// Catalog returns the plan catalog the manager prices jobs with.
func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

// CreateAccount creates the account of a new user with no plan. Creating an
// existing account returns the stored one.
func (m *Manager) CreateAccount(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	now := m.now()
	acct := &Account{
		UserID:    userID,
		PlanID:    PlanNone,
		Status:    StatusIncomplete,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := m.storage.CreateAccount(ctx, acct)
	if errors.Is(err, ErrAccountExists) {
		return m.storage.GetAccount(ctx, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create account %s: %w", userID, err)
	}
	m.logger.Info("Account created", F("user_id", userID))
	return acct.Clone(), nil
}

// Check is the advisory admission decision for a job. It reads a possibly
// cached snapshot and never mutates anything; Reserve repeats the decision
// against current state.
func (m *Manager) Check(ctx context.Context, userID string, mode Mode, estimatedMinutes int) (FundingPlan, error) {
	start := time.Now()
	plan, err := m.check(ctx, userID, mode, estimatedMinutes)
	m.metrics.RecordCheck(mode, time.Since(start), err)
	return plan, err
}

func (m *Manager) check(ctx context.Context, userID string, mode Mode, estimatedMinutes int) (FundingPlan, error) {
	acct, err := m.cache.get(ctx, userID, m.readAccount)
	if err != nil {
		return FundingPlan{}, err
	}
	return PlanFunding(acct, m.catalog, mode, estimatedMinutes)
}

// Snapshot returns the account's current balances.
func (m *Manager) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	acct, err := m.cache.get(ctx, userID, m.readAccount)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		UserID:           acct.UserID,
		PlanID:           acct.PlanID,
		Status:           acct.Status,
		AllowedModes:     acct.AllowedModes,
		IncludedMinutes:  acct.IncludedMinutes,
		MinutesUsed:      acct.MinutesUsed,
		MinutesReserved:  acct.MinutesReserved,
		AvailableMinutes: acct.AvailableMinutes(),
		CreditBalance:    acct.CreditBalance,
		CreditShortfall:  acct.CreditShortfall,
		Cycle:            acct.Cycle(),
		TrialUsed:        acct.TrialUsed,
	}, nil
}

// CurrentCycle returns the account's billing cycle.
func (m *Manager) CurrentCycle(ctx context.Context, userID string) (Cycle, error) {
	acct, err := m.cache.get(ctx, userID, m.readAccount)
	if err != nil {
		return Cycle{}, err
	}
	return acct.Cycle(), nil
}

// GetReservation returns a reservation by id.
func (m *Manager) GetReservation(ctx context.Context, reservationID string) (*Reservation, error) {
	return m.storage.GetReservation(ctx, reservationID)
}

// History returns the usage records of a user in [from, to). Zero bounds are
// open.
func (m *Manager) History(ctx context.Context, userID string, from, to time.Time) ([]*UsageRecord, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, fmt.Errorf("%w: range ends before it starts", ErrInvalidRequest)
	}
	return m.storage.ListUsage(ctx, UsageFilter{UserID: userID, From: from, To: to})
}

// TotalMinutes sums the minutes confirmed within a cycle.
func (m *Manager) TotalMinutes(ctx context.Context, userID string, cycle Cycle) (int, error) {
	records, err := m.History(ctx, userID, cycle.Start, cycle.End)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, r := range records {
		total += r.MinutesUsed
	}
	return total, nil
}

// TotalCredits sums the credits charged for jobs confirmed within a cycle.
func (m *Manager) TotalCredits(ctx context.Context, userID string, cycle Cycle) (int, error) {
	records, err := m.History(ctx, userID, cycle.Start, cycle.End)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, r := range records {
		total += r.CreditsUsed
	}
	return total, nil
}
