package minutequota

import (
	"slices"
	"time"
)

// PlanID identifies a catalog plan.
type PlanID string

const (
	// PlanNone is the plan of an account without a subscription
	PlanNone     PlanID = "none"
	PlanStarter  PlanID = "starter"
	PlanPro      PlanID = "pro"
	PlanBusiness PlanID = "business"
)

// PlanType distinguishes free plans from paid subscriptions
type PlanType string

const (
	PlanTypeFree         PlanType = "free"
	PlanTypeSubscription PlanType = "subscription"
)

// Mode is a transcription mode. Each mode has its own credit rate.
type Mode string

const (
	ModeAI     Mode = "ai"
	ModeHybrid Mode = "hybrid"
	ModeHuman  Mode = "human"
)

// Valid reports whether m is a known transcription mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAI, ModeHybrid, ModeHuman:
		return true
	}
	return false
}

// SubscriptionStatus mirrors the billing provider's subscription status
type SubscriptionStatus string

const (
	StatusActive     SubscriptionStatus = "active"
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"
	StatusIncomplete SubscriptionStatus = "incomplete"
	StatusUnpaid     SubscriptionStatus = "unpaid"
)

// Usable reports whether a subscription in this status may fund jobs.
func (s SubscriptionStatus) Usable() bool {
	return s == StatusActive || s == StatusTrialing
}

// ReservationState is the lifecycle state of a reservation.
// Pending is the only non-terminal state.
type ReservationState string

const (
	ReservationPending   ReservationState = "pending"
	ReservationConfirmed ReservationState = "confirmed"
	ReservationReleased  ReservationState = "released"
)

// FundingSource describes how a job was paid for
type FundingSource string

const (
	// SourceSubscription means the job fit entirely in the monthly allowance
	SourceSubscription FundingSource = "subscription"
	// SourceOverage means the job used the allowance and credits
	SourceOverage FundingSource = "overage"
	// SourceCredits means the job was paid for with credits only
	SourceCredits FundingSource = "credits"
)

// Cycle is a billing cycle. End is exclusive.
type Cycle struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the cycle.
func (c Cycle) Contains(t time.Time) bool {
	return !t.Before(c.Start) && t.Before(c.End)
}

// Account is the per-subscriber ledger record. It is the unit of isolation
// for every mutation: storages accept a new Account only when its stored
// Version still matches the version the change was computed from.
type Account struct {
	UserID string
	PlanID PlanID
	Status SubscriptionStatus

	// AllowedModes is copied from the plan whenever the plan changes.
	AllowedModes []Mode

	IncludedMinutes int
	MinutesUsed     int
	MinutesReserved int

	CreditBalance int
	// CreditShortfall is the amount of credits owed after a confirm could not
	// be fully charged. It is resolved out of band.
	CreditShortfall int

	CycleStart time.Time
	CycleEnd   time.Time
	TrialUsed  bool

	// LastEventAt is the occurrence time of the newest applied billing event.
	LastEventAt time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.AllowedModes = slices.Clone(a.AllowedModes)
	return &c
}

// AvailableMinutes returns the subscription minutes that are neither used nor
// reserved. It never goes below zero, even after a downgrade.
func (a *Account) AvailableMinutes() int {
	return max(a.IncludedMinutes-a.MinutesUsed-a.MinutesReserved, 0)
}

// Cycle returns the account's current billing cycle.
func (a *Account) Cycle() Cycle {
	return Cycle{Start: a.CycleStart, End: a.CycleEnd}
}

// ModeAllowed reports whether the account's plan includes the mode.
func (a *Account) ModeAllowed(mode Mode) bool {
	return slices.Contains(a.AllowedModes, mode)
}

// SubscriptionUsable reports whether the subscription may fund a job in mode.
func (a *Account) SubscriptionUsable(mode Mode) bool {
	return a.PlanID != PlanNone && a.PlanID != "" && a.Status.Usable() && a.ModeAllowed(mode)
}

// Reservation is a hold on capacity for one in-flight job.
type Reservation struct {
	ID     string
	UserID string
	JobID  string
	Mode   Mode

	EstimatedMinutes    int
	SubscriptionMinutes int
	CreditMinutes       int
	CreditsCharged      int
	// CreditRate is the per-minute rate the credit portion was priced at.
	CreditRate int

	State         ReservationState
	ActualMinutes int
	CreatedAt     time.Time
	FinalizedAt   *time.Time
}

// Clone returns a copy of the reservation.
func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	c := *r
	if r.FinalizedAt != nil {
		t := *r.FinalizedAt
		c.FinalizedAt = &t
	}
	return &c
}

// Pending reports whether the reservation still awaits confirm or release.
func (r *Reservation) Pending() bool {
	return r.State == ReservationPending
}

// UsageRecord is an immutable audit entry written once per confirmed job.
type UsageRecord struct {
	ID            string
	UserID        string
	JobID         string
	ReservationID string
	Mode          Mode

	MinutesUsed int
	CreditsUsed int
	// CreditShortfall is the part of the charge that could not be debited.
	CreditShortfall int
	Source          FundingSource

	Timestamp  time.Time
	CycleStart time.Time
	CycleEnd   time.Time
}

// FundingPlan is an admission decision: how a job of a given size is paid for.
type FundingPlan struct {
	SubscriptionMinutes int
	CreditMinutes       int
	CreditsToCharge     int
	CreditRate          int
	Source              FundingSource
}

// ReserveRequest asks for capacity for one job.
type ReserveRequest struct {
	UserID           string
	JobID            string
	Mode             Mode
	EstimatedMinutes int
}

// Snapshot is a read-only view of an account for UI and API layers
type Snapshot struct {
	UserID           string
	PlanID           PlanID
	Status           SubscriptionStatus
	AllowedModes     []Mode
	IncludedMinutes  int
	MinutesUsed      int
	MinutesReserved  int
	AvailableMinutes int
	CreditBalance    int
	CreditShortfall  int
	Cycle            Cycle
	TrialUsed        bool
}

// UsageFilter selects usage records. Zero times leave that side open.
type UsageFilter struct {
	UserID string
	From   time.Time
	To     time.Time
	Limit  int
}

// Matches reports whether rec passes the filter.
func (f UsageFilter) Matches(rec *UsageRecord) bool {
	if rec.UserID != f.UserID {
		return false
	}
	if !f.From.IsZero() && rec.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !rec.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// BillingEventType is the kind of subscription lifecycle event.
type BillingEventType string

const (
	EventSubscriptionCreated  BillingEventType = "subscription.created"
	EventSubscriptionUpdated  BillingEventType = "subscription.updated"
	EventSubscriptionRenewed  BillingEventType = "subscription.renewed"
	EventSubscriptionCanceled BillingEventType = "subscription.canceled"
	EventPaymentFailed        BillingEventType = "payment.failed"
)

// BillingEvent is a provider-neutral subscription lifecycle event.
// ID is the idempotency key: an event is applied at most once.
type BillingEvent struct {
	ID     string
	UserID string
	Type   BillingEventType

	// PlanID and Status are optional; empty keeps the current value.
	PlanID PlanID
	Status SubscriptionStatus

	// CycleStart and CycleEnd are the provider's period bounds. When zero the
	// next anniversary cycle is computed.
	CycleStart time.Time
	CycleEnd   time.Time

	OccurredAt time.Time
}

// Config holds quota manager configuration
type Config struct {
	// Catalog is the plan catalog. Defaults to DefaultCatalog().
	Catalog *Catalog

	// Retry bounds the optimistic concurrency loop.
	Retry RetryConfig

	// CacheConfig configures the advisory account cache used by Check and
	// Snapshot. Nil or disabled means every read hits storage.
	CacheConfig *CacheConfig

	// CircuitBreakerConfig wraps storage in a circuit breaker when enabled.
	CircuitBreakerConfig *CircuitBreakerConfig

	// SweepBatchSize caps how many stale reservations one ReleaseStale call
	// handles. Defaults to 500.
	SweepBatchSize int

	// Logger receives structured logs. Defaults to NoopLogger.
	Logger Logger

	// Metrics receives operation metrics. Defaults to NoopMetrics.
	Metrics Metrics

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// IDGenerator returns ids for reservations and usage records.
	// Defaults to random UUIDs.
	IDGenerator func() string
}

// RetryConfig bounds the retry loop around optimistic commits.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt. Default 16.
	MaxRetries uint64
	// BaseDelay is the first backoff delay. Default 2ms.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff delay. Default 100ms.
	MaxDelay time.Duration
	// Jitter is the maximum random delay added to each backoff. Default 2ms;
	// negative disables jitter.
	Jitter time.Duration
}

// CacheConfig configures account caching
type CacheConfig struct {
	// Enabled turns caching on or off
	Enabled bool

	// TTL is how long an account snapshot may be served from cache
	TTL time.Duration

	// MaxAccounts is the maximum number of cached accounts
	MaxAccounts int
}

// CircuitBreakerConfig configures circuit breaker behavior
type CircuitBreakerConfig struct {
	// Enabled turns the circuit breaker on or off
	Enabled bool

	// FailureThreshold is the number of consecutive backend failures that
	// opens the circuit
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a trial call
	ResetTimeout time.Duration
}
