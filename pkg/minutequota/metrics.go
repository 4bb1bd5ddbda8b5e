package minutequota

import (
	"errors"
	"time"
)

// Metrics defines the interface for tracking ledger operations and performance.
type Metrics interface {
	// RecordReservation records a reserve attempt. outcome is "ok" or the
	// rejection kind.
	RecordReservation(mode Mode, source FundingSource, outcome string, minutes int)

	// RecordFinalization records a confirm or release.
	RecordFinalization(operation, outcome string)

	// RecordMinutes records confirmed minutes by funding source.
	RecordMinutes(source FundingSource, minutes int)

	// RecordCredits records credit movements. direction is "debit", "refund"
	// or "purchase".
	RecordCredits(direction string, credits int)

	// RecordReconciliation records a confirm that left a credit shortfall.
	RecordReconciliation(shortfall int)

	// RecordCheck records the duration of an admission check.
	RecordCheck(mode Mode, duration time.Duration, err error)

	// RecordConflict records a lost optimistic commit for an operation.
	RecordConflict(operation string)

	// RecordBillingEvent records a billing event by type and outcome.
	RecordBillingEvent(eventType BillingEventType, outcome string)

	// RecordCacheHit records a cache hit for a specific cache type.
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordReservation(mode Mode, source FundingSource, outcome string, minutes int) {}
func (n *NoopMetrics) RecordFinalization(operation, outcome string)                                   {}
func (n *NoopMetrics) RecordMinutes(source FundingSource, minutes int)                                {}
func (n *NoopMetrics) RecordCredits(direction string, credits int)                                    {}
func (n *NoopMetrics) RecordReconciliation(shortfall int)                                             {}
func (n *NoopMetrics) RecordCheck(mode Mode, duration time.Duration, err error)                       {}
func (n *NoopMetrics) RecordConflict(operation string)                                                {}
func (n *NoopMetrics) RecordBillingEvent(eventType BillingEventType, outcome string)                  {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                                {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                               {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error)     {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                                   {}

// outcomeOf maps an operation error to a low-cardinality metric label.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrAlreadyFinalized):
		return "already_finalized"
	case errors.Is(err, ErrTransientConflict):
		return "conflict"
	case errors.Is(err, ErrReconciliation):
		return "reconciliation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrEventAlreadyApplied):
		return "duplicate"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidMode), errors.Is(err, ErrInvalidRequest):
		return "invalid"
	default:
		return "error"
	}
}
