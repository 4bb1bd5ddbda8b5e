package minutequota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	eventKeyPrefix  = "event:"
	creditKeyPrefix = "credits:"
)

// ApplyBillingEvent applies a subscription lifecycle event to an account at
// most once. A duplicate delivery returns ErrEventAlreadyApplied, which
// callers treat as success. Events older than the newest applied one are
// recorded but change nothing, except a renewal into a later cycle, which
// still resets the cycle. Accounts that do not exist yet are created.
//
// Renewals zero the used minutes and move the cycle. Neither the credit
// balance nor reserved minutes are touched, so in-flight jobs keep their
// holds across the boundary. Plan changes never rescale used minutes.
func (m *Manager) ApplyBillingEvent(ctx context.Context, ev BillingEvent) error {
	if ev.ID == "" || ev.UserID == "" {
		return fmt.Errorf("%w: event id and user id are required", ErrInvalidRequest)
	}
	if ev.PlanID != "" {
		if _, ok := m.catalog.PlanFor(ev.PlanID); !ok {
			m.logger.Warn("Unknown plan in billing event, treating as none",
				F("event_id", ev.ID), F("plan_id", ev.PlanID))
			ev.PlanID = PlanNone
		}
	}

	err := m.applyEvent(ctx, ev)
	if errors.Is(err, ErrAccountNotFound) {
		if _, err = m.CreateAccount(ctx, ev.UserID); err == nil {
			err = m.applyEvent(ctx, ev)
		}
	}

	m.metrics.RecordBillingEvent(ev.Type, outcomeOf(err))
	switch {
	case errors.Is(err, ErrEventAlreadyApplied):
		m.logger.Debug("Billing event already applied", F("event_id", ev.ID), F("user_id", ev.UserID))
	case err != nil:
		m.logger.Error("Failed to apply billing event",
			F("event_id", ev.ID), F("user_id", ev.UserID), F("type", ev.Type), F("error", err.Error()))
	default:
		m.logger.Info("Billing event applied",
			F("event_id", ev.ID), F("user_id", ev.UserID), F("type", ev.Type), F("plan_id", ev.PlanID))
	}
	return err
}

func (m *Manager) applyEvent(ctx context.Context, ev BillingEvent) error {
	_, err := m.transact(ctx, "billing_event", ev.UserID, func(_ context.Context, acct *Account, now time.Time) (*Mutation, error) {
		if err := m.applyEventTo(acct, ev, now); err != nil {
			return nil, err
		}
		return &Mutation{EventKey: eventKeyPrefix + ev.ID}, nil
	})
	return err
}

// applyEventTo mutates acct for one event. Stale events leave it unchanged.
func (m *Manager) applyEventTo(acct *Account, ev BillingEvent, now time.Time) error {
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	stale := !acct.LastEventAt.IsZero() && occurred.Before(acct.LastEventAt)
	if stale && !rollsCycleForward(acct, ev) {
		m.logger.Info("Ignoring out of order billing event",
			F("event_id", ev.ID), F("user_id", ev.UserID),
			F("occurred_at", occurred), F("last_event_at", acct.LastEventAt))
		return nil
	}
	if !stale {
		acct.LastEventAt = occurred
	}

	prev := acct.Status
	next := ev.Status

	switch ev.Type {
	case EventSubscriptionCreated:
		if next == "" {
			next = StatusActive
		}
		plan := m.changePlan(acct, ev.PlanID)
		cycle := cycleOrNext(&Account{}, ev.CycleStart, ev.CycleEnd, now)
		if next == StatusTrialing {
			beginTrial(acct, plan, cycle)
		} else {
			beginCycle(acct, plan, cycle)
		}

	case EventSubscriptionUpdated:
		if next == "" {
			next = prev
		}
		plan := m.changePlan(acct, ev.PlanID)
		switch {
		case prev == StatusTrialing && next == StatusActive:
			// trial conversion: unused trial minutes are forfeited
			beginCycle(acct, plan, cycleOrNext(&Account{}, ev.CycleStart, ev.CycleEnd, now))
		case prev != StatusTrialing && next == StatusTrialing:
			beginTrial(acct, plan, cycleOrNext(&Account{}, ev.CycleStart, ev.CycleEnd, now))
		case acct.CycleEnd.IsZero():
			// update delivered before the create it follows
			beginCycle(acct, plan, cycleOrNext(acct, ev.CycleStart, ev.CycleEnd, now))
		case next != StatusTrialing:
			acct.IncludedMinutes = plan.IncludedMinutes
		}

	case EventSubscriptionRenewed:
		switch {
		case stale:
			// a late renewal moves the cycle; status stays with the newer event
			next = prev
		case next == "":
			next = StatusActive
		}
		plan, _ := m.catalog.PlanFor(acct.PlanID)
		beginCycle(acct, plan, cycleOrNext(acct, ev.CycleStart, ev.CycleEnd, now))

	case EventSubscriptionCanceled:
		next = StatusCanceled

	case EventPaymentFailed:
		next = StatusPastDue

	default:
		return fmt.Errorf("%w: unknown billing event type %q", ErrInvalidRequest, ev.Type)
	}

	acct.Status = next
	return nil
}

// rollsCycleForward reports whether ev is a renewal into a cycle that ends
// after the account's current one. Such a renewal is applied even when a
// newer event arrived first.
func rollsCycleForward(acct *Account, ev BillingEvent) bool {
	return ev.Type == EventSubscriptionRenewed && !ev.CycleEnd.IsZero() && ev.CycleEnd.After(acct.CycleEnd)
}

// changePlan switches the account's plan and mode set. Used minutes are kept.
func (m *Manager) changePlan(acct *Account, id PlanID) Plan {
	if id == "" {
		id = acct.PlanID
	}
	plan, _ := m.catalog.PlanFor(id)
	acct.PlanID = plan.ID
	acct.AllowedModes = append([]Mode(nil), plan.AllowedModes...)
	return plan
}

// beginCycle starts a fresh paid cycle with the full plan allowance.
func beginCycle(acct *Account, plan Plan, c Cycle) {
	acct.MinutesUsed = 0
	acct.IncludedMinutes = plan.IncludedMinutes
	acct.CycleStart, acct.CycleEnd = c.Start, c.End
}

// beginTrial grants the plan's trial minutes once per account. A second trial
// runs with no included minutes.
func beginTrial(acct *Account, plan Plan, c Cycle) {
	acct.MinutesUsed = 0
	acct.IncludedMinutes = 0
	if !acct.TrialUsed {
		acct.IncludedMinutes = plan.TrialMinutes
		acct.TrialUsed = true
	}
	acct.CycleStart, acct.CycleEnd = c.Start, c.End
}

// AddCredits adds purchased credits to an account. A non-empty idempotency
// key makes the purchase apply at most once; a repeat returns
// ErrEventAlreadyApplied.
func (m *Manager) AddCredits(ctx context.Context, userID string, credits int, idempotencyKey string) (*Account, error) {
	if credits <= 0 {
		return nil, fmt.Errorf("%w: credits must be positive, got %d", ErrInvalidAmount, credits)
	}

	mut, err := m.transact(ctx, "add_credits", userID, func(_ context.Context, acct *Account, _ time.Time) (*Mutation, error) {
		acct.CreditBalance += credits
		mut := &Mutation{}
		if idempotencyKey != "" {
			mut.EventKey = creditKeyPrefix + idempotencyKey
		}
		return mut, nil
	})
	if err != nil {
		if !errors.Is(err, ErrEventAlreadyApplied) {
			m.logger.Error("Failed to add credits",
				F("user_id", userID), F("credits", credits), F("error", err.Error()))
		}
		return nil, err
	}

	m.metrics.RecordCredits("purchase", credits)
	m.logger.Info("Credits added",
		F("user_id", userID), F("credits", credits), F("balance", mut.Account.CreditBalance))
	return mut.Account.Clone(), nil
}
