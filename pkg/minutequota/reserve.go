package minutequota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Reserve atomically holds capacity for a job. The admission decision is made
// again against the account as it is at commit time, subscription minutes
// are added to the reserved count and credits are debited immediately.
//
// Reserving an already reserved job returns the existing reservation.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	res, _, err := m.ReserveJob(ctx, req)
	return res, err
}

// ReserveJob is Reserve that also reports whether this call created the
// reservation. Only the creator should run the job; concurrent retries of
// the same job id get created == false.
func (m *Manager) ReserveJob(ctx context.Context, req ReserveRequest) (res *Reservation, created bool, err error) {
	if req.UserID == "" || req.JobID == "" {
		return nil, false, fmt.Errorf("%w: user id and job id are required", ErrInvalidRequest)
	}

	var (
		existing bool
		funding  FundingPlan
	)
	_, err = m.transact(ctx, "reserve", req.UserID, func(ctx context.Context, acct *Account, now time.Time) (*Mutation, error) {
		existing = false
		prior, err := m.storage.FindReservation(ctx, req.UserID, req.JobID)
		switch {
		case err == nil:
			res, existing = prior, true
			return nil, nil
		case !errors.Is(err, ErrReservationNotFound):
			return nil, err
		}

		funding, err = PlanFunding(acct, m.catalog, req.Mode, req.EstimatedMinutes)
		if err != nil {
			return nil, err
		}

		acct.MinutesReserved += funding.SubscriptionMinutes
		acct.CreditBalance -= funding.CreditsToCharge

		res = &Reservation{
			ID:                  m.newID(),
			UserID:              req.UserID,
			JobID:               req.JobID,
			Mode:                req.Mode,
			EstimatedMinutes:    req.EstimatedMinutes,
			SubscriptionMinutes: funding.SubscriptionMinutes,
			CreditMinutes:       funding.CreditMinutes,
			CreditsCharged:      funding.CreditsToCharge,
			CreditRate:          funding.CreditRate,
			State:               ReservationPending,
			CreatedAt:           now,
		}
		return &Mutation{Reservation: res}, nil
	})
	if err != nil {
		m.metrics.RecordReservation(req.Mode, "", outcomeOf(err), req.EstimatedMinutes)
		m.logger.Debug("Reservation rejected",
			F("user_id", req.UserID), F("job_id", req.JobID), F("mode", req.Mode),
			F("minutes", req.EstimatedMinutes), F("error", err.Error()))
		return nil, false, err
	}
	if existing {
		m.logger.Debug("Reservation already exists for job",
			F("user_id", req.UserID), F("job_id", req.JobID), F("reservation_id", res.ID))
		return res, false, nil
	}

	m.metrics.RecordReservation(req.Mode, funding.Source, "ok", req.EstimatedMinutes)
	if funding.CreditsToCharge > 0 {
		m.metrics.RecordCredits("debit", funding.CreditsToCharge)
	}
	m.logger.Debug("Reservation created",
		F("user_id", req.UserID), F("job_id", req.JobID), F("reservation_id", res.ID),
		F("subscription_minutes", res.SubscriptionMinutes), F("credit_minutes", res.CreditMinutes),
		F("credits_charged", res.CreditsCharged))
	return res.Clone(), true, nil
}

// Confirm settles a pending reservation with the minutes the job actually
// used and appends one usage record in the same commit.
//
// When the job ran over its estimate and the extra minutes cannot be fully
// charged, the confirm still commits: the record is returned together with a
// *ReconciliationError and the missing credits are kept on the account.
func (m *Manager) Confirm(ctx context.Context, reservationID string, actualMinutes int) (*UsageRecord, error) {
	if actualMinutes < 0 {
		return nil, fmt.Errorf("%w: actual minutes must not be negative, got %d", ErrInvalidAmount, actualMinutes)
	}
	res, err := m.lookupReservation(ctx, "confirm", reservationID)
	if err != nil {
		return nil, err
	}

	var (
		record *UsageRecord
		result settlement
	)
	_, err = m.transact(ctx, "confirm", res.UserID, func(ctx context.Context, acct *Account, now time.Time) (*Mutation, error) {
		cur, err := m.storage.GetReservation(ctx, reservationID)
		if err != nil {
			return nil, err
		}
		if err := finalizable(cur); err != nil {
			return nil, err
		}

		result = settle(acct, cur, actualMinutes)

		cur.State = ReservationConfirmed
		cur.ActualMinutes = actualMinutes
		cur.FinalizedAt = &now

		record = &UsageRecord{
			ID:              m.newID(),
			UserID:          cur.UserID,
			JobID:           cur.JobID,
			ReservationID:   cur.ID,
			Mode:            cur.Mode,
			MinutesUsed:     actualMinutes,
			CreditsUsed:     result.creditsUsed,
			CreditShortfall: result.shortfall,
			Source:          result.source(),
			Timestamp:       now,
			CycleStart:      acct.CycleStart,
			CycleEnd:        acct.CycleEnd,
		}
		return &Mutation{Reservation: cur, Usage: record}, nil
	})
	m.metrics.RecordFinalization("confirm", outcomeOf(err))
	if err != nil {
		m.logOrderingError("confirm", reservationID, err)
		return nil, err
	}

	m.metrics.RecordMinutes(record.Source, record.MinutesUsed)
	if result.creditsRefunded > 0 {
		m.metrics.RecordCredits("refund", result.creditsRefunded)
	}
	if extra := result.creditsUsed - (res.CreditsCharged - result.creditsRefunded); extra > 0 {
		m.metrics.RecordCredits("debit", extra)
	}

	if result.shortfall > 0 {
		m.metrics.RecordReconciliation(result.shortfall)
		m.logger.Error("Usage exceeded reservation and credits; shortfall recorded",
			F("user_id", record.UserID), F("reservation_id", reservationID),
			F("actual_minutes", actualMinutes), F("shortfall_credits", result.shortfall))
		return record, &ReconciliationError{
			UserID:           record.UserID,
			ReservationID:    reservationID,
			ShortfallCredits: result.shortfall,
		}
	}
	return record, nil
}

// Release returns a pending reservation's minutes and credits. Releasing a
// released reservation is a no-op; releasing a confirmed one fails with
// ErrAlreadyFinalized.
func (m *Manager) Release(ctx context.Context, reservationID string) error {
	res, err := m.lookupReservation(ctx, "release", reservationID)
	if err != nil {
		return err
	}
	if res.State == ReservationReleased {
		return nil
	}

	var refunded int
	_, err = m.transact(ctx, "release", res.UserID, func(ctx context.Context, acct *Account, now time.Time) (*Mutation, error) {
		cur, err := m.storage.GetReservation(ctx, reservationID)
		if err != nil {
			return nil, err
		}
		if cur.State == ReservationReleased {
			return nil, nil
		}
		if err := finalizable(cur); err != nil {
			return nil, err
		}

		unreserve(acct, cur)
		refunded = cur.CreditsCharged
		cur.State = ReservationReleased
		cur.FinalizedAt = &now
		return &Mutation{Reservation: cur}, nil
	})
	m.metrics.RecordFinalization("release", outcomeOf(err))
	if err != nil {
		m.logOrderingError("release", reservationID, err)
		return err
	}
	if refunded > 0 {
		m.metrics.RecordCredits("refund", refunded)
	}
	return nil
}

// ReleaseStale releases reservations that have been pending longer than
// olderThan, for jobs whose workers died without confirming or releasing.
// It returns how many reservations it released.
func (m *Manager) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := m.now().Add(-olderThan)
	stale, err := m.storage.ListPendingReservations(ctx, cutoff, m.config.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending reservations: %w", err)
	}

	released := 0
	var errs error
	for _, res := range stale {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		err := m.Release(ctx, res.ID)
		switch {
		case err == nil:
			released++
			m.logger.Warn("Released stale reservation",
				F("user_id", res.UserID), F("job_id", res.JobID), F("reservation_id", res.ID),
				F("age", m.now().Sub(res.CreatedAt).String()))
		case errors.Is(err, ErrAlreadyFinalized):
			// confirmed between the listing and the release
		default:
			errs = multierr.Append(errs, fmt.Errorf("release %s: %w", res.ID, err))
		}
	}
	return released, errs
}

func (m *Manager) lookupReservation(ctx context.Context, op, reservationID string) (*Reservation, error) {
	if reservationID == "" {
		return nil, fmt.Errorf("%w: reservation id is required", ErrInvalidRequest)
	}
	res, err := m.storage.GetReservation(ctx, reservationID)
	if err != nil {
		m.metrics.RecordFinalization(op, outcomeOf(err))
		m.logOrderingError(op, reservationID, err)
		return nil, err
	}
	return res, nil
}

// logOrderingError reports finalization calls that indicate a caller bug.
func (m *Manager) logOrderingError(op, reservationID string, err error) {
	if errors.Is(err, ErrAlreadyFinalized) || errors.Is(err, ErrNotFound) {
		m.logger.Error("Reservation finalization rejected",
			F("operation", op), F("reservation_id", reservationID), F("error", err.Error()))
	}
}
