package minutequota

import "fmt"

// PlanFunding decides whether a job of the given size may run on the account
// and how it is paid for. It never mutates the account.
//
// The subscription allowance is drawn first; the rest is priced in credits
// at the plan's rate for mode. When the allowance falls short the rejection
// is ErrQuotaExceeded if the account holds no credits at all and
// ErrInsufficientCredits otherwise. Without a usable subscription the
// rejection is always ErrInsufficientCredits.
func PlanFunding(acct *Account, catalog *Catalog, mode Mode, minutes int) (FundingPlan, error) {
	if minutes <= 0 {
		return FundingPlan{}, fmt.Errorf("%w: estimated minutes must be positive, got %d", ErrInvalidAmount, minutes)
	}
	if !mode.Valid() {
		return FundingPlan{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	plan, _ := catalog.PlanFor(acct.PlanID)
	rate := catalog.RateFor(plan, mode)

	if !acct.SubscriptionUsable(mode) {
		needed := minutes * rate
		if acct.CreditBalance < needed {
			return FundingPlan{}, fmt.Errorf("%w: need %d credits, have %d",
				ErrInsufficientCredits, needed, acct.CreditBalance)
		}
		return FundingPlan{
			CreditMinutes:   minutes,
			CreditsToCharge: needed,
			CreditRate:      rate,
			Source:          SourceCredits,
		}, nil
	}

	available := acct.AvailableMinutes()
	if available >= minutes {
		return FundingPlan{
			SubscriptionMinutes: minutes,
			CreditRate:          rate,
			Source:              SourceSubscription,
		}, nil
	}

	overage := minutes - available
	needed := overage * rate
	if acct.CreditBalance < needed {
		if acct.CreditBalance == 0 {
			return FundingPlan{}, fmt.Errorf("%w: %d minutes available, %d requested",
				ErrQuotaExceeded, available, minutes)
		}
		return FundingPlan{}, fmt.Errorf("%w: overage of %d minutes needs %d credits, have %d",
			ErrInsufficientCredits, overage, needed, acct.CreditBalance)
	}

	source := SourceOverage
	if available == 0 {
		source = SourceCredits
	}
	return FundingPlan{
		SubscriptionMinutes: available,
		CreditMinutes:       overage,
		CreditsToCharge:     needed,
		CreditRate:          rate,
		Source:              source,
	}, nil
}

// settlement is the outcome of confirming a reservation.
type settlement struct {
	subscriptionMinutes int
	creditMinutes       int
	creditsUsed         int
	creditsRefunded     int
	shortfall           int
}

func (s settlement) source() FundingSource {
	switch {
	case s.creditsUsed == 0 && s.shortfall == 0:
		return SourceSubscription
	case s.subscriptionMinutes == 0:
		return SourceCredits
	default:
		return SourceOverage
	}
}

// settle applies actual usage to acct for a pending reservation.
//
// Actual minutes consume the subscription hold first, then the credit funded
// minutes. Unused credit funded minutes are refunded at the reserved rate.
// Minutes beyond the estimate draw on any remaining allowance and then on
// credits; whatever cannot be debited becomes a shortfall on the account.
func settle(acct *Account, res *Reservation, actual int) settlement {
	var s settlement

	s.subscriptionMinutes = min(actual, res.SubscriptionMinutes)
	rest := actual - s.subscriptionMinutes
	heldCredits := min(rest, res.CreditMinutes)
	excess := rest - heldCredits

	acct.MinutesReserved = max(acct.MinutesReserved-res.SubscriptionMinutes, 0)
	acct.MinutesUsed += s.subscriptionMinutes

	s.creditMinutes = heldCredits
	s.creditsUsed = heldCredits * res.CreditRate
	s.creditsRefunded = res.CreditsCharged - s.creditsUsed
	acct.CreditBalance += s.creditsRefunded

	if excess == 0 {
		return s
	}

	if acct.SubscriptionUsable(res.Mode) {
		extra := min(excess, acct.AvailableMinutes())
		acct.MinutesUsed += extra
		s.subscriptionMinutes += extra
		excess -= extra
	}
	if excess == 0 {
		return s
	}

	needed := excess * res.CreditRate
	debit := min(needed, acct.CreditBalance)
	acct.CreditBalance -= debit
	s.creditMinutes += excess
	s.creditsUsed += debit
	s.shortfall = needed - debit
	acct.CreditShortfall += s.shortfall
	return s
}

// unreserve returns a pending reservation's hold to the account.
func unreserve(acct *Account, res *Reservation) {
	acct.MinutesReserved = max(acct.MinutesReserved-res.SubscriptionMinutes, 0)
	acct.CreditBalance += res.CreditsCharged
}

// finalizable guards the single terminal transition of a reservation.
func finalizable(res *Reservation) error {
	if res.Pending() {
		return nil
	}
	return fmt.Errorf("%w: reservation %s is %s", ErrAlreadyFinalized, res.ID, res.State)
}
