package stripe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/minutequota/pkg/billing"
	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

// syncUserFromAPI rebuilds a user's subscription state from the Stripe API.
// It applies a synthetic billing event stamped with the current time, so it
// wins over any webhook already applied.
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (minutequota.PlanID, error) {
	startTime := time.Now()
	finish := func(status string) {
		p.metrics.RecordUserSync(providerName, status)
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	}

	customerID, err := p.resolveCustomerID(ctx, userID)
	if errors.Is(err, billing.ErrUserNotFound) || errors.Is(err, billing.ErrCustomerNotFound) {
		// no Stripe customer means no subscription
		if err := p.applySync(ctx, userID, nil); err != nil {
			finish("error")
			return minutequota.PlanNone, err
		}
		finish("success")
		return minutequota.PlanNone, nil
	}
	if err != nil {
		finish("error")
		return minutequota.PlanNone, err
	}

	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	var subscriptions []*stripe.Subscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
			finish("error")
			return minutequota.PlanNone, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		subscriptions = append(subscriptions, sub)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "success")

	best := p.selectSubscription(subscriptions)
	if err := p.applySync(ctx, userID, best); err != nil {
		finish("error")
		return minutequota.PlanNone, err
	}
	finish("success")

	if best == nil {
		return minutequota.PlanNone, nil
	}
	return best.plan, nil
}

// syncedSubscription is the subscription a sync settles on.
type syncedSubscription struct {
	id         string
	plan       minutequota.PlanID
	status     minutequota.SubscriptionStatus
	cycleStart time.Time
	cycleEnd   time.Time
	created    int64
}

// selectSubscription picks the live subscription with the largest plan. Ties
// go to the most recently created one.
func (p *Provider) selectSubscription(subscriptions []*stripe.Subscription) *syncedSubscription {
	var best *syncedSubscription
	for _, sub := range subscriptions {
		status := mapStatus(string(sub.Status))
		if status != minutequota.StatusActive && status != minutequota.StatusTrialing && status != minutequota.StatusPastDue {
			continue
		}

		cand := &syncedSubscription{id: sub.ID, plan: minutequota.PlanNone, status: status, created: sub.Created}
		if sub.Items != nil {
			for _, item := range sub.Items.Data {
				if item == nil || item.Price == nil {
					continue
				}
				plan := p.MapPriceToPlan(item.Price.ID)
				if plan == minutequota.PlanNone && item.Price.Product != nil {
					plan = p.MapPriceToPlan(item.Price.Product.ID)
				}
				if plan == minutequota.PlanNone {
					continue
				}
				cand.plan = p.betterPlan(cand.plan, plan)
				if cand.cycleStart.IsZero() && item.CurrentPeriodStart > 0 && item.CurrentPeriodEnd > item.CurrentPeriodStart {
					cand.cycleStart, cand.cycleEnd = unix(item.CurrentPeriodStart), unix(item.CurrentPeriodEnd)
				}
			}
		}
		if cand.plan == minutequota.PlanNone {
			continue
		}

		if best == nil ||
			p.planWeight(cand.plan) > p.planWeight(best.plan) ||
			(cand.plan == best.plan && cand.created > best.created) {
			best = cand
		}
	}
	return best
}

func (p *Provider) applySync(ctx context.Context, userID string, sub *syncedSubscription) error {
	now := time.Now().UTC()
	ev := minutequota.BillingEvent{
		ID:         "sync:" + userID + ":" + strconv.FormatInt(now.UnixNano(), 10),
		UserID:     userID,
		Type:       minutequota.EventSubscriptionCanceled,
		OccurredAt: now,
	}
	if sub != nil {
		ev.Type = minutequota.EventSubscriptionUpdated
		ev.PlanID = sub.plan
		ev.Status = sub.status
		ev.CycleStart, ev.CycleEnd = sub.cycleStart, sub.cycleEnd
	}

	err := p.manager.ApplyBillingEvent(ctx, ev)
	if err != nil && !errors.Is(err, minutequota.ErrEventAlreadyApplied) {
		return fmt.Errorf("failed to apply synced subscription: %w", err)
	}
	return nil
}

// resolveCustomerID attempts to find the Stripe Customer ID for a user.
// Uses the fast path (CustomerIDResolver) if available, otherwise falls back
// to the slow Stripe Search API.
func (p *Provider) resolveCustomerID(ctx context.Context, userID string) (string, error) {
	// FAST PATH: App provides the mapping (O(1))
	if p.customerIDResolver != nil {
		customerID, err := p.customerIDResolver(ctx, userID)
		if err == nil && customerID != "" {
			return customerID, nil
		}
		p.logger.Debug("Customer resolver missed, falling back to search",
			minutequota.F("user_id", userID))
	}

	// SLOW PATH: Stripe Search API (O(N), ~500ms, eventually consistent)
	p.metrics.RecordAPICall(providerName, "/customers/search", "slow_path")
	return p.searchCustomerByMetadata(ctx, userID)
}

// searchCustomerByMetadata searches for a customer by metadata using Stripe Search API
func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserID, strings.ReplaceAll(userID, "'", `\'`))

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("stripe search error: %w", err)
		}
		// Verify exact match (Search API can return partial matches)
		if cust.Metadata[metadataUserID] == userID {
			return cust.ID, nil
		}
	}

	return "", billing.ErrUserNotFound
}
