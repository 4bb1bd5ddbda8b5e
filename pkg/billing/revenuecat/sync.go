package revenuecat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

// subscriberResponse is the part of GET /subscribers/{id} the provider reads
type subscriberResponse struct {
	Subscriber struct {
		Entitlements  map[string]entitlementInfo  `json:"entitlements"`
		Subscriptions map[string]subscriptionInfo `json:"subscriptions"`
	} `json:"subscriber"`
}

type entitlementInfo struct {
	ExpiresDate       *string `json:"expires_date"`
	PurchaseDate      *string `json:"purchase_date"`
	ProductIdentifier string  `json:"product_identifier"`
}

type subscriptionInfo struct {
	PeriodType              string  `json:"period_type"`
	BillingIssuesDetectedAt *string `json:"billing_issues_detected_at"`
}

// syncedSubscription is the entitlement a sync settles on.
type syncedSubscription struct {
	plan       minutequota.PlanID
	status     minutequota.SubscriptionStatus
	cycleStart time.Time
	cycleEnd   time.Time
}

// syncUserFromAPI rebuilds a user's subscription state from the RevenueCat
// REST API. Like the Stripe sync it applies a synthetic event stamped with
// the current time.
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (minutequota.PlanID, error) {
	startTime := time.Now()
	finish := func(status string) {
		p.metrics.RecordUserSync(providerName, status)
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	}

	if p.apiKey == "" {
		finish("error")
		return minutequota.PlanNone, fmt.Errorf("revenuecat API key not configured")
	}

	sub, err := p.fetchSubscriber(ctx, userID)
	if err != nil {
		finish("error")
		return minutequota.PlanNone, err
	}

	best := p.selectEntitlement(sub)
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

// fetchSubscriber returns nil when RevenueCat does not know the user.
func (p *Provider) fetchSubscriber(ctx context.Context, userID string) (*subscriberResponse, error) {
	endpoint := fmt.Sprintf("%s/subscribers/%s", p.apiBaseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")

	res, err := p.httpClient.Do(req)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscribers", "error")
		return nil, fmt.Errorf("failed to fetch subscriber: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxWebhookBytes*4))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscribers", "error")
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case res.StatusCode == http.StatusNotFound:
		p.metrics.RecordAPICall(providerName, "/subscribers", "success")
		return nil, nil
	case res.StatusCode < 200 || res.StatusCode >= 300:
		p.metrics.RecordAPICall(providerName, "/subscribers", "error")
		return nil, fmt.Errorf("revenuecat API error: status %d, body: %s", res.StatusCode, string(body))
	}
	p.metrics.RecordAPICall(providerName, "/subscribers", "success")

	var payload subscriberResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &payload, nil
}

// selectEntitlement picks the unexpired entitlement with the largest plan.
// Entitlements that do not map fall back to their product id.
func (p *Provider) selectEntitlement(sub *subscriberResponse) *syncedSubscription {
	if sub == nil {
		return nil
	}
	now := p.now()

	var best *syncedSubscription
	for id, ent := range sub.Subscriber.Entitlements {
		expires, err := parseRevenueCatTime(ent.ExpiresDate)
		if err == nil && !expires.IsZero() && !expires.After(now) {
			continue
		}

		plan := p.MapToPlan(id)
		if plan == minutequota.PlanNone {
			plan = p.MapToPlan(ent.ProductIdentifier)
		}
		if plan == minutequota.PlanNone {
			continue
		}
		if best != nil && p.planWeight(plan) <= p.planWeight(best.plan) {
			continue
		}

		cand := &syncedSubscription{plan: plan, status: minutequota.StatusActive}
		if s, ok := sub.Subscriber.Subscriptions[ent.ProductIdentifier]; ok {
			switch {
			case s.BillingIssuesDetectedAt != nil:
				cand.status = minutequota.StatusPastDue
			case strings.EqualFold(s.PeriodType, "trial"):
				cand.status = minutequota.StatusTrialing
			}
		}
		if purchased, err := parseRevenueCatTime(ent.PurchaseDate); err == nil && expires.After(purchased) {
			cand.cycleStart, cand.cycleEnd = purchased, expires
		}
		best = cand
	}
	return best
}

func (p *Provider) applySync(ctx context.Context, userID string, sub *syncedSubscription) error {
	now := p.now().UTC()
	ev := minutequota.BillingEvent{
		ID:         "sync:" + providerName + ":" + userID + ":" + strconv.FormatInt(now.UnixNano(), 10),
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

// parseRevenueCatTime parses an optional RevenueCat timestamp. A nil or empty
// value is the zero time.
func parseRevenueCatTime(value *string) (time.Time, error) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return time.Time{}, nil
	}
	v := strings.TrimSpace(*value)
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unable to parse time: %s", v)
}
