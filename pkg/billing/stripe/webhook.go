package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/minutequota/pkg/billing"
	"github.com/mihaimyh/minutequota/pkg/billing/internal"
	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

// outcome is what a webhook did to an account. A nil outcome means the event
// was ignored.
type outcome struct {
	userID    string
	billing   *minutequota.BillingEvent
	credits   int
	duplicate bool
	metadata  map[string]string
}

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, maxWebhookBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), string(p.webhookSecret),
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}
	done := func(status string) {
		p.metrics.RecordWebhookEvent(providerName, eventType, status)
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	}

	out, err := p.processWebhookEvent(r.Context(), &event)
	if err != nil {
		p.logger.Error("Stripe webhook processing failed",
			minutequota.F("event_id", event.ID), minutequota.F("type", eventType), minutequota.F("error", err.Error()))
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookError(providerName, "processing_error")
		done("error")
		return
	}

	status := "ignored"
	if out != nil {
		status = "success"
		if out.duplicate {
			status = "duplicate"
		}
		if err := p.notify(r.Context(), &event, out); err != nil {
			p.logger.Error("Webhook callback failed",
				minutequota.F("event_id", event.ID), minutequota.F("user_id", out.userID), minutequota.F("error", err.Error()))
			http.Error(w, "webhook callback failed", http.StatusInternalServerError)
			p.metrics.RecordWebhookError(providerName, "callback_error")
			done("error")
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		return
	}
	done(status)
}

func (p *Provider) notify(ctx context.Context, event *stripe.Event, out *outcome) error {
	if p.callback == nil {
		return nil
	}
	return p.callback(ctx, billing.WebhookEvent{
		UserID:         out.userID,
		Provider:       providerName,
		EventID:        event.ID,
		EventType:      string(event.Type),
		EventTimestamp: unix(event.Created),
		Billing:        out.billing,
		Credits:        out.credits,
		Duplicate:      out.duplicate,
		Metadata:       out.metadata,
	})
}

// processWebhookEvent translates one Stripe event into an account change.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) (*outcome, error) {
	if event.Data == nil {
		return nil, billing.ErrInvalidWebhookPayload
	}

	var (
		out *outcome
		err error
	)
	switch event.Type {
	case "customer.subscription.created":
		out, err = p.handleSubscription(ctx, event, minutequota.EventSubscriptionCreated)
	case "customer.subscription.updated":
		out, err = p.handleSubscription(ctx, event, minutequota.EventSubscriptionUpdated)
	case "customer.subscription.deleted":
		out, err = p.handleSubscription(ctx, event, minutequota.EventSubscriptionCanceled)
	case "invoice.payment_succeeded":
		out, err = p.handleInvoicePaid(ctx, event)
	case "invoice.payment_failed":
		out, err = p.handleInvoicePaymentFailed(ctx, event)
	case "checkout.session.completed":
		out, err = p.handleCheckoutSessionCompleted(ctx, event)
	default:
		// Unknown event type - ignore silently
		return nil, nil
	}

	if errors.Is(err, billing.ErrUserNotFound) {
		p.logger.Warn("Stripe event has no user_id, ignoring",
			minutequota.F("event_id", event.ID), minutequota.F("type", event.Type))
		return nil, nil
	}
	return out, err
}

// handleSubscription processes customer.subscription.* events
func (p *Provider) handleSubscription(
	ctx context.Context, event *stripe.Event, typ minutequota.BillingEventType,
) (*outcome, error) {
	var sub subscriptionPayload
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}

	userID, err := p.extractUserID(ctx, sub.Metadata, string(sub.Customer))
	if err != nil {
		return nil, err
	}

	start, end := sub.period()
	ev := minutequota.BillingEvent{
		ID:         event.ID,
		UserID:     userID,
		Type:       typ,
		Status:     mapStatus(sub.Status),
		CycleStart: start,
		CycleEnd:   end,
		OccurredAt: unix(event.Created),
	}
	if typ != minutequota.EventSubscriptionCanceled {
		ev.PlanID = p.planFromItems(sub.Items.Data)
	}

	return p.applyBilling(ctx, ev, map[string]string{"subscription_id": sub.ID})
}

// handleInvoicePaid renews the cycle when a recurring invoice is paid.
// The first invoice of a subscription is covered by the created event.
func (p *Provider) handleInvoicePaid(ctx context.Context, event *stripe.Event) (*outcome, error) {
	var inv invoicePayload
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if inv.BillingReason != "subscription_cycle" || inv.subscriptionID() == "" {
		return nil, nil
	}

	userID, err := p.extractUserID(ctx, inv.details().Metadata, string(inv.Customer))
	if err != nil {
		return nil, err
	}

	start, end := inv.period()
	return p.applyBilling(ctx, minutequota.BillingEvent{
		ID:         event.ID,
		UserID:     userID,
		Type:       minutequota.EventSubscriptionRenewed,
		Status:     minutequota.StatusActive,
		CycleStart: start,
		CycleEnd:   end,
		OccurredAt: unix(event.Created),
	}, map[string]string{"invoice_id": inv.ID, "subscription_id": inv.subscriptionID()})
}

// handleInvoicePaymentFailed marks the subscription past due
func (p *Provider) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event) (*outcome, error) {
	var inv invoicePayload
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if inv.subscriptionID() == "" {
		return nil, nil
	}

	userID, err := p.extractUserID(ctx, inv.details().Metadata, string(inv.Customer))
	if err != nil {
		return nil, err
	}

	return p.applyBilling(ctx, minutequota.BillingEvent{
		ID:         event.ID,
		UserID:     userID,
		Type:       minutequota.EventPaymentFailed,
		OccurredAt: unix(event.Created),
	}, map[string]string{"invoice_id": inv.ID, "subscription_id": inv.subscriptionID()})
}

// handleCheckoutSessionCompleted credits one-time purchases. For subscription
// checkouts it copies the user id onto the subscription so that later
// subscription events can be attributed.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) (*outcome, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("%w: checkout session: %v", billing.ErrInvalidWebhookPayload, err)
	}

	userID := session.Metadata[metadataUserID]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: checkout session %s", billing.ErrUserNotFound, session.ID)
	}

	switch session.Mode {
	case stripe.CheckoutSessionModeSubscription:
		if session.Subscription == nil || session.Subscription.ID == "" {
			return nil, nil
		}
		return nil, p.patchSubscriptionUser(ctx, session.Subscription.ID, userID)
	case stripe.CheckoutSessionModePayment:
	default:
		return nil, nil
	}

	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		// async payment methods settle later
		return nil, nil
	}

	credits, err := strconv.Atoi(session.Metadata[metadataCredits])
	if err != nil || credits <= 0 {
		p.logger.Warn("Checkout session without a credit amount, ignoring",
			minutequota.F("session_id", session.ID), minutequota.F("user_id", userID))
		return nil, nil
	}

	out := &outcome{
		userID:   userID,
		credits:  credits,
		metadata: map[string]string{"session_id": session.ID},
	}
	key := providerName + ":" + session.ID
	_, err = p.manager.AddCredits(ctx, userID, credits, key)
	if errors.Is(err, minutequota.ErrAccountNotFound) {
		if _, err = p.manager.CreateAccount(ctx, userID); err == nil {
			_, err = p.manager.AddCredits(ctx, userID, credits, key)
		}
	}
	switch {
	case errors.Is(err, minutequota.ErrEventAlreadyApplied):
		out.duplicate = true
	case err != nil:
		return nil, err
	default:
		p.metrics.RecordCreditPurchase(providerName, credits)
	}
	return out, nil
}

func (p *Provider) patchSubscriptionUser(ctx context.Context, subscriptionID, userID string) error {
	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/retrieve", "error")
		return fmt.Errorf("failed to fetch subscription: %w", err)
	}
	if sub.Metadata[metadataUserID] != "" {
		return nil
	}

	params := &stripe.SubscriptionUpdateParams{}
	params.AddMetadata(metadataUserID, userID)
	if _, err := p.stripeClient.V1Subscriptions.Update(ctx, subscriptionID, params); err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/update", "error")
		return fmt.Errorf("failed to patch subscription metadata: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/update", "success")
	return nil
}

func (p *Provider) applyBilling(
	ctx context.Context, ev minutequota.BillingEvent, metadata map[string]string,
) (*outcome, error) {
	out := &outcome{userID: ev.UserID, billing: &ev, metadata: metadata}
	err := p.manager.ApplyBillingEvent(ctx, ev)
	switch {
	case errors.Is(err, minutequota.ErrEventAlreadyApplied):
		out.duplicate = true
	case err != nil:
		return nil, err
	}
	return out, nil
}

// extractUserID reads user_id from the object's metadata, falling back to the
// customer's metadata.
func (p *Provider) extractUserID(ctx context.Context, metadata map[string]string, customerID string) (string, error) {
	if userID := metadata[metadataUserID]; userID != "" {
		return userID, nil
	}

	if customerID != "" {
		cust, err := p.stripeClient.V1Customers.Retrieve(ctx, customerID, nil)
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/customers/retrieve", "error")
			return "", fmt.Errorf("failed to fetch customer %s: %w", customerID, err)
		}
		p.metrics.RecordAPICall(providerName, "/customers/retrieve", "success")
		if userID := cust.Metadata[metadataUserID]; userID != "" {
			return userID, nil
		}
	}

	return "", billing.ErrUserNotFound
}

// planFromItems picks the largest plan among the subscription items. Items
// match on price id, lookup key or product id.
func (p *Provider) planFromItems(items []subscriptionItemPayload) minutequota.PlanID {
	best := minutequota.PlanNone
	for _, item := range items {
		for _, key := range []string{item.Price.ID, item.Price.LookupKey, string(item.Price.Product)} {
			if plan := p.MapPriceToPlan(key); plan != minutequota.PlanNone {
				best = p.betterPlan(best, plan)
				break
			}
		}
	}
	return best
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
