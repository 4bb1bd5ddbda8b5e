package stripe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/minutequota/pkg/billing"
	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

// CreditPack describes a one-time credit purchase
type CreditPack struct {
	Credits int
	// UnitAmount is the total price in the currency's smallest unit
	UnitAmount int64
	// Currency defaults to "usd"
	Currency string
}

// CheckoutURL creates a Stripe Checkout Session for a plan subscription and
// returns its URL. The plan is resolved to a Stripe Price ID through the
// configured PlanMapping.
func (p *Provider) CheckoutURL(ctx context.Context, userID string, plan minutequota.PlanID, successURL, cancelURL string) (string, error) {
	priceID := p.priceIDForPlan(plan)
	if priceID == "" {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "plan_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, plan)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}

	// subscription events are attributed through this metadata
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserID, userID)
	params.AddMetadata(metadataUserID, userID)

	return p.createCheckoutSession(ctx, userID, params)
}

// CreditCheckoutURL creates a one-time Checkout Session that buys pack.Credits
// credits. The credits are added when checkout.session.completed arrives.
func (p *Provider) CreditCheckoutURL(ctx context.Context, userID string, pack CreditPack, successURL, cancelURL string) (string, error) {
	if pack.Credits <= 0 || pack.UnitAmount <= 0 {
		return "", fmt.Errorf("%w: credit pack of %d credits for %d", minutequota.ErrInvalidAmount, pack.Credits, pack.UnitAmount)
	}
	currency := strings.ToLower(pack.Currency)
	if currency == "" {
		currency = "usd"
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency: stripe.String(currency),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("%d transcription credits", pack.Credits)),
					},
					UnitAmount: stripe.Int64(pack.UnitAmount),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}
	params.AddMetadata(metadataUserID, userID)
	params.AddMetadata(metadataCredits, strconv.Itoa(pack.Credits))

	return p.createCheckoutSession(ctx, userID, params)
}

func (p *Provider) createCheckoutSession(ctx context.Context, userID string, params *stripe.CheckoutSessionCreateParams) (string, error) {
	// Only "not found" is tolerated; on real errors a second customer could
	// be created.
	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil && !errors.Is(err, billing.ErrCustomerNotFound) && !errors.Is(err, billing.ErrUserNotFound) {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "customer_resolution_failed")
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	if customerID != "" {
		params.Customer = stripe.String(customerID)
	} else {
		params.ClientReferenceID = stripe.String(userID)
		if params.Mode != nil && *params.Mode == string(stripe.CheckoutSessionModePayment) {
			params.CustomerCreation = stripe.String("always")
		}
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	return session.URL, nil
}

// PortalURL creates a Stripe Customer Portal Session and returns the URL.
// This allows users to manage their subscription, update payment methods, or cancel.
func (p *Provider) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "customer_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, userID)
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")
	return session.URL, nil
}

// priceIDForPlan returns a Stripe Price ID that maps to plan. When several
// prices map to the same plan, the lexically smallest one wins.
func (p *Provider) priceIDForPlan(plan minutequota.PlanID) string {
	for _, id := range p.prices[plan] {
		if strings.HasPrefix(id, "price_") {
			return id
		}
	}
	return ""
}
