package stripe

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/minutequota/pkg/billing"
	"github.com/mihaimyh/minutequota/pkg/billing/internal"
	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBytes          = 256 * 1024

	// metadataUserID links Stripe objects to the internal user id
	metadataUserID = "user_id"
	// metadataCredits carries the credit amount of a one-time checkout
	metadataCredits = "credits"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Manager, PlanMapping, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// Performance Hook (Optional)
	// If provided, SyncUser uses this for O(1) customer lookup
	// If nil, falls back to slow Stripe Search API
	CustomerIDResolver func(context.Context, string) (string, error)

	// RateLimit caps webhook requests per client IP per minute. Default 100.
	RateLimit int
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	manager            *minutequota.Manager
	planMapping        map[string]minutequota.PlanID // Price/Product ID -> Plan
	prices             map[minutequota.PlanID][]string
	webhookSecret      []byte
	apiKey             string
	stripeClient       *stripe.Client
	rateLimiter        *internal.RateLimiter
	customerIDResolver func(context.Context, string) (string, error)
	callback           func(context.Context, billing.WebhookEvent) error
	metrics            billing.Metrics
	logger             minutequota.Logger
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	planMapping := make(map[string]minutequota.PlanID, len(config.PlanMapping))
	prices := make(map[minutequota.PlanID][]string)
	for k, v := range config.PlanMapping {
		k = strings.TrimSpace(k)
		planMapping[strings.ToLower(k)] = v
		prices[v] = append(prices[v], k)
	}
	for _, ids := range prices {
		slices.Sort(ids)
	}

	limit := config.RateLimit
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &minutequota.NoopLogger{}
	}

	return &Provider{
		manager:            config.Manager,
		planMapping:        planMapping,
		prices:             prices,
		webhookSecret:      []byte(strings.TrimSpace(config.StripeWebhookSecret)),
		apiKey:             apiKey,
		stripeClient:       stripe.NewClient(apiKey),
		rateLimiter:        internal.NewRateLimiter(limit, defaultRateLimitWindow),
		customerIDResolver: config.CustomerIDResolver,
		callback:           config.WebhookCallback,
		metrics:            metrics,
		logger:             logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// SyncUser synchronizes a user's subscription from Stripe
func (p *Provider) SyncUser(ctx context.Context, userID string) (minutequota.PlanID, error) {
	return p.syncUserFromAPI(ctx, userID)
}

// MapPriceToPlan maps a Stripe Price ID or Product ID to a catalog plan.
// Unmapped IDs resolve to the "none" plan.
func (p *Provider) MapPriceToPlan(priceID string) minutequota.PlanID {
	key := strings.ToLower(strings.TrimSpace(priceID))
	if key == "" {
		return minutequota.PlanNone
	}
	if plan, ok := p.planMapping[key]; ok {
		return plan
	}
	return minutequota.PlanNone
}

// planWeight ranks plans by their monthly allowance.
func (p *Provider) planWeight(id minutequota.PlanID) int {
	plan, ok := p.manager.Catalog().PlanFor(id)
	if !ok || id == minutequota.PlanNone {
		return -1
	}
	return plan.IncludedMinutes
}

// betterPlan returns whichever of a and b carries the larger allowance.
func (p *Provider) betterPlan(a, b minutequota.PlanID) minutequota.PlanID {
	if p.planWeight(b) > p.planWeight(a) {
		return b
	}
	return a
}

// mapStatus converts a Stripe subscription status into the account status.
func mapStatus(status string) minutequota.SubscriptionStatus {
	switch status {
	case "active":
		return minutequota.StatusActive
	case "trialing":
		return minutequota.StatusTrialing
	case "past_due":
		return minutequota.StatusPastDue
	case "canceled", "incomplete_expired":
		return minutequota.StatusCanceled
	case "unpaid", "paused":
		return minutequota.StatusUnpaid
	default:
		return minutequota.StatusIncomplete
	}
}
