// Package revenuecat translates RevenueCat webhooks and subscriber records
// into minutequota billing events.
package revenuecat

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/minutequota/pkg/billing"
	"github.com/mihaimyh/minutequota/pkg/billing/internal"
	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

const (
	providerName             = "revenuecat"
	revenueCatAPIBaseURL     = "https://api.revenuecat.com/v1"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBytes          = 256 * 1024
)

// Config extends billing.Config with RevenueCat-specific options.
// PlanMapping keys are entitlement identifiers or product identifiers.
type Config struct {
	billing.Config

	// WebhookSecret is the Authorization value configured for the webhook in
	// the RevenueCat dashboard. A "Bearer " prefix is accepted.
	WebhookSecret string

	// EnableHMAC also accepts a base64 HMAC-SHA256 of the body in
	// X-RevenueCat-Signature
	EnableHMAC bool

	// APIKey is the secret REST API key used by SyncUser
	APIKey string

	// APIBaseURL overrides the REST endpoint. Default https://api.revenuecat.com/v1
	APIBaseURL string

	// HTTPClient is used for REST calls. Default has a 10s timeout.
	HTTPClient *http.Client

	// CreditProducts maps non-renewing product ids to the credits they buy
	CreditProducts map[string]int

	// RateLimit caps webhook requests per client IP per minute. Default 100.
	RateLimit int
}

// Provider implements the billing.Provider interface for RevenueCat
type Provider struct {
	manager        *minutequota.Manager
	planMapping    map[string]minutequota.PlanID
	creditProducts map[string]int
	webhookSecret  []byte
	acceptHMAC     bool
	apiKey         string
	apiBaseURL     string
	httpClient     *http.Client
	rateLimiter    *internal.RateLimiter
	callback       func(context.Context, billing.WebhookEvent) error
	metrics        billing.Metrics
	logger         minutequota.Logger
	now            func() time.Time
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new RevenueCat billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(config.APIBaseURL), "/")
	if baseURL == "" {
		baseURL = revenueCatAPIBaseURL
	}

	planMapping := make(map[string]minutequota.PlanID, len(config.PlanMapping))
	for k, v := range config.PlanMapping {
		planMapping[strings.ToLower(strings.TrimSpace(k))] = v
	}
	creditProducts := make(map[string]int, len(config.CreditProducts))
	for k, v := range config.CreditProducts {
		creditProducts[strings.ToLower(strings.TrimSpace(k))] = v
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
		manager:        config.Manager,
		planMapping:    planMapping,
		creditProducts: creditProducts,
		webhookSecret:  []byte(stripBearer(config.WebhookSecret)),
		acceptHMAC:     config.EnableHMAC,
		apiKey:         stripBearer(config.APIKey),
		apiBaseURL:     baseURL,
		httpClient:     httpClient,
		rateLimiter:    internal.NewRateLimiter(limit, defaultRateLimitWindow),
		callback:       config.WebhookCallback,
		metrics:        metrics,
		logger:         logger,
		now:            time.Now,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for RevenueCat webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// SyncUser rebuilds a user's subscription from the RevenueCat subscriber record
func (p *Provider) SyncUser(ctx context.Context, userID string) (minutequota.PlanID, error) {
	return p.syncUserFromAPI(ctx, userID)
}

// MapToPlan maps an entitlement or product identifier to a catalog plan.
// Unmapped identifiers resolve to the "none" plan.
func (p *Provider) MapToPlan(id string) minutequota.PlanID {
	key := strings.ToLower(strings.TrimSpace(id))
	if key == "" {
		return minutequota.PlanNone
	}
	if plan, ok := p.planMapping[key]; ok {
		return plan
	}
	return minutequota.PlanNone
}

// creditsFor returns the credits a non-renewing product buys.
func (p *Provider) creditsFor(productID string) int {
	return p.creditProducts[strings.ToLower(strings.TrimSpace(productID))]
}

// bestPlan picks the largest plan any of ids maps to.
func (p *Provider) bestPlan(ids ...string) minutequota.PlanID {
	best := minutequota.PlanNone
	for _, id := range ids {
		if plan := p.MapToPlan(id); p.planWeight(plan) > p.planWeight(best) {
			best = plan
		}
	}
	return best
}

// planWeight ranks plans by their monthly allowance.
func (p *Provider) planWeight(id minutequota.PlanID) int {
	plan, ok := p.manager.Catalog().PlanFor(id)
	if !ok || id == minutequota.PlanNone {
		return -1
	}
	return plan.IncludedMinutes
}

func stripBearer(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToLower(s), "bearer ") {
		s = strings.TrimSpace(s[len("bearer "):])
	}
	return s
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// parseMillis converts a millisecond timestamp to time.Time
func parseMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
