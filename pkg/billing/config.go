package billing

import (
	"context"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Manager is the reservation engine that receives billing events
	Manager *minutequota.Manager

	// PlanMapping maps provider price or product IDs to catalog plans.
	// For example: map[string]minutequota.PlanID{"price_pro_monthly": minutequota.PlanPro}
	// Lookup is case-insensitive. Unmapped prices resolve to the "none" plan.
	PlanMapping map[string]minutequota.PlanID

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.NewMetrics for Prometheus metrics.
	Metrics Metrics

	// Logger is optional. Defaults to the no-op logger.
	Logger minutequota.Logger

	// WebhookCallback is invoked after a webhook event has been applied to
	// the account. A returned error makes the webhook respond with 500 so the
	// provider redelivers; the account change itself is idempotent.
	WebhookCallback func(ctx context.Context, event WebhookEvent) error
}
