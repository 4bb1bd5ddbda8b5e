package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

// Provider is the generic interface that any billing backend must implement.
// Providers translate their own events into minutequota billing events, so
// the reservation engine never depends on a specific provider.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles validation, parsing, and Manager updates internally.
	WebhookHandler() http.Handler

	// SyncUser forces a synchronization of the user's subscription from the
	// provider. This is used for "Restore Purchases" or nightly
	// reconciliation jobs. Returns the detected plan.
	SyncUser(ctx context.Context, userID string) (minutequota.PlanID, error)
}
