package billing

import (
	"time"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

// WebhookEvent describes a webhook that changed an account. It is passed to
// Config.WebhookCallback.
type WebhookEvent struct {
	// UserID is the internal user identifier
	UserID string

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventID is the provider's event id
	EventID string

	// EventType is the provider-specific event type, such as
	// "customer.subscription.created" or "checkout.session.completed"
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// Billing is the subscription event applied, nil for credit purchases
	Billing *minutequota.BillingEvent

	// Credits is the number of credits purchased, zero for subscription events
	Credits int

	// Duplicate is set when the event had already been applied
	Duplicate bool

	// Metadata contains provider-specific additional data
	Metadata map[string]string
}
