package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

// Config holds configuration for the HTTP API handler
type Config struct {
	// Manager is the reservation engine (required)
	Manager *minutequota.Manager

	// GetUserID extracts the authenticated user ID from the request (required).
	// Authentication itself happens upstream.
	GetUserID func(*http.Request) string

	// OnError handles errors. If nil, a JSON error body is written.
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger receives request failures. Defaults to the no-op logger.
	Logger minutequota.Logger

	// Syncer is optional. When set, POST /subscription/sync re-reads the
	// caller's subscription from the billing provider.
	Syncer Syncer
}

// Syncer pulls a user's subscription state from a billing provider.
// billing.Provider implementations satisfy it.
type Syncer interface {
	SyncUser(ctx context.Context, userID string) (minutequota.PlanID, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &minutequota.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
