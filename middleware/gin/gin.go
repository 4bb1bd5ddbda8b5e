// Package gin provides Gin middleware that holds a reservation for the
// duration of a transcription request
package gin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

const (
	reservationKey = "minutequota.reservation"
	minutesKey     = "minutequota.minutes"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// JobIDExtractor returns the caller's job id
type JobIDExtractor func(c *gongin.Context) string

// ModeExtractor returns the transcription mode requested
type ModeExtractor func(c *gongin.Context) minutequota.Mode

// EstimateExtractor returns the estimated job length in minutes
type EstimateExtractor func(c *gongin.Context) (int, error)

// Config holds middleware configuration
type Config struct {
	// Manager is the reservation engine
	Manager *minutequota.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetMode extracts the transcription mode (required)
	GetMode ModeExtractor

	// GetEstimate extracts the estimated minutes (required)
	GetEstimate EstimateExtractor

	// GetJobID extracts the job id (optional)
	// If nil, defaults to the X-Job-ID header or a new UUID
	GetJobID JobIDExtractor

	// RejectedStatusCode is the HTTP status code to return when a job cannot
	// be funded
	// Default: 402 (Payment Required)
	RejectedStatusCode int

	// OnRejected is called when the job cannot be funded
	// If nil, uses default response: RejectedStatusCode JSON with balances
	OnRejected func(c *gongin.Context, err error, snapshot *minutequota.Snapshot)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)

	// Logger receives settlement failures. Defaults to the no-op logger.
	Logger minutequota.Logger
}

// Middleware creates a Gin middleware that reserves capacity before the
// handler runs. The reservation is confirmed when the handler succeeds and
// released when it responds with a status of 400 or above, aborts or panics.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("minutequota/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("minutequota/gin: Config.GetUserID is required")
	}
	if cfg.GetMode == nil {
		panic("minutequota/gin: Config.GetMode is required")
	}
	if cfg.GetEstimate == nil {
		panic("minutequota/gin: Config.GetEstimate is required")
	}

	// Set defaults
	if cfg.RejectedStatusCode == 0 {
		cfg.RejectedStatusCode = http.StatusPaymentRequired
	}
	if cfg.GetJobID == nil {
		cfg.GetJobID = JobIDFromHeader("X-Job-ID")
	}
	if cfg.Logger == nil {
		cfg.Logger = &minutequota.NoopLogger{}
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		estimate, err := cfg.GetEstimate(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gongin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		res, created, err := cfg.Manager.ReserveJob(ctx, minutequota.ReserveRequest{
			UserID:           userID,
			JobID:            cfg.GetJobID(c),
			Mode:             cfg.GetMode(c),
			EstimatedMinutes: estimate,
		})
		if err != nil {
			handleReserveError(cfg, c, userID, err)
			c.Abort()
			return
		}
		if !created {
			// only the request that created the reservation runs the job
			msg := "Job already finalized"
			if res.Pending() {
				msg = "Job already in progress"
			}
			c.AbortWithStatusJSON(http.StatusConflict, gongin.H{
				"error":          msg,
				"reservation_id": res.ID,
			})
			return
		}

		c.Set(reservationKey, res)
		defer func() {
			if p := recover(); p != nil {
				release(cfg, res)
				panic(p)
			}
		}()

		c.Next()

		if c.IsAborted() || c.Writer.Status() >= http.StatusBadRequest {
			release(cfg, res)
			return
		}
		minutes := res.EstimatedMinutes
		if v, ok := c.Get(minutesKey); ok {
			minutes = v.(int)
		}
		confirm(cfg, res, minutes)
	}
}

// GetReservation returns the reservation held for the current request
func GetReservation(c *gongin.Context) (*minutequota.Reservation, bool) {
	v, ok := c.Get(reservationKey)
	if !ok {
		return nil, false
	}
	res, ok := v.(*minutequota.Reservation)
	return res, ok
}

// ReportMinutes records the minutes the job actually used. Without a report
// the reservation is confirmed at its estimate.
func ReportMinutes(c *gongin.Context, minutes int) {
	c.Set(minutesKey, minutes)
}

func handleReserveError(cfg Config, c *gongin.Context, userID string, err error) {
	switch {
	case errors.Is(err, minutequota.ErrQuotaExceeded), errors.Is(err, minutequota.ErrInsufficientCredits):
		snap, snapErr := cfg.Manager.Snapshot(c.Request.Context(), userID)
		if snapErr != nil {
			snap = nil
		}
		if cfg.OnRejected != nil {
			cfg.OnRejected(c, err, snap)
			return
		}
		defaultRejected(c, err, snap, cfg.RejectedStatusCode)
	case errors.Is(err, minutequota.ErrInvalidAmount), errors.Is(err, minutequota.ErrInvalidMode),
		errors.Is(err, minutequota.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gongin.H{"error": err.Error()})
	case errors.Is(err, minutequota.ErrTransientConflict):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "Service Unavailable"})
	default:
		if cfg.OnError != nil {
			cfg.OnError(c, err)
			return
		}
		defaultError(c)
	}
}

// Settlement outlives the request, so it does not use the request context.
func release(cfg Config, res *minutequota.Reservation) {
	if err := cfg.Manager.Release(context.Background(), res.ID); err != nil {
		cfg.Logger.Error("Failed to release reservation",
			minutequota.F("reservation_id", res.ID), minutequota.F("error", err.Error()))
	}
}

func confirm(cfg Config, res *minutequota.Reservation, minutes int) {
	_, err := cfg.Manager.Confirm(context.Background(), res.ID, minutes)
	var recErr *minutequota.ReconciliationError
	if err != nil && !errors.As(err, &recErr) {
		cfg.Logger.Error("Failed to confirm reservation",
			minutequota.F("reservation_id", res.ID), minutequota.F("minutes", minutes),
			minutequota.F("error", err.Error()))
	}
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultRejected(c *gongin.Context, err error, snap *minutequota.Snapshot, statusCode int) {
	if snap == nil {
		c.JSON(statusCode, gongin.H{"error": err.Error()})
		return
	}
	c.JSON(statusCode, gongin.H{
		"error":             err.Error(),
		"available_minutes": snap.AvailableMinutes,
		"credit_balance":    snap.CreditBalance,
		"reset_at":          snap.Cycle.End,
	})
}

func defaultError(c *gongin.Context) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an auth middleware via c.Set(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for the job

// JobIDFromHeader reads the job id from a header, falling back to a new UUID
func JobIDFromHeader(headerName string) JobIDExtractor {
	return func(c *gongin.Context) string {
		if id := c.GetHeader(headerName); id != "" {
			return id
		}
		return uuid.NewString()
	}
}

// FixedMode returns a ModeExtractor that always returns mode
func FixedMode(mode minutequota.Mode) ModeExtractor {
	return func(*gongin.Context) minutequota.Mode {
		return mode
	}
}

// ModeFromQuery reads the mode from a query parameter
func ModeFromQuery(queryName string) ModeExtractor {
	return func(c *gongin.Context) minutequota.Mode {
		return minutequota.Mode(c.Query(queryName))
	}
}

// FixedEstimate returns an EstimateExtractor that always returns minutes
func FixedEstimate(minutes int) EstimateExtractor {
	return func(*gongin.Context) (int, error) {
		return minutes, nil
	}
}

// EstimateFromQuery parses the estimated minutes from a query parameter
func EstimateFromQuery(queryName string) EstimateExtractor {
	return func(c *gongin.Context) (int, error) {
		raw := c.Query(queryName)
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", queryName, raw, err)
		}
		return n, nil
	}
}
