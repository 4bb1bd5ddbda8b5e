// Package echo provides Echo middleware that holds a reservation for the
// duration of a transcription request
package echo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

const (
	reservationKey = "minutequota.reservation"
	minutesKey     = "minutequota.minutes"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// JobIDExtractor returns the caller's job id
type JobIDExtractor func(c echo.Context) string

// ModeExtractor returns the transcription mode requested
type ModeExtractor func(c echo.Context) minutequota.Mode

// EstimateExtractor returns the estimated job length in minutes
type EstimateExtractor func(c echo.Context) (int, error)

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
	OnRejected func(c echo.Context, err error, snapshot *minutequota.Snapshot) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error

	// Logger receives settlement failures. Defaults to the no-op logger.
	Logger minutequota.Logger
}

// Middleware creates an Echo middleware that reserves capacity before the
// handler runs. The reservation is confirmed when the handler succeeds and
// released when it returns an error, responds with a status of 400 or above
// or panics.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("minutequota/echo: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("minutequota/echo: Config.GetUserID is required")
	}
	if cfg.GetMode == nil {
		panic("minutequota/echo: Config.GetMode is required")
	}
	if cfg.GetEstimate == nil {
		panic("minutequota/echo: Config.GetEstimate is required")
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

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			estimate, err := cfg.GetEstimate(c)
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
			}

			ctx := c.Request().Context()
			res, created, err := cfg.Manager.ReserveJob(ctx, minutequota.ReserveRequest{
				UserID:           userID,
				JobID:            cfg.GetJobID(c),
				Mode:             cfg.GetMode(c),
				EstimatedMinutes: estimate,
			})
			if err != nil {
				return handleReserveError(cfg, c, userID, err)
			}
			if !created {
				// only the request that created the reservation runs the job
				msg := "Job already finalized"
				if res.Pending() {
					msg = "Job already in progress"
				}
				return c.JSON(http.StatusConflict, map[string]string{
					"error":          msg,
					"reservation_id": res.ID,
				})
			}

			c.Set(reservationKey, res)
			defer func() {
				if p := recover(); p != nil {
					release(cfg, res)
					panic(p)
				}
			}()

			if err := next(c); err != nil {
				release(cfg, res)
				return err
			}
			if c.Response().Status >= http.StatusBadRequest {
				release(cfg, res)
				return nil
			}
			minutes := res.EstimatedMinutes
			if v, ok := c.Get(minutesKey).(int); ok {
				minutes = v
			}
			confirm(cfg, res, minutes)
			return nil
		}
	}
}

// GetReservation returns the reservation held for the current request
func GetReservation(c echo.Context) (*minutequota.Reservation, bool) {
	res, ok := c.Get(reservationKey).(*minutequota.Reservation)
	return res, ok
}

// ReportMinutes records the minutes the job actually used. Without a report
// the reservation is confirmed at its estimate.
func ReportMinutes(c echo.Context, minutes int) {
	c.Set(minutesKey, minutes)
}

func handleReserveError(cfg Config, c echo.Context, userID string, err error) error {
	switch {
	case errors.Is(err, minutequota.ErrQuotaExceeded), errors.Is(err, minutequota.ErrInsufficientCredits):
		snap, snapErr := cfg.Manager.Snapshot(c.Request().Context(), userID)
		if snapErr != nil {
			snap = nil
		}
		if cfg.OnRejected != nil {
			return cfg.OnRejected(c, err, snap)
		}
		return defaultRejected(c, err, snap, cfg.RejectedStatusCode)
	case errors.Is(err, minutequota.ErrInvalidAmount), errors.Is(err, minutequota.ErrInvalidMode),
		errors.Is(err, minutequota.ErrInvalidRequest):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, minutequota.ErrTransientConflict):
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Service Unavailable"})
	default:
		if cfg.OnError != nil {
			return cfg.OnError(c, err)
		}
		return defaultError(c)
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

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultRejected(c echo.Context, err error, snap *minutequota.Snapshot, statusCode int) error {
	if snap == nil {
		return c.JSON(statusCode, map[string]string{"error": err.Error()})
	}
	return c.JSON(statusCode, map[string]interface{}{
		"error":             err.Error(),
		"available_minutes": snap.AvailableMinutes,
		"credit_balance":    snap.CreditBalance,
		"reset_at":          snap.Cycle.End,
	})
}

func defaultError(c echo.Context) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an auth middleware via c.Set(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for the job

// JobIDFromHeader reads the job id from a header, falling back to a new UUID
func JobIDFromHeader(headerName string) JobIDExtractor {
	return func(c echo.Context) string {
		if id := c.Request().Header.Get(headerName); id != "" {
			return id
		}
		return uuid.NewString()
	}
}

// FixedMode returns a ModeExtractor that always returns mode
func FixedMode(mode minutequota.Mode) ModeExtractor {
	return func(echo.Context) minutequota.Mode {
		return mode
	}
}

// ModeFromQuery reads the mode from a query parameter
func ModeFromQuery(queryName string) ModeExtractor {
	return func(c echo.Context) minutequota.Mode {
		return minutequota.Mode(c.QueryParam(queryName))
	}
}

// FixedEstimate returns an EstimateExtractor that always returns minutes
func FixedEstimate(minutes int) EstimateExtractor {
	return func(echo.Context) (int, error) {
		return minutes, nil
	}
}

// EstimateFromQuery parses the estimated minutes from a query parameter
func EstimateFromQuery(queryName string) EstimateExtractor {
	return func(c echo.Context) (int, error) {
		raw := c.QueryParam(queryName)
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", queryName, raw, err)
		}
		return n, nil
	}
}
