// Package fiber provides Fiber middleware that holds a reservation for the
// duration of a transcription request
package fiber

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

const (
	reservationKey = "minutequota.reservation"
	minutesKey     = "minutequota.minutes"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// JobIDExtractor returns the caller's job id
type JobIDExtractor func(c *fiber.Ctx) string

// ModeExtractor returns the transcription mode requested
type ModeExtractor func(c *fiber.Ctx) minutequota.Mode

// EstimateExtractor returns the estimated job length in minutes
type EstimateExtractor func(c *fiber.Ctx) (int, error)

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
	OnRejected func(c *fiber.Ctx, err error, snapshot *minutequota.Snapshot) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error

	// Logger receives settlement failures. Defaults to the no-op logger.
	Logger minutequota.Logger
}

// Middleware creates a Fiber middleware that reserves capacity before the
// handler runs. The reservation is confirmed when the handler succeeds and
// released when it returns an error, responds with a status of 400 or above
// or panics.
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("minutequota/fiber: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("minutequota/fiber: Config.GetUserID is required")
	}
	if cfg.GetMode == nil {
		panic("minutequota/fiber: Config.GetMode is required")
	}
	if cfg.GetEstimate == nil {
		panic("minutequota/fiber: Config.GetEstimate is required")
	}

	// Set defaults
	if cfg.RejectedStatusCode == 0 {
		cfg.RejectedStatusCode = fiber.StatusPaymentRequired
	}
	if cfg.GetJobID == nil {
		cfg.GetJobID = JobIDFromHeader("X-Job-ID")
	}
	if cfg.Logger == nil {
		cfg.Logger = &minutequota.NoopLogger{}
	}

	return func(c *fiber.Ctx) error {
		// fasthttp reuses request buffers, so anything stored past the
		// request is copied first
		userID := utils.CopyString(cfg.GetUserID(c))
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		estimate, err := cfg.GetEstimate(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		// Fiber runs on fasthttp, so the request context comes from UserContext
		ctx := c.UserContext()
		res, created, err := cfg.Manager.ReserveJob(ctx, minutequota.ReserveRequest{
			UserID:           userID,
			JobID:            utils.CopyString(cfg.GetJobID(c)),
			Mode:             minutequota.Mode(utils.CopyString(string(cfg.GetMode(c)))),
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
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":          msg,
				"reservation_id": res.ID,
			})
		}

		c.Locals(reservationKey, res)
		defer func() {
			if p := recover(); p != nil {
				release(cfg, res)
				panic(p)
			}
		}()

		if err := c.Next(); err != nil {
			release(cfg, res)
			return err
		}
		if c.Response().StatusCode() >= fiber.StatusBadRequest {
			release(cfg, res)
			return nil
		}
		minutes := res.EstimatedMinutes
		if v, ok := c.Locals(minutesKey).(int); ok {
			minutes = v
		}
		confirm(cfg, res, minutes)
		return nil
	}
}

// GetReservation returns the reservation held for the current request
func GetReservation(c *fiber.Ctx) (*minutequota.Reservation, bool) {
	res, ok := c.Locals(reservationKey).(*minutequota.Reservation)
	return res, ok
}

// ReportMinutes records the minutes the job actually used. Without a report
// the reservation is confirmed at its estimate.
func ReportMinutes(c *fiber.Ctx, minutes int) {
	c.Locals(minutesKey, minutes)
}

func handleReserveError(cfg Config, c *fiber.Ctx, userID string, err error) error {
	switch {
	case errors.Is(err, minutequota.ErrQuotaExceeded), errors.Is(err, minutequota.ErrInsufficientCredits):
		snap, snapErr := cfg.Manager.Snapshot(c.UserContext(), userID)
		if snapErr != nil {
			snap = nil
		}
		if cfg.OnRejected != nil {
			return cfg.OnRejected(c, err, snap)
		}
		return defaultRejected(c, err, snap, cfg.RejectedStatusCode)
	case errors.Is(err, minutequota.ErrInvalidAmount), errors.Is(err, minutequota.ErrInvalidMode),
		errors.Is(err, minutequota.ErrInvalidRequest):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, minutequota.ErrTransientConflict):
		c.Set(fiber.HeaderRetryAfter, "1")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Service Unavailable"})
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

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultRejected(c *fiber.Ctx, err error, snap *minutequota.Snapshot, statusCode int) error {
	if snap == nil {
		return c.Status(statusCode).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(statusCode).JSON(fiber.Map{
		"error":             err.Error(),
		"available_minutes": snap.AvailableMinutes,
		"credit_balance":    snap.CreditBalance,
		"reset_at":          snap.Cycle.End,
	})
}

func defaultError(c *fiber.Ctx) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber Locals
// set by an auth middleware via c.Locals(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// Convenience extractors for the job

// JobIDFromHeader reads the job id from a header, falling back to a new UUID
func JobIDFromHeader(headerName string) JobIDExtractor {
	return func(c *fiber.Ctx) string {
		if id := c.Get(headerName); id != "" {
			return id
		}
		return uuid.NewString()
	}
}

// FixedMode returns a ModeExtractor that always returns mode
func FixedMode(mode minutequota.Mode) ModeExtractor {
	return func(*fiber.Ctx) minutequota.Mode {
		return mode
	}
}

// ModeFromQuery reads the mode from a query parameter
func ModeFromQuery(queryName string) ModeExtractor {
	return func(c *fiber.Ctx) minutequota.Mode {
		return minutequota.Mode(c.Query(queryName))
	}
}

// FixedEstimate returns an EstimateExtractor that always returns minutes
func FixedEstimate(minutes int) EstimateExtractor {
	return func(*fiber.Ctx) (int, error) {
		return minutes, nil
	}
}

// EstimateFromQuery parses the estimated minutes from a query parameter
func EstimateFromQuery(queryName string) EstimateExtractor {
	return func(c *fiber.Ctx) (int, error) {
		raw := c.Query(queryName)
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", queryName, raw, err)
		}
		return n, nil
	}
}
