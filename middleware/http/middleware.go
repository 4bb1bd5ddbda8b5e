// Package http provides HTTP middleware that wraps a transcription endpoint in
// a reservation: capacity is reserved before the handler runs and settled
// after it returns.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// JobIDExtractor returns the caller's job id. Retried requests carrying the
// same job id share one reservation.
type JobIDExtractor func(r *http.Request) string

// ModeExtractor returns the transcription mode requested
type ModeExtractor func(r *http.Request) minutequota.Mode

// EstimateExtractor returns the estimated job length in minutes
type EstimateExtractor func(r *http.Request) (int, error)

// Config holds middleware configuration
type Config struct {
	// Manager is the reservation engine (required)
	Manager *minutequota.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetMode extracts the transcription mode (required)
	GetMode ModeExtractor

	// GetEstimate extracts the estimated minutes (required)
	GetEstimate EstimateExtractor

	// GetJobID extracts the job id. Default: a new UUID per request.
	GetJobID JobIDExtractor

	// OnRejected is called when the job cannot be funded
	// If nil, returns 402 Payment Required
	OnRejected func(w http.ResponseWriter, r *http.Request, err error)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Logger receives settlement failures that happen after the response
	// was written. Defaults to the no-op logger.
	Logger minutequota.Logger
}

type contextKey int

const jobStateKey contextKey = iota

// jobState is shared between the middleware and the wrapped handler.
type jobState struct {
	reservation *minutequota.Reservation
	minutes     int
	reported    bool
}

// ReservationFromContext returns the reservation held for the current request
func ReservationFromContext(ctx context.Context) (*minutequota.Reservation, bool) {
	st, ok := ctx.Value(jobStateKey).(*jobState)
	if !ok {
		return nil, false
	}
	return st.reservation, true
}

// ReportMinutes records the minutes the job actually used. Without a report
// the reservation is confirmed at its estimate.
func ReportMinutes(ctx context.Context, minutes int) {
	if st, ok := ctx.Value(jobStateKey).(*jobState); ok {
		st.minutes = minutes
		st.reported = true
	}
}

// Middleware creates an HTTP middleware that reserves capacity for a job.
// It panics when a required Config field is missing.
//
// Only the request that created the reservation runs the handler. A retry
// carrying the job id of a reservation that is still pending or already
// settled gets 409.
func Middleware(config Config) func(http.Handler) http.Handler {
	switch {
	case config.Manager == nil:
		panic("minutequota/http: Config.Manager is required")
	case config.GetUserID == nil:
		panic("minutequota/http: Config.GetUserID is required")
	case config.GetMode == nil:
		panic("minutequota/http: Config.GetMode is required")
	case config.GetEstimate == nil:
		panic("minutequota/http: Config.GetEstimate is required")
	}
	if config.GetJobID == nil {
		config.GetJobID = func(*http.Request) string { return uuid.NewString() }
	}
	if config.Logger == nil {
		config.Logger = &minutequota.NoopLogger{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			estimate, err := config.GetEstimate(r)
			if err != nil {
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}

			ctx := r.Context()
			res, created, err := config.Manager.ReserveJob(ctx, minutequota.ReserveRequest{
				UserID:           userID,
				JobID:            config.GetJobID(r),
				Mode:             config.GetMode(r),
				EstimatedMinutes: estimate,
			})
			if err != nil {
				handleReserveError(config, w, r, err)
				return
			}
			if !created {
				if res.Pending() {
					http.Error(w, "Job already in progress", http.StatusConflict)
				} else {
					http.Error(w, "Job already finalized", http.StatusConflict)
				}
				return
			}

			st := &jobState{reservation: res}
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					release(config, res)
					panic(p)
				}
			}()

			next.ServeHTTP(rec, r.WithContext(context.WithValue(ctx, jobStateKey, st)))

			if rec.status >= http.StatusBadRequest {
				release(config, res)
				return
			}
			minutes := res.EstimatedMinutes
			if st.reported {
				minutes = st.minutes
			}
			confirm(config, res, minutes)
		})
	}
}

// HandlerFunc creates the middleware for a HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func handleReserveError(config Config, w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, minutequota.ErrQuotaExceeded), errors.Is(err, minutequota.ErrInsufficientCredits):
		if config.OnRejected != nil {
			config.OnRejected(w, r, err)
			return
		}
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, minutequota.ErrInvalidAmount), errors.Is(err, minutequota.ErrInvalidMode),
		errors.Is(err, minutequota.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, minutequota.ErrTransientConflict):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
	default:
		if config.OnError != nil {
			config.OnError(w, r, err)
			return
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// Settlement runs after the client may have gone away, so it does not use
// the request context.
func release(config Config, res *minutequota.Reservation) {
	if err := config.Manager.Release(context.Background(), res.ID); err != nil {
		config.Logger.Error("Failed to release reservation",
			minutequota.F("reservation_id", res.ID), minutequota.F("error", err.Error()))
	}
}

func confirm(config Config, res *minutequota.Reservation, minutes int) {
	_, err := config.Manager.Confirm(context.Background(), res.ID, minutes)
	var recErr *minutequota.ReconciliationError
	switch {
	case errors.As(err, &recErr):
		// Already logged by the manager; the job ran and is recorded.
	case err != nil:
		config.Logger.Error("Failed to confirm reservation",
			minutequota.F("reservation_id", res.ID), minutequota.F("minutes", minutes),
			minutequota.F("error", err.Error()))
	}
}

// statusRecorder remembers the status written by the wrapped handler
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Common extractors for convenience

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "minutequota:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// JobIDFromHeader reads the job id from a header, falling back to a new UUID
func JobIDFromHeader(headerName string) JobIDExtractor {
	return func(r *http.Request) string {
		if id := r.Header.Get(headerName); id != "" {
			return id
		}
		return uuid.NewString()
	}
}

// FixedMode returns a ModeExtractor that always returns mode
func FixedMode(mode minutequota.Mode) ModeExtractor {
	return func(*http.Request) minutequota.Mode {
		return mode
	}
}

// ModeFromQuery reads the mode from a query parameter
func ModeFromQuery(param string) ModeExtractor {
	return func(r *http.Request) minutequota.Mode {
		return minutequota.Mode(r.URL.Query().Get(param))
	}
}

// FixedEstimate returns an EstimateExtractor that always returns minutes
func FixedEstimate(minutes int) EstimateExtractor {
	return func(*http.Request) (int, error) {
		return minutes, nil
	}
}

// EstimateFromHeader parses the estimated minutes from a header
func EstimateFromHeader(headerName string) EstimateExtractor {
	return func(r *http.Request) (int, error) {
		raw := r.Header.Get(headerName)
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s header %q: %w", headerName, raw, err)
		}
		return n, nil
	}
}
