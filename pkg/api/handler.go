package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

const (
	maxUserIDLen = 255
	// IdempotencyKeyHeader deduplicates credit purchases
	IdempotencyKeyHeader = "Idempotency-Key"
	retryAfterSeconds    = 1
)

var (
	errUnauthenticated    = errors.New("user ID not found")
	errBillingUnavailable = errors.New("billing provider unavailable")
)

// Handler provides the HTTP endpoints of the reservation engine
type Handler struct {
	config Config
}

// Routes returns a router with every endpoint. Mount it under a version
// prefix such as /v1.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/reservations", h.Reserve)
	r.Get("/reservations/{id}", h.GetReservation)
	r.Post("/reservations/{id}/confirm", h.Confirm)
	r.Post("/reservations/{id}/release", h.Release)
	r.Get("/usage", h.GetUsage)
	r.Get("/usage/check", h.Check)
	r.Get("/usage/history", h.History)
	r.Post("/credits", h.AddCredits)
	if h.config.Syncer != nil {
		r.Post("/subscription/sync", h.SyncSubscription)
	}
	return r
}

// Reserve holds capacity for a job
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req reserveRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.config.Manager.Reserve(r.Context(), minutequota.ReserveRequest{
		UserID:           userID,
		JobID:            req.JobID,
		Mode:             minutequota.Mode(req.Mode),
		EstimatedMinutes: req.EstimatedMinutes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationResponse(res))
}

// GetReservation returns one of the caller's reservations
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, ok := h.ownedReservation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

// Confirm settles a reservation with the minutes the job actually used
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	res, ok := h.ownedReservation(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	record, err := h.config.Manager.Confirm(r.Context(), res.ID, *req.ActualMinutes)
	var recErr *minutequota.ReconciliationError
	switch {
	case errors.As(err, &recErr):
		writeJSON(w, http.StatusOK, ConfirmResponse{
			Usage:                  toUsageRecordResponse(record),
			ReconciliationRequired: true,
		})
	case err != nil:
		h.writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, ConfirmResponse{Usage: toUsageRecordResponse(record)})
	}
}

// Release returns a reservation's held capacity
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	res, ok := h.ownedReservation(w, r)
	if !ok {
		return
	}
	if err := h.config.Manager.Release(r.Context(), res.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetUsage returns the caller's current balances
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	snap, err := h.config.Manager.Snapshot(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageResponse(snap))
}

// Check reports how a job would be funded without reserving anything
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	minutes, err := strconv.Atoi(q.Get("minutes"))
	if err != nil {
		h.writeError(w, r, &requestError{
			msg:     "validation failed",
			details: map[string]string{"minutes": "must be an integer"},
		})
		return
	}

	plan, err := h.config.Manager.Check(r.Context(), userID, minutequota.Mode(q.Get("mode")), minutes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FundingResponse{
		Source:              string(plan.Source),
		SubscriptionMinutes: plan.SubscriptionMinutes,
		CreditMinutes:       plan.CreditMinutes,
		CreditsToCharge:     plan.CreditsToCharge,
	})
}

// History lists the caller's usage records. from and to are RFC 3339
// timestamps; either may be omitted.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	from, err := parseTimeParam(r, "from")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	records, err := h.config.Manager.History(r.Context(), userID, from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := HistoryResponse{Records: make([]UsageRecordResponse, len(records))}
	for i, rec := range records {
		resp.Records[i] = toUsageRecordResponse(rec)
		resp.TotalMinutes += rec.MinutesUsed
		resp.TotalCredits += rec.CreditsUsed
	}
	writeJSON(w, http.StatusOK, resp)
}

// AddCredits records a credit purchase. Requests repeating an
// Idempotency-Key are applied once.
func (h *Handler) AddCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req creditsRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	key := r.Header.Get(IdempotencyKeyHeader)
	acct, err := h.config.Manager.AddCredits(ctx, userID, req.Credits, key)
	if errors.Is(err, minutequota.ErrAccountNotFound) {
		if _, err = h.config.Manager.CreateAccount(ctx, userID); err == nil {
			acct, err = h.config.Manager.AddCredits(ctx, userID, req.Credits, key)
		}
	}
	if errors.Is(err, minutequota.ErrEventAlreadyApplied) {
		// Replayed purchase: report the balance without charging again.
		snap, snapErr := h.config.Manager.Snapshot(ctx, userID)
		if snapErr != nil {
			h.writeError(w, r, snapErr)
			return
		}
		writeJSON(w, http.StatusOK, CreditsResponse{CreditBalance: snap.CreditBalance})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CreditsResponse{CreditBalance: acct.CreditBalance})
}

// SyncSubscription re-reads the caller's subscription from the billing
// provider and returns the resulting balances
func (h *Handler) SyncSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if _, err := h.config.Syncer.SyncUser(r.Context(), userID); err != nil {
		h.config.Logger.Error("Subscription sync failed",
			minutequota.F("user_id", userID), minutequota.F("error", err.Error()))
		h.writeError(w, r, errBillingUnavailable)
		return
	}
	snap, err := h.config.Manager.Snapshot(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageResponse(snap))
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.writeError(w, r, errUnauthenticated)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.writeError(w, r, &requestError{msg: "invalid user ID format"})
		return "", false
	}
	return userID, true
}

// ownedReservation loads the {id} reservation. Reservations of other users
// are reported as not found.
func (h *Handler) ownedReservation(w http.ResponseWriter, r *http.Request) (*minutequota.Reservation, bool) {
	userID, ok := h.userID(w, r)
	if !ok {
		return nil, false
	}
	res, err := h.config.Manager.GetReservation(r.Context(), chi.URLParam(r, "id"))
	if err == nil && res.UserID != userID {
		err = minutequota.ErrReservationNotFound
	}
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return res, true
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, &requestError{
			msg:     "validation failed",
			details: map[string]string{name: "must be an RFC 3339 timestamp"},
		}
	}
	return t, nil
}

// statusFor maps engine errors to HTTP status codes
func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr),
		errors.Is(err, minutequota.ErrInvalidAmount),
		errors.Is(err, minutequota.ErrInvalidMode),
		errors.Is(err, minutequota.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, minutequota.ErrQuotaExceeded),
		errors.Is(err, minutequota.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, minutequota.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, minutequota.ErrAlreadyFinalized):
		return http.StatusConflict
	case errors.Is(err, errBillingUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, minutequota.ErrTransientConflict),
		errors.Is(err, minutequota.ErrCircuitOpen),
		errors.Is(err, minutequota.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError handles errors with appropriate HTTP status codes
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("API request failed",
			minutequota.F("method", r.Method),
			minutequota.F("path", r.URL.Path),
			minutequota.F("status", status),
			minutequota.F("error", err.Error()))
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	body := errorResponse{Error: err.Error()}
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		body.Details = reqErr.details
	}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already written; an encode failure has nowhere to go.
	_ = json.NewEncoder(w).Encode(v)
}
