package api

import (
	"time"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

type reserveRequest struct {
	JobID            string `json:"job_id" validate:"required,max=255"`
	Mode             string `json:"mode" validate:"required,oneof=ai hybrid human"`
	EstimatedMinutes int    `json:"estimated_minutes" validate:"required,min=1"`
}

type confirmRequest struct {
	ActualMinutes *int `json:"actual_minutes" validate:"required,min=0"`
}

type creditsRequest struct {
	Credits int `json:"credits" validate:"required,min=1"`
}

// ReservationResponse is the JSON view of a reservation
type ReservationResponse struct {
	ID                  string     `json:"id"`
	JobID               string     `json:"job_id"`
	Mode                string     `json:"mode"`
	State               string     `json:"state"`
	EstimatedMinutes    int        `json:"estimated_minutes"`
	SubscriptionMinutes int        `json:"subscription_minutes"`
	CreditMinutes       int        `json:"credit_minutes"`
	CreditsCharged      int        `json:"credits_charged"`
	ActualMinutes       int        `json:"actual_minutes,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	FinalizedAt         *time.Time `json:"finalized_at,omitempty"`
}

// UsageRecordResponse is the JSON view of a usage record
type UsageRecordResponse struct {
	ID              string    `json:"id"`
	JobID           string    `json:"job_id"`
	ReservationID   string    `json:"reservation_id"`
	Mode            string    `json:"mode"`
	MinutesUsed     int       `json:"minutes_used"`
	CreditsUsed     int       `json:"credits_used"`
	CreditShortfall int       `json:"credit_shortfall,omitempty"`
	Source          string    `json:"source"`
	Timestamp       time.Time `json:"timestamp"`
}

// ConfirmResponse is returned by the confirm endpoint. A confirm that could
// not be fully charged still succeeds and sets ReconciliationRequired.
type ConfirmResponse struct {
	Usage                  UsageRecordResponse `json:"usage"`
	ReconciliationRequired bool                `json:"reconciliation_required"`
}

// UsageResponse represents the complete quota state for a user
type UsageResponse struct {
	UserID           string    `json:"user_id"`
	Plan             string    `json:"plan"`
	Status           string    `json:"status"`
	AllowedModes     []string  `json:"allowed_modes"`
	IncludedMinutes  int       `json:"included_minutes"`
	MinutesUsed      int       `json:"minutes_used"`
	MinutesReserved  int       `json:"minutes_reserved"`
	AvailableMinutes int       `json:"available_minutes"`
	CreditBalance    int       `json:"credit_balance"`
	CreditShortfall  int       `json:"credit_shortfall,omitempty"`
	CycleStart       time.Time `json:"cycle_start"`
	ResetAt          time.Time `json:"reset_at"`
	TrialUsed        bool      `json:"trial_used"`
}

// FundingResponse is the advisory admission decision for a prospective job
type FundingResponse struct {
	Source              string `json:"source"`
	SubscriptionMinutes int    `json:"subscription_minutes"`
	CreditMinutes       int    `json:"credit_minutes"`
	CreditsToCharge     int    `json:"credits_to_charge"`
}

// HistoryResponse lists usage records in chronological order
type HistoryResponse struct {
	Records      []UsageRecordResponse `json:"records"`
	TotalMinutes int                   `json:"total_minutes"`
	TotalCredits int                   `json:"total_credits"`
}

// CreditsResponse is returned after a credit purchase
type CreditsResponse struct {
	CreditBalance int `json:"credit_balance"`
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

func toReservationResponse(r *minutequota.Reservation) ReservationResponse {
	return ReservationResponse{
		ID:                  r.ID,
		JobID:               r.JobID,
		Mode:                string(r.Mode),
		State:               string(r.State),
		EstimatedMinutes:    r.EstimatedMinutes,
		SubscriptionMinutes: r.SubscriptionMinutes,
		CreditMinutes:       r.CreditMinutes,
		CreditsCharged:      r.CreditsCharged,
		ActualMinutes:       r.ActualMinutes,
		CreatedAt:           r.CreatedAt,
		FinalizedAt:         r.FinalizedAt,
	}
}

func toUsageRecordResponse(u *minutequota.UsageRecord) UsageRecordResponse {
	return UsageRecordResponse{
		ID:              u.ID,
		JobID:           u.JobID,
		ReservationID:   u.ReservationID,
		Mode:            string(u.Mode),
		MinutesUsed:     u.MinutesUsed,
		CreditsUsed:     u.CreditsUsed,
		CreditShortfall: u.CreditShortfall,
		Source:          string(u.Source),
		Timestamp:       u.Timestamp,
	}
}

func toUsageResponse(s *minutequota.Snapshot) UsageResponse {
	modes := make([]string, len(s.AllowedModes))
	for i, m := range s.AllowedModes {
		modes[i] = string(m)
	}
	return UsageResponse{
		UserID:           s.UserID,
		Plan:             string(s.PlanID),
		Status:           string(s.Status),
		AllowedModes:     modes,
		IncludedMinutes:  s.IncludedMinutes,
		MinutesUsed:      s.MinutesUsed,
		MinutesReserved:  s.MinutesReserved,
		AvailableMinutes: s.AvailableMinutes,
		CreditBalance:    s.CreditBalance,
		CreditShortfall:  s.CreditShortfall,
		CycleStart:       s.Cycle.Start,
		ResetAt:          s.Cycle.End,
		TrialUsed:        s.TrialUsed,
	}
}
