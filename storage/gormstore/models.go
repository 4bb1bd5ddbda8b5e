package gormstore

import (
	"strings"
	"time"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

type accountModel struct {
	UserID          string `gorm:"primaryKey;size:191"`
	PlanID          string `gorm:"size:64;not null"`
	Status          string `gorm:"size:32;not null"`
	AllowedModes    string `gorm:"size:128"`
	IncludedMinutes int
	MinutesUsed     int
	MinutesReserved int
	CreditBalance   int
	CreditShortfall int
	CycleStart      time.Time
	CycleEnd        time.Time
	TrialUsed       bool
	LastEventAt     time.Time
	Version         int64     `gorm:"not null"`
	CreatedAt       time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false"`
}

func (accountModel) TableName() string { return "minutequota_accounts" }

type reservationModel struct {
	ID                  string `gorm:"primaryKey;size:64"`
	UserID              string `gorm:"size:191;not null;uniqueIndex:idx_minutequota_reservation_job"`
	JobID               string `gorm:"size:191;not null;uniqueIndex:idx_minutequota_reservation_job"`
	Mode                string `gorm:"size:16;not null"`
	EstimatedMinutes    int
	SubscriptionMinutes int
	CreditMinutes       int
	CreditsCharged      int
	CreditRate          int
	State               string `gorm:"size:16;not null;index:idx_minutequota_reservation_pending,priority:1"`
	ActualMinutes       int
	CreatedAt           time.Time `gorm:"autoCreateTime:false;index:idx_minutequota_reservation_pending,priority:2"`
	FinalizedAt         *time.Time
}

func (reservationModel) TableName() string { return "minutequota_reservations" }

type usageModel struct {
	ID              string    `gorm:"primaryKey;size:64"`
	UserID          string    `gorm:"size:191;not null;index:idx_minutequota_usage_user_time,priority:1"`
	Timestamp       time.Time `gorm:"column:recorded_at;index:idx_minutequota_usage_user_time,priority:2"`
	JobID           string    `gorm:"size:191"`
	ReservationID   string    `gorm:"size:64"`
	Mode            string    `gorm:"size:16"`
	MinutesUsed     int
	CreditsUsed     int
	CreditShortfall int
	Source          string `gorm:"size:16"`
	CycleStart      time.Time
	CycleEnd        time.Time
}

func (usageModel) TableName() string { return "minutequota_usage_records" }

type appliedEventModel struct {
	Key       string `gorm:"primaryKey;size:255"`
	UserID    string `gorm:"size:191"`
	AppliedAt time.Time
}

func (appliedEventModel) TableName() string { return "minutequota_applied_events" }

func joinModes(modes []minutequota.Mode) string {
	parts := make([]string, len(modes))
	for i, m := range modes {
		parts[i] = string(m)
	}
	return strings.Join(parts, ",")
}

func splitModes(s string) []minutequota.Mode {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	modes := make([]minutequota.Mode, len(parts))
	for i, p := range parts {
		modes[i] = minutequota.Mode(p)
	}
	return modes
}

func fromAccount(a *minutequota.Account) *accountModel {
	return &accountModel{
		UserID:          a.UserID,
		PlanID:          string(a.PlanID),
		Status:          string(a.Status),
		AllowedModes:    joinModes(a.AllowedModes),
		IncludedMinutes: a.IncludedMinutes,
		MinutesUsed:     a.MinutesUsed,
		MinutesReserved: a.MinutesReserved,
		CreditBalance:   a.CreditBalance,
		CreditShortfall: a.CreditShortfall,
		CycleStart:      a.CycleStart.UTC(),
		CycleEnd:        a.CycleEnd.UTC(),
		TrialUsed:       a.TrialUsed,
		LastEventAt:     a.LastEventAt.UTC(),
		Version:         a.Version,
		CreatedAt:       a.CreatedAt.UTC(),
		UpdatedAt:       a.UpdatedAt.UTC(),
	}
}

func (m *accountModel) toAccount() *minutequota.Account {
	return &minutequota.Account{
		UserID:          m.UserID,
		PlanID:          minutequota.PlanID(m.PlanID),
		Status:          minutequota.SubscriptionStatus(m.Status),
		AllowedModes:    splitModes(m.AllowedModes),
		IncludedMinutes: m.IncludedMinutes,
		MinutesUsed:     m.MinutesUsed,
		MinutesReserved: m.MinutesReserved,
		CreditBalance:   m.CreditBalance,
		CreditShortfall: m.CreditShortfall,
		CycleStart:      m.CycleStart.UTC(),
		CycleEnd:        m.CycleEnd.UTC(),
		TrialUsed:       m.TrialUsed,
		LastEventAt:     m.LastEventAt.UTC(),
		Version:         m.Version,
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
	}
}

func fromReservation(r *minutequota.Reservation) *reservationModel {
	m := &reservationModel{
		ID:                  r.ID,
		UserID:              r.UserID,
		JobID:               r.JobID,
		Mode:                string(r.Mode),
		EstimatedMinutes:    r.EstimatedMinutes,
		SubscriptionMinutes: r.SubscriptionMinutes,
		CreditMinutes:       r.CreditMinutes,
		CreditsCharged:      r.CreditsCharged,
		CreditRate:          r.CreditRate,
		State:               string(r.State),
		ActualMinutes:       r.ActualMinutes,
		CreatedAt:           r.CreatedAt.UTC(),
	}
	if r.FinalizedAt != nil {
		t := r.FinalizedAt.UTC()
		m.FinalizedAt = &t
	}
	return m
}

func (m *reservationModel) toReservation() *minutequota.Reservation {
	r := &minutequota.Reservation{
		ID:                  m.ID,
		UserID:              m.UserID,
		JobID:               m.JobID,
		Mode:                minutequota.Mode(m.Mode),
		EstimatedMinutes:    m.EstimatedMinutes,
		SubscriptionMinutes: m.SubscriptionMinutes,
		CreditMinutes:       m.CreditMinutes,
		CreditsCharged:      m.CreditsCharged,
		CreditRate:          m.CreditRate,
		State:               minutequota.ReservationState(m.State),
		ActualMinutes:       m.ActualMinutes,
		CreatedAt:           m.CreatedAt.UTC(),
	}
	if m.FinalizedAt != nil {
		t := m.FinalizedAt.UTC()
		r.FinalizedAt = &t
	}
	return r
}

func fromUsage(u *minutequota.UsageRecord) *usageModel {
	return &usageModel{
		ID:              u.ID,
		UserID:          u.UserID,
		Timestamp:       u.Timestamp.UTC(),
		JobID:           u.JobID,
		ReservationID:   u.ReservationID,
		Mode:            string(u.Mode),
		MinutesUsed:     u.MinutesUsed,
		CreditsUsed:     u.CreditsUsed,
		CreditShortfall: u.CreditShortfall,
		Source:          string(u.Source),
		CycleStart:      u.CycleStart.UTC(),
		CycleEnd:        u.CycleEnd.UTC(),
	}
}

func (m *usageModel) toUsage() *minutequota.UsageRecord {
	return &minutequota.UsageRecord{
		ID:              m.ID,
		UserID:          m.UserID,
		JobID:           m.JobID,
		ReservationID:   m.ReservationID,
		Mode:            minutequota.Mode(m.Mode),
		MinutesUsed:     m.MinutesUsed,
		CreditsUsed:     m.CreditsUsed,
		CreditShortfall: m.CreditShortfall,
		Source:          minutequota.FundingSource(m.Source),
		Timestamp:       m.Timestamp.UTC(),
		CycleStart:      m.CycleStart.UTC(),
		CycleEnd:        m.CycleEnd.UTC(),
	}
}
