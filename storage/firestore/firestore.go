// Package firestore provides a Firestore implementation of the minutequota.Storage interface.
// Each commit is a Firestore transaction that re-reads the account and
// refuses to write when its version moved.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

// Storage implements minutequota.Storage using Google Cloud Firestore
type Storage struct {
	client                 *firestore.Client
	accountsCollection     string
	reservationsCollection string
	eventsCollection       string
}

var _ minutequota.Storage = (*Storage)(nil)

// Config holds Firestore storage configuration
type Config struct {
	// AccountsCollection holds one document per user. Usage records live in
	// the "usage" subcollection of each account.
	// Default: "minutequota_accounts"
	AccountsCollection string

	// ReservationsCollection holds reservations keyed by id.
	// Listing pending reservations needs a composite index on
	// (state, createdAt).
	// Default: "minutequota_reservations"
	ReservationsCollection string

	// EventsCollection records applied billing event keys.
	// Default: "minutequota_events"
	EventsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.AccountsCollection == "" {
		config.AccountsCollection = "minutequota_accounts"
	}
	if config.ReservationsCollection == "" {
		config.ReservationsCollection = "minutequota_reservations"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "minutequota_events"
	}

	return &Storage{
		client:                 client,
		accountsCollection:     config.AccountsCollection,
		reservationsCollection: config.ReservationsCollection,
		eventsCollection:       config.EventsCollection,
	}, nil
}

// GetAccount implements minutequota.Storage
func (s *Storage) GetAccount(ctx context.Context, userID string) (*minutequota.Account, error) {
	snap, err := s.accountDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, minutequota.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if !snap.Exists() {
		return nil, minutequota.ErrAccountNotFound
	}
	return accountFromData(userID, snap.Data()), nil
}

// CreateAccount implements minutequota.Storage
func (s *Storage) CreateAccount(ctx context.Context, acct *minutequota.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}
	_, err := s.accountDoc(acct.UserID).Create(ctx, accountData(acct))
	if status.Code(err) == codes.AlreadyExists {
		return minutequota.ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetReservation implements minutequota.Storage
func (s *Storage) GetReservation(ctx context.Context, reservationID string) (*minutequota.Reservation, error) {
	snap, err := s.client.Collection(s.reservationsCollection).Doc(reservationID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, minutequota.ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return reservationFromData(snap.Ref.ID, snap.Data()), nil
}

// FindReservation implements minutequota.Storage
func (s *Storage) FindReservation(ctx context.Context, userID, jobID string) (*minutequota.Reservation, error) {
	iter := s.client.Collection(s.reservationsCollection).
		Where("userId", "==", userID).
		Where("jobId", "==", jobID).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, minutequota.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find reservation: %w", err)
	}
	return reservationFromData(snap.Ref.ID, snap.Data()), nil
}

// Commit implements minutequota.Storage
func (s *Storage) Commit(ctx context.Context, m *minutequota.Mutation) error {
	if m == nil || m.Account == nil {
		return fmt.Errorf("invalid mutation")
	}
	acctDoc := s.accountDoc(m.Account.UserID)

	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// Firestore transactions read everything before the first write.
		snap, err := tx.Get(acctDoc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return minutequota.ErrAccountNotFound
			}
			return err
		}
		if int64(getInt(snap.Data(), "version")) != m.ExpectedVersion {
			return minutequota.ErrVersionConflict
		}

		var eventDoc *firestore.DocumentRef
		if m.EventKey != "" {
			eventDoc = s.client.Collection(s.eventsCollection).Doc(url.PathEscape(m.EventKey))
			ev, err := tx.Get(eventDoc)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if err == nil && ev.Exists() {
				return minutequota.ErrEventAlreadyApplied
			}
		}

		if err := tx.Set(acctDoc, accountData(m.Account)); err != nil {
			return err
		}
		if eventDoc != nil {
			err := tx.Create(eventDoc, map[string]interface{}{
				"userId":    m.Account.UserID,
				"appliedAt": time.Now().UTC(),
			})
			if err != nil {
				return err
			}
		}
		if res := m.Reservation; res != nil {
			doc := s.client.Collection(s.reservationsCollection).Doc(res.ID)
			if err := tx.Set(doc, reservationData(res)); err != nil {
				return err
			}
		}
		if rec := m.Usage; rec != nil {
			if err := tx.Create(acctDoc.Collection("usage").Doc(rec.ID), usageData(rec)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListUsage implements minutequota.Storage
func (s *Storage) ListUsage(ctx context.Context, filter minutequota.UsageFilter) ([]*minutequota.UsageRecord, error) {
	q := s.accountDoc(filter.UserID).Collection("usage").Query
	if !filter.From.IsZero() {
		q = q.Where("timestamp", ">=", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		q = q.Where("timestamp", "<", filter.To.UTC())
	}
	q = q.OrderBy("timestamp", firestore.Asc)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	out := make([]*minutequota.UsageRecord, len(snaps))
	for i, snap := range snaps {
		out[i] = usageFromData(snap.Ref.ID, filter.UserID, snap.Data())
	}
	return out, nil
}

// ListPendingReservations implements minutequota.Storage
func (s *Storage) ListPendingReservations(
	ctx context.Context, before time.Time, limit int,
) ([]*minutequota.Reservation, error) {
	q := s.client.Collection(s.reservationsCollection).
		Where("state", "==", string(minutequota.ReservationPending)).
		Where("createdAt", "<", before.UTC()).
		OrderBy("createdAt", firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reservations: %w", err)
	}
	out := make([]*minutequota.Reservation, len(snaps))
	for i, snap := range snaps {
		out[i] = reservationFromData(snap.Ref.ID, snap.Data())
	}
	return out, nil
}

func (s *Storage) accountDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.accountsCollection).Doc(userID)
}

func accountData(a *minutequota.Account) map[string]interface{} {
	modes := make([]interface{}, len(a.AllowedModes))
	for i, m := range a.AllowedModes {
		modes[i] = string(m)
	}
	return map[string]interface{}{
		"planId":          string(a.PlanID),
		"status":          string(a.Status),
		"allowedModes":    modes,
		"includedMinutes": a.IncludedMinutes,
		"minutesUsed":     a.MinutesUsed,
		"minutesReserved": a.MinutesReserved,
		"creditBalance":   a.CreditBalance,
		"creditShortfall": a.CreditShortfall,
		"cycleStart":      a.CycleStart.UTC(),
		"cycleEnd":        a.CycleEnd.UTC(),
		"trialUsed":       a.TrialUsed,
		"lastEventAt":     a.LastEventAt.UTC(),
		"version":         a.Version,
		"createdAt":       a.CreatedAt.UTC(),
		"updatedAt":       a.UpdatedAt.UTC(),
	}
}

func accountFromData(userID string, data map[string]interface{}) *minutequota.Account {
	a := &minutequota.Account{
		UserID:          userID,
		PlanID:          minutequota.PlanID(getString(data, "planId")),
		Status:          minutequota.SubscriptionStatus(getString(data, "status")),
		IncludedMinutes: getInt(data, "includedMinutes"),
		MinutesUsed:     getInt(data, "minutesUsed"),
		MinutesReserved: getInt(data, "minutesReserved"),
		CreditBalance:   getInt(data, "creditBalance"),
		CreditShortfall: getInt(data, "creditShortfall"),
		CycleStart:      getTime(data, "cycleStart"),
		CycleEnd:        getTime(data, "cycleEnd"),
		TrialUsed:       getBool(data, "trialUsed"),
		LastEventAt:     getTime(data, "lastEventAt"),
		Version:         int64(getInt(data, "version")),
		CreatedAt:       getTime(data, "createdAt"),
		UpdatedAt:       getTime(data, "updatedAt"),
	}
	if modes, ok := data["allowedModes"].([]interface{}); ok {
		for _, m := range modes {
			if str, ok := m.(string); ok {
				a.AllowedModes = append(a.AllowedModes, minutequota.Mode(str))
			}
		}
	}
	return a
}

func reservationData(r *minutequota.Reservation) map[string]interface{} {
	data := map[string]interface{}{
		"userId":              r.UserID,
		"jobId":               r.JobID,
		"mode":                string(r.Mode),
		"estimatedMinutes":    r.EstimatedMinutes,
		"subscriptionMinutes": r.SubscriptionMinutes,
		"creditMinutes":       r.CreditMinutes,
		"creditsCharged":      r.CreditsCharged,
		"creditRate":          r.CreditRate,
		"state":               string(r.State),
		"actualMinutes":       r.ActualMinutes,
		"createdAt":           r.CreatedAt.UTC(),
	}
	if r.FinalizedAt != nil {
		data["finalizedAt"] = r.FinalizedAt.UTC()
	}
	return data
}

func reservationFromData(id string, data map[string]interface{}) *minutequota.Reservation {
	r := &minutequota.Reservation{
		ID:                  id,
		UserID:              getString(data, "userId"),
		JobID:               getString(data, "jobId"),
		Mode:                minutequota.Mode(getString(data, "mode")),
		EstimatedMinutes:    getInt(data, "estimatedMinutes"),
		SubscriptionMinutes: getInt(data, "subscriptionMinutes"),
		CreditMinutes:       getInt(data, "creditMinutes"),
		CreditsCharged:      getInt(data, "creditsCharged"),
		CreditRate:          getInt(data, "creditRate"),
		State:               minutequota.ReservationState(getString(data, "state")),
		ActualMinutes:       getInt(data, "actualMinutes"),
		CreatedAt:           getTime(data, "createdAt"),
	}
	if t := getTime(data, "finalizedAt"); !t.IsZero() {
		r.FinalizedAt = &t
	}
	return r
}

func usageData(u *minutequota.UsageRecord) map[string]interface{} {
	return map[string]interface{}{
		"jobId":           u.JobID,
		"reservationId":   u.ReservationID,
		"mode":            string(u.Mode),
		"minutesUsed":     u.MinutesUsed,
		"creditsUsed":     u.CreditsUsed,
		"creditShortfall": u.CreditShortfall,
		"source":          string(u.Source),
		"timestamp":       u.Timestamp.UTC(),
		"cycleStart":      u.CycleStart.UTC(),
		"cycleEnd":        u.CycleEnd.UTC(),
	}
}

func usageFromData(id, userID string, data map[string]interface{}) *minutequota.UsageRecord {
	return &minutequota.UsageRecord{
		ID:              id,
		UserID:          userID,
		JobID:           getString(data, "jobId"),
		ReservationID:   getString(data, "reservationId"),
		Mode:            minutequota.Mode(getString(data, "mode")),
		MinutesUsed:     getInt(data, "minutesUsed"),
		CreditsUsed:     getInt(data, "creditsUsed"),
		CreditShortfall: getInt(data, "creditShortfall"),
		Source:          minutequota.FundingSource(getString(data, "source")),
		Timestamp:       getTime(data, "timestamp"),
		CycleStart:      getTime(data, "cycleStart"),
		CycleEnd:        getTime(data, "cycleEnd"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
