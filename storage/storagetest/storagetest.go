// Package storagetest holds behavior tests shared by every minutequota.Storage
// implementation.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

// Factory returns an empty storage. It is called once per subtest.
type Factory func(t *testing.T) minutequota.Storage

var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// Run exercises the Storage contract against the storage built by newStorage.
func Run(t *testing.T, newStorage Factory) {
	t.Run("AccountNotFound", func(t *testing.T) { testAccountNotFound(t, newStorage(t)) })
	t.Run("CreateAccount", func(t *testing.T) { testCreateAccount(t, newStorage(t)) })
	t.Run("CommitVersionGuard", func(t *testing.T) { testCommitVersionGuard(t, newStorage(t)) })
	t.Run("CommitReservation", func(t *testing.T) { testCommitReservation(t, newStorage(t)) })
	t.Run("EventKeyOnce", func(t *testing.T) { testEventKeyOnce(t, newStorage(t)) })
	t.Run("ListUsage", func(t *testing.T) { testListUsage(t, newStorage(t)) })
	t.Run("ListPendingReservations", func(t *testing.T) { testListPending(t, newStorage(t)) })
}

// NewAccount returns a subscribed account at version 1.
func NewAccount(userID string) *minutequota.Account {
	return &minutequota.Account{
		UserID:          userID,
		PlanID:          minutequota.PlanPro,
		Status:          minutequota.StatusActive,
		AllowedModes:    []minutequota.Mode{minutequota.ModeAI, minutequota.ModeHybrid},
		IncludedMinutes: 750,
		CreditBalance:   100,
		CycleStart:      base.AddDate(0, 0, -9),
		CycleEnd:        base.AddDate(0, 0, 22),
		Version:         1,
		CreatedAt:       base,
		UpdatedAt:       base,
	}
}

func next(acct *minutequota.Account) *minutequota.Account {
	n := acct.Clone()
	n.Version++
	return n
}

func testAccountNotFound(t *testing.T, s minutequota.Storage) {
	ctx := context.Background()

	_, err := s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, minutequota.ErrAccountNotFound)
	assert.ErrorIs(t, err, minutequota.ErrNotFound)

	_, err = s.GetReservation(ctx, "missing")
	assert.ErrorIs(t, err, minutequota.ErrReservationNotFound)

	_, err = s.FindReservation(ctx, "missing", "job")
	assert.ErrorIs(t, err, minutequota.ErrReservationNotFound)
}

func testCreateAccount(t *testing.T, s minutequota.Storage) {
	ctx := context.Background()
	acct := NewAccount("user-create")

	require.NoError(t, s.CreateAccount(ctx, acct))
	err := s.CreateAccount(ctx, acct)
	assert.ErrorIs(t, err, minutequota.ErrAccountExists)

	got, err := s.GetAccount(ctx, acct.UserID)
	require.NoError(t, err)
	assert.Equal(t, acct.PlanID, got.PlanID)
	assert.Equal(t, acct.Status, got.Status)
	assert.Equal(t, acct.AllowedModes, got.AllowedModes)
	assert.Equal(t, acct.IncludedMinutes, got.IncludedMinutes)
	assert.Equal(t, acct.CreditBalance, got.CreditBalance)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, acct.CycleStart.Equal(got.CycleStart))
	assert.True(t, acct.CycleEnd.Equal(got.CycleEnd))

	got.CreditBalance = 0
	again, err := s.GetAccount(ctx, acct.UserID)
	require.NoError(t, err)
	assert.Equal(t, 100, again.CreditBalance, "reads must return copies")
}

func testCommitVersionGuard(t *testing.T, s minutequota.Storage) {
	ctx := context.Background()
	acct := NewAccount("user-version")
	require.NoError(t, s.CreateAccount(ctx, acct))

	first := next(acct)
	first.MinutesReserved = 10
	require.NoError(t, s.Commit(ctx, &minutequota.Mutation{Account: first, ExpectedVersion: 1}))

	stale := next(acct)
	stale.MinutesReserved = 99
	res := &minutequota.Reservation{
		ID: "res-stale", UserID: acct.UserID, JobID: "job-stale",
		Mode: minutequota.ModeAI, State: minutequota.ReservationPending, CreatedAt: base,
	}
	err := s.Commit(ctx, &minutequota.Mutation{Account: stale, ExpectedVersion: 1, Reservation: res})
	require.ErrorIs(t, err, minutequota.ErrVersionConflict)

	got, err := s.GetAccount(ctx, acct.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 10, got.MinutesReserved)

	_, err = s.GetReservation(ctx, "res-stale")
	assert.ErrorIs(t, err, minutequota.ErrReservationNotFound, "failed commit must not write")
}

func testCommitReservation(t *testing.T, s minutequota.Storage) {
	ctx := context.Background()
	acct := NewAccount("user-res")
	require.NoError(t, s.CreateAccount(ctx, acct))

	res := &minutequota.Reservation{
		ID: "res-1", UserID: acct.UserID, JobID: "job-1", Mode: minutequota.ModeHybrid,
		EstimatedMinutes: 30, SubscriptionMinutes: 20, CreditMinutes: 10,
		CreditsCharged: 20, CreditRate: 2,
		State: minutequota.ReservationPending, CreatedAt: base,
	}
	v2 := next(acct)
	v2.MinutesReserved = 20
	v2.CreditBalance = 80
	require.NoError(t, s.Commit(ctx, &minutequota.Mutation{Account: v2, ExpectedVersion: 1, Reservation: res}))

	got, err := s.GetReservation(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, minutequota.ReservationPending, got.State)
	assert.Equal(t, 20, got.SubscriptionMinutes)
	assert.Equal(t, 10, got.CreditMinutes)
	assert.Equal(t, 20, got.CreditsCharged)
	assert.Equal(t, 2, got.CreditRate)
	assert.Equal(t, minutequota.ModeHybrid, got.Mode)
	assert.Nil(t, got.FinalizedAt)

	byJob, err := s.FindReservation(ctx, acct.UserID, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "res-1", byJob.ID)

	// Confirm: replace the reservation and append a usage record together.
	done := base.Add(time.Minute)
	confirmed := got.Clone()
	confirmed.State = minutequota.ReservationConfirmed
	confirmed.ActualMinutes = 25
	confirmed.FinalizedAt = &done
	v3 := next(v2)
	v3.MinutesReserved = 0
	v3.MinutesUsed = 20
	rec := &minutequota.UsageRecord{
		ID: "rec-1", UserID: acct.UserID, JobID: "job-1", ReservationID: "res-1",
		Mode: minutequota.ModeHybrid, MinutesUsed: 25, CreditsUsed: 10,
		Source: minutequota.SourceOverage, Timestamp: done,
		CycleStart: acct.CycleStart, CycleEnd: acct.CycleEnd,
	}
	require.NoError(t, s.Commit(ctx, &minutequota.Mutation{
		Account: v3, ExpectedVersion: 2, Reservation: confirmed, Usage: rec,
	}))

	got, err = s.GetReservation(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, minutequota.ReservationConfirmed, got.State)
	assert.Equal(t, 25, got.ActualMinutes)
	require.NotNil(t, got.FinalizedAt)
	assert.True(t, done.Equal(*got.FinalizedAt))

	records, err := s.ListUsage(ctx, minutequota.UsageFilter{UserID: acct.UserID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "rec-1", records[0].ID)
	assert.Equal(t, minutequota.SourceOverage, records[0].Source)
	assert.Equal(t, 10, records[0].CreditsUsed)
}

func testEventKeyOnce(t *testing.T, s minutequota.Storage) {
	ctx := context.Background()
	acct := NewAccount("user-event")
	require.NoError(t, s.CreateAccount(ctx, acct))

	v2 := next(acct)
	v2.MinutesUsed = 0
	require.NoError(t, s.Commit(ctx, &minutequota.Mutation{Account: v2, ExpectedVersion: 1, EventKey: "event:evt_1"}))

	v3 := next(v2)
	v3.CreditBalance = 500
	err := s.Commit(ctx, &minutequota.Mutation{Account: v3, ExpectedVersion: 2, EventKey: "event:evt_1"})
	require.True(t, errors.Is(err, minutequota.ErrEventAlreadyApplied), "got %v", err)

	got, err := s.GetAccount(ctx, acct.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 100, got.CreditBalance)

	require.NoError(t, s.Commit(ctx, &minutequota.Mutation{Account: v3, ExpectedVersion: 2, EventKey: "event:evt_2"}))
}

func testListUsage(t *testing.T, s minutequota.Storage) {
	ctx := context.Background()
	acct := NewAccount("user-usage")
	require.NoError(t, s.CreateAccount(ctx, acct))
	other := NewAccount("user-other")
	require.NoError(t, s.CreateAccount(ctx, other))

	cur := acct
	for i := 0; i < 4; i++ {
		n := next(cur)
		rec := &minutequota.UsageRecord{
			ID: "rec-" + string(rune('a'+i)), UserID: acct.UserID, JobID: "job-" + string(rune('a'+i)),
			ReservationID: "res-" + string(rune('a'+i)), Mode: minutequota.ModeAI,
			MinutesUsed: 10 * (i + 1), Source: minutequota.SourceSubscription,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, s.Commit(ctx, &minutequota.Mutation{Account: n, ExpectedVersion: cur.Version, Usage: rec}))
		cur = n
	}
	require.NoError(t, s.Commit(ctx, &minutequota.Mutation{
		Account: next(other), ExpectedVersion: 1,
		Usage: &minutequota.UsageRecord{
			ID: "rec-other", UserID: other.UserID, JobID: "job-x", ReservationID: "res-x",
			Mode: minutequota.ModeAI, MinutesUsed: 5, Source: minutequota.SourceSubscription, Timestamp: base,
		},
	}))

	all, err := s.ListUsage(ctx, minutequota.UsageFilter{UserID: acct.UserID})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "rec-a", all[0].ID)
	assert.Equal(t, "rec-d", all[3].ID)

	window, err := s.ListUsage(ctx, minutequota.UsageFilter{
		UserID: acct.UserID, From: base.Add(time.Hour), To: base.Add(3 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, 20, window[0].MinutesUsed)
	assert.Equal(t, 30, window[1].MinutesUsed)

	limited, err := s.ListUsage(ctx, minutequota.UsageFilter{UserID: acct.UserID, Limit: 3})
	require.NoError(t, err)
	assert.Len(t, limited, 3)
}

func testListPending(t *testing.T, s minutequota.Storage) {
	ctx := context.Background()
	acct := NewAccount("user-pending")
	require.NoError(t, s.CreateAccount(ctx, acct))

	cur := acct
	put := func(id string, state minutequota.ReservationState, created time.Time) {
		n := next(cur)
		res := &minutequota.Reservation{
			ID: id, UserID: acct.UserID, JobID: "job-" + id, Mode: minutequota.ModeAI,
			EstimatedMinutes: 1, SubscriptionMinutes: 1, State: state, CreatedAt: created,
		}
		require.NoError(t, s.Commit(ctx, &minutequota.Mutation{Account: n, ExpectedVersion: cur.Version, Reservation: res}))
		cur = n
	}
	put("old-2", minutequota.ReservationPending, base.Add(-2*time.Hour))
	put("old-1", minutequota.ReservationPending, base.Add(-3*time.Hour))
	put("old-done", minutequota.ReservationConfirmed, base.Add(-4*time.Hour))
	put("fresh", minutequota.ReservationPending, base)

	stale, err := s.ListPendingReservations(ctx, base.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "old-1", stale[0].ID)
	assert.Equal(t, "old-2", stale[1].ID)

	one, err := s.ListPendingReservations(ctx, base.Add(-time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "old-1", one[0].ID)
}
