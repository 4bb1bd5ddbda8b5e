package sweeper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
	"github.com/mihaimyh/minutequota/storage/memory"
)

type fakeReleaser struct {
	calls atomic.Int32
	age   time.Duration
	n     int
	err   error
}

func (f *fakeReleaser) ReleaseStale(_ context.Context, olderThan time.Duration) (int, error) {
	f.calls.Add(1)
	f.age = olderThan
	return f.n, f.err
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Config{Schedule: "@every 1m", StaleAfter: time.Hour})
	assert.Error(t, err)

	_, err = New(&fakeReleaser{}, Config{Schedule: "@every 1m"})
	assert.Error(t, err)

	_, err = New(&fakeReleaser{}, Config{Schedule: "not a schedule", StaleAfter: time.Hour})
	assert.Error(t, err)
}

func TestRunOnce(t *testing.T) {
	r := &fakeReleaser{n: 3}
	s, err := New(r, Config{Schedule: "@every 1m", StaleAfter: 2 * time.Hour})
	require.NoError(t, err)

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2*time.Hour, r.age)

	r.err = errors.New("storage down")
	_, err = s.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestStartRunsOnSchedule(t *testing.T) {
	r := &fakeReleaser{}
	s, err := New(r, Config{Schedule: "@every 1s", StaleAfter: time.Hour})
	require.NoError(t, err)

	s.Start()
	assert.Eventually(t, func() bool { return r.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestRunOnce_ReleasesAbandonedReservations(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m, err := minutequota.NewManager(memory.New(), minutequota.Config{Clock: clock})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.ApplyBillingEvent(ctx, minutequota.BillingEvent{
		ID: "evt-1", UserID: "user", Type: minutequota.EventSubscriptionCreated, PlanID: minutequota.PlanStarter,
	}))
	old, err := m.Reserve(ctx, minutequota.ReserveRequest{UserID: "user", JobID: "old", Mode: minutequota.ModeAI, EstimatedMinutes: 40})
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(3 * time.Hour)
	mu.Unlock()
	fresh, err := m.Reserve(ctx, minutequota.ReserveRequest{UserID: "user", JobID: "fresh", Mode: minutequota.ModeAI, EstimatedMinutes: 10})
	require.NoError(t, err)

	s, err := New(m, Config{Schedule: "@every 1m", StaleAfter: 2 * time.Hour})
	require.NoError(t, err)

	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m.GetReservation(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, minutequota.ReservationReleased, got.State)

	got, err = m.GetReservation(ctx, fresh.ID)
	require.NoError(t, err)
	assert.True(t, got.Pending())

	snap, err := m.Snapshot(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, 10, snap.MinutesReserved)
}
