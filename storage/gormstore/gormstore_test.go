package gormstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
	"github.com/mihaimyh/minutequota/storage/storagetest"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	db, err := Open("sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)

	s, err := New(db)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open("sqlite", "")
	assert.Error(t, err)

	_, err = Open("oracle", "dsn")
	assert.Error(t, err)

	_, err = New(nil)
	assert.Error(t, err)
}

func TestStorage_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) minutequota.Storage {
		return newTestStorage(t)
	})
}

func TestStorage_MigrateIsRepeatable(t *testing.T) {
	s := newTestStorage(t)
	assert.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, s.Ping(context.Background()))
}

func TestStorage_CommitUnknownAccount(t *testing.T) {
	s := newTestStorage(t)
	err := s.Commit(context.Background(), &minutequota.Mutation{
		Account:         storagetest.NewAccount("ghost"),
		ExpectedVersion: 1,
	})
	assert.ErrorIs(t, err, minutequota.ErrAccountNotFound)
}

func TestStorage_FailedCommitRollsBack(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	acct := storagetest.NewAccount("user")
	require.NoError(t, s.CreateAccount(ctx, acct))

	v2 := acct.Clone()
	v2.Version = 2
	require.NoError(t, s.Commit(ctx, &minutequota.Mutation{Account: v2, ExpectedVersion: 1, EventKey: "event:a"}))

	// The account update succeeds inside the transaction, then the event
	// insert fails; nothing may remain.
	v3 := v2.Clone()
	v3.Version = 3
	v3.CreditBalance = 1
	err := s.Commit(ctx, &minutequota.Mutation{
		Account: v3, ExpectedVersion: 2, EventKey: "event:a",
		Usage: &minutequota.UsageRecord{ID: "rec", UserID: "user", Timestamp: time.Now()},
	})
	require.ErrorIs(t, err, minutequota.ErrEventAlreadyApplied)

	got, err := s.GetAccount(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 100, got.CreditBalance)

	records, err := s.ListUsage(ctx, minutequota.UsageFilter{UserID: "user"})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestManager_OnSQLite(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	m, err := minutequota.NewManager(s, minutequota.Config{})
	require.NoError(t, err)

	_, err = m.CreateAccount(ctx, "user")
	require.NoError(t, err)
	_, err = m.AddCredits(ctx, "user", 60, "purchase-1")
	require.NoError(t, err)
	_, err = m.AddCredits(ctx, "user", 60, "purchase-1")
	require.ErrorIs(t, err, minutequota.ErrEventAlreadyApplied)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 6; i++ {
		g.Go(func() error {
			res, err := m.Reserve(gctx, minutequota.ReserveRequest{
				UserID: "user", JobID: fmt.Sprintf("job-%d", i), Mode: minutequota.ModeHybrid, EstimatedMinutes: 5,
			})
			if err != nil {
				return err
			}
			_, err = m.Confirm(gctx, res.ID, 4)
			return err
		})
	}
	require.NoError(t, g.Wait())

	snap, err := m.Snapshot(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, 60-6*4*2, snap.CreditBalance)

	history, err := m.History(ctx, "user", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, history, 6)
	for _, rec := range history {
		assert.Equal(t, minutequota.SourceCredits, rec.Source)
		assert.Equal(t, 8, rec.CreditsUsed)
	}
}
