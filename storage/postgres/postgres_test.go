//go:build integration

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
	"github.com/mihaimyh/minutequota/storage/storagetest"
)

// setupTestDB connects to the database named by POSTGRES_TEST_DSN, applies
// migrations and empties every ledger table.
func setupTestDB(t *testing.T) *Storage {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.ConnectionString = dsn
	s, err := New(ctx, cfg)
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}
	t.Cleanup(s.Close)

	require.NoError(t, s.Migrate(ctx))
	_, err = s.pool.Exec(ctx, `TRUNCATE minutequota_accounts, minutequota_reservations,
		minutequota_usage_records, minutequota_applied_events`)
	require.NoError(t, err)
	return s
}

func TestNew_RequiresConnectionString(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestStorage_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) minutequota.Storage {
		return setupTestDB(t)
	})
}

func TestStorage_MigrateIsRepeatable(t *testing.T) {
	s := setupTestDB(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestStorage_CommitUnknownAccount(t *testing.T) {
	s := setupTestDB(t)
	err := s.Commit(context.Background(), &minutequota.Mutation{
		Account:         storagetest.NewAccount("ghost"),
		ExpectedVersion: 1,
	})
	assert.ErrorIs(t, err, minutequota.ErrAccountNotFound)
}

func TestManager_OnPostgres(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	m, err := minutequota.NewManager(s, minutequota.Config{})
	require.NoError(t, err)

	require.NoError(t, m.ApplyBillingEvent(ctx, minutequota.BillingEvent{
		ID: "evt_1", UserID: "user", Type: minutequota.EventSubscriptionCreated, PlanID: minutequota.PlanPro,
	}))
	res, err := m.Reserve(ctx, minutequota.ReserveRequest{
		UserID: "user", JobID: "job", Mode: minutequota.ModeHybrid, EstimatedMinutes: 90,
	})
	require.NoError(t, err)
	rec, err := m.Confirm(ctx, res.ID, 80)
	require.NoError(t, err)
	assert.Equal(t, minutequota.SourceSubscription, rec.Source)

	snap, err := m.Snapshot(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, 80, snap.MinutesUsed)
	assert.Equal(t, 670, snap.AvailableMinutes)
}
