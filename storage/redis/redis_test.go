package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
	"github.com/mihaimyh/minutequota/storage/storagetest"
)

// setupMiniredis starts an in-process Redis and returns a client for it.
func setupMiniredis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	client, _ := setupMiniredis(t)
	s, err := New(client, Config{})
	require.NoError(t, err)
	assert.Equal(t, "minutequota:", s.config.KeyPrefix)
}

func TestStorage_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) minutequota.Storage {
		client, _ := setupMiniredis(t)
		s, err := New(client, DefaultConfig())
		require.NoError(t, err)
		return s
	})
}

func TestStorage_ContractRealRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Redis server test in short mode")
	}
	storagetest.Run(t, func(t *testing.T) minutequota.Storage {
		s, err := New(setupTestRedis(t), DefaultConfig())
		require.NoError(t, err)
		return s
	})
}

func TestStorage_KeyPrefixIsolation(t *testing.T) {
	client, mr := setupMiniredis(t)
	ctx := context.Background()

	a, err := New(client, Config{KeyPrefix: "tenant-a:"})
	require.NoError(t, err)
	b, err := New(client, Config{KeyPrefix: "tenant-b:"})
	require.NoError(t, err)

	require.NoError(t, a.CreateAccount(ctx, storagetest.NewAccount("user")))
	_, err = b.GetAccount(ctx, "user")
	assert.ErrorIs(t, err, minutequota.ErrAccountNotFound)
	assert.True(t, mr.Exists("tenant-a:account:user"))
}

func TestStorage_EventKeyExpires(t *testing.T) {
	client, mr := setupMiniredis(t)
	ctx := context.Background()
	s, err := New(client, Config{EventTTL: time.Hour})
	require.NoError(t, err)

	acct := storagetest.NewAccount("user")
	require.NoError(t, s.CreateAccount(ctx, acct))

	v2 := acct.Clone()
	v2.Version = 2
	require.NoError(t, s.Commit(ctx, &minutequota.Mutation{Account: v2, ExpectedVersion: 1, EventKey: "event:evt"}))
	assert.Equal(t, time.Hour, mr.TTL("minutequota:event:event:evt"))

	mr.FastForward(2 * time.Hour)

	v3 := v2.Clone()
	v3.Version = 3
	assert.NoError(t, s.Commit(ctx, &minutequota.Mutation{Account: v3, ExpectedVersion: 2, EventKey: "event:evt"}))
}

func TestStorage_FinalizedReservationLeavesPendingSet(t *testing.T) {
	client, mr := setupMiniredis(t)
	ctx := context.Background()
	s, err := New(client, DefaultConfig())
	require.NoError(t, err)

	acct := storagetest.NewAccount("user")
	require.NoError(t, s.CreateAccount(ctx, acct))

	res := &minutequota.Reservation{
		ID: "res", UserID: "user", JobID: "job", Mode: minutequota.ModeAI,
		State: minutequota.ReservationPending, CreatedAt: time.Now().Add(-time.Hour),
	}
	v2 := acct.Clone()
	v2.Version = 2
	require.NoError(t, s.Commit(ctx, &minutequota.Mutation{Account: v2, ExpectedVersion: 1, Reservation: res}))

	members, err := mr.ZMembers("minutequota:pending")
	require.NoError(t, err)
	assert.Equal(t, []string{"res"}, members)

	released := res.Clone()
	released.State = minutequota.ReservationReleased
	v3 := v2.Clone()
	v3.Version = 3
	require.NoError(t, s.Commit(ctx, &minutequota.Mutation{Account: v3, ExpectedVersion: 2, Reservation: released}))

	pending, err := s.ListPendingReservations(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStorage_ConcurrentCommitsOneWinner(t *testing.T) {
	client, _ := setupMiniredis(t)
	ctx := context.Background()
	s, err := New(client, DefaultConfig())
	require.NoError(t, err)

	acct := storagetest.NewAccount("user-race")
	require.NoError(t, s.CreateAccount(ctx, acct))

	const writers = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := acct.Clone()
			n.Version = 2
			n.MinutesUsed = i
			err := s.Commit(ctx, &minutequota.Mutation{Account: n, ExpectedVersion: 1})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			assert.ErrorIs(t, err, minutequota.ErrVersionConflict)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestManager_OnRedis(t *testing.T) {
	client, _ := setupMiniredis(t)
	ctx := context.Background()
	s, err := New(client, DefaultConfig())
	require.NoError(t, err)

	m, err := minutequota.NewManager(s, minutequota.Config{
		Retry: minutequota.RetryConfig{MaxRetries: 50, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	require.NoError(t, err)

	require.NoError(t, m.ApplyBillingEvent(ctx, minutequota.BillingEvent{
		ID: "evt-1", UserID: "user", Type: minutequota.EventSubscriptionCreated, PlanID: minutequota.PlanStarter,
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Reserve(ctx, minutequota.ReserveRequest{
				UserID: "user", JobID: fmt.Sprintf("job-%d", i), Mode: minutequota.ModeAI, EstimatedMinutes: 30,
			})
			if assert.NoError(t, err) {
				_, err = m.Confirm(ctx, res.ID, 25)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	snap, err := m.Snapshot(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, 200, snap.MinutesUsed)
	assert.Equal(t, 0, snap.MinutesReserved)

	total, err := m.TotalMinutes(ctx, "user", snap.Cycle)
	require.NoError(t, err)
	assert.Equal(t, 200, total)
}
