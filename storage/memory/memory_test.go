package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
	"github.com/mihaimyh/minutequota/storage/storagetest"
)

func TestStorage_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) minutequota.Storage {
		return New()
	})
}

func TestStorage_ConcurrentCommitsOneWinner(t *testing.T) {
	s := New()
	ctx := context.Background()
	acct := storagetest.NewAccount("user-race")
	require.NoError(t, s.CreateAccount(ctx, acct))

	const writers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n := acct.Clone()
			n.Version = 2
			n.MinutesUsed = i
			err := s.Commit(ctx, &minutequota.Mutation{Account: n, ExpectedVersion: 1})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else {
				assert.ErrorIs(t, err, minutequota.ErrVersionConflict)
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
}

func TestStorage_CommitUnknownAccount(t *testing.T) {
	s := New()
	err := s.Commit(context.Background(), &minutequota.Mutation{
		Account:         storagetest.NewAccount("ghost"),
		ExpectedVersion: 1,
	})
	assert.ErrorIs(t, err, minutequota.ErrAccountNotFound)
}
