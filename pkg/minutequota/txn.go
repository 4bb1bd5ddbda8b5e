package minutequota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// mutateFunc computes a change to a freshly read account. It may read storage
// but must not write; it returns nil to commit nothing.
type mutateFunc func(ctx context.Context, acct *Account, now time.Time) (*Mutation, error)

func (m *Manager) backoff() retry.Backoff {
	cfg := m.config.Retry
	b := retry.NewExponential(cfg.BaseDelay)
	b = retry.WithCappedDuration(cfg.MaxDelay, b)
	if cfg.Jitter > 0 {
		b = retry.WithJitter(cfg.Jitter, b)
	}
	return retry.WithMaxRetries(cfg.MaxRetries, b)
}

// transact runs one optimistic transaction on a single account: read the
// account and its version, compute, and commit only if the version is
// unchanged. Lost races are retried with backoff until the retry budget is
// spent, which surfaces ErrTransientConflict.
func (m *Manager) transact(ctx context.Context, op, userID string, fn mutateFunc) (*Mutation, error) {
	var (
		committed *Mutation
		attempts  int
	)
	err := retry.Do(ctx, m.backoff(), func(ctx context.Context) error {
		attempts++

		acct, err := m.readAccount(ctx, userID)
		if err != nil {
			return err
		}
		expected := acct.Version
		now := m.now()

		mut, err := fn(ctx, acct, now)
		if err != nil || mut == nil {
			return err
		}

		acct.Version = expected + 1
		acct.UpdatedAt = now
		mut.Account = acct
		mut.ExpectedVersion = expected

		start := time.Now()
		err = m.storage.Commit(ctx, mut)
		m.metrics.RecordStorageOperation("commit", time.Since(start), err)
		if errors.Is(err, ErrVersionConflict) {
			m.metrics.RecordConflict(op)
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		committed = mut
		return nil
	})

	if errors.Is(err, ErrVersionConflict) {
		m.logger.Warn("Optimistic retries exhausted",
			F("operation", op), F("user_id", userID), F("attempts", attempts))
		return nil, fmt.Errorf("%w: %s for user %s after %d attempts", ErrTransientConflict, op, userID, attempts)
	}
	if err != nil {
		return nil, err
	}
	if committed != nil {
		m.cache.put(committed.Account)
	}
	return committed, nil
}

func (m *Manager) readAccount(ctx context.Context, userID string) (*Account, error) {
	start := time.Now()
	acct, err := m.storage.GetAccount(ctx, userID)
	m.metrics.RecordStorageOperation("get_account", time.Since(start), err)
	return acct, err
}
