package minutequota

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const cacheTypeAccount = "account"

// accountCache holds recent account snapshots for advisory reads. Mutating
// operations always read storage; after a commit they put the new state
// here, and an older version never replaces a newer one.
type accountCache struct {
	lru     *expirable.LRU[string, *Account]
	group   singleflight.Group
	metrics Metrics
}

func newAccountCache(cfg *CacheConfig, metrics Metrics) *accountCache {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	size := cfg.MaxAccounts
	if size <= 0 {
		size = 10000
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &accountCache{
		lru:     expirable.NewLRU[string, *Account](size, nil, ttl),
		metrics: metrics,
	}
}

// get returns a copy of the cached account, loading it on a miss. Concurrent
// misses for the same user share one load.
func (c *accountCache) get(ctx context.Context, userID string,
	load func(context.Context, string) (*Account, error)) (*Account, error) {
	if c == nil {
		return load(ctx, userID)
	}
	if acct, ok := c.lru.Get(userID); ok {
		c.metrics.RecordCacheHit(cacheTypeAccount)
		return acct.Clone(), nil
	}
	c.metrics.RecordCacheMiss(cacheTypeAccount)

	v, err, _ := c.group.Do(userID, func() (interface{}, error) {
		acct, err := load(ctx, userID)
		if err != nil {
			return nil, err
		}
		c.put(acct)
		return acct, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Account).Clone(), nil
}

// put stores the state a successful commit produced.
func (c *accountCache) put(acct *Account) {
	if c == nil {
		return
	}
	if cur, ok := c.lru.Peek(acct.UserID); ok && cur.Version >= acct.Version {
		return
	}
	c.lru.Add(acct.UserID, acct.Clone())
}
