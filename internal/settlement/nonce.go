package settlement

import (
	"context"
	"time"

	"github.com/chainmeter/chainmeter/internal/metrics"
)

// DefaultNonceTTL is how long a cached nonce is trusted before re-syncing
// with the node's pending pool.
const DefaultNonceTTL = 5 * time.Second

// nonceFetcher reads the next pending nonce from the chain.
type nonceFetcher interface {
	PendingNonce(ctx context.Context) (uint64, error)
}

// nonceCache hands out strictly increasing nonces for the settlement
// account. It is owned by the single queue worker goroutine: only one
// goroutine ever touches it, so it carries no locks.
type nonceCache struct {
	fetcher nonceFetcher
	ttl     time.Duration

	next      uint64
	fetchedAt time.Time
	valid     bool
}

func newNonceCache(fetcher nonceFetcher, ttl time.Duration) *nonceCache {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &nonceCache{fetcher: fetcher, ttl: ttl}
}

// assign returns the nonce for the next transaction. A fresh cache entry is
// incremented in place and restamped; a stale or invalidated one is
// re-fetched from the node.
func (c *nonceCache) assign(ctx context.Context) (uint64, error) {
	now := time.Now()
	if c.valid && now.Sub(c.fetchedAt) < c.ttl {
		n := c.next
		c.next++
		c.fetchedAt = now
		metrics.NonceCacheHits.WithLabelValues("hit").Inc()
		return n, nil
	}

	n, err := c.fetcher.PendingNonce(ctx)
	if err != nil {
		return 0, err
	}
	c.next = n + 1
	c.fetchedAt = now
	c.valid = true
	metrics.NonceCacheHits.WithLabelValues("miss").Inc()
	return n, nil
}

// invalidate drops the cached value. Called after any submission failure:
// the node's view of the pending pool can no longer be assumed.
func (c *nonceCache) invalidate() {
	c.valid = false
	metrics.NonceCacheHits.WithLabelValues("invalidate").Inc()
}
