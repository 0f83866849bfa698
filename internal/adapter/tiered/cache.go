// Package tiered composes an in-process L1 cache with a shared L2 cache.
package tiered

import (
	"context"
	"errors"
	"time"

	"github.com/Strob0t/ratekeeper/internal/port/cache"
)

// Cache checks L1 first, then L2, backfilling L1 on an L2 hit. An L1 failure
// falls through to L2 instead of failing the read. Set and Delete touch both
// levels.
type Cache struct {
	l1    cache.Cache
	l2    cache.Cache
	l1TTL time.Duration
}

// New creates a tiered cache. l1TTL bounds how long a replica may serve an
// entry that another replica has since replaced in L2.
func New(l1, l2 cache.Cache, l1TTL time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1TTL: l1TTL}
}

// Get reads L1, then L2.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, l1Err := c.l1.Get(ctx, key)
	if l1Err == nil && found {
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		return nil, false, errors.Join(l1Err, err)
	}
	if !found {
		return nil, false, nil
	}
	_ = c.l1.Set(ctx, key, val, c.l1TTL)
	return val, true, nil
}

// Set writes L1 with the shorter of ttl and the L1 TTL, and L2 with ttl.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := c.l1TTL
	if ttl > 0 && ttl < l1TTL {
		l1TTL = ttl
	}
	return errors.Join(
		c.l1.Set(ctx, key, value, l1TTL),
		c.l2.Set(ctx, key, value, ttl),
	)
}

// Delete removes key from both levels.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return errors.Join(c.l1.Delete(ctx, key), c.l2.Delete(ctx, key))
}

// Evict drops key from L1 only. Replicas call it when another replica
// announces a write that already reached L2.
func (c *Cache) Evict(ctx context.Context, key string) error {
	return c.l1.Delete(ctx, key)
}
