// Package tiered implements a two-level (L1 + L2) cache adapter.
package tiered

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/conclave/internal/port/cache"
)

// Cache combines an in-process L1 with a shared L2. The L2 is best effort:
// its failures are logged and treated as misses so an unreachable NATS
// server only costs cache hits, never answers.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
	log      *slog.Logger
}

var _ cache.Cache = (*Cache)(nil)

// New creates a tiered cache. l1Expire bounds how long L2 backfills live in L1.
func New(l1, l2 cache.Cache, l1Expire time.Duration, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire, log: log}
}

// Get checks L1, then L2. An L2 hit is copied into L1.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		c.log.Warn("l2 cache read failed", "key", key, "error", err)
		return nil, false, nil
	}
	if !found {
		return nil, false, nil
	}
	_ = c.l1.Set(ctx, key, val, c.l1Expire)
	return val, true, nil
}

// Set writes to both levels.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		c.log.Warn("l2 cache write failed", "key", key, "error", err)
	}
	return nil
}

// Delete removes from both levels.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	return c.l2.Delete(ctx, key)
}
