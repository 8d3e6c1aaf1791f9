// Package ristretto is the in-process answer cache. It backs the cache
// port on its own, or as the L1 tier in front of NATS KV.
package ristretto

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Strob0t/conclave/internal/port/cache"
)

// avgEntryBytes sizes the admission counters: ristretto wants roughly ten
// counters per entry it expects to hold.
const avgEntryBytes = 1024

var _ cache.Cache = (*Cache)(nil)

// Cache holds cached answers and idempotent responses, costed by size.
type Cache struct {
	rc *ristretto.Cache[string, []byte]
}

// New returns a cache bounded to maxCostBytes of stored values.
func New(maxCostBytes int64) (*Cache, error) {
	if maxCostBytes <= 0 {
		return nil, fmt.Errorf("ristretto: max cost must be positive, got %d", maxCostBytes)
	}
	rc, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        max(10*maxCostBytes/avgEntryBytes, 1000),
		MaxCost:            maxCostBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &Cache{rc: rc}, nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.rc.Get(key)
	return v, ok, nil
}

// Set stores value until ttl elapses (zero keeps it until evicted). The
// write is flushed before Set returns so an immediate Get observes it;
// a value rejected by admission is simply not cached.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.rc.SetWithTTL(key, value, int64(len(value)), ttl)
	c.rc.Wait()
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.rc.Del(key)
	return nil
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() { c.rc.Close() }
