// Package natskv implements the cache port on a NATS JetStream KV bucket,
// shared by every Conclave instance connected to the same NATS server.
package natskv

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/conclave/internal/port/cache"
)

// Cache wraps a JetStream KeyValue bucket.
type Cache struct {
	kv jetstream.KeyValue
}

var _ cache.Cache = (*Cache)(nil)

// New creates a KV-backed cache. Entry expiry is the bucket TTL.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// kvKey maps a cache key onto the KV key alphabet, which has no ':'.
func kvKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

// Get retrieves a value. A missing or deleted key is a miss.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, kvKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Set stores a value. The per-call ttl is ignored in favour of the bucket TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.kv.Put(ctx, kvKey(key), value)
	return err
}

// Delete removes a value.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}
