// Package cache defines the port interface for caching.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Cache is the port interface for key-value caching.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key builds a fixed-length key from a namespace and arbitrary parts.
func Key(namespace string, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return namespace + ":" + hex.EncodeToString(h.Sum(nil))[:32]
}

// GetJSON reads and decodes a cached value. A decode failure counts as a miss.
func GetJSON[T any](ctx context.Context, c Cache, key string) (T, bool) {
	var v T
	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return v, false
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false
	}
	return v, true
}

// SetJSON encodes and stores v.
func SetJSON[T any](ctx context.Context, c Cache, key string, v T, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}
