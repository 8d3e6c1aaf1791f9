package cache_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/conclave/internal/port/cache"
)

type mapCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return nil
}

func TestKey(t *testing.T) {
	a := cache.Key("answer", "agent-1", "question")
	b := cache.Key("answer", "agent-1question")
	if a == b {
		t.Fatal("part boundaries must affect the key")
	}
	if !strings.HasPrefix(a, "answer:") || len(a) != len("answer:")+32 {
		t.Fatalf("unexpected key %q", a)
	}
	if a != cache.Key("answer", "agent-1", "question") {
		t.Fatal("key must be deterministic")
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := &mapCache{m: map[string][]byte{}}

	type answer struct {
		Text       string `json:"text"`
		Confidence int    `json:"confidence"`
	}
	if err := cache.SetJSON(ctx, c, "k", answer{Text: "yes", Confidence: 80}, time.Minute); err != nil {
		t.Fatal(err)
	}
	got, ok := cache.GetJSON[answer](ctx, c, "k")
	if !ok || got.Text != "yes" || got.Confidence != 80 {
		t.Fatalf("GetJSON = %+v, %v", got, ok)
	}

	_ = c.Set(ctx, "bad", []byte("{"), time.Minute)
	if _, ok := cache.GetJSON[answer](ctx, c, "bad"); ok {
		t.Fatal("corrupt entry should be a miss")
	}
	if _, ok := cache.GetJSON[answer](ctx, c, "missing"); ok {
		t.Fatal("missing entry should be a miss")
	}
}
