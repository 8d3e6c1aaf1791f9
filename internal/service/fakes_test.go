package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Strob0t/conclave/internal/domain/agent"
	"github.com/Strob0t/conclave/internal/domain/peer"
	"github.com/Strob0t/conclave/internal/port/backend"
	"github.com/Strob0t/conclave/internal/port/broadcast"
)

// fakeHub records every message sent through it.
type fakeHub struct {
	mu         sync.Mutex
	broadcasts []peer.Message
	sent       map[string][]peer.Message
	connected  []string
	// onBroadcast, when set, observes each broadcast before it is recorded.
	onBroadcast func(peer.Message)
}

var _ broadcast.Peers = (*fakeHub)(nil)

func (h *fakeHub) BroadcastEvent(_ context.Context, msg peer.Message) {
	if h.onBroadcast != nil {
		h.onBroadcast(msg)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasts = append(h.broadcasts, msg)
}

func (h *fakeHub) SendTo(_ context.Context, agentID string, msg peer.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sent == nil {
		h.sent = make(map[string][]peer.Message)
	}
	h.sent[agentID] = append(h.sent[agentID], msg)
	return nil
}

func (h *fakeHub) ConnectionCount() int { return len(h.connected) }

func (h *fakeHub) ConnectedAgents() []string { return h.connected }

func (h *fakeHub) ofType(t peer.Type) []peer.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []peer.Message
	for _, m := range h.broadcasts {
		if m.Type() == t {
			out = append(out, m)
		}
	}
	return out
}

// scriptedBackend answers prompts from a per-agent function.
type scriptedBackend struct {
	mu      sync.Mutex
	calls   map[string]int
	prompts map[string][]string
	reply   func(agentID, prompt string) (string, error)
	// block, when set, makes Generate wait until the channel closes or ctx ends.
	block chan struct{}
}

func newScriptedBackend(reply func(agentID, prompt string) (string, error)) *scriptedBackend {
	return &scriptedBackend{
		calls:   make(map[string]int),
		prompts: make(map[string][]string),
		reply:   reply,
	}
}

// factory satisfies service.GeneratorFactory.
func (b *scriptedBackend) factory(a agent.Agent) (backend.Generator, error) {
	id := a.ID
	return backend.GeneratorFunc(func(ctx context.Context, prompt string, _ backend.Options) (string, error) {
		b.mu.Lock()
		b.calls[id]++
		b.prompts[id] = append(b.prompts[id], prompt)
		block := b.block
		b.mu.Unlock()
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return b.reply(id, prompt)
	}), nil
}

func (b *scriptedBackend) callCount(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[id]
}

func (b *scriptedBackend) lastPrompt(id string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.prompts[id]
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

var errBackendDown = errors.New("backend down")

// fixedClock is a manually advanced clock.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func echo(agentID, prompt string) (string, error) {
	return fmt.Sprintf("%s handled %d bytes", agentID, len(prompt)), nil
}

func contains(s, sub string) bool { return strings.Contains(s, sub) }

// mapCache is an in-memory cache.Cache without eviction.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	c.sets++
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}
