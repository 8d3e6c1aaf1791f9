package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Strob0t/conclave/internal/domain/event"
	"github.com/Strob0t/conclave/internal/logger"
)

// EventHandler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type EventHandler func(ctx context.Context, ev event.Event)

// EventBus delivers typed events to subscribers in subscription order.
type EventBus struct {
	mu   sync.RWMutex
	subs map[event.Kind][]EventHandler
	all  []EventHandler
	seq  atomic.Int64
	log  *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(log *slog.Logger) *EventBus {
	if log == nil {
		log = slog.Default()
	}
	return &EventBus{subs: make(map[event.Kind][]EventHandler), log: log}
}

// Subscribe registers h for events of kind k.
func (b *EventBus) Subscribe(k event.Kind, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[k] = append(b.subs[k], h)
}

// SubscribeAll registers h for every event.
func (b *EventBus) SubscribeAll(h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish assigns a sequence number and delivers ev. Events with a kind
// outside the closed set are dropped and logged.
func (b *EventBus) Publish(ctx context.Context, ev event.Event) {
	if b == nil {
		return
	}
	if !ev.Kind.Valid() {
		b.log.Error("dropping event with unknown kind", "kind", ev.Kind)
		return
	}
	ev.Seq = b.seq.Add(1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.RequestID == "" {
		ev.RequestID = logger.RequestID(ctx)
	}

	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs[ev.Kind])+len(b.all))
	handlers = append(handlers, b.subs[ev.Kind]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ctx, h, ev)
	}
}

func (b *EventBus) deliver(ctx context.Context, h EventHandler, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "kind", ev.Kind, "panic", r)
		}
	}()
	h(ctx, ev)
}

// Emit builds and publishes an event of kind k.
func (b *EventBus) Emit(ctx context.Context, k event.Kind, agentID, taskID, status string, payload any) {
	if b == nil {
		return
	}
	ev, err := event.New(k, payload)
	if err != nil {
		b.log.Error("event build failed", "kind", k, "error", err)
		return
	}
	ev.AgentID, ev.TaskID, ev.Status = agentID, taskID, status
	b.Publish(ctx, ev)
}
