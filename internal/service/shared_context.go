package service

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Strob0t/conclave/internal/config"
	cvcontext "github.com/Strob0t/conclave/internal/domain/context"
	"github.com/Strob0t/conclave/internal/domain/event"
	"github.com/Strob0t/conclave/internal/domain/peer"
	"github.com/Strob0t/conclave/internal/port/broadcast"
)

// SharedContextStore holds the bounded shared context. Every mutation bumps
// the version, raises context.updated and pushes a context_update to peers.
type SharedContextStore struct {
	mu        sync.RWMutex
	resources []cvcontext.Resource // oldest first
	active    []cvcontext.TaskRef
	knowledge string
	version   int
	updatedAt time.Time

	maxResources int
	maxKnowledge int

	hub    broadcast.Broadcaster
	events *EventBus
	now    func() time.Time
	log    *slog.Logger
}

// NewSharedContextStore creates an empty store bounded by cfg.
func NewSharedContextStore(cfg config.Context, hub broadcast.Broadcaster, events *EventBus, log *slog.Logger) *SharedContextStore {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &SharedContextStore{
		maxResources: max(cfg.MaxResources, 1),
		maxKnowledge: max(cfg.MaxKnowledgeBytes, 0),
		hub:          hub,
		events:       events,
		now:          time.Now,
		log:          log,
	}
}

// Snapshot returns a copy of the current context.
func (s *SharedContextStore) Snapshot() cvcontext.SharedContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cvcontext.SharedContext{
		Version:           s.version,
		ModifiedResources: append([]cvcontext.Resource{}, s.resources...),
		ActiveTasks:       append([]cvcontext.TaskRef{}, s.active...),
		KnowledgeExcerpt:  s.knowledge,
		UpdatedAt:         s.updatedAt,
	}
}

// PromptSection renders the current snapshot for inclusion in a prompt.
func (s *SharedContextStore) PromptSection() string {
	sc := s.Snapshot()
	return sc.PromptSection()
}

// RecordModified appends resources touched by a task. A resource already
// present moves to the newest position; the oldest entries are evicted once
// the bound is exceeded.
func (s *SharedContextStore) RecordModified(ctx context.Context, taskID, agentID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	now := s.now().UTC()
	added := make([]cvcontext.Resource, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		s.resources = removeResource(s.resources, id)
		r := cvcontext.Resource{ID: id, TaskID: taskID, AgentID: agentID, ModifiedAt: now}
		s.resources = append(s.resources, r)
		added = append(added, r)
	}
	if len(added) == 0 {
		s.mu.Unlock()
		return
	}
	if over := len(s.resources) - s.maxResources; over > 0 {
		s.resources = append([]cvcontext.Resource(nil), s.resources[over:]...)
	}
	d := s.bumpLocked(now)
	d.AddedResources = added
	s.mu.Unlock()

	s.publish(ctx, d)
}

func removeResource(rs []cvcontext.Resource, id string) []cvcontext.Resource {
	for i := range rs {
		if rs[i].ID == id {
			return append(rs[:i], rs[i+1:]...)
		}
	}
	return rs
}

// TaskStarted adds ref to the active task list.
func (s *SharedContextStore) TaskStarted(ctx context.Context, ref cvcontext.TaskRef) {
	s.mu.Lock()
	for _, t := range s.active {
		if t.TaskID == ref.TaskID {
			s.mu.Unlock()
			return
		}
	}
	s.active = append(s.active, ref)
	d := s.bumpLocked(s.now().UTC())
	d.StartedTask = &ref
	s.mu.Unlock()

	s.publish(ctx, d)
}

// TaskFinished removes a task from the active list.
func (s *SharedContextStore) TaskFinished(ctx context.Context, taskID string) {
	s.mu.Lock()
	idx := -1
	for i, t := range s.active {
		if t.TaskID == taskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.active = append(s.active[:idx], s.active[idx+1:]...)
	d := s.bumpLocked(s.now().UTC())
	d.FinishedTaskID = taskID
	s.mu.Unlock()

	s.publish(ctx, d)
}

// SetKnowledge replaces the knowledge excerpt, keeping its tail within the
// byte bound.
func (s *SharedContextStore) SetKnowledge(ctx context.Context, text string) {
	s.mu.Lock()
	s.knowledge = tailBytes(text, s.maxKnowledge)
	d := s.bumpLocked(s.now().UTC())
	d.KnowledgeReplaced = true
	d.Knowledge = s.knowledge
	s.mu.Unlock()

	s.publish(ctx, d)
}

// AppendKnowledge appends a paragraph to the excerpt.
func (s *SharedContextStore) AppendKnowledge(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	joined := text
	if s.knowledge != "" {
		joined = s.knowledge + "\n" + text
	}
	s.knowledge = tailBytes(joined, s.maxKnowledge)
	d := s.bumpLocked(s.now().UTC())
	d.KnowledgeReplaced = true
	d.Knowledge = s.knowledge
	s.mu.Unlock()

	s.publish(ctx, d)
}

func (s *SharedContextStore) bumpLocked(now time.Time) cvcontext.Delta {
	s.version++
	s.updatedAt = now
	return cvcontext.Delta{Version: s.version}
}

func (s *SharedContextStore) publish(ctx context.Context, d cvcontext.Delta) {
	s.events.Emit(ctx, event.KindContextUpdated, "", d.FinishedTaskID, "", d)
	s.hub.BroadcastEvent(ctx, &peer.ContextUpdate{Delta: d})
}

// tailBytes returns the last n bytes of s, advanced to the next rune start.
func tailBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}
