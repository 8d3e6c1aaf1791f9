package service_test

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"pgregory.net/rapid"

	"github.com/Strob0t/conclave/internal/config"
	cvcontext "github.com/Strob0t/conclave/internal/domain/context"
	"github.com/Strob0t/conclave/internal/domain/event"
	"github.com/Strob0t/conclave/internal/domain/peer"
	"github.com/Strob0t/conclave/internal/service"
)

func newContextStore(maxRes, maxKnowledge int) (*service.SharedContextStore, *fakeHub, *service.EventBus) {
	hub := &fakeHub{}
	bus := service.NewEventBus(nil)
	cfg := config.Context{MaxResources: maxRes, MaxKnowledgeBytes: maxKnowledge}
	return service.NewSharedContextStore(cfg, hub, bus, nil), hub, bus
}

func TestSharedContext_RecordModifiedEvictsOldest(t *testing.T) {
	store, _, _ := newContextStore(3, 64)
	ctx := context.Background()

	store.RecordModified(ctx, "t1", "a1", []string{"a.go", "b.go"})
	store.RecordModified(ctx, "t2", "a2", []string{"c.go", "d.go"})

	snap := store.Snapshot()
	if len(snap.ModifiedResources) != 3 {
		t.Fatalf("expected 3 resources, got %d", len(snap.ModifiedResources))
	}
	if snap.ModifiedResources[0].ID != "b.go" {
		t.Errorf("expected oldest surviving resource b.go, got %s", snap.ModifiedResources[0].ID)
	}
	if snap.Version != 2 {
		t.Errorf("expected version 2, got %d", snap.Version)
	}
}

func TestSharedContext_RecordModifiedMovesDuplicateToNewest(t *testing.T) {
	store, _, _ := newContextStore(10, 64)
	ctx := context.Background()

	store.RecordModified(ctx, "t1", "a1", []string{"a.go", "b.go"})
	store.RecordModified(ctx, "t2", "a2", []string{"a.go"})

	snap := store.Snapshot()
	if len(snap.ModifiedResources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(snap.ModifiedResources))
	}
	last := snap.ModifiedResources[1]
	if last.ID != "a.go" || last.AgentID != "a2" {
		t.Errorf("expected a.go by a2 newest, got %+v", last)
	}
}

func TestSharedContext_ActiveTasks(t *testing.T) {
	store, hub, bus := newContextStore(10, 64)
	ctx := context.Background()

	var updated int
	bus.Subscribe(event.KindContextUpdated, func(context.Context, event.Event) { updated++ })

	store.TaskStarted(ctx, cvcontext.TaskRef{TaskID: "t1", AgentID: "a1", Objective: "fix bug", Status: "in_progress"})
	store.TaskStarted(ctx, cvcontext.TaskRef{TaskID: "t1", AgentID: "a1"})
	if got := len(store.Snapshot().ActiveTasks); got != 1 {
		t.Fatalf("expected 1 active task, got %d", got)
	}

	store.TaskFinished(ctx, "t1")
	store.TaskFinished(ctx, "unknown")
	if got := len(store.Snapshot().ActiveTasks); got != 0 {
		t.Errorf("expected no active tasks, got %d", got)
	}

	if updated != 2 {
		t.Errorf("expected 2 context.updated events, got %d", updated)
	}
	updates := hub.ofType(peer.TypeContextUpdate)
	if len(updates) != 2 {
		t.Fatalf("expected 2 context_update broadcasts, got %d", len(updates))
	}
	second := updates[1].(*peer.ContextUpdate)
	if second.FinishedTaskID != "t1" || second.Version != 2 {
		t.Errorf("unexpected delta %+v", second.Delta)
	}
}

func TestSharedContext_KnowledgeKeepsTail(t *testing.T) {
	store, _, _ := newContextStore(10, 10)
	ctx := context.Background()

	store.SetKnowledge(ctx, "0123456789abcdef")
	if got := store.Snapshot().KnowledgeExcerpt; got != "6789abcdef" {
		t.Errorf("expected tail 6789abcdef, got %q", got)
	}

	store.SetKnowledge(ctx, "")
	store.AppendKnowledge(ctx, "abc")
	store.AppendKnowledge(ctx, "def")
	if got := store.Snapshot().KnowledgeExcerpt; got != "abc\ndef" {
		t.Errorf("expected joined excerpt, got %q", got)
	}
}

func TestSharedContext_KnowledgeRuneBoundary(t *testing.T) {
	store, _, _ := newContextStore(10, 5)
	store.SetKnowledge(context.Background(), "ab€€") // € is 3 bytes
	got := store.Snapshot().KnowledgeExcerpt
	if !utf8.ValidString(got) {
		t.Fatalf("excerpt is not valid UTF-8: %q", got)
	}
	if got != "€" {
		t.Errorf("expected %q, got %q", "€", got)
	}
}

func TestSharedContext_PromptSection(t *testing.T) {
	store, _, _ := newContextStore(10, 64)
	if store.PromptSection() != "" {
		t.Fatal("expected empty prompt section for empty store")
	}
	store.RecordModified(context.Background(), "t1", "a1", []string{"api/handler.go"})
	section := store.PromptSection()
	if !strings.Contains(section, "api/handler.go (by a1)") {
		t.Errorf("prompt section missing resource: %q", section)
	}
}

func TestSharedContext_Bounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxRes := rapid.IntRange(1, 20).Draw(t, "max_resources")
		maxKnowledge := rapid.IntRange(0, 64).Draw(t, "max_knowledge")
		store, _, _ := newContextStore(maxRes, maxKnowledge)
		ctx := context.Background()

		lastVersion := 0
		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0:
				ids := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,6}\.go`), 1, 8).Draw(t, "ids")
				store.RecordModified(ctx, "task", "agent", ids)
			case 1:
				store.AppendKnowledge(ctx, rapid.String().Draw(t, "paragraph"))
			case 2:
				store.SetKnowledge(ctx, rapid.String().Draw(t, "knowledge"))
			case 3:
				id := rapid.StringMatching(`t[0-9]`).Draw(t, "task_id")
				if rapid.Bool().Draw(t, "start") {
					store.TaskStarted(ctx, cvcontext.TaskRef{TaskID: id, AgentID: "agent"})
				} else {
					store.TaskFinished(ctx, id)
				}
			}

			snap := store.Snapshot()
			if len(snap.ModifiedResources) > maxRes {
				t.Fatalf("resources %d exceed bound %d", len(snap.ModifiedResources), maxRes)
			}
			if len(snap.KnowledgeExcerpt) > maxKnowledge {
				t.Fatalf("knowledge %d bytes exceeds bound %d", len(snap.KnowledgeExcerpt), maxKnowledge)
			}
			if snap.Version < lastVersion {
				t.Fatalf("version went backwards: %d -> %d", lastVersion, snap.Version)
			}
			lastVersion = snap.Version
		}
	})
}

func TestSharedContext_KnowledgeDeltaCarriesExcerpt(t *testing.T) {
	store, hub, _ := newContextStore(10, 8)
	ctx := context.Background()

	store.SetKnowledge(ctx, "use pgx")
	store.AppendKnowledge(ctx, "no orm")
	store.SetKnowledge(ctx, "")

	updates := hub.ofType(peer.TypeContextUpdate)
	if len(updates) != 3 {
		t.Fatalf("expected 3 context updates, got %d", len(updates))
	}
	want := []string{"use pgx", "x\nno orm", ""}
	for i, m := range updates {
		d := m.(*peer.ContextUpdate).Delta
		if !d.KnowledgeReplaced || d.Knowledge != want[i] {
			t.Errorf("update %d: got replaced=%v knowledge=%q, want %q", i, d.KnowledgeReplaced, d.Knowledge, want[i])
		}
	}
	if got := store.Snapshot().KnowledgeExcerpt; got != "" {
		t.Errorf("expected cleared excerpt, got %q", got)
	}
}
