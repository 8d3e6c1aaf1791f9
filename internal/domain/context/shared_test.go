package context

import (
	"strings"
	"testing"
)

func TestPromptSectionEmpty(t *testing.T) {
	sc := SharedContext{}
	if got := sc.PromptSection(); got != "" {
		t.Fatalf("expected empty section, got %q", got)
	}
}

func TestPromptSectionNewestFirst(t *testing.T) {
	sc := SharedContext{
		ModifiedResources: []Resource{
			{ID: "old.go", AgentID: "a"},
			{ID: "new.go", AgentID: "b"},
		},
		ActiveTasks:      []TaskRef{{TaskID: "t1", AgentID: "a", Objective: "implement X"}},
		KnowledgeExcerpt: "uses chi",
	}
	got := sc.PromptSection()
	if strings.Index(got, "new.go") > strings.Index(got, "old.go") {
		t.Fatalf("expected newest resource first:\n%s", got)
	}
	for _, want := range []string{"implement X", "uses chi", "## Shared context"} {
		if !strings.Contains(got, want) {
			t.Errorf("section missing %q:\n%s", want, got)
		}
	}
}
