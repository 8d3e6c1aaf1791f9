// Package context defines the shared context snapshot that is synchronised
// to every connected agent and embedded in prompts.
package context

import (
	"fmt"
	"strings"
	"time"
)

// Resource is a modified resource recorded after a task completes.
type Resource struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}

// TaskRef is a lightweight reference to a non-terminal task.
type TaskRef struct {
	TaskID    string `json:"task_id"`
	AgentID   string `json:"agent_id"`
	Objective string `json:"objective"`
	Status    string `json:"status"`
}

// SharedContext is a point-in-time copy of the shared context store.
type SharedContext struct {
	Version           int        `json:"version"`
	ModifiedResources []Resource `json:"modified_resources"`
	ActiveTasks       []TaskRef  `json:"active_tasks"`
	KnowledgeExcerpt  string     `json:"knowledge_excerpt,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Delta describes a single change to the shared context, as broadcast to peers.
type Delta struct {
	Version           int        `json:"version"`
	AddedResources    []Resource `json:"added_resources,omitempty"`
	StartedTask       *TaskRef   `json:"started_task,omitempty"`
	FinishedTaskID    string     `json:"finished_task_id,omitempty"`
	KnowledgeReplaced bool       `json:"knowledge_replaced,omitempty"`
	// Knowledge is the full new excerpt when KnowledgeReplaced is set; an
	// empty value then means the excerpt was cleared.
	Knowledge string `json:"knowledge,omitempty"`
}

// maxPromptResources caps how many recent resources appear in a prompt.
const maxPromptResources = 20

// PromptSection renders the snapshot as a compact prompt block. Empty
// snapshots render as the empty string.
func (sc *SharedContext) PromptSection() string {
	if len(sc.ModifiedResources) == 0 && len(sc.ActiveTasks) == 0 && sc.KnowledgeExcerpt == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Shared context\n")
	if n := len(sc.ModifiedResources); n > 0 {
		b.WriteString("Recently modified:\n")
		start := max(0, n-maxPromptResources)
		for i := n - 1; i >= start; i-- {
			r := sc.ModifiedResources[i]
			fmt.Fprintf(&b, "- %s (by %s)\n", r.ID, r.AgentID)
		}
	}
	if len(sc.ActiveTasks) > 0 {
		b.WriteString("In flight:\n")
		for _, t := range sc.ActiveTasks {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", t.AgentID, t.TaskID, t.Objective)
		}
	}
	if sc.KnowledgeExcerpt != "" {
		b.WriteString("Knowledge:\n")
		b.WriteString(sc.KnowledgeExcerpt)
		b.WriteString("\n")
	}
	return b.String()
}
