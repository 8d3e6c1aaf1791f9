// Package task defines the Task domain entity.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/conclave/internal/domain"
)

// Status represents the current state of a task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a task may move from one status to another.
// A queued task may fail before it starts (acquisition lost, cancelled).
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusInProgress || to == StatusFailed
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Machine-readable failure causes carried in Task.ErrorCode.
const (
	ErrorCircuitOpen = "circuit_open" // the agent's backend circuit rejected the call
	ErrorCancelled   = "cancelled"
)

// Constraints narrows how a task may be executed.
type Constraints struct {
	SizeLimit int    `json:"size_limit,omitempty"` // max artifact bytes, 0 = unlimited
	Category  string `json:"category,omitempty"`
	Target    string `json:"target,omitempty"` // branch or resource the work targets
}

// Result holds the output of a completed task.
type Result struct {
	Artifact          string   `json:"artifact"`
	ModifiedResources []string `json:"modified_resources,omitempty"`
	VerificationToken string   `json:"verification_token,omitempty"`
}

// Task represents a unit of work assigned to exactly one agent.
type Task struct {
	ID          string      `json:"id"`
	Objective   string      `json:"objective"`
	Constraints Constraints `json:"constraints"`
	AgentID     string      `json:"agent_id,omitempty"`
	Status      Status      `json:"status"`
	Result      *Result     `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	ErrorCode   string      `json:"error_code,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// SubmitRequest holds the fields needed to submit a new task.
type SubmitRequest struct {
	Objective   string      `json:"objective"`
	Constraints Constraints `json:"constraints"`
}

// Validate checks that a SubmitRequest is well-formed.
func (r *SubmitRequest) Validate() error {
	if strings.TrimSpace(r.Objective) == "" {
		return fmt.Errorf("%w: objective is required", domain.ErrValidation)
	}
	if r.Constraints.SizeLimit < 0 {
		return fmt.Errorf("%w: size_limit must not be negative", domain.ErrValidation)
	}
	return nil
}

// Transition moves the task to the given status, stamping timestamps.
func (t *Task) Transition(to Status, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: task %s cannot move from %s to %s", domain.ErrConflict, t.ID, t.Status, to)
	}
	t.Status = to
	switch to {
	case StatusInProgress:
		t.StartedAt = &now
	case StatusCompleted, StatusFailed:
		t.CompletedAt = &now
	}
	return nil
}

// Clone returns a deep copy safe to hand out across goroutines.
func (t *Task) Clone() *Task {
	c := *t
	if t.Result != nil {
		r := *t.Result
		r.ModifiedResources = append([]string(nil), t.Result.ModifiedResources...)
		c.Result = &r
	}
	return &c
}
