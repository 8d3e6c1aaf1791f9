package messagequeue

import (
	cvcontext "github.com/Strob0t/conclave/internal/domain/context"
	"github.com/Strob0t/conclave/internal/domain/task"
)

// TaskSubmitPayload is the schema for conclave.tasks.submit messages.
type TaskSubmitPayload struct {
	Objective   string           `json:"objective"`
	Constraints task.Constraints `json:"constraints"`
}

// TaskCompletedPayload is the schema for conclave.tasks.completed messages.
type TaskCompletedPayload struct {
	TaskID            string   `json:"task_id"`
	AgentID           string   `json:"agent_id"`
	Status            string   `json:"status"`
	Artifact          string   `json:"artifact,omitempty"`
	ModifiedResources []string `json:"modified_resources,omitempty"`
	VerificationToken string   `json:"verification_token,omitempty"`
	Error             string   `json:"error,omitempty"`
	ErrorCode         string   `json:"error_code,omitempty"`
}

// ContextUpdatePayload is the schema for conclave.context.updated messages.
type ContextUpdatePayload = cvcontext.Delta

// AgentStatusPayload is the schema for conclave.agents.status messages.
type AgentStatusPayload struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	TaskID  string `json:"task_id,omitempty"`
}
