package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/conclave/internal/domain"
	"github.com/Strob0t/conclave/internal/domain/task"
)

const maxRequestBodySize = 1 << 20

// TaskSubmitter is the routing surface the A2A endpoints drive.
type TaskSubmitter interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
	Get(id string) (*task.Task, error)
}

// Handler serves the A2A protocol endpoints.
type Handler struct {
	baseURL      string
	version      string
	tasks        TaskSubmitter
	capabilities func() []string

	mu  sync.RWMutex
	ids map[string]string // A2A task id -> routed task id
}

// NewHandler creates an A2A handler. capabilities may be nil.
func NewHandler(baseURL, version string, tasks TaskSubmitter, capabilities func() []string) *Handler {
	return &Handler{
		baseURL:      baseURL,
		version:      version,
		tasks:        tasks,
		capabilities: capabilities,
		ids:          make(map[string]string),
	}
}

// MountRoutes registers A2A routes on the given chi router.
// These are mounted at the root level, not under /api/v1.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/.well-known/agent.json", h.handleAgentCard)
	r.Post("/a2a/tasks", h.handleCreateTask)
	r.Get("/a2a/tasks/{id}", h.handleGetTask)
}

func (h *Handler) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	var caps []string
	if h.capabilities != nil {
		caps = h.capabilities()
	}
	writeJSON(w, http.StatusOK, BuildAgentCard(h.baseURL, h.version, caps))
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	h.mu.RLock()
	_, dup := h.ids[req.ID]
	h.mu.RUnlock()
	if dup {
		writeError(w, http.StatusConflict, "task id already used")
		return
	}

	t, err := h.tasks.Submit(r.Context(), submitRequest(req))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": "))
		case errors.Is(err, domain.ErrNoAgentAvailable):
			writeError(w, http.StatusServiceUnavailable, "no agent available")
		default:
			slog.Error("a2a task submit failed", "id", req.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.mu.Lock()
	h.ids[req.ID] = t.ID
	h.mu.Unlock()

	slog.Info("a2a task created", "id", req.ID, "task_id", t.ID, "skill", req.Skill, "agent_id", t.AgentID)
	writeJSON(w, http.StatusCreated, toResponse(req.ID, t))
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	h.mu.RLock()
	taskID, ok := h.ids[id]
	h.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	t, err := h.tasks.Get(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(id, t))
}

// submitRequest maps A2A input onto a routing request. A skill other than
// SkillTask names the task category.
func submitRequest(req TaskRequest) task.SubmitRequest {
	in := req.Input
	sr := task.SubmitRequest{
		Objective: in.Objective,
		Constraints: task.Constraints{
			SizeLimit: in.SizeLimit,
			Category:  in.Category,
			Target:    in.Target,
		},
	}
	if sr.Objective == "" {
		sr.Objective = in.Prompt
	}
	if sr.Constraints.Category == "" && req.Skill != "" && req.Skill != SkillTask {
		sr.Constraints.Category = req.Skill
	}
	return sr
}

func toResponse(id string, t *task.Task) TaskResponse {
	resp := TaskResponse{
		ID:     id,
		Status: string(t.Status),
		Error:  t.Error,
		Output: TaskOutput{TaskID: t.ID, AgentID: t.AgentID},
	}
	if t.Status == task.StatusInProgress {
		resp.Status = "running"
	}
	if t.Result != nil {
		resp.Output.Artifact = t.Result.Artifact
		resp.Output.ModifiedResources = t.Result.ModifiedResources
		resp.Output.VerificationToken = t.Result.VerificationToken
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
