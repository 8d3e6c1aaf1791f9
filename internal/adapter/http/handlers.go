package http

import (
	"net/http"

	"github.com/Strob0t/conclave/internal/domain/agent"
	"github.com/Strob0t/conclave/internal/domain/reasoning"
	"github.com/Strob0t/conclave/internal/domain/task"
	"github.com/Strob0t/conclave/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Router    *service.TaskRouter
	Registry  *service.AgentRegistry
	Reasoning *service.ReasoningEngine
	Shared    *service.SharedContextStore
	Telemetry *service.Telemetry
	Version   string
}

// Health reports liveness and the number of registered agents.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.Version,
		"agents":  len(h.Registry.List()),
	})
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// SubmitTask routes a new task. The response is 202 because execution
// continues in the background.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.SubmitRequest](w, r)
	if !ok {
		return
	}
	t, err := h.Router.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

// ListTasks returns all tasks, optionally filtered by ?status=.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.Router.List()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := tasks[:0]
		for i := range tasks {
			if string(tasks[i].Status) == status {
				filtered = append(filtered, tasks[i])
			}
		}
		tasks = filtered
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask returns one task.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Router.Get(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CancelTask cancels a running task and returns its final state.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Router.Cancel(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ---------------------------------------------------------------------------
// Reasoning
// ---------------------------------------------------------------------------

// AskQuestion asks one agent, or every relevant agent when to_agent_id is "all".
func (h *Handlers) AskQuestion(w http.ResponseWriter, r *http.Request) {
	q, ok := readJSON[reasoning.Question](w, r)
	if !ok {
		return
	}
	if q.IsBroadcast() {
		res, err := h.Reasoning.AskAll(r.Context(), q)
		if err != nil {
			writeDomainError(w, err, "agent not found")
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	ans, err := h.Reasoning.Ask(r.Context(), q)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// StartDebate runs a debate to completion.
func (h *Handlers) StartDebate(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[reasoning.DebateRequest](w, r)
	if !ok {
		return
	}
	d, err := h.Reasoning.StartDebate(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "participant not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type solveRequest struct {
	Problem string `json:"problem"`
}

// SolveCollaboratively collects proposals, runs the vote and returns the winner.
func (h *Handlers) SolveCollaboratively(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[solveRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Problem, "problem") {
		return
	}
	sol, err := h.Reasoning.SolveCollaboratively(r.Context(), req.Problem)
	if err != nil {
		writeDomainError(w, err, "no proposals")
		return
	}
	writeJSON(w, http.StatusOK, sol)
}

// VerifySolution asks a verifier agent to judge a solution.
func (h *Handlers) VerifySolution(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[reasoning.VerificationRequest](w, r)
	if !ok {
		return
	}
	res, err := h.Reasoning.VerifySolution(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "verifier not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ---------------------------------------------------------------------------
// Agents, context, telemetry
// ---------------------------------------------------------------------------

// ListAgents returns registered agents in registration order.
func (h *Handlers) ListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Registry.List())
}

// GetAgent returns one agent.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Registry.Get(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// RegisterAgent registers or updates an agent.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	cfg, ok := readJSON[agent.Config](w, r)
	if !ok {
		return
	}
	a, err := h.Registry.Register(r.Context(), cfg)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetContext returns the shared context snapshot.
func (h *Handlers) GetContext(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Shared.Snapshot())
}

type knowledgeRequest struct {
	Text   string `json:"text"`
	Append bool   `json:"append"`
}

// UpdateKnowledge replaces or extends the shared knowledge text.
func (h *Handlers) UpdateKnowledge(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[knowledgeRequest](w, r)
	if !ok {
		return
	}
	if req.Append {
		if !requireField(w, req.Text, "text") {
			return
		}
		h.Shared.AppendKnowledge(r.Context(), req.Text)
	} else {
		h.Shared.SetKnowledge(r.Context(), req.Text)
	}
	writeJSON(w, http.StatusOK, h.Shared.Snapshot())
}

// GetTelemetry returns the current telemetry snapshot.
func (h *Handlers) GetTelemetry(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Telemetry.Snapshot())
}
