package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Strob0t/conclave/internal/domain"
	"github.com/Strob0t/conclave/internal/domain/agent"
	"github.com/Strob0t/conclave/internal/domain/event"
)

// AgentRegistry is the catalog of agents and their live status. All status
// transitions happen under one lock, which is what keeps an agent from
// holding two tasks at once.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]*agent.Agent
	// offlinePending marks busy agents whose peer disconnected; they go
	// offline when their task releases.
	offlinePending map[string]bool
	seq            int

	events *EventBus
	now    func() time.Time
	log    *slog.Logger
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry(events *EventBus, log *slog.Logger) *AgentRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &AgentRegistry{
		agents:         make(map[string]*agent.Agent),
		offlinePending: make(map[string]bool),
		events:         events,
		now:            time.Now,
		log:            log,
	}
}

type statusChange struct {
	From agent.Status `json:"from"`
	To   agent.Status `json:"to"`
}

// Register adds or overwrites an agent. Overwriting keeps the original
// registration order and the live status.
func (r *AgentRegistry) Register(ctx context.Context, cfg agent.Config) (*agent.Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	caps, err := agent.NormalizeCapabilities(cfg.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("%w: agent %s: %w", domain.ErrValidation, cfg.ID, err)
	}
	expertise := cfg.Expertise
	if expertise == 0 {
		expertise = agent.DefaultExpertise
	}

	r.mu.Lock()
	a, exists := r.agents[cfg.ID]
	if !exists {
		r.seq++
		a = &agent.Agent{
			ID:           cfg.ID,
			Status:       agent.StatusIdle,
			Seq:          r.seq,
			RegisteredAt: r.now().UTC(),
		}
		r.agents[cfg.ID] = a
	}
	a.Name = cfg.Name
	if a.Name == "" {
		a.Name = cfg.ID
	}
	a.Kind = cfg.Kind
	a.Capabilities = caps
	a.Endpoint = cfg.Endpoint
	a.Model = cfg.Model
	a.Throughput = cfg.Throughput
	a.CostPerUnit = cfg.CostPerUnit
	a.Expertise = expertise
	a.Rank = cfg.Rank
	out := *a
	out.Capabilities = append([]string(nil), a.Capabilities...)
	r.mu.Unlock()

	if exists {
		r.log.Info("agent re-registered", "agent_id", cfg.ID, "kind", cfg.Kind)
	} else {
		r.log.Info("agent registered", "agent_id", cfg.ID, "kind", cfg.Kind, "capabilities", caps)
	}
	r.events.Emit(ctx, event.KindAgentRegistered, out.ID, "", string(out.Status), out)
	return &out, nil
}

// Get returns a copy of the agent.
func (r *AgentRegistry) Get(id string) (agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return agent.Agent{}, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	return copyAgent(a), nil
}

// List returns all agents in registration order.
func (r *AgentRegistry) List() []agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]agent.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, copyAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// FindIdleByCapability returns idle agents whose capabilities satisfy pred,
// ordered by rank then registration order. A nil pred matches every agent.
func (r *AgentRegistry) FindIdleByCapability(pred func(caps []string) bool) []agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []agent.Agent
	for _, a := range r.agents {
		if a.Status != agent.StatusIdle {
			continue
		}
		if pred != nil && !pred(a.Capabilities) {
			continue
		}
		out = append(out, copyAgent(a))
	}
	sortByPreference(out)
	return out
}

// sortByPreference orders agents by rank, then registration order.
func sortByPreference(agents []agent.Agent) {
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].Rank != agents[j].Rank {
			return agents[i].Rank < agents[j].Rank
		}
		return agents[i].Seq < agents[j].Seq
	})
}

// SetStatus moves an agent to status. Unknown ids are logged and ignored.
// Setting idle or offline clears the current task.
func (r *AgentRegistry) SetStatus(ctx context.Context, id string, status agent.Status) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		r.log.Warn("set status on unknown agent", "agent_id", id, "status", status)
		return
	}
	from := a.Status
	a.Status = status
	if status != agent.StatusBusy {
		a.CurrentTaskID = ""
	}
	r.mu.Unlock()

	if from != status {
		r.events.Emit(ctx, event.KindAgentStatus, id, "", string(status), statusChange{From: from, To: status})
	}
}

// TryAcquire atomically moves an idle agent to busy with taskID. It returns
// false if the agent is unknown or not idle.
func (r *AgentRegistry) TryAcquire(ctx context.Context, id, taskID string) bool {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok || a.Status != agent.StatusIdle {
		r.mu.Unlock()
		return false
	}
	a.Status = agent.StatusBusy
	a.CurrentTaskID = taskID
	r.mu.Unlock()

	r.events.Emit(ctx, event.KindAgentStatus, id, taskID, string(agent.StatusBusy),
		statusChange{From: agent.StatusIdle, To: agent.StatusBusy})
	return true
}

// Release returns the agent to idle, or to offline if its peer dropped
// while busy. It is a no-op unless the agent still holds taskID.
func (r *AgentRegistry) Release(ctx context.Context, id, taskID string) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok || a.CurrentTaskID != taskID || a.Status != agent.StatusBusy {
		r.mu.Unlock()
		return
	}
	to := agent.StatusIdle
	if r.offlinePending[id] {
		to = agent.StatusOffline
		delete(r.offlinePending, id)
	}
	a.Status = to
	a.CurrentTaskID = ""
	r.mu.Unlock()

	r.events.Emit(ctx, event.KindAgentStatus, id, taskID, string(to), statusChange{From: agent.StatusBusy, To: to})
}

// MarkOffline records a dropped peer connection. Busy agents finish their
// task first.
func (r *AgentRegistry) MarkOffline(ctx context.Context, id string) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if a.Status == agent.StatusBusy {
		r.offlinePending[id] = true
		r.mu.Unlock()
		r.log.Info("agent disconnected while busy", "agent_id", id, "task_id", a.CurrentTaskID)
		return
	}
	r.mu.Unlock()
	r.SetStatus(ctx, id, agent.StatusOffline)
}

// MarkOnline brings an offline agent back to idle.
func (r *AgentRegistry) MarkOnline(ctx context.Context, id string) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.offlinePending, id)
	offline := a.Status == agent.StatusOffline
	r.mu.Unlock()

	if offline {
		r.SetStatus(ctx, id, agent.StatusIdle)
	}
}

func copyAgent(a *agent.Agent) agent.Agent {
	out := *a
	out.Capabilities = append([]string(nil), a.Capabilities...)
	return out
}
