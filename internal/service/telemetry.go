package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Strob0t/conclave/internal/config"
	"github.com/Strob0t/conclave/internal/domain/agent"
	"github.com/Strob0t/conclave/internal/domain/event"
	"github.com/Strob0t/conclave/internal/domain/task"
	"github.com/Strob0t/conclave/internal/port/broadcast"
)

// TelemetrySnapshot is a point-in-time view of the system.
type TelemetrySnapshot struct {
	AgentsByStatus      map[agent.Status]int `json:"agents_by_status"`
	AgentsByKind        map[agent.Kind]int   `json:"agents_by_kind"`
	TasksByStatus       map[task.Status]int  `json:"tasks_by_status"`
	CompletedTasks      int                  `json:"completed_tasks"`
	FailedTasks         int                  `json:"failed_tasks"`
	LocalTasks          int                  `json:"local_tasks"`
	ThroughputPerMinute float64              `json:"throughput_per_minute"`
	CostSavingsUSD      float64              `json:"cost_savings_usd"`
	OpenCircuits        []string             `json:"open_circuits"`
	PeerConnections     int                  `json:"peer_connections"`
	ConnectedAgents     []string             `json:"connected_agents"`
	StartedAt           time.Time            `json:"started_at"`
	UptimeSeconds       float64              `json:"uptime_seconds"`
}

// Telemetry aggregates counters fed by the event bus.
type Telemetry struct {
	registry *AgentRegistry
	router   *TaskRouter
	invoker  *Invoker
	peers    broadcast.Peers
	cfg      config.Telemetry
	now      func() time.Time
	started  time.Time

	mu        sync.Mutex
	completed int
	failed    int
	local     int
}

// NewTelemetry creates a Telemetry subscribed to task status events.
func NewTelemetry(cfg config.Telemetry, registry *AgentRegistry, router *TaskRouter, invoker *Invoker, peers broadcast.Peers, events *EventBus) *Telemetry {
	if peers == nil {
		peers = broadcast.Nop{}
	}
	t := &Telemetry{
		registry: registry,
		router:   router,
		invoker:  invoker,
		peers:    peers,
		cfg:      cfg,
		now:      time.Now,
	}
	t.started = t.now()
	events.Subscribe(event.KindTaskStatus, t.onTaskStatus)
	return t
}

func (t *Telemetry) onTaskStatus(_ context.Context, ev event.Event) {
	status := task.Status(ev.Status)
	if !status.IsTerminal() {
		return
	}
	local := false
	if ev.AgentID != "" {
		if a, err := t.registry.Get(ev.AgentID); err == nil {
			local = a.Kind == agent.KindLocal
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if status == task.StatusFailed {
		t.failed++
		return
	}
	t.completed++
	if local {
		t.local++
	}
}

// Snapshot returns the current telemetry.
func (t *Telemetry) Snapshot() TelemetrySnapshot {
	now := t.now()
	snap := TelemetrySnapshot{
		AgentsByStatus:  make(map[agent.Status]int),
		AgentsByKind:    make(map[agent.Kind]int),
		TasksByStatus:   t.router.CountByStatus(),
		OpenCircuits:    t.invoker.OpenCircuits(),
		PeerConnections: t.peers.ConnectionCount(),
		ConnectedAgents: t.peers.ConnectedAgents(),
		StartedAt:       t.started,
		UptimeSeconds:   now.Sub(t.started).Seconds(),
	}
	for _, a := range t.registry.List() {
		snap.AgentsByStatus[a.Status]++
		snap.AgentsByKind[a.Kind]++
	}

	t.mu.Lock()
	snap.CompletedTasks = t.completed
	snap.FailedTasks = t.failed
	snap.LocalTasks = t.local
	t.mu.Unlock()

	if minutes := now.Sub(t.started).Minutes(); minutes > 0 {
		snap.ThroughputPerMinute = float64(snap.CompletedTasks) / minutes
	}
	snap.CostSavingsUSD = float64(snap.LocalTasks) * float64(t.cfg.AvgTokensPerTask) * t.cfg.APICostPerToken
	if snap.OpenCircuits == nil {
		snap.OpenCircuits = []string{}
	}
	return snap
}

// MarshalJSON lets a Telemetry be served directly.
func (t *Telemetry) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Snapshot())
}
