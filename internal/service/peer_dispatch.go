package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/conclave/internal/domain/event"
	"github.com/Strob0t/conclave/internal/domain/peer"
	"github.com/Strob0t/conclave/internal/port/broadcast"
)

// PeerDispatcher routes decoded peer messages to the registry, the shared
// context and the reasoning engine. It implements the WebSocket hub's
// Dispatcher.
type PeerDispatcher struct {
	registry  *AgentRegistry
	shared    *SharedContextStore
	reasoning *ReasoningEngine
	hub       broadcast.Peers
	events    *EventBus
	log       *slog.Logger
}

// NewPeerDispatcher creates a dispatcher. SetHub must be called before
// messages that need relaying arrive.
func NewPeerDispatcher(registry *AgentRegistry, shared *SharedContextStore, engine *ReasoningEngine, events *EventBus, log *slog.Logger) *PeerDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &PeerDispatcher{
		registry:  registry,
		shared:    shared,
		reasoning: engine,
		hub:       broadcast.Nop{},
		events:    events,
		log:       log,
	}
}

// SetHub sets the connection manager used to relay messages. The hub and
// the dispatcher reference each other, so one of them is wired late.
func (d *PeerDispatcher) SetHub(hub broadcast.Peers) {
	d.hub = hub
}

// Connected brings a reconnecting agent back online.
func (d *PeerDispatcher) Connected(ctx context.Context, agentID string) {
	d.registry.MarkOnline(ctx, agentID)
	d.events.Emit(ctx, event.KindPeerConnected, agentID, "", "", nil)
}

// Disconnected marks the agent offline once it holds no task.
func (d *PeerDispatcher) Disconnected(ctx context.Context, agentID string) {
	d.registry.MarkOffline(ctx, agentID)
	d.events.Emit(ctx, event.KindPeerDisconnected, agentID, "", "", nil)
}

// Dispatch handles one inbound message and returns the reply, if any.
func (d *PeerDispatcher) Dispatch(ctx context.Context, from string, env peer.Envelope, msg peer.Message) (peer.Message, error) {
	switch m := msg.(type) {
	case *peer.AgentRegister:
		a, err := d.registry.Register(ctx, m.Config)
		if err != nil {
			return nil, err
		}
		return peer.AgentRegisterResult{Agent: *a}, nil

	case *peer.Ping:
		return peer.Pong{}, nil

	case *peer.Pong:
		return nil, nil

	case *peer.TaskCompleted:
		// Work finished outside the router still lands in the shared context.
		agentID := m.AgentID
		if agentID == "" {
			agentID = from
		}
		d.shared.RecordModified(ctx, m.TaskID, agentID, m.ModifiedResources)
		return nil, nil

	case *peer.ContextUpdate:
		ids := make([]string, 0, len(m.AddedResources))
		for _, r := range m.AddedResources {
			ids = append(ids, r.ID)
		}
		d.shared.RecordModified(ctx, "", from, ids)
		return nil, nil

	case *peer.AskQuestion:
		q := m.Question
		if q.FromAgentID == "" {
			q.FromAgentID = from
		}
		if q.IsBroadcast() {
			res, err := d.reasoning.AskAll(ctx, q)
			if err != nil {
				return nil, err
			}
			return peer.AskQuestionResult{Broadcast: res}, nil
		}
		ans, err := d.reasoning.Ask(ctx, q)
		if err != nil {
			return nil, err
		}
		return peer.AskQuestionResult{Answer: ans}, nil

	case *peer.AnswerQuestion:
		if m.ToAgentID == "" {
			return nil, fmt.Errorf("%w: answer_question needs to_agent_id", peer.ErrMalformed)
		}
		if m.FromAgentID == "" {
			m.FromAgentID = from
		}
		return nil, d.hub.SendTo(ctx, m.ToAgentID, m)

	case *peer.StartDebate:
		deb, err := d.reasoning.StartDebate(ctx, m.DebateRequest)
		if err != nil {
			return nil, err
		}
		return peer.StartDebateResult{Debate: *deb}, nil

	case *peer.DebatePosition:
		d.hub.BroadcastEvent(ctx, m)
		return nil, nil

	case *peer.RequestCollaboration:
		sol, err := d.reasoning.SolveCollaboratively(ctx, m.Problem)
		if err != nil {
			return nil, err
		}
		return peer.RequestCollaborationResult{CollaborativeSolution: *sol}, nil

	case *peer.VerifySolution:
		res, err := d.reasoning.VerifySolution(ctx, m.VerificationRequest)
		if err != nil {
			return nil, err
		}
		return peer.VerifySolutionResult{VerificationResult: *res}, nil

	case *peer.AgentRegisterResult, *peer.AskQuestionResult, *peer.StartDebateResult,
		*peer.RequestCollaborationResult, *peer.VerifySolutionResult, *peer.Error:
		d.log.Debug("ignoring peer result", "type", env.Type, "agent_id", from)
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", peer.ErrUnknownType, msg.Type())
}
