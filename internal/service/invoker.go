package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cfotel "github.com/Strob0t/conclave/internal/adapter/otel"
	"github.com/Strob0t/conclave/internal/domain"
	"github.com/Strob0t/conclave/internal/domain/agent"
	"github.com/Strob0t/conclave/internal/domain/event"
	"github.com/Strob0t/conclave/internal/port/backend"
	"github.com/Strob0t/conclave/internal/resilience"
)

// GeneratorFactory builds the text generator for an agent's backend.
type GeneratorFactory func(a agent.Agent) (backend.Generator, error)

// Invoker calls agent backends through the retrier and its shared circuit
// store. Generators are built lazily and cached per agent.
type Invoker struct {
	retrier *resilience.Retrier
	factory GeneratorFactory
	metrics *cfotel.Metrics
	log     *slog.Logger

	mu   sync.Mutex
	gens map[string]backend.Generator
}

// NewInvoker creates an Invoker. Cached generators are dropped when their
// agent re-registers on events.
func NewInvoker(retrier *resilience.Retrier, factory GeneratorFactory, metrics *cfotel.Metrics, events *EventBus, log *slog.Logger) *Invoker {
	if log == nil {
		log = slog.Default()
	}
	inv := &Invoker{
		retrier: retrier,
		factory: factory,
		metrics: metrics,
		log:     log,
		gens:    make(map[string]backend.Generator),
	}
	if events != nil {
		events.Subscribe(event.KindAgentRegistered, func(_ context.Context, ev event.Event) {
			inv.Forget(ev.AgentID)
		})
	}
	return inv
}

// Forget drops the cached generator for agentID.
func (inv *Invoker) Forget(agentID string) {
	inv.mu.Lock()
	delete(inv.gens, agentID)
	inv.mu.Unlock()
}

func (inv *Invoker) generator(a agent.Agent) (backend.Generator, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if g, ok := inv.gens[a.ID]; ok {
		return g, nil
	}
	g, err := inv.factory(a)
	if err != nil {
		return nil, fmt.Errorf("build backend for agent %s: %w", a.ID, err)
	}
	inv.gens[a.ID] = g
	return g, nil
}

// Invoke sends prompt to the agent's backend. Failures are retried under
// the default policy and counted against the agent's backend key.
func (inv *Invoker) Invoke(ctx context.Context, a agent.Agent, prompt string, opts backend.Options) (string, error) {
	return inv.InvokeWithPolicy(ctx, a, prompt, opts, resilience.Policy{})
}

// InvokeWithPolicy is Invoke with a per-call policy; zero fields fall back
// to the retrier's default.
func (inv *Invoker) InvokeWithPolicy(ctx context.Context, a agent.Agent, prompt string, opts backend.Options, p resilience.Policy) (string, error) {
	if !a.CanGenerate() {
		return "", fmt.Errorf("%w: agent %s (%s) has no generation backend", domain.ErrValidation, a.ID, a.Kind)
	}
	gen, err := inv.generator(a)
	if err != nil {
		return "", err
	}
	if opts.Model == "" {
		opts.Model = a.Model
	}

	key := a.BackendKey()
	ctx, span := cfotel.StartBackendSpan(ctx, a.ID, key)
	start := time.Now()
	out, err := resilience.Retry(ctx, inv.retrier, key, p, func(ctx context.Context) (string, error) {
		return gen.Generate(ctx, prompt, opts)
	})
	inv.metrics.RecordBackendCall(ctx, a.ID, time.Since(start), err)
	if resilience.IsCircuitOpen(err) {
		inv.metrics.RecordCircuitRejection(ctx, key)
		inv.log.Warn("backend circuit open", "agent_id", a.ID, "backend", key)
	}
	cfotel.EndSpan(span, err)
	return out, err
}

// OpenCircuits lists backend keys whose circuit currently rejects calls.
func (inv *Invoker) OpenCircuits() []string {
	p := inv.retrier.Policy()
	return inv.retrier.Store().OpenKeys(p.Threshold, p.Cooldown)
}
