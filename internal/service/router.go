package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	cfotel "github.com/Strob0t/conclave/internal/adapter/otel"
	"github.com/Strob0t/conclave/internal/config"
	"github.com/Strob0t/conclave/internal/domain"
	"github.com/Strob0t/conclave/internal/domain/agent"
	cvcontext "github.com/Strob0t/conclave/internal/domain/context"
	"github.com/Strob0t/conclave/internal/domain/event"
	"github.com/Strob0t/conclave/internal/domain/peer"
	"github.com/Strob0t/conclave/internal/domain/routing"
	"github.com/Strob0t/conclave/internal/domain/task"
	"github.com/Strob0t/conclave/internal/logger"
	"github.com/Strob0t/conclave/internal/port/backend"
	"github.com/Strob0t/conclave/internal/port/broadcast"
	"github.com/Strob0t/conclave/internal/resilience"
)

const cancelledReason = "cancelled"

// taskEntry is a task plus the handles needed to stop and await it.
type taskEntry struct {
	task   *task.Task
	kind   agent.Kind
	cancel context.CancelFunc
	done   chan struct{}
}

// TaskRouter selects an agent per task, executes it asynchronously and
// records the outcome. It never queues: when nothing is idle, Submit fails.
type TaskRouter struct {
	registry *AgentRegistry
	invoker  *Invoker
	shared   *SharedContextStore
	hub      broadcast.Broadcaster
	events   *EventBus
	metrics  *cfotel.Metrics
	log      *slog.Logger
	now      func() time.Time

	rules           []routing.Rule
	genericFallback bool
	maxRetained     int

	mu    sync.RWMutex
	tasks map[string]*taskEntry
	order []string
	wg    sync.WaitGroup
}

// RouterDeps groups the collaborators of a TaskRouter.
type RouterDeps struct {
	Registry *AgentRegistry
	Invoker  *Invoker
	Shared   *SharedContextStore
	Hub      broadcast.Broadcaster
	Events   *EventBus
	Metrics  *cfotel.Metrics
	Log      *slog.Logger
}

// NewTaskRouter creates a router evaluating cfg.Rules in order.
func NewTaskRouter(cfg config.Router, deps RouterDeps) *TaskRouter {
	if deps.Hub == nil {
		deps.Hub = broadcast.Nop{}
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &TaskRouter{
		registry:        deps.Registry,
		invoker:         deps.Invoker,
		shared:          deps.Shared,
		hub:             deps.Hub,
		events:          deps.Events,
		metrics:         deps.Metrics,
		log:             deps.Log,
		now:             time.Now,
		rules:           append([]routing.Rule(nil), cfg.Rules...),
		genericFallback: cfg.GenericFallback,
		maxRetained:     cfg.MaxRetainedTasks,
		tasks:           make(map[string]*taskEntry),
	}
}

// Select returns the agent Submit would pick for objective and c right
// now, without acquiring it.
func (r *TaskRouter) Select(objective string, c task.Constraints) (string, error) {
	cands := r.candidates(objective, c)
	if len(cands) == 0 {
		return "", fmt.Errorf("route %q: %w", objective, domain.ErrNoAgentAvailable)
	}
	return cands[0], nil
}

// candidates lists idle agent ids in preference order: each matching
// rule's primary then fallback, then every idle agent when generic
// fallback is on. Within the generic tier, agents declaring the task's
// category come first and orchestrators come last. Agents whose backend
// circuit is open keep their relative order but move behind all others.
func (r *TaskRouter) candidates(objective string, c task.Constraints) []string {
	idle := r.registry.FindIdleByCapability(nil)
	isIdle := make(map[string]bool, len(idle))
	keyOf := make(map[string]string, len(idle))
	for i := range idle {
		isIdle[idle[i].ID] = true
		keyOf[idle[i].ID] = idle[i].BackendKey()
	}

	var out []string
	seen := make(map[string]bool)
	add := func(id string) {
		if isIdle[id] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	for i := range r.rules {
		if !r.rules[i].Matches(objective) {
			continue
		}
		for _, id := range r.rules[i].Candidates() {
			add(id)
		}
	}
	if !r.genericFallback {
		return r.demoteOpenCircuits(out, keyOf)
	}

	tiers := [3][]string{}
	for i := range idle {
		a := &idle[i]
		switch {
		case !a.CanGenerate():
			tiers[2] = append(tiers[2], a.ID)
		case c.Category != "" && a.HasCapability(c.Category):
			tiers[0] = append(tiers[0], a.ID)
		default:
			tiers[1] = append(tiers[1], a.ID)
		}
	}
	for _, tier := range tiers {
		for _, id := range tier {
			add(id)
		}
	}
	return r.demoteOpenCircuits(out, keyOf)
}

func (r *TaskRouter) demoteOpenCircuits(ids []string, keyOf map[string]string) []string {
	if r.invoker == nil || len(ids) < 2 {
		return ids
	}
	open := r.invoker.OpenCircuits()
	if len(open) == 0 {
		return ids
	}
	isOpen := make(map[string]bool, len(open))
	for _, k := range open {
		isOpen[k] = true
	}
	healthy := make([]string, 0, len(ids))
	var tripped []string
	for _, id := range ids {
		if isOpen[keyOf[id]] {
			tripped = append(tripped, id)
			continue
		}
		healthy = append(healthy, id)
	}
	return append(healthy, tripped...)
}

// Submit routes a new task and starts it. The returned task is already
// in progress on its agent.
func (r *TaskRouter) Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	t := &task.Task{
		ID:          uuid.NewString(),
		Objective:   req.Objective,
		Constraints: req.Constraints,
		Status:      task.StatusQueued,
		CreatedAt:   r.now().UTC(),
	}

	var chosen agent.Agent
	acquired := false
	for _, id := range r.candidates(req.Objective, req.Constraints) {
		if !r.registry.TryAcquire(ctx, id, t.ID) {
			continue // lost the race, try the next candidate
		}
		a, err := r.registry.Get(id)
		if err != nil {
			r.registry.Release(ctx, id, t.ID)
			continue
		}
		chosen, acquired = a, true
		break
	}
	if !acquired {
		r.log.Info("no agent available", "objective", req.Objective)
		return nil, fmt.Errorf("route task: %w", domain.ErrNoAgentAvailable)
	}

	t.AgentID = chosen.ID
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = logger.WithAgentID(logger.WithTaskID(runCtx, t.ID), chosen.ID)
	entry := &taskEntry{task: t, kind: chosen.Kind, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.tasks[t.ID] = entry
	r.order = append(r.order, t.ID)
	r.mu.Unlock()
	r.publishStatus(ctx, t.Clone())

	r.mu.Lock()
	if err := t.Transition(task.StatusInProgress, r.now().UTC()); err != nil {
		r.mu.Unlock()
		cancel()
		r.registry.Release(ctx, chosen.ID, t.ID)
		return nil, err
	}
	snap := t.Clone()
	r.mu.Unlock()

	r.publishStatus(ctx, snap)
	r.metrics.RecordTask(ctx, string(task.StatusInProgress), string(chosen.Kind))
	r.shared.TaskStarted(ctx, cvcontext.TaskRef{
		TaskID:    t.ID,
		AgentID:   chosen.ID,
		Objective: t.Objective,
		Status:    string(task.StatusInProgress),
	})
	r.log.Info("task routed", "task_id", t.ID, "agent_id", chosen.ID, "kind", chosen.Kind)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(runCtx, entry, chosen, snap)
	}()
	return snap, nil
}

func (r *TaskRouter) execute(ctx context.Context, e *taskEntry, a agent.Agent, t *task.Task) {
	ctx, span := cfotel.StartTaskSpan(ctx, t.ID, a.ID)

	var (
		result *task.Result
		err    error
	)
	if a.CanGenerate() {
		result, err = r.run(ctx, a, t)
	} else {
		result = &task.Result{VerificationToken: verificationToken("")}
	}
	cfotel.EndSpan(span, err)

	if err != nil && ctx.Err() != nil {
		err = errors.New(cancelledReason)
	}
	r.finish(context.WithoutCancel(ctx), e, result, err)
}

func (r *TaskRouter) run(ctx context.Context, a agent.Agent, t *task.Task) (*task.Result, error) {
	prompt, err := taskPrompt(a, t, r.shared.PromptSection())
	if err != nil {
		return nil, err
	}
	raw, err := r.invoker.Invoke(ctx, a, prompt, backend.Options{})
	if err != nil {
		return nil, err
	}
	return parseTaskResult(raw, t.Constraints), nil
}

// finish moves the task to its terminal state exactly once and releases
// the agent.
func (r *TaskRouter) finish(ctx context.Context, e *taskEntry, result *task.Result, runErr error) {
	r.mu.Lock()
	t := e.task
	if t.Status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	to := task.StatusCompleted
	if runErr != nil {
		to = task.StatusFailed
		t.Error = runErr.Error()
		t.ErrorCode = errorCode(runErr)
	} else {
		t.Result = result
	}
	if err := t.Transition(to, r.now().UTC()); err != nil {
		r.mu.Unlock()
		r.log.Error("task transition failed", "task_id", t.ID, "error", err)
		return
	}
	snap := t.Clone()
	r.evictLocked()
	r.mu.Unlock()

	e.cancel()
	r.registry.Release(ctx, snap.AgentID, snap.ID)
	r.shared.TaskFinished(ctx, snap.ID)
	if snap.Result != nil {
		r.shared.RecordModified(ctx, snap.ID, snap.AgentID, snap.Result.ModifiedResources)
	}

	r.publishStatus(ctx, snap)
	r.metrics.RecordTask(ctx, string(snap.Status), string(e.kind))

	msg := &peer.TaskCompleted{
		TaskID:    snap.ID,
		AgentID:   snap.AgentID,
		Status:    string(snap.Status),
		Error:     snap.Error,
		ErrorCode: snap.ErrorCode,
	}
	if snap.Result != nil {
		msg.ModifiedResources = snap.Result.ModifiedResources
		msg.VerificationToken = snap.Result.VerificationToken
	}
	r.hub.BroadcastEvent(ctx, msg)

	if runErr != nil {
		r.log.Warn("task failed", "task_id", snap.ID, "agent_id", snap.AgentID, "error", snap.Error)
	} else {
		r.log.Info("task completed", "task_id", snap.ID, "agent_id", snap.AgentID)
	}
	close(e.done)
}

func errorCode(err error) string {
	switch {
	case resilience.IsCircuitOpen(err):
		return task.ErrorCircuitOpen
	case err.Error() == cancelledReason:
		return task.ErrorCancelled
	}
	return ""
}

// evictLocked drops the oldest finished tasks while more than maxRetained
// are held. Running tasks are never evicted. Callers hold r.mu.
func (r *TaskRouter) evictLocked() {
	if r.maxRetained <= 0 || len(r.order) <= r.maxRetained {
		return
	}
	excess := len(r.order) - r.maxRetained
	kept := r.order[:0]
	for _, id := range r.order {
		if excess > 0 && r.tasks[id].task.Status.IsTerminal() {
			delete(r.tasks, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	clear(r.order[len(kept):])
	r.order = kept
}

func (r *TaskRouter) snapshot(e *taskEntry) *task.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return e.task.Clone()
}

func (r *TaskRouter) publishStatus(ctx context.Context, t *task.Task) {
	r.events.Emit(ctx, event.KindTaskStatus, t.AgentID, t.ID, string(t.Status), t)
}

// Get returns a copy of the task.
func (r *TaskRouter) Get(id string) (*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return e.task.Clone(), nil
}

// List returns the retained tasks in submission order.
func (r *TaskRouter) List() []task.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]task.Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.tasks[id].task.Clone())
	}
	return out
}

// Cancel abandons a running task. The agent is released immediately and
// the task fails with "cancelled".
func (r *TaskRouter) Cancel(ctx context.Context, id string) (*task.Task, error) {
	r.mu.RLock()
	e, ok := r.tasks[id]
	terminal := ok && e.task.Status.IsTerminal()
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if terminal {
		return nil, fmt.Errorf("task %s already finished: %w", id, domain.ErrConflict)
	}

	e.cancel()
	r.finish(ctx, e, nil, errors.New(cancelledReason))
	return r.snapshot(e), nil
}

// Await blocks until the task is terminal or ctx ends.
func (r *TaskRouter) Await(ctx context.Context, id string) (*task.Task, error) {
	r.mu.RLock()
	e, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	select {
	case <-e.done:
		return r.snapshot(e), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CountByStatus returns the number of retained tasks in each status.
func (r *TaskRouter) CountByStatus() map[task.Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[task.Status]int)
	for _, e := range r.tasks {
		out[e.task.Status]++
	}
	return out
}

// Shutdown cancels every running task and waits for their goroutines.
func (r *TaskRouter) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	for _, e := range r.tasks {
		e.cancel()
	}
	r.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
