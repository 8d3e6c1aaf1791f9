package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Strob0t/conclave/internal/domain"
	"github.com/Strob0t/conclave/internal/domain/event"
	"github.com/Strob0t/conclave/internal/domain/task"
	"github.com/Strob0t/conclave/internal/port/messagequeue"
)

const bridgeBuffer = 256

type outbound struct {
	ctx     context.Context
	subject string
	data    []byte
}

// QueueBridge accepts task submissions from the message queue and mirrors
// task results, context deltas and agent status onto it.
type QueueBridge struct {
	queue  messagequeue.Queue
	router *TaskRouter
	log    *slog.Logger

	out      chan outbound
	mu       sync.Mutex
	stopped  bool
	dropped  int
	workerWG sync.WaitGroup
}

// NewQueueBridge creates a bridge and subscribes it to events. Nothing is
// published until Start.
func NewQueueBridge(q messagequeue.Queue, router *TaskRouter, events *EventBus, log *slog.Logger) *QueueBridge {
	if log == nil {
		log = slog.Default()
	}
	b := &QueueBridge{
		queue:  q,
		router: router,
		log:    log,
		out:    make(chan outbound, bridgeBuffer),
	}
	events.Subscribe(event.KindTaskStatus, b.onTaskStatus)
	events.Subscribe(event.KindContextUpdated, b.onContextUpdated)
	events.Subscribe(event.KindAgentStatus, b.onAgentStatus)
	return b
}

// Start subscribes to task submissions and starts the publisher. The
// returned function stops both.
func (b *QueueBridge) Start(ctx context.Context) (func(), error) {
	cancelSub, err := b.queue.Subscribe(ctx, messagequeue.SubjectTaskSubmit, b.handleSubmit)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", messagequeue.SubjectTaskSubmit, err)
	}
	b.workerWG.Add(1)
	go b.publishLoop()

	return func() {
		cancelSub()
		b.mu.Lock()
		if !b.stopped {
			b.stopped = true
			close(b.out)
		}
		b.mu.Unlock()
		b.workerWG.Wait()
	}, nil
}

func (b *QueueBridge) publishLoop() {
	defer b.workerWG.Done()
	for m := range b.out {
		if err := b.queue.Publish(m.ctx, m.subject, m.data); err != nil {
			b.log.Warn("queue publish failed", "subject", m.subject, "error", err)
		}
	}
}

// handleSubmit routes a submitted objective. Routing failures are returned
// so the message is redelivered; malformed submissions are dropped.
func (b *QueueBridge) handleSubmit(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.TaskSubmitPayload
	if err := json.Unmarshal(data, &p); err != nil {
		b.log.Error("invalid task submission", "error", err)
		return nil
	}
	t, err := b.router.Submit(ctx, task.SubmitRequest{Objective: p.Objective, Constraints: p.Constraints})
	if errors.Is(err, domain.ErrValidation) {
		b.log.Error("rejected task submission", "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	b.log.Info("task submitted from queue", "task_id", t.ID, "agent_id", t.AgentID)
	return nil
}

func (b *QueueBridge) enqueue(ctx context.Context, subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.log.Error("queue payload encode failed", "subject", subject, "error", err)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	select {
	case b.out <- outbound{ctx: context.WithoutCancel(ctx), subject: subject, data: data}:
	default:
		b.dropped++
		b.log.Warn("queue publish buffer full, dropping", "subject", subject, "dropped", b.dropped)
	}
}

func (b *QueueBridge) onTaskStatus(ctx context.Context, ev event.Event) {
	if !task.Status(ev.Status).IsTerminal() {
		return
	}
	var t task.Task
	if err := json.Unmarshal(ev.Payload, &t); err != nil {
		b.log.Error("task event decode failed", "task_id", ev.TaskID, "error", err)
		return
	}
	p := messagequeue.TaskCompletedPayload{
		TaskID:    t.ID,
		AgentID:   t.AgentID,
		Status:    string(t.Status),
		Error:     t.Error,
		ErrorCode: t.ErrorCode,
	}
	if t.Result != nil {
		p.Artifact = t.Result.Artifact
		p.ModifiedResources = t.Result.ModifiedResources
		p.VerificationToken = t.Result.VerificationToken
	}
	b.enqueue(ctx, messagequeue.SubjectTaskCompleted, p)
}

func (b *QueueBridge) onContextUpdated(ctx context.Context, ev event.Event) {
	var d messagequeue.ContextUpdatePayload
	if err := json.Unmarshal(ev.Payload, &d); err != nil {
		b.log.Error("context event decode failed", "error", err)
		return
	}
	b.enqueue(ctx, messagequeue.SubjectContextUpdate, d)
}

func (b *QueueBridge) onAgentStatus(ctx context.Context, ev event.Event) {
	b.enqueue(ctx, messagequeue.SubjectAgentStatus, messagequeue.AgentStatusPayload{
		AgentID: ev.AgentID,
		Status:  ev.Status,
		TaskID:  ev.TaskID,
	})
}
