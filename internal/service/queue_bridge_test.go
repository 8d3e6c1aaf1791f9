package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/Strob0t/conclave/internal/config"
	"github.com/Strob0t/conclave/internal/port/messagequeue"
	"github.com/Strob0t/conclave/internal/service"
)

type published struct {
	subject string
	data    []byte
}

type fakeQueue struct {
	mu        sync.Mutex
	handlers  map[string]messagequeue.Handler
	published []published
}

func (q *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, published{subject: subject, data: data})
	return nil
}

func (q *fakeQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.handlers == nil {
		q.handlers = make(map[string]messagequeue.Handler)
	}
	q.handlers[subject] = h
	return func() {}, nil
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

func (q *fakeQueue) bySubject(subject string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out [][]byte
	for _, p := range q.published {
		if p.subject == subject {
			out = append(out, p.data)
		}
	}
	return out
}

func TestQueueBridge_SubmitAndMirror(t *testing.T) {
	reply := func(string, string) (string, error) { return "done\nMODIFIED: docs/README.md", nil }
	h := newHarness(t, config.Router{GenericFallback: true}, reply, worker("w1", 0, "docs"))
	q := &fakeQueue{}
	bridge := service.NewQueueBridge(q, h.router, h.bus, nil)

	stop, err := bridge.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	handler := q.handlers[messagequeue.SubjectTaskSubmit]
	if handler == nil {
		t.Fatal("bridge did not subscribe to task submissions")
	}
	payload, _ := json.Marshal(messagequeue.TaskSubmitPayload{Objective: "update the readme"})
	if err := handler(context.Background(), messagequeue.SubjectTaskSubmit, payload); err != nil {
		t.Fatalf("handle submit: %v", err)
	}

	tasks := h.router.List()
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	await(t, h.router, tasks[0].ID)
	stop()

	completed := q.bySubject(messagequeue.SubjectTaskCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected 1 completion message, got %d", len(completed))
	}
	var p messagequeue.TaskCompletedPayload
	if err := json.Unmarshal(completed[0], &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.TaskID != tasks[0].ID || p.Status != "completed" || len(p.ModifiedResources) != 1 {
		t.Errorf("unexpected completion payload %+v", p)
	}
	if len(q.bySubject(messagequeue.SubjectContextUpdate)) == 0 {
		t.Error("expected context deltas on the queue")
	}
	if len(q.bySubject(messagequeue.SubjectAgentStatus)) < 2 {
		t.Error("expected busy and idle agent status messages")
	}
}

func TestQueueBridge_SubmitErrors(t *testing.T) {
	h := newHarness(t, config.Router{GenericFallback: true}, echo)
	q := &fakeQueue{}
	bridge := service.NewQueueBridge(q, h.router, h.bus, nil)
	stop, err := bridge.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop()
	handler := q.handlers[messagequeue.SubjectTaskSubmit]

	if err := handler(context.Background(), messagequeue.SubjectTaskSubmit, []byte(`{"objective":""}`)); err != nil {
		t.Errorf("invalid submissions must be acknowledged, got %v", err)
	}
	payload := []byte(`{"objective":"anything"}`)
	if err := handler(context.Background(), messagequeue.SubjectTaskSubmit, payload); err == nil {
		t.Error("expected an error with no agents so the message is redelivered")
	}
}
