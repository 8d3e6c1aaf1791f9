package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	cvhttp "github.com/Strob0t/conclave/internal/adapter/http"
	"github.com/Strob0t/conclave/internal/config"
	"github.com/Strob0t/conclave/internal/domain/agent"
	cvcontext "github.com/Strob0t/conclave/internal/domain/context"
	"github.com/Strob0t/conclave/internal/domain/reasoning"
	"github.com/Strob0t/conclave/internal/domain/task"
	"github.com/Strob0t/conclave/internal/port/backend"
	"github.com/Strob0t/conclave/internal/port/broadcast"
	"github.com/Strob0t/conclave/internal/resilience"
	"github.com/Strob0t/conclave/internal/service"
)

type testEnv struct {
	router   chi.Router
	tasks    *service.TaskRouter
	registry *service.AgentRegistry
	release  chan struct{}
}

// newTestEnv wires the real services around a scripted backend. When block
// is true every generation waits until env.release is closed.
func newTestEnv(t *testing.T, reply string, block bool) *testEnv {
	t.Helper()
	env := &testEnv{release: make(chan struct{})}
	if !block {
		close(env.release)
	}

	gen := backend.GeneratorFunc(func(ctx context.Context, _ string, _ backend.Options) (string, error) {
		select {
		case <-env.release:
			return reply, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	factory := func(agent.Agent) (backend.Generator, error) { return gen, nil }

	bus := service.NewEventBus(nil)
	env.registry = service.NewAgentRegistry(bus, nil)
	shared := service.NewSharedContextStore(config.Context{MaxResources: 10, MaxKnowledgeBytes: 1024}, broadcast.Nop{}, bus, nil)
	retrier := resilience.NewRetrier(resilience.NewCircuitStore(), resilience.Policy{
		MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond,
		Threshold: 100, Cooldown: time.Minute, AttemptTimeout: 5 * time.Second,
	})
	invoker := service.NewInvoker(retrier, factory, nil, bus, nil)
	env.tasks = service.NewTaskRouter(config.Router{GenericFallback: true}, service.RouterDeps{
		Registry: env.registry, Invoker: invoker, Shared: shared, Events: bus,
	})
	engine := service.NewReasoningEngine(config.Reasoning{DebateMaxRounds: 2, DebateThreshold: 80}, service.ReasoningDeps{
		Registry: env.registry, Invoker: invoker, Shared: shared,
	})
	telemetry := service.NewTelemetry(config.Telemetry{AvgTokensPerTask: 1000, APICostPerToken: 0.00001}, env.registry, env.tasks, invoker, nil, bus)

	h := &cvhttp.Handlers{
		Router:    env.tasks,
		Registry:  env.registry,
		Reasoning: engine,
		Shared:    shared,
		Telemetry: telemetry,
		Version:   "test",
	}
	r := chi.NewRouter()
	cvhttp.MountRoutes(r, h)
	env.router = r

	t.Cleanup(func() {
		select {
		case <-env.release:
		default:
			close(env.release)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.tasks.Shutdown(ctx)
	})
	return env
}

func (e *testEnv) register(t *testing.T, cfgs ...agent.Config) {
	t.Helper()
	for _, c := range cfgs {
		if _, err := e.registry.Register(context.Background(), c); err != nil {
			t.Fatalf("register %s: %v", c.ID, err)
		}
	}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v (body %q)", err, w.Body.String())
	}
	return v
}

func local(id string, caps ...string) agent.Config {
	return agent.Config{ID: id, Kind: agent.KindLocal, Capabilities: caps, Endpoint: "http://" + id, Expertise: 80}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "ok", false)
	env.register(t, local("a", "coding"))

	w := env.do(http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decode[map[string]any](t, w)
	if body["status"] != "ok" || body["agents"] != float64(1) {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestSubmitAndGetTask(t *testing.T) {
	env := newTestEnv(t, "implemented\nMODIFIED: main.go", false)
	env.register(t, local("a", "coding"))

	w := env.do(http.MethodPost, "/api/v1/tasks", task.SubmitRequest{Objective: "implement the parser"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	submitted := decode[task.Task](t, w)
	if submitted.AgentID != "a" {
		t.Fatalf("expected agent a, got %q", submitted.AgentID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := env.tasks.Await(ctx, submitted.ID); err != nil {
		t.Fatalf("await: %v", err)
	}

	w = env.do(http.MethodGet, "/api/v1/tasks/"+submitted.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got := decode[task.Task](t, w)
	if got.Status != task.StatusCompleted || got.Result == nil {
		t.Fatalf("expected completed task with result, got %+v", got)
	}

	w = env.do(http.MethodGet, "/api/v1/tasks?status=completed", nil)
	if list := decode[[]task.Task](t, w); len(list) != 1 {
		t.Fatalf("expected 1 completed task, got %d", len(list))
	}
	w = env.do(http.MethodGet, "/api/v1/tasks?status=failed", nil)
	if list := decode[[]task.Task](t, w); len(list) != 0 {
		t.Fatalf("expected no failed tasks, got %d", len(list))
	}

	w = env.do(http.MethodGet, "/api/v1/context", nil)
	snap := decode[cvcontext.SharedContext](t, w)
	if len(snap.ModifiedResources) != 1 || snap.ModifiedResources[0].ID != "main.go" {
		t.Fatalf("expected main.go in shared context, got %+v", snap.ModifiedResources)
	}
}

func TestSubmitTaskErrors(t *testing.T) {
	env := newTestEnv(t, "ok", true)
	env.register(t, local("only", "coding"))

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed", "{", http.StatusBadRequest},
		{"missing objective", task.SubmitRequest{}, http.StatusBadRequest},
		{"negative size", task.SubmitRequest{Objective: "x", Constraints: task.Constraints{SizeLimit: -1}}, http.StatusBadRequest},
		{"first takes the only agent", task.SubmitRequest{Objective: "implement a"}, http.StatusAccepted},
		{"second finds nobody idle", task.SubmitRequest{Objective: "implement b"}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/v1/tasks", tt.body)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestCancelTask(t *testing.T) {
	env := newTestEnv(t, "ok", true)
	env.register(t, local("a", "coding"))

	w := env.do(http.MethodPost, "/api/v1/tasks", task.SubmitRequest{Objective: "long job"})
	submitted := decode[task.Task](t, w)

	w = env.do(http.MethodPost, "/api/v1/tasks/"+submitted.ID+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[task.Task](t, w); got.Status != task.StatusFailed || got.Error != "cancelled" {
		t.Fatalf("expected cancelled failure, got %+v", got)
	}

	w = env.do(http.MethodPost, "/api/v1/tasks/"+submitted.ID+"/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second cancel, got %d", w.Code)
	}
	w = env.do(http.MethodPost, "/api/v1/tasks/missing/cancel", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAgents(t *testing.T) {
	env := newTestEnv(t, "ok", false)

	w := env.do(http.MethodPost, "/api/v1/agents", local("new", "Docs", "docs"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	a := decode[agent.Agent](t, w)
	if len(a.Capabilities) != 1 || a.Status != agent.StatusIdle {
		t.Fatalf("unexpected agent: %+v", a)
	}

	w = env.do(http.MethodPost, "/api/v1/agents", agent.Config{ID: "bad", Kind: "robot", Capabilities: []string{"x"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	if w = env.do(http.MethodGet, "/api/v1/agents/new", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w = env.do(http.MethodGet, "/api/v1/agents/ghost", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if list := decode[[]agent.Agent](t, env.do(http.MethodGet, "/api/v1/agents", nil)); len(list) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(list))
	}
}

func TestAskQuestion(t *testing.T) {
	env := newTestEnv(t, "Use a mutex.\nREASONING: the map is shared", false)
	env.register(t, local("a", "concurrency"), local("b", "docs"))

	w := env.do(http.MethodPost, "/api/v1/questions", reasoning.Question{FromAgentID: "b", ToAgentID: "a", Text: "How do I guard the map?"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ans := decode[reasoning.Answer](t, w); ans.FromAgentID != "a" || ans.Confidence != 80 {
		t.Fatalf("unexpected answer: %+v", ans)
	}

	w = env.do(http.MethodPost, "/api/v1/questions", reasoning.Question{ToAgentID: reasoning.Broadcast, Text: "concurrency question"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if res := decode[reasoning.BroadcastAnswer](t, w); len(res.Answers) == 0 {
		t.Fatal("expected at least one answer")
	}

	w = env.do(http.MethodPost, "/api/v1/questions", reasoning.Question{ToAgentID: "ghost", Text: "hello?"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDebateAndSolve(t *testing.T) {
	env := newTestEnv(t, "POSITION: yes\nCONFIDENCE: 90\nSOLUTION: use a queue\nCOMPLEXITY: 3\nVOTE: a", false)
	env.register(t, local("a", "design"), local("b", "design"))

	w := env.do(http.MethodPost, "/api/v1/debates", reasoning.DebateRequest{Topic: "Adopt NATS?", Participants: []string{"a", "b"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if d := decode[reasoning.Debate](t, w); d.Resolution != "yes" {
		t.Fatalf("expected resolution yes, got %+v", d)
	}

	w = env.do(http.MethodPost, "/api/v1/debates", reasoning.DebateRequest{Topic: "solo", Participants: []string{"a"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w = env.do(http.MethodPost, "/api/v1/solutions", map[string]string{"problem": "fan out work"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if sol := decode[reasoning.CollaborativeSolution](t, w); sol.SelectedAgentID == "" {
		t.Fatalf("expected a selected proposal, got %+v", sol)
	}

	w = env.do(http.MethodPost, "/api/v1/solutions", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestVerifySolution(t *testing.T) {
	env := newTestEnv(t, "VERDICT: PASS", false)
	env.register(t, local("rev", "security"))

	w := env.do(http.MethodPost, "/api/v1/verifications", reasoning.VerificationRequest{VerifierID: "rev", Solution: "sum := MD5(data)"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decode[reasoning.VerificationResult](t, w)
	if len(res.StaticFindings) == 0 {
		t.Fatal("expected weak crypto finding")
	}

	w = env.do(http.MethodPost, "/api/v1/verifications", reasoning.VerificationRequest{Solution: "x"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestKnowledgeAndTelemetry(t *testing.T) {
	env := newTestEnv(t, "ok", false)

	w := env.do(http.MethodPut, "/api/v1/context/knowledge", map[string]any{"text": "deploys freeze on friday"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w = env.do(http.MethodPut, "/api/v1/context/knowledge", map[string]any{"text": "use staging", "append": true})
	snap := decode[cvcontext.SharedContext](t, w)
	if !strings.HasSuffix(snap.KnowledgeExcerpt, "use staging") || snap.Version != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	w = env.do(http.MethodGet, "/api/v1/telemetry", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := decode[map[string]any](t, w); body["cost_savings_usd"] == nil {
		t.Fatalf("expected cost_savings_usd in %v", body)
	}
}
