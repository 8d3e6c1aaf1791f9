package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	cfotel "github.com/Strob0t/conclave/internal/adapter/otel"
	"github.com/Strob0t/conclave/internal/config"
	"github.com/Strob0t/conclave/internal/domain"
	"github.com/Strob0t/conclave/internal/domain/agent"
	"github.com/Strob0t/conclave/internal/domain/reasoning"
	"github.com/Strob0t/conclave/internal/port/backend"
	"github.com/Strob0t/conclave/internal/port/broadcast"
	"github.com/Strob0t/conclave/internal/port/cache"
)

// ReasoningEngine runs the question, debate, collaborative solve and
// verification protocols between registered agents.
type ReasoningEngine struct {
	registry *AgentRegistry
	invoker  *Invoker
	shared   *SharedContextStore
	hub      broadcast.Peers
	cache    cache.Cache
	cacheTTL time.Duration
	matcher  RelevanceMatcher
	voter    VoteStrategy
	metrics  *cfotel.Metrics
	log      *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	maxRounds    int
	threshold    int
	roundDelay   time.Duration
	maxBroadcast int
}

// ReasoningDeps groups the collaborators of a ReasoningEngine. Cache,
// Matcher and Voter are optional.
type ReasoningDeps struct {
	Registry *AgentRegistry
	Invoker  *Invoker
	Shared   *SharedContextStore
	Hub      broadcast.Peers
	Cache    cache.Cache
	CacheTTL time.Duration
	Matcher  RelevanceMatcher
	Voter    VoteStrategy
	Metrics  *cfotel.Metrics
	Log      *slog.Logger
	// Sleep waits between debate rounds. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewReasoningEngine creates an engine configured by cfg.
func NewReasoningEngine(cfg config.Reasoning, deps ReasoningDeps) *ReasoningEngine {
	e := &ReasoningEngine{
		registry:     deps.Registry,
		invoker:      deps.Invoker,
		shared:       deps.Shared,
		hub:          deps.Hub,
		cache:        deps.Cache,
		cacheTTL:     deps.CacheTTL,
		matcher:      deps.Matcher,
		voter:        deps.Voter,
		metrics:      deps.Metrics,
		log:          deps.Log,
		sleep:        deps.Sleep,
		maxRounds:    cfg.DebateMaxRounds,
		threshold:    cfg.DebateThreshold,
		roundDelay:   cfg.DebateRoundDelay,
		maxBroadcast: cfg.MaxBroadcastAgents,
	}
	if e.hub == nil {
		e.hub = broadcast.Nop{}
	}
	if e.matcher == nil {
		e.matcher = KeywordMatcher{}
	}
	if e.voter == nil {
		e.voter = &BackendVoter{Invoker: deps.Invoker}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.sleep == nil {
		e.sleep = sleepCtx
	}
	if e.maxRounds <= 0 {
		e.maxRounds = 3
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// responder resolves id to an agent able to take part in a protocol.
func (e *ReasoningEngine) responder(id string) (agent.Agent, error) {
	a, err := e.registry.Get(id)
	if err != nil {
		return agent.Agent{}, err
	}
	if !a.CanGenerate() {
		return agent.Agent{}, fmt.Errorf("%w: agent %s (%s) cannot answer", domain.ErrValidation, a.ID, a.Kind)
	}
	if a.Status == agent.StatusOffline {
		return agent.Agent{}, fmt.Errorf("agent %s is offline: %w", a.ID, domain.ErrConflict)
	}
	return a, nil
}

// participants returns every online agent with a backend, in
// registration order, excluding the ids in skip.
func (e *ReasoningEngine) participants(skip ...string) []agent.Agent {
	var out []agent.Agent
	for _, a := range e.registry.List() {
		if !a.CanGenerate() || a.Status == agent.StatusOffline {
			continue
		}
		excluded := false
		for _, s := range skip {
			if a.ID == s {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, a)
		}
	}
	return out
}

// Ask sends a question to one agent and returns its answer.
func (e *ReasoningEngine) Ask(ctx context.Context, q reasoning.Question) (*reasoning.Answer, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.IsBroadcast() {
		return nil, fmt.Errorf("%w: broadcast questions go through AskAll", domain.ErrValidation)
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	target, err := e.responder(q.ToAgentID)
	if err != nil {
		return nil, err
	}

	ctx, span := cfotel.StartReasoningSpan(ctx, "question", q.ID)
	ans, err := e.answer(ctx, target, q)
	cfotel.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordReasoning(ctx, "question")
	return ans, nil
}

type cachedAnswer struct {
	Text      string `json:"text"`
	Reasoning string `json:"reasoning,omitempty"`
}

func (e *ReasoningEngine) answerKey(target agent.Agent, q reasoning.Question) string {
	ctxJSON, _ := json.Marshal(q.Context) // map keys marshal sorted
	return cache.Key("answer", target.ID, q.Text, string(ctxJSON))
}

// answer asks target for an answer, consulting the answer cache first.
func (e *ReasoningEngine) answer(ctx context.Context, target agent.Agent, q reasoning.Question) (*reasoning.Answer, error) {
	ans := &reasoning.Answer{
		ID:          uuid.NewString(),
		QuestionID:  q.ID,
		FromAgentID: target.ID,
		Confidence:  target.Expertise,
	}

	var key string
	if e.cache != nil {
		key = e.answerKey(target, q)
		if hit, ok := cache.GetJSON[cachedAnswer](ctx, e.cache, key); ok {
			ans.Text, ans.Reasoning = hit.Text, hit.Reasoning
			e.log.Debug("answer cache hit", "agent_id", target.ID, "question_id", q.ID)
			return ans, nil
		}
	}

	prompt, err := questionPrompt(target, q, e.shared.PromptSection())
	if err != nil {
		return nil, err
	}
	raw, err := e.invoker.Invoke(ctx, target, prompt, backend.Options{})
	if err != nil {
		return nil, fmt.Errorf("ask %s: %w", target.ID, err)
	}
	ans.Text, ans.Reasoning = parseAnswer(raw)

	if e.cache != nil {
		if err := cache.SetJSON(ctx, e.cache, key, cachedAnswer{Text: ans.Text, Reasoning: ans.Reasoning}, e.cacheTTL); err != nil {
			e.log.Warn("answer cache write failed", "error", err)
		}
	}
	return ans, nil
}

// AskAll sends a question to every relevant agent concurrently and
// synthesizes the answers. Agents that fail are skipped.
func (e *ReasoningEngine) AskAll(ctx context.Context, q reasoning.Question) (*reasoning.BroadcastAnswer, error) {
	q.ToAgentID = reasoning.Broadcast
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}

	targets := e.matcher.Rank(q, e.participants(q.FromAgentID))
	if e.maxBroadcast > 0 && len(targets) > e.maxBroadcast {
		targets = targets[:e.maxBroadcast]
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("broadcast question: %w", domain.ErrNoAgentAvailable)
	}

	ctx, span := cfotel.StartReasoningSpan(ctx, "broadcast_question", q.ID)
	answers := make([]*reasoning.Answer, len(targets))
	var (
		mu      sync.Mutex
		lastErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := range targets {
		g.Go(func() error {
			a, err := e.answer(gctx, targets[i], q)
			if err != nil {
				e.log.Warn("broadcast answer failed", "agent_id", targets[i].ID, "question_id", q.ID, "error", err)
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return nil
			}
			answers[i] = a
			return nil
		})
	}
	_ = g.Wait()

	var collected []reasoning.Answer
	for _, a := range answers {
		if a != nil {
			collected = append(collected, *a)
		}
	}
	if len(collected) == 0 {
		err := fmt.Errorf("broadcast question: all %d agents failed: %w", len(targets), lastErr)
		cfotel.EndSpan(span, err)
		return nil, err
	}

	result := synthesize(q, collected)
	cfotel.EndSpan(span, nil)
	e.metrics.RecordReasoning(ctx, "broadcast_question")
	return result, nil
}

// synthesize orders answers by confidence, keeping relevance order on
// ties, and computes the consensus percentage.
func synthesize(q reasoning.Question, answers []reasoning.Answer) *reasoning.BroadcastAnswer {
	sort.SliceStable(answers, func(i, j int) bool { return answers[i].Confidence > answers[j].Confidence })

	primary := answers[0]
	var b strings.Builder
	b.WriteString(primary.Text)
	if len(answers) > 1 {
		b.WriteString("\n\nOther views:")
		for _, a := range answers[1:] {
			fmt.Fprintf(&b, "\n- %s: %s", a.FromAgentID, firstLine(a.Text))
		}
	}

	total := 0
	for _, a := range answers {
		total += a.Confidence
	}
	avg := float64(total) / float64(len(answers))

	return &reasoning.BroadcastAnswer{
		Question:  q,
		Primary:   &primary,
		Answers:   answers,
		Synthesis: b.String(),
		Consensus: int(math.Round((avg + float64(agreementBonus(len(answers)))) / 2)),
	}
}

// agreementBonus rewards wider sampling, not textual agreement.
func agreementBonus(answers int) int {
	switch {
	case answers >= 3:
		return 100
	case answers == 2:
		return 75
	case answers == 1:
		return 50
	}
	return 0
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const maxDigest = 160
	if len(s) > maxDigest {
		s = truncateBytes(s, maxDigest) + "..."
	}
	return s
}
