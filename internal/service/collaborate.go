package service

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	cfotel "github.com/Strob0t/conclave/internal/adapter/otel"
	"github.com/Strob0t/conclave/internal/domain"
	"github.com/Strob0t/conclave/internal/domain/agent"
	"github.com/Strob0t/conclave/internal/domain/reasoning"
	"github.com/Strob0t/conclave/internal/port/backend"
)

// VoteStrategy decides which proposals a voter supports. It returns the
// author ids voted for; self-votes are discarded by the caller.
type VoteStrategy interface {
	Vote(ctx context.Context, voter agent.Agent, problem string, proposals []*reasoning.ProposedSolution) ([]string, error)
}

// BackendVoter asks the voter's own backend to choose.
type BackendVoter struct {
	Invoker *Invoker
}

// Vote implements VoteStrategy. The voter never sees its own proposal.
func (v *BackendVoter) Vote(ctx context.Context, voter agent.Agent, problem string, proposals []*reasoning.ProposedSolution) ([]string, error) {
	others := make([]*reasoning.ProposedSolution, 0, len(proposals))
	for _, p := range proposals {
		if p.AgentID != voter.ID {
			others = append(others, p)
		}
	}
	if len(others) == 0 {
		return nil, nil
	}
	prompt, err := votePrompt(voter, problem, others)
	if err != nil {
		return nil, err
	}
	raw, err := v.Invoker.Invoke(ctx, voter, prompt, backend.Options{})
	if err != nil {
		return nil, err
	}
	return parseVotes(raw), nil
}

// SolveCollaboratively collects a proposal from every online agent, lets
// every agent vote and selects the best-scoring proposal.
func (e *ReasoningEngine) SolveCollaboratively(ctx context.Context, problem string) (*reasoning.CollaborativeSolution, error) {
	if problem == "" {
		return nil, fmt.Errorf("%w: problem is required", domain.ErrValidation)
	}
	members := e.participants()
	if len(members) == 0 {
		return nil, fmt.Errorf("collaborative solve: %w", domain.ErrNoAgentAvailable)
	}

	sol := &reasoning.CollaborativeSolution{
		ID:        uuid.NewString(),
		Problem:   problem,
		Proposals: make(map[string]*reasoning.ProposedSolution, len(members)),
	}
	ctx, span := cfotel.StartReasoningSpan(ctx, "collaborate", sol.ID)

	shared := e.shared.PromptSection()
	proposed := make([]*reasoning.ProposedSolution, len(members))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range members {
		g.Go(func() error {
			prompt, err := proposalPrompt(a, problem, shared)
			if err != nil {
				return err
			}
			raw, err := e.invoker.Invoke(gctx, a, prompt, backend.Options{})
			if err != nil {
				e.log.Warn("proposal failed", "solution_id", sol.ID, "agent_id", a.ID, "error", err)
				return nil
			}
			proposed[i] = parseProposal(a.ID, raw)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cfotel.EndSpan(span, err)
		return nil, err
	}

	// Proposals in registration order.
	var ordered []*reasoning.ProposedSolution
	for _, p := range proposed {
		if p != nil {
			ordered = append(ordered, p)
			sol.Proposals[p.AgentID] = p
		}
	}
	if len(ordered) == 0 {
		err := fmt.Errorf("collaborative solve: no proposals: %w", domain.ErrNoAgentAvailable)
		cfotel.EndSpan(span, err)
		return nil, err
	}

	e.collectVotes(ctx, sol, members, ordered)

	expertise := make(map[string]int, len(members))
	for _, a := range members {
		expertise[a.ID] = a.Expertise
	}
	best := math.Inf(-1)
	for _, p := range ordered {
		p.Score = float64(len(p.Votes))*10 + float64(expertise[p.AgentID])*2 - float64(p.Complexity)*2
		if p.Score > best {
			best = p.Score
			sol.Selected = p
			sol.SelectedAgentID = p.AgentID
		}
	}
	sol.ConsensusScore = clampPercent(int(math.Round(best)))

	cfotel.EndSpan(span, nil)
	e.metrics.RecordReasoning(ctx, "collaborate")
	e.log.Info("collaborative solve finished",
		"solution_id", sol.ID,
		"proposals", len(ordered),
		"selected", sol.SelectedAgentID,
		"score", sol.ConsensusScore,
	)
	return sol, nil
}

// collectVotes gathers every member's votes concurrently, then applies them.
// Unknown ids and self-votes are dropped.
func (e *ReasoningEngine) collectVotes(ctx context.Context, sol *reasoning.CollaborativeSolution, members []agent.Agent, proposals []*reasoning.ProposedSolution) {
	ballots := make([][]string, len(members))
	var wg sync.WaitGroup
	for i, voter := range members {
		wg.Add(1)
		go func() {
			defer wg.Done()
			votes, err := e.voter.Vote(ctx, voter, sol.Problem, proposals)
			if err != nil {
				e.log.Warn("vote failed", "solution_id", sol.ID, "agent_id", voter.ID, "error", err)
				return
			}
			ballots[i] = votes
		}()
	}
	wg.Wait()

	for i, voter := range members {
		for _, id := range ballots[i] {
			p, ok := sol.Proposals[id]
			if !ok {
				continue
			}
			if !p.AddVote(voter.ID) {
				e.log.Debug("self-vote discarded", "solution_id", sol.ID, "agent_id", voter.ID)
			}
		}
	}
}
