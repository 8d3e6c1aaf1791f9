package service

import (
	"context"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"

	cfotel "github.com/Strob0t/conclave/internal/adapter/otel"
	"github.com/Strob0t/conclave/internal/domain/agent"
	"github.com/Strob0t/conclave/internal/domain/peer"
	"github.com/Strob0t/conclave/internal/domain/reasoning"
	"github.com/Strob0t/conclave/internal/port/backend"
)

// StartDebate runs a debate to completion. It always terminates after at
// most the configured number of rounds (req.MaxRounds can only lower it)
// and resolves to the highest-confidence position.
func (e *ReasoningEngine) StartDebate(ctx context.Context, req reasoning.DebateRequest) (*reasoning.Debate, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	members := make([]agent.Agent, 0, len(req.Participants))
	for _, id := range req.Participants {
		a, err := e.responder(id)
		if err != nil {
			return nil, err
		}
		members = append(members, a)
	}
	// A request may shorten a debate but never extend it past the configured cap.
	maxRounds := e.maxRounds
	if req.MaxRounds > 0 {
		maxRounds = min(req.MaxRounds, e.maxRounds)
	}

	d := &reasoning.Debate{
		ID:           uuid.NewString(),
		Topic:        req.Topic,
		Participants: append([]string(nil), req.Participants...),
		Positions:    make(map[string]reasoning.Position, len(members)),
	}
	for _, a := range members {
		if p, ok := req.InitialPositions[a.ID]; ok && strings.TrimSpace(p.Text) != "" {
			if p.Confidence == 0 {
				p.Confidence = a.Expertise
			}
			d.Positions[a.ID] = p
		}
	}

	ctx, span := cfotel.StartReasoningSpan(ctx, "debate", d.ID)
	e.log.Info("debate started", "debate_id", d.ID, "participants", d.Participants, "max_rounds", maxRounds)

	var runErr error
	for round := 1; round <= maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		e.debateRound(ctx, d, members, round)
		d.Round = round
		d.ConsensusScore = positionConsensus(d)
		if d.ConsensusScore >= e.threshold {
			d.ConsensusReached = true
			break
		}
		if round < maxRounds && e.roundDelay > 0 {
			if err := e.sleep(ctx, e.roundDelay); err != nil {
				runErr = err
				break
			}
		}
	}

	resolve(d)
	cfotel.EndSpan(span, runErr)
	e.metrics.RecordReasoning(ctx, "debate")
	e.log.Info("debate finished",
		"debate_id", d.ID,
		"rounds", d.Round,
		"consensus", d.ConsensusReached,
		"score", d.ConsensusScore,
		"resolved_by", d.ResolvedBy,
	)
	return d, runErr
}

// debateRound asks every participant, concurrently, to restate its
// position given the others'. A failed call keeps the previous position.
func (e *ReasoningEngine) debateRound(ctx context.Context, d *reasoning.Debate, members []agent.Agent, round int) {
	before := make(map[string]reasoning.Position, len(d.Positions))
	for k, v := range d.Positions {
		before[k] = v
	}

	updated := make([]*reasoning.Position, len(members))
	var wg sync.WaitGroup
	for i, a := range members {
		var others []debateOther
		for _, m := range members {
			if p, ok := before[m.ID]; ok && m.ID != a.ID {
				others = append(others, debateOther{AgentID: m.ID, Position: p})
			}
		}
		var own *reasoning.Position
		if p, ok := before[a.ID]; ok {
			own = &p
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			prompt, err := debatePrompt(a, d.Topic, round, own, others)
			if err != nil {
				e.log.Error("debate prompt failed", "debate_id", d.ID, "error", err)
				return
			}
			raw, err := e.invoker.Invoke(ctx, a, prompt, backend.Options{})
			if err != nil {
				e.log.Warn("debate position unchanged", "debate_id", d.ID, "agent_id", a.ID, "round", round, "error", err)
				return
			}
			p := parsePosition(raw, a.Expertise)
			updated[i] = &p
		}()
	}
	wg.Wait()

	for i, a := range members {
		p := updated[i]
		if p == nil {
			continue
		}
		d.Positions[a.ID] = *p
		e.hub.BroadcastEvent(ctx, &peer.DebatePosition{DebateID: d.ID, AgentID: a.ID, Round: round, Position: *p})
	}
}

// positionConsensus blends average confidence with the share of agreeing
// participants: (avg + (1 - distinct/participants) * 100) / 2.
func positionConsensus(d *reasoning.Debate) int {
	if len(d.Positions) == 0 || len(d.Participants) == 0 {
		return 0
	}
	total := 0
	distinct := make(map[string]bool)
	for _, p := range d.Positions {
		total += p.Confidence
		distinct[normalizePosition(p.Text)] = true
	}
	avg := float64(total) / float64(len(d.Positions))
	similarity := (1 - float64(len(distinct))/float64(len(d.Participants))) * 100
	return clampPercent(int(math.Round((avg + similarity) / 2)))
}

func normalizePosition(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return strings.TrimRight(s, ".!")
}

// resolve picks the highest-confidence position; ties go to the earlier
// participant.
func resolve(d *reasoning.Debate) {
	best := -1
	for _, id := range d.Participants {
		p, ok := d.Positions[id]
		if !ok {
			continue
		}
		if p.Confidence > best {
			best = p.Confidence
			d.ResolvedBy = id
			d.Resolution = p.Text
		}
	}
}
