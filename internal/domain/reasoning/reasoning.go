// Package reasoning defines the peer collaboration entities: questions and
// answers, debates, collaborative solutions and verifications.
package reasoning

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Strob0t/conclave/internal/domain"
)

// Broadcast is the wildcard recipient that fans a question out to all
// relevant agents.
const Broadcast = "all"

// Priority of a question.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Question asked by one agent of another (or of all agents).
type Question struct {
	ID          string         `json:"id"`
	FromAgentID string         `json:"from_agent_id"`
	ToAgentID   string         `json:"to_agent_id"`
	Text        string         `json:"text"`
	Context     map[string]any `json:"context,omitempty"`
	Priority    Priority       `json:"priority,omitempty"`
}

// IsBroadcast reports whether the question targets every relevant agent.
func (q *Question) IsBroadcast() bool { return q.ToAgentID == Broadcast }

// Validate checks the required fields and defaults the priority.
func (q *Question) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("%w: question text is required", domain.ErrValidation)
	}
	if q.ToAgentID == "" {
		return fmt.Errorf("%w: to_agent_id is required", domain.ErrValidation)
	}
	switch q.Priority {
	case "":
		q.Priority = PriorityNormal
	case PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return fmt.Errorf("%w: invalid priority %q", domain.ErrValidation, q.Priority)
	}
	return nil
}

// Answer to a single question.
type Answer struct {
	ID          string `json:"id"`
	QuestionID  string `json:"question_id"`
	FromAgentID string `json:"from_agent_id"`
	Text        string `json:"text"`
	Confidence  int    `json:"confidence"`
	Reasoning   string `json:"reasoning,omitempty"`
}

// BroadcastAnswer aggregates the answers to a broadcast question.
type BroadcastAnswer struct {
	Question  Question `json:"question"`
	Primary   *Answer  `json:"primary,omitempty"`
	Answers   []Answer `json:"answers"`
	Synthesis string   `json:"synthesis"`
	Consensus int      `json:"consensus"`
}

// Position held by one debate participant.
type Position struct {
	Text       string   `json:"text"`
	Reasoning  string   `json:"reasoning,omitempty"`
	Evidence   []string `json:"evidence,omitempty"`
	Confidence int      `json:"confidence"`
}

// DebateRequest starts a debate.
type DebateRequest struct {
	Topic            string              `json:"topic"`
	Participants     []string            `json:"participants"`
	InitialPositions map[string]Position `json:"initial_positions,omitempty"`
	MaxRounds        int                 `json:"max_rounds,omitempty"`
}

// ErrTooFewParticipants is returned when a debate has fewer than two distinct participants.
var ErrTooFewParticipants = errors.New("debate requires at least two participants")

// Validate checks the topic and participant list.
func (r *DebateRequest) Validate() error {
	if strings.TrimSpace(r.Topic) == "" {
		return fmt.Errorf("%w: topic is required", domain.ErrValidation)
	}
	seen := make(map[string]bool, len(r.Participants))
	for _, p := range r.Participants {
		if p == "" {
			return fmt.Errorf("%w: empty participant id", domain.ErrValidation)
		}
		seen[p] = true
	}
	if len(seen) < 2 {
		return fmt.Errorf("%w: %w", domain.ErrValidation, ErrTooFewParticipants)
	}
	if len(seen) != len(r.Participants) {
		return fmt.Errorf("%w: duplicate participant", domain.ErrValidation)
	}
	if r.MaxRounds < 0 {
		return fmt.Errorf("%w: max_rounds must be >= 0", domain.ErrValidation)
	}
	return nil
}

// Debate is the state of a (possibly finished) debate.
type Debate struct {
	ID               string              `json:"id"`
	Topic            string              `json:"topic"`
	Participants     []string            `json:"participants"`
	Positions        map[string]Position `json:"positions"`
	Round            int                 `json:"round"`
	ConsensusReached bool                `json:"consensus_reached"`
	ConsensusScore   int                 `json:"consensus_score"`
	Resolution       string              `json:"resolution"`
	ResolvedBy       string              `json:"resolved_by"`
}

// ProposedSolution is one agent's proposal in a collaborative solve.
type ProposedSolution struct {
	AgentID    string          `json:"agent_id"`
	Text       string          `json:"text"`
	Pros       []string        `json:"pros,omitempty"`
	Cons       []string        `json:"cons,omitempty"`
	Complexity int             `json:"complexity"`
	Votes      map[string]bool `json:"votes"`
	Score      float64         `json:"score"`
}

// AddVote records a vote from voterID. Self-votes are discarded and
// reported as false.
func (p *ProposedSolution) AddVote(voterID string) bool {
	if voterID == "" || voterID == p.AgentID {
		return false
	}
	if p.Votes == nil {
		p.Votes = make(map[string]bool)
	}
	p.Votes[voterID] = true
	return true
}

// ClampComplexity forces complexity into 1..10.
func ClampComplexity(c int) int {
	return min(max(c, 1), 10)
}

// CollaborativeSolution is the outcome of a collaborative solve.
type CollaborativeSolution struct {
	ID              string                       `json:"id"`
	Problem         string                       `json:"problem"`
	Proposals       map[string]*ProposedSolution `json:"proposals"`
	SelectedAgentID string                       `json:"selected_agent_id"`
	Selected        *ProposedSolution            `json:"selected,omitempty"`
	ConsensusScore  int                          `json:"consensus_score"`
}

// VerificationRequest asks a verifier to judge a solution.
type VerificationRequest struct {
	VerifierID string   `json:"verifier_id"`
	Solution   string   `json:"solution"`
	Criteria   []string `json:"criteria,omitempty"`
}

// Validate checks the required fields.
func (r *VerificationRequest) Validate() error {
	if r.VerifierID == "" {
		return fmt.Errorf("%w: verifier_id is required", domain.ErrValidation)
	}
	if strings.TrimSpace(r.Solution) == "" {
		return fmt.Errorf("%w: solution is required", domain.ErrValidation)
	}
	return nil
}

// Finding is an issue detected by the static pre-scan.
type Finding struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Line     int    `json:"line"`
	Message  string `json:"message"`
}

// VerificationResult is the verifier's verdict.
type VerificationResult struct {
	VerifierID     string    `json:"verifier_id"`
	Passed         bool      `json:"passed"`
	Issues         []string  `json:"issues"`
	Suggestions    []string  `json:"suggestions"`
	Confidence     int       `json:"confidence"`
	StaticFindings []Finding `json:"static_findings,omitempty"`
}
