// Package peer defines the JSON wire protocol spoken over agent peer
// connections. Every frame is an Envelope whose Type selects the payload.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Strob0t/conclave/internal/domain/agent"
	cvcontext "github.com/Strob0t/conclave/internal/domain/context"
	"github.com/Strob0t/conclave/internal/domain/reasoning"
)

// Type is the discriminator of a peer message.
type Type string

const (
	TypeTaskCompleted        Type = "task_completed"
	TypeContextUpdate        Type = "context_update"
	TypeAgentRegister        Type = "agent_register"
	TypePing                 Type = "ping"
	TypePong                 Type = "pong"
	TypeAskQuestion          Type = "ask_question"
	TypeAnswerQuestion       Type = "answer_question"
	TypeStartDebate          Type = "start_debate"
	TypeDebatePosition       Type = "debate_position"
	TypeRequestCollaboration Type = "request_collaboration"
	TypeVerifySolution       Type = "verify_solution"

	TypeAgentRegisterResult        Type = "agent_register_result"
	TypeAskQuestionResult          Type = "ask_question_result"
	TypeStartDebateResult          Type = "start_debate_result"
	TypeRequestCollaborationResult Type = "request_collaboration_result"
	TypeVerifySolutionResult       Type = "verify_solution_result"
	TypeError                      Type = "error"
)

// ErrUnknownType is returned by Decode for a type outside the protocol.
var ErrUnknownType = errors.New("unknown message type")

// ErrMalformed is returned by Decode for frames that are not valid JSON
// envelopes or whose payload does not match the type.
var ErrMalformed = errors.New("malformed message")

// Envelope is the outer frame: {type, id, from, payload}.
type Envelope struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is implemented by every payload type of the protocol. Decode only
// ever returns the payload types declared in this package.
type Message interface {
	Type() Type
}

// TaskCompleted announces that a task reached a terminal state.
type TaskCompleted struct {
	TaskID            string   `json:"task_id"`
	AgentID           string   `json:"agent_id"`
	Status            string   `json:"status"`
	ModifiedResources []string `json:"modified_resources,omitempty"`
	VerificationToken string   `json:"verification_token,omitempty"`
	Error             string   `json:"error,omitempty"`
	ErrorCode         string   `json:"error_code,omitempty"`
}

// ContextUpdate carries a shared context delta.
type ContextUpdate struct {
	cvcontext.Delta
}

// AgentRegister announces (or re-announces) an agent over its connection.
type AgentRegister struct {
	agent.Config
}

// Ping is a liveness probe.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// AskQuestion asks a question of one agent or, with to_agent_id "all", of
// every relevant agent.
type AskQuestion struct {
	reasoning.Question
}

// AnswerQuestion is an answer pushed by a peer. When ToAgentID is set the
// answer is relayed to that agent.
type AnswerQuestion struct {
	reasoning.Answer
	ToAgentID string `json:"to_agent_id,omitempty"`
}

// StartDebate starts a debate among the listed participants.
type StartDebate struct {
	reasoning.DebateRequest
}

// DebatePosition reports a participant's position after a round.
type DebatePosition struct {
	DebateID string             `json:"debate_id"`
	AgentID  string             `json:"agent_id"`
	Round    int                `json:"round"`
	Position reasoning.Position `json:"position"`
}

// RequestCollaboration asks every available agent to propose a solution.
type RequestCollaboration struct {
	Problem string `json:"problem"`
}

// VerifySolution asks an agent to verify a solution.
type VerifySolution struct {
	reasoning.VerificationRequest
}

// AgentRegisterResult acknowledges an AgentRegister.
type AgentRegisterResult struct {
	Agent agent.Agent `json:"agent"`
}

// AskQuestionResult carries either a single answer or a broadcast aggregate.
type AskQuestionResult struct {
	Answer    *reasoning.Answer          `json:"answer,omitempty"`
	Broadcast *reasoning.BroadcastAnswer `json:"broadcast,omitempty"`
}

// StartDebateResult carries the finished debate.
type StartDebateResult struct {
	reasoning.Debate
}

// RequestCollaborationResult carries the selected solution.
type RequestCollaborationResult struct {
	reasoning.CollaborativeSolution
}

// VerifySolutionResult carries the verdict.
type VerifySolutionResult struct {
	reasoning.VerificationResult
}

// Error reports a failure handling the message with the same envelope id.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (TaskCompleted) Type() Type              { return TypeTaskCompleted }
func (ContextUpdate) Type() Type              { return TypeContextUpdate }
func (AgentRegister) Type() Type              { return TypeAgentRegister }
func (Ping) Type() Type                       { return TypePing }
func (Pong) Type() Type                       { return TypePong }
func (AskQuestion) Type() Type                { return TypeAskQuestion }
func (AnswerQuestion) Type() Type             { return TypeAnswerQuestion }
func (StartDebate) Type() Type                { return TypeStartDebate }
func (DebatePosition) Type() Type             { return TypeDebatePosition }
func (RequestCollaboration) Type() Type       { return TypeRequestCollaboration }
func (VerifySolution) Type() Type             { return TypeVerifySolution }
func (AgentRegisterResult) Type() Type        { return TypeAgentRegisterResult }
func (AskQuestionResult) Type() Type          { return TypeAskQuestionResult }
func (StartDebateResult) Type() Type          { return TypeStartDebateResult }
func (RequestCollaborationResult) Type() Type { return TypeRequestCollaborationResult }
func (VerifySolutionResult) Type() Type       { return TypeVerifySolutionResult }
func (Error) Type() Type                      { return TypeError }

// newMessage returns a zero payload for t, or nil if t is unknown.
func newMessage(t Type) Message {
	switch t {
	case TypeTaskCompleted:
		return &TaskCompleted{}
	case TypeContextUpdate:
		return &ContextUpdate{}
	case TypeAgentRegister:
		return &AgentRegister{}
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	case TypeAskQuestion:
		return &AskQuestion{}
	case TypeAnswerQuestion:
		return &AnswerQuestion{}
	case TypeStartDebate:
		return &StartDebate{}
	case TypeDebatePosition:
		return &DebatePosition{}
	case TypeRequestCollaboration:
		return &RequestCollaboration{}
	case TypeVerifySolution:
		return &VerifySolution{}
	case TypeAgentRegisterResult:
		return &AgentRegisterResult{}
	case TypeAskQuestionResult:
		return &AskQuestionResult{}
	case TypeStartDebateResult:
		return &StartDebateResult{}
	case TypeRequestCollaborationResult:
		return &RequestCollaborationResult{}
	case TypeVerifySolutionResult:
		return &VerifySolutionResult{}
	case TypeError:
		return &Error{}
	default:
		return nil
	}
}

// Decode parses a frame into its envelope and typed payload. The returned
// Message is a pointer to one of the payload structs of this package.
func Decode(data []byte) (Envelope, Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.Type == "" {
		return env, nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	msg := newMessage(env.Type)
	if msg == nil {
		return env, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return env, nil, fmt.Errorf("%w: %s payload: %w", ErrMalformed, env.Type, err)
		}
	}
	return env, msg, nil
}

// Encode marshals msg into an envelope frame.
func Encode(id, from string, msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Type(), err)
	}
	return json.Marshal(Envelope{Type: msg.Type(), ID: id, From: from, Payload: raw})
}

// NewError builds an Error payload from err.
func NewError(code string, err error) Error {
	return Error{Code: code, Message: err.Error()}
}
