// Package event defines the closed set of in-process events raised by the
// registry, router, shared context store and connection manager.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the kind of event. The set is closed.
type Kind string

const (
	KindAgentRegistered  Kind = "agent.registered"
	KindAgentStatus      Kind = "agent.status"
	KindTaskStatus       Kind = "task.status"
	KindContextUpdated   Kind = "context.updated"
	KindPeerConnected    Kind = "peer.connected"
	KindPeerDisconnected Kind = "peer.disconnected"
)

// Kinds lists every valid Kind in declaration order.
var Kinds = []Kind{
	KindAgentRegistered,
	KindAgentStatus,
	KindTaskStatus,
	KindContextUpdated,
	KindPeerConnected,
	KindPeerDisconnected,
}

// Valid reports whether k is a member of the closed set.
func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if k == v {
			return true
		}
	}
	return false
}

// Event is a single immutable occurrence.
type Event struct {
	Kind      Kind            `json:"kind"`
	AgentID   string          `json:"agent_id,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Seq       int64           `json:"seq"`
	CreatedAt time.Time       `json:"created_at"`
}

// New builds an event of kind k with payload marshalled to JSON.
// A nil payload leaves Payload empty.
func New(k Kind, payload any) (Event, error) {
	if !k.Valid() {
		return Event{}, fmt.Errorf("unknown event kind %q", k)
	}
	ev := Event{Kind: k, CreatedAt: time.Now().UTC()}
	if payload == nil {
		return ev, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", k, err)
	}
	ev.Payload = raw
	return ev, nil
}
