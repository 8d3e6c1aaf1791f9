// Package broadcast defines the ports for pushing peer messages to
// connected agents.
package broadcast

import (
	"context"
	"errors"

	"github.com/Strob0t/conclave/internal/domain/peer"
)

// ErrNotConnected is returned by SendTo when the agent has no live connection.
var ErrNotConnected = errors.New("agent not connected")

// Broadcaster sends a peer message to every connected agent.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, msg peer.Message)
}

// Sender delivers a peer message to one agent.
type Sender interface {
	SendTo(ctx context.Context, agentID string, msg peer.Message) error
}

// Peers is the full connection manager surface used by the services.
type Peers interface {
	Broadcaster
	Sender
	ConnectionCount() int
	ConnectedAgents() []string
}

// Nop discards every message. Used when no connection manager is wired.
type Nop struct{}

func (Nop) BroadcastEvent(context.Context, peer.Message) {}

func (Nop) SendTo(context.Context, string, peer.Message) error { return ErrNotConnected }

func (Nop) ConnectionCount() int { return 0 }

func (Nop) ConnectedAgents() []string { return nil }
