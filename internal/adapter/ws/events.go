package ws

import (
	"context"

	"github.com/Strob0t/conclave/internal/domain/peer"
)

// Dispatcher receives decoded peer traffic and connection lifecycle
// callbacks from the Hub.
type Dispatcher interface {
	// Connected is called once a connection is bound to an agent id.
	Connected(ctx context.Context, agentID string)
	// Disconnected is called when the last connection of an agent closes.
	Disconnected(ctx context.Context, agentID string)
	// Dispatch handles one message. A non-nil reply is sent back to the
	// sender with the request's envelope id.
	Dispatch(ctx context.Context, from string, env peer.Envelope, msg peer.Message) (peer.Message, error)
}

// inline reports whether msg is handled on the read loop rather than on its
// own goroutine. Registration must complete before later frames from the
// same connection are dispatched.
func inline(msg peer.Message) bool {
	switch msg.(type) {
	case *peer.Ping, *peer.Pong, *peer.AgentRegister:
		return true
	default:
		return false
	}
}
