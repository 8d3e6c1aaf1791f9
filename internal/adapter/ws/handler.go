// Package ws implements the WebSocket connection manager for agent peers.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Strob0t/conclave/internal/domain/peer"
	"github.com/Strob0t/conclave/internal/port/broadcast"
)

// DefaultWriteTimeout bounds every frame written to a peer.
const DefaultWriteTimeout = 5 * time.Second

// conn wraps a single WebSocket connection.
type conn struct {
	ws      *websocket.Conn
	cancel  context.CancelFunc
	agentID string
	remote  string
}

// Hub manages all active peer connections.
type Hub struct {
	mu      sync.RWMutex
	conns   map[*conn]struct{}
	byAgent map[string]*conn

	dispatcher   Dispatcher
	writeTimeout time.Duration
	log          *slog.Logger
	// writeFrame writes one frame to c; replaced in tests.
	writeFrame func(ctx context.Context, c *conn, data []byte) error
}

var _ broadcast.Peers = (*Hub)(nil)

// NewHub creates a hub delivering inbound messages to d. A zero
// writeTimeout uses DefaultWriteTimeout.
func NewHub(d Dispatcher, writeTimeout time.Duration, log *slog.Logger) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		conns:        make(map[*conn]struct{}),
		byAgent:      make(map[string]*conn),
		dispatcher:   d,
		writeTimeout: writeTimeout,
		log:          log,
	}
	h.writeFrame = h.write
	return h
}

// SetDispatcher replaces the dispatcher. It must be called before the hub
// serves its first connection.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.dispatcher = d
}

// HandleWS upgrades the request and serves the connection until it closes.
// The agent may identify itself with ?agent_id= or an agent_register message.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		h.log.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, cancel: cancel, remote: r.RemoteAddr}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	h.log.Info("websocket connected", "remote", r.RemoteAddr)

	if id := r.URL.Query().Get("agent_id"); id != "" {
		h.bind(ctx, c, id)
	}

	defer func() {
		h.remove(c)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()
	h.readLoop(ctx, c)
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	var wg sync.WaitGroup
	defer wg.Wait()
	defer c.cancel()

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				h.log.Debug("websocket read failed", "agent_id", h.agentOf(c), "error", err)
			}
			return
		}

		env, msg, err := peer.Decode(data)
		if err != nil {
			h.log.Warn("invalid peer message", "agent_id", h.agentOf(c), "remote", c.remote, "error", err)
			h.reply(ctx, c, env.ID, peer.NewError("bad_message", err))
			continue
		}

		if inline(msg) {
			h.handle(ctx, c, env, msg)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.handle(ctx, c, env, msg)
		}()
	}
}

func (h *Hub) handle(ctx context.Context, c *conn, env peer.Envelope, msg peer.Message) {
	if _, ok := msg.(*peer.Ping); ok {
		h.reply(ctx, c, env.ID, peer.Pong{})
		return
	}
	if h.dispatcher == nil {
		return
	}

	from := h.agentOf(c)
	if from == "" {
		from = env.From
	}
	reply, err := h.dispatcher.Dispatch(ctx, from, env, msg)
	if err != nil {
		h.log.Warn("peer message failed", "type", env.Type, "agent_id", from, "error", err)
		h.reply(ctx, c, env.ID, peer.NewError(string(env.Type), err))
		return
	}
	if r, ok := reply.(peer.AgentRegisterResult); ok {
		h.bind(ctx, c, r.Agent.ID)
	}
	if reply != nil {
		h.reply(ctx, c, env.ID, reply)
	}
}

// bind associates c with agentID, replacing any previous connection of
// that agent.
func (h *Hub) bind(ctx context.Context, c *conn, agentID string) {
	h.mu.Lock()
	if c.agentID == agentID {
		h.mu.Unlock()
		return
	}
	prev := h.byAgent[agentID]
	if c.agentID != "" && h.byAgent[c.agentID] == c {
		delete(h.byAgent, c.agentID)
	}
	c.agentID = agentID
	h.byAgent[agentID] = c
	h.mu.Unlock()

	if prev != nil && prev != c {
		h.log.Info("replacing agent connection", "agent_id", agentID)
		prev.cancel()
	}
	h.log.Info("agent connected", "agent_id", agentID)
	if h.dispatcher != nil {
		h.dispatcher.Connected(ctx, agentID)
	}
}

func (h *Hub) agentOf(c *conn) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.agentID
}

func (h *Hub) reply(ctx context.Context, c *conn, id string, msg peer.Message) {
	data, err := peer.Encode(id, "", msg)
	if err != nil {
		h.log.Error("peer encode failed", "type", msg.Type(), "error", err)
		return
	}
	if err := h.writeFrame(ctx, c, data); err != nil {
		h.log.Debug("websocket write failed", "agent_id", h.agentOf(c), "error", err)
		h.remove(c)
	}
}

func (h *Hub) write(ctx context.Context, c *conn, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageText, data)
}

// SendTo delivers msg to the connection bound to agentID.
func (h *Hub) SendTo(ctx context.Context, agentID string, msg peer.Message) error {
	h.mu.RLock()
	c := h.byAgent[agentID]
	h.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("%s: %w", agentID, broadcast.ErrNotConnected)
	}

	data, err := peer.Encode(uuid.NewString(), "", msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	if err := h.writeFrame(ctx, c, data); err != nil {
		h.remove(c)
		return fmt.Errorf("send to %s: %w", agentID, err)
	}
	return nil
}

// BroadcastEvent sends msg to all connected peers concurrently, so a
// stalled peer costs at most one write timeout. Peers whose write fails
// are dropped.
func (h *Hub) BroadcastEvent(ctx context.Context, msg peer.Message) {
	data, err := peer.Encode(uuid.NewString(), "", msg)
	if err != nil {
		h.log.Error("websocket marshal failed", "type", msg.Type(), "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.writeFrame(ctx, c, data); err != nil {
				h.log.Debug("websocket write failed", "agent_id", h.agentOf(c), "error", err)
				h.remove(c)
			}
		}()
	}
	wg.Wait()
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ConnectedAgents returns the ids of agents with a bound connection, sorted.
func (h *Hub) ConnectedAgents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.byAgent))
	for id := range h.byAgent {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close cancels every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		c.cancel()
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	c.cancel()
	delete(h.conns, c)
	agentID := c.agentID
	last := agentID != "" && h.byAgent[agentID] == c
	if last {
		delete(h.byAgent, agentID)
	}
	h.mu.Unlock()

	h.log.Info("websocket disconnected", "agent_id", agentID)
	if last && h.dispatcher != nil {
		h.dispatcher.Disconnected(context.Background(), agentID)
	}
}
