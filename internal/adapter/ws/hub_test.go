package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/conclave/internal/domain/agent"
	"github.com/Strob0t/conclave/internal/domain/peer"
	"github.com/Strob0t/conclave/internal/port/broadcast"
)

type fakeDispatcher struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	received     []peer.Type
}

func (d *fakeDispatcher) Connected(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = append(d.connected, id)
}

func (d *fakeDispatcher) Disconnected(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = append(d.disconnected, id)
}

func (d *fakeDispatcher) Dispatch(_ context.Context, _ string, env peer.Envelope, msg peer.Message) (peer.Message, error) {
	d.mu.Lock()
	d.received = append(d.received, env.Type)
	d.mu.Unlock()

	switch m := msg.(type) {
	case *peer.AgentRegister:
		return peer.AgentRegisterResult{Agent: agent.Agent{ID: m.ID}}, nil
	case *peer.VerifySolution:
		return nil, errors.New("verifier busy")
	case *peer.RequestCollaboration:
		return peer.RequestCollaborationResult{}, nil
	default:
		return nil, nil
	}
}

func (d *fakeDispatcher) disconnects() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.disconnected...)
}

func startHub(t *testing.T) (*Hub, *fakeDispatcher, string) {
	t.Helper()
	d := &fakeDispatcher{}
	hub := NewHub(d, time.Second, nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return hub, d, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func send(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, c *websocket.Conn) (peer.Envelope, peer.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, msg, err := peer.Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return env, msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewHub(t *testing.T) {
	hub := NewHub(nil, 0, nil)
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}
	if hub.writeTimeout != DefaultWriteTimeout {
		t.Fatalf("write timeout = %v", hub.writeTimeout)
	}
}

func TestHubBroadcastNoConnections(t *testing.T) {
	hub := NewHub(nil, 0, nil)
	// Broadcast with no connections should not panic.
	hub.BroadcastEvent(context.Background(), peer.TaskCompleted{TaskID: "t1"})
}

func TestHubSendToUnknownAgent(t *testing.T) {
	hub := NewHub(nil, 0, nil)
	err := hub.SendTo(context.Background(), "ghost", peer.Ping{})
	if !errors.Is(err, broadcast.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestHubPingPong(t *testing.T) {
	_, _, url := startHub(t)
	c := dial(t, url)

	send(t, c, `{"type":"ping","id":"p1"}`)
	env, msg := recv(t, c)
	if _, ok := msg.(*peer.Pong); !ok || env.ID != "p1" {
		t.Fatalf("got %s %#v, want pong p1", env.Type, msg)
	}
}

func TestHubUnknownTypeKeepsConnection(t *testing.T) {
	_, _, url := startHub(t)
	c := dial(t, url)

	send(t, c, `{"type":"teleport","id":"x1"}`)
	env, msg := recv(t, c)
	if _, ok := msg.(*peer.Error); !ok || env.ID != "x1" {
		t.Fatalf("expected error reply, got %s", env.Type)
	}

	send(t, c, `not json at all`)
	if _, msg := recv(t, c); msg.Type() != peer.TypeError {
		t.Fatalf("expected error reply, got %s", msg.Type())
	}

	// Still alive.
	send(t, c, `{"type":"ping"}`)
	if _, msg := recv(t, c); msg.Type() != peer.TypePong {
		t.Fatalf("expected pong, got %s", msg.Type())
	}
}

func TestHubDispatchErrorReply(t *testing.T) {
	_, _, url := startHub(t)
	c := dial(t, url+"?agent_id=a1")

	send(t, c, `{"type":"verify_solution","id":"v1","payload":{"verifier_id":"b","solution":"x"}}`)
	env, msg := recv(t, c)
	e, ok := msg.(*peer.Error)
	if !ok || env.ID != "v1" || !strings.Contains(e.Message, "verifier busy") {
		t.Fatalf("unexpected reply %s %#v", env.Type, msg)
	}
}

func TestHubRegisterBindsAndSendTo(t *testing.T) {
	hub, d, url := startHub(t)
	c := dial(t, url)

	send(t, c, `{"type":"agent_register","id":"r1","payload":{"id":"w1","kind":"worker-local","capabilities":["code"]}}`)
	if _, msg := recv(t, c); msg.Type() != peer.TypeAgentRegisterResult {
		t.Fatalf("expected register result, got %s", msg.Type())
	}
	waitFor(t, func() bool { return len(hub.ConnectedAgents()) == 1 })

	if err := hub.SendTo(context.Background(), "w1", peer.TaskCompleted{TaskID: "t9"}); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	_, msg := recv(t, c)
	tc, ok := msg.(*peer.TaskCompleted)
	if !ok || tc.TaskID != "t9" {
		t.Fatalf("unexpected message %#v", msg)
	}

	d.mu.Lock()
	connected := append([]string(nil), d.connected...)
	d.mu.Unlock()
	if len(connected) != 1 || connected[0] != "w1" {
		t.Fatalf("connected = %v", connected)
	}
}

func TestHubBroadcastAndDisconnect(t *testing.T) {
	hub, d, url := startHub(t)
	a := dial(t, url+"?agent_id=a")
	b := dial(t, url+"?agent_id=b")
	waitFor(t, func() bool { return hub.ConnectionCount() == 2 })

	hub.BroadcastEvent(context.Background(), peer.ContextUpdate{})
	for _, c := range []*websocket.Conn{a, b} {
		if _, msg := recv(t, c); msg.Type() != peer.TypeContextUpdate {
			t.Fatalf("expected context_update, got %s", msg.Type())
		}
	}

	_ = a.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return hub.ConnectionCount() == 1 })
	waitFor(t, func() bool { return len(d.disconnects()) == 1 })
	if got := d.disconnects(); got[0] != "a" {
		t.Fatalf("disconnected = %v", got)
	}
	if got := hub.ConnectedAgents(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("ConnectedAgents = %v", got)
	}
}

func TestBroadcastEventStalledPeersDoNotSerialize(t *testing.T) {
	const (
		stalled = 5
		timeout = 100 * time.Millisecond
	)
	h := NewHub(nil, timeout, nil)

	healthy := &conn{cancel: func() {}, agentID: "ok"}
	h.conns[healthy] = struct{}{}
	h.byAgent["ok"] = healthy
	for i := 0; i < stalled; i++ {
		h.conns[&conn{cancel: func() {}}] = struct{}{}
	}

	var (
		mu        sync.Mutex
		delivered int
	)
	h.writeFrame = func(ctx context.Context, c *conn, _ []byte) error {
		if c == healthy {
			mu.Lock()
			delivered++
			mu.Unlock()
			return nil
		}
		wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		defer cancel()
		<-wctx.Done()
		return wctx.Err()
	}

	start := time.Now()
	h.BroadcastEvent(context.Background(), &peer.Ping{})
	if elapsed := time.Since(start); elapsed >= stalled*timeout {
		t.Errorf("broadcast took %v, stalled peers were written one by one", elapsed)
	}
	if delivered != 1 {
		t.Errorf("expected healthy peer to receive the event, got %d", delivered)
	}
	if n := h.ConnectionCount(); n != 1 {
		t.Errorf("expected stalled peers dropped, %d connections left", n)
	}
}
