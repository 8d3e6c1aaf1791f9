package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/Strob0t/conclave/internal/config"
)

func TestNew(t *testing.T) {
	cfg := config.Logging{Level: "debug", Service: "test-svc"}
	l, closer := New(cfg)
	defer closer.Close()
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewAsync(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "info", Service: "svc", Async: true}, &buf)
	l.Info("queued")
	closer.Close()

	if !bytes.Contains(buf.Bytes(), []byte(`"msg":"queued"`)) {
		t.Fatalf("expected flushed record, got %q", buf.String())
	}
}

func TestContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "info", Service: "conclave"}, &buf)
	defer closer.Close()

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithAgentID(ctx, "agent-1")
	l.InfoContext(ctx, "dispatch")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	want := map[string]string{
		"service":    "conclave",
		"request_id": "req-1",
		"task_id":    "task-1",
		"agent_id":   "agent-1",
	}
	for k, v := range want {
		if rec[k] != v {
			t.Errorf("%s = %v, want %s", k, rec[k], v)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input).String()
			if got != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" || TaskID(ctx) != "" || AgentID(ctx) != "" {
		t.Fatal("expected empty ids on a bare context")
	}
	ctx = WithRequestID(ctx, "req-123")
	if got := RequestID(ctx); got != "req-123" {
		t.Errorf("expected req-123, got %q", got)
	}
}
