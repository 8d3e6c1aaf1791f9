package nats

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/conclave/internal/logger"
	"github.com/Strob0t/conclave/internal/port/messagequeue"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

// uniqueSubject returns a subject captured by the stream that only needs
// valid JSON.
func uniqueSubject(t *testing.T) string {
	t.Helper()
	return messagequeue.SubjectPrefix + "test." + t.Name()
}

func TestQueuePublishSubscribe(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject(t)

	received := make(chan string, 1)
	stop, err := q.Subscribe(context.Background(), subject, func(_ context.Context, _ string, d []byte) error {
		var got struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(d, &got); err != nil {
			return err
		}
		received <- got.Msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(context.Background(), subject, []byte(`{"msg":"hello-nats"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		if got != "hello-nats" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestQueueRequestIDPropagation(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject(t)

	got := make(chan string, 1)
	stop, err := q.Subscribe(context.Background(), subject, func(ctx context.Context, _ string, _ []byte) error {
		got <- logger.RequestID(ctx)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	ctx := logger.WithRequestID(context.Background(), "req-nats-1")
	if err := q.Publish(ctx, subject, []byte(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case id := <-got:
		if id != "req-nats-1" {
			t.Fatalf("request id = %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestQueueDeadLetter(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject(t)

	var attempts atomic.Int32
	stop, err := q.Subscribe(context.Background(), subject, func(context.Context, string, []byte) error {
		attempts.Add(1)
		return errors.New("always fails")
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	dead := make(chan struct{}, 1)
	stopDLQ, err := q.Subscribe(context.Background(), dlqPrefix+subject, func(context.Context, string, []byte) error {
		dead <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe DLQ: %v", err)
	}
	defer stopDLQ()

	if err := q.Publish(context.Background(), subject, []byte(`{"x":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-dead:
	case <-time.After(10 * time.Second):
		t.Fatal("message never reached the dead letter subject")
	}
	if n := attempts.Load(); n != maxDeliver {
		t.Fatalf("attempts = %d, want %d", n, maxDeliver)
	}
}

func TestQueuePublishRejectsInvalidPayload(t *testing.T) {
	q := testConnect(t)
	if err := q.Publish(context.Background(), messagequeue.SubjectTaskSubmit, []byte(`{"objective":""}`)); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestQueueIsConnected(t *testing.T) {
	q := testConnect(t)
	if !q.IsConnected() {
		t.Error("IsConnected() = false after Connect, want true")
	}
}
