// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/conclave/internal/logger"
	"github.com/Strob0t/conclave/internal/port/messagequeue"
)

const (
	streamName = "CONCLAVE"
	// maxDeliver is how often a failing message is redelivered before it is
	// moved to the dead letter subject.
	maxDeliver = 3
	dlqPrefix  = "conclave.dlq."
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc *nats.Conn
	js jetstream.JetStream
}

var _ messagequeue.Queue = (*Queue)(nil)

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url string) (*Queue, error) {
	nc, err := nats.Connect(url,
		nats.Name("conclave"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{messagequeue.SubjectPrefix + ">"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Queue{nc: nc, js: js}, nil
}

// Publish validates and sends a message to the given subject. The request
// ID from ctx travels as a header.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(messagequeue.HeaderRequestID, id)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject. Failed
// messages are redelivered up to maxDeliver times, then moved to
// conclave.dlq.<subject> and acknowledged.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Name:          "conclave-" + uuid.NewString()[:8],
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		MaxDeliver:    maxDeliver + 1,
		// Unnamed-durable consumers are removed once the subscriber is gone.
		InactiveThreshold: 5 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handle(msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

func (q *Queue) handle(msg jetstream.Msg, handler messagequeue.Handler) {
	ctx := context.Background()
	if id := msg.Headers().Get(messagequeue.HeaderRequestID); id != "" {
		ctx = logger.WithRequestID(ctx, id)
	}

	err := handler(ctx, msg.Subject(), msg.Data())
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "error", ackErr)
		}
		return
	}

	slog.ErrorContext(ctx, "message handler failed", "subject", msg.Subject(), "error", err)
	if deliveries(msg) < maxDeliver {
		if nakErr := msg.Nak(); nakErr != nil {
			slog.Error("nats nak failed", "error", nakErr)
		}
		return
	}

	dlq := dlqPrefix + msg.Subject()
	if _, pubErr := q.js.Publish(ctx, dlq, msg.Data()); pubErr != nil {
		slog.Error("nats dead letter publish failed", "subject", dlq, "error", pubErr)
		_ = msg.Nak()
		return
	}
	slog.Warn("message moved to dead letter subject", "subject", dlq)
	_ = msg.Ack()
}

func deliveries(msg jetstream.Msg) uint64 {
	md, err := msg.Metadata()
	if err != nil {
		return 1
	}
	return md.NumDelivered
}

// Drain gracefully drains all subscriptions before closing.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}

// KeyValue creates or updates a JetStream KV bucket whose entries expire after ttl.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream kv %s: %w", bucket, err)
	}
	return kv, nil
}
