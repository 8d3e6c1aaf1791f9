package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "conclave"

// Metrics holds all Conclave metric instruments.
type Metrics struct {
	TasksSubmitted    metric.Int64Counter
	TasksCompleted    metric.Int64Counter
	TasksFailed       metric.Int64Counter
	BackendDuration   metric.Float64Histogram
	ReasoningSessions metric.Int64Counter
	CircuitRejections metric.Int64Counter
}

// NewMetrics creates all metric instruments on mp, or on the global
// provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksSubmitted, err = meter.Int64Counter("conclave.tasks.submitted",
		metric.WithDescription("Number of tasks accepted by the router"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("conclave.tasks.completed",
		metric.WithDescription("Number of tasks completed"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("conclave.tasks.failed",
		metric.WithDescription("Number of tasks failed"))
	if err != nil {
		return nil, err
	}

	m.BackendDuration, err = meter.Float64Histogram("conclave.backend.duration_seconds",
		metric.WithDescription("Backend generate call duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.ReasoningSessions, err = meter.Int64Counter("conclave.reasoning.sessions",
		metric.WithDescription("Number of reasoning sessions by protocol"))
	if err != nil {
		return nil, err
	}

	m.CircuitRejections, err = meter.Int64Counter("conclave.circuit.rejections",
		metric.WithDescription("Calls refused by an open circuit"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordBackendCall records one backend call for agentID.
func (m *Metrics) RecordBackendCall(ctx context.Context, agentID string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.BackendDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.Bool("error", err != nil),
	))
}

// RecordTask records a task status transition.
func (m *Metrics) RecordTask(ctx context.Context, status, agentKind string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("agent.kind", agentKind))
	switch status {
	case "in_progress":
		m.TasksSubmitted.Add(ctx, 1, attrs)
	case "completed":
		m.TasksCompleted.Add(ctx, 1, attrs)
	case "failed":
		m.TasksFailed.Add(ctx, 1, attrs)
	}
}

// RecordReasoning counts one reasoning session of the given protocol.
func (m *Metrics) RecordReasoning(ctx context.Context, protocol string) {
	if m == nil {
		return
	}
	m.ReasoningSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("protocol", protocol)))
}

// RecordCircuitRejection counts a call refused by an open circuit.
func (m *Metrics) RecordCircuitRejection(ctx context.Context, key string) {
	if m == nil {
		return
	}
	m.CircuitRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", key)))
}
