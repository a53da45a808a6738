// Package metrics exposes a fire-and-forget sink for engine and
// collaboration counters.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"velocitymesh/backend/pkg/models"
)

// Sink receives counters and histograms. Implementations must never block
// or fail the caller.
type Sink interface {
	ExecutionStarted(delegated bool)
	ExecutionFinished(status models.ExecutionStatus, duration time.Duration)
	DurableFallback()
	CollabEvent(eventType models.EventType)
	BusPublishFailure()
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) ExecutionStarted(bool)                               {}
func (NopSink) ExecutionFinished(models.ExecutionStatus, time.Duration) {}
func (NopSink) DurableFallback()                                    {}
func (NopSink) CollabEvent(models.EventType)                        {}
func (NopSink) BusPublishFailure()                                  {}

// OtelSink records onto the global OpenTelemetry meter provider.
type OtelSink struct {
	executions        metric.Int64Counter
	executionDuration metric.Float64Histogram
	fallbacks         metric.Int64Counter
	collabEvents      metric.Int64Counter
	busFailures       metric.Int64Counter
}

// NewOtelSink creates the instruments on the global meter.
func NewOtelSink() (*OtelSink, error) {
	meter := otel.Meter("velocitymesh/backend")

	executions, err := meter.Int64Counter("workflow_executions_total",
		metric.WithDescription("Workflow executions by phase and status"))
	if err != nil {
		return nil, err
	}
	executionDuration, err := meter.Float64Histogram("workflow_execution_duration_ms",
		metric.WithDescription("Wall-clock duration of finished executions"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	fallbacks, err := meter.Int64Counter("durable_fallbacks_total",
		metric.WithDescription("Executions that fell back to the local interpreter"))
	if err != nil {
		return nil, err
	}
	collabEvents, err := meter.Int64Counter("collaboration_events_total",
		metric.WithDescription("Collaboration events by type"))
	if err != nil {
		return nil, err
	}
	busFailures, err := meter.Int64Counter("bus_publish_failures_total",
		metric.WithDescription("Broadcast bus publish failures"))
	if err != nil {
		return nil, err
	}

	return &OtelSink{
		executions:        executions,
		executionDuration: executionDuration,
		fallbacks:         fallbacks,
		collabEvents:      collabEvents,
		busFailures:       busFailures,
	}, nil
}

func (s *OtelSink) ExecutionStarted(delegated bool) {
	s.executions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("phase", "started"), attribute.Bool("delegated", delegated)))
}

func (s *OtelSink) ExecutionFinished(status models.ExecutionStatus, duration time.Duration) {
	s.executions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("phase", "finished"), attribute.String("status", string(status))))
	s.executionDuration.Record(context.Background(), float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.String("status", string(status))))
}

func (s *OtelSink) DurableFallback() {
	s.fallbacks.Add(context.Background(), 1)
}

func (s *OtelSink) CollabEvent(eventType models.EventType) {
	s.collabEvents.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("type", string(eventType))))
}

func (s *OtelSink) BusPublishFailure() {
	s.busFailures.Add(context.Background(), 1)
}
