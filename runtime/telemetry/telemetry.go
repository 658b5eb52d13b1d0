// Package telemetry defines the observability seams used across the
// orchestrator: structured logging, metrics, and tracing. Components accept
// these interfaces so production wiring (clue + OTEL) and tests (noop) swap
// without touching call sites.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the structured leveled logger used throughout the orchestrator.
// Keyvals are alternating key-value pairs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for orchestrator
// instrumentation. Tags are alternating key-value pairs.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so orchestrator code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names recorded by the orchestrator. Tags identify the task type,
// job mode, or forge operation as appropriate.
const (
	MetricTasksStarted     = "mainloop.tasks.started"
	MetricTasksCompleted   = "mainloop.tasks.completed"
	MetricTaskDuration     = "mainloop.tasks.duration"
	MetricJobsLaunched     = "mainloop.jobs.launched"
	MetricJobRetries       = "mainloop.jobs.retries"
	MetricForgeRequests    = "mainloop.forge.requests"
	MetricForgeNotModified = "mainloop.forge.not_modified"
	MetricSignalsDropped   = "mainloop.bus.dropped"
	MetricInboxItems       = "mainloop.inbox.items"
)
