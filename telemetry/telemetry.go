// Package telemetry defines the observability ports used across the Orbit
// runtime: structured logging, metrics, and tracing. The runtime depends only
// on the small interfaces declared here; production wiring uses the Clue/OTEL
// adapters while tests use the no-op implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log records with alternating key/value pairs.
	// Implementations must be safe for concurrent use.
	Logger interface {
		// Debug emits a debug-level message with structured key-value pairs.
		Debug(ctx context.Context, msg string, keyvals ...any)
		// Info emits an info-level message with structured key-value pairs.
		Info(ctx context.Context, msg string, keyvals ...any)
		// Warn emits a warning-level message with structured key-value pairs.
		Warn(ctx context.Context, msg string, keyvals ...any)
		// Error emits an error-level message with structured key-value pairs.
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges. Tags are alternating
	// key/value strings applied as metric dimensions.
	Metrics interface {
		// IncCounter increments a counter metric by the given value.
		IncCounter(name string, value float64, tags ...string)
		// RecordTimer records a duration histogram/timer metric.
		RecordTimer(name string, duration time.Duration, tags ...string)
		// RecordGauge records a gauge metric value.
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer creates and retrieves spans for distributed tracing.
	Tracer interface {
		// Start creates a new span with the given name, returning a derived
		// context carrying the span and the span handle.
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		// Span retrieves the current span from the context.
		Span(ctx context.Context) Span
	}

	// Span is the subset of span operations the runtime uses.
	Span interface {
		// End finalizes the span.
		End(opts ...trace.SpanEndOption)
		// AddEvent records a span event with alternating key/value attributes.
		AddEvent(name string, attrs ...any)
		// SetStatus sets the span status code and description.
		SetStatus(code codes.Code, description string)
		// RecordError records an error on the span.
		RecordError(err error, opts ...trace.EventOption)
	}
)
