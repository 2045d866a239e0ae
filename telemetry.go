// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package river

import "context"

// Span is the minimal span handle the core needs from a tracing backend.
// See the telemetry subpackage for an OpenTelemetry-backed implementation.
type Span interface {
	SetAttributes(attrs ...SpanAttr)
	RecordError(err error)
	End()
}

// SpanAttr is a single string-valued span attribute. Kept intentionally
// narrow: the core only ever attaches identifiers, never arbitrary typed
// values.
type SpanAttr struct {
	Key   string
	Value string
}

// Telemetry creates the session and connection spans and propagates trace
// context through the handshake and every stamped message.
type Telemetry interface {
	// StartSessionSpan starts the "river.session.<id>" span for a newly
	// created session.
	StartSessionSpan(ctx context.Context, sessionID, from, to string) (context.Context, Span)

	// StartConnectionSpan starts the "connection.<id>" child span for a
	// newly established connection.
	StartConnectionSpan(ctx context.Context, connectionID string) (context.Context, Span)

	// Inject captures the active trace context from ctx into a Tracing
	// value suitable for stamping onto an outbound message. It returns
	// nil if ctx carries no active trace context.
	Inject(ctx context.Context) *Tracing

	// Extract returns a context carrying the trace context described by
	// t, suitable for starting handler-side spans. If t is nil, ctx is
	// returned unchanged.
	Extract(ctx context.Context, t *Tracing) context.Context
}

// NoopTelemetry is the zero-configuration [Telemetry] used when a caller
// does not wire in a real tracing backend.
func NoopTelemetry() Telemetry { return noopTelemetry{} }

type noopTelemetry struct{}

func (noopTelemetry) StartSessionSpan(ctx context.Context, _, _, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopTelemetry) StartConnectionSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopTelemetry) Inject(context.Context) *Tracing { return nil }

func (noopTelemetry) Extract(ctx context.Context, _ *Tracing) context.Context { return ctx }

type noopSpan struct{}

func (noopSpan) SetAttributes(...SpanAttr) {}
func (noopSpan) RecordError(error)         {}
func (noopSpan) End()                      {}
