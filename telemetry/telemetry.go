// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package telemetry implements [github.com/riverrpc/river.Telemetry] on top
// of OpenTelemetry, producing the "river.session.<id>" and
// "connection.<id>" spans and propagating trace context through
// handshakes and every stamped message.
package telemetry

import (
	"context"

	"go.opentelemetry.io/contrib/propagators/autoprop"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/riverrpc/river"
)

// InstallAutoPropagator installs the composite propagator named by the
// OTEL_PROPAGATORS environment variable (W3C trace context plus baggage when
// the variable is unset). Call once at process startup before constructing
// any ClientTransport/ServerTransport.
func InstallAutoPropagator() {
	otel.SetTextMapPropagator(autoprop.NewTextMapPropagator())
}

// NewTracerProvider returns a TracerProvider that always samples, suitable
// for local development. Production callers should construct their own
// with a real exporter and call otel.SetTracerProvider themselves.
func NewTracerProvider() *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
}

type otelTelemetry struct {
	tracer oteltrace.Tracer
}

// New returns a river.Telemetry backed by the globally configured
// TracerProvider and TextMapPropagator, under the given instrumentation
// name.
func New(instrumentationName string) river.Telemetry {
	return &otelTelemetry{tracer: otel.Tracer(instrumentationName)}
}

func (t *otelTelemetry) StartSessionSpan(ctx context.Context, sessionID, from, to string) (context.Context, river.Span) {
	name := "river.session." + sessionID
	ctx, span := t.tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("river.session.id", sessionID),
		attribute.String("river.session.from", from),
		attribute.String("river.session.to", to),
	)
	return ctx, &otelSpan{span}
}

func (t *otelTelemetry) StartConnectionSpan(ctx context.Context, connectionID string) (context.Context, river.Span) {
	ctx, span := t.tracer.Start(ctx, "connection."+connectionID)
	return ctx, &otelSpan{span}
}

func (t *otelTelemetry) Inject(ctx context.Context) *river.Tracing {
	if !oteltrace.SpanContextFromContext(ctx).IsValid() {
		return nil
	}
	c := make(carrier)
	otel.GetTextMapPropagator().Inject(ctx, c)
	return &river.Tracing{Traceparent: c["traceparent"], Tracestate: c["tracestate"]}
}

func (t *otelTelemetry) Extract(ctx context.Context, tr *river.Tracing) context.Context {
	if tr == nil {
		return ctx
	}
	c := carrier{"traceparent": tr.Traceparent, "tracestate": tr.Tracestate}
	return otel.GetTextMapPropagator().Extract(ctx, c)
}

type carrier map[string]string

func (c carrier) Get(key string) string { return c[key] }
func (c carrier) Set(key, value string) { c[key] = value }
func (c carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = carrier{}

type otelSpan struct{ span oteltrace.Span }

func (s *otelSpan) SetAttributes(attrs ...river.SpanAttr) {
	kv := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		kv[i] = attribute.String(a.Key, a.Value)
	}
	s.span.SetAttributes(kv...)
}

func (s *otelSpan) RecordError(err error) { s.span.RecordError(err) }
func (s *otelSpan) End()                  { s.span.End() }
