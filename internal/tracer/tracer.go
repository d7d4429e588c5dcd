package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/luciancaetano/surrealnet"
)

const tracerName = "github.com/luciancaetano/surrealnet"

// Tracer starts spans for database operations.
type Tracer struct {
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// New builds a Tracer. When cfg.Enabled is false the globally registered
// TracerProvider is used, so applications that configure otel still get
// spans. When enabled, the client owns a provider for the chosen exporter.
func New(cfg surrealnet.TracerConfig) (*Tracer, error) {
	noopShutdown := func(context.Context) error { return nil }

	if !cfg.Enabled {
		return &Tracer{tracer: otel.Tracer(tracerName), shutdown: noopShutdown}, nil
	}

	switch cfg.Exporter {
	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		return &Tracer{tracer: tp.Tracer(tracerName), shutdown: tp.Shutdown}, nil
	case "noop", "":
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(tracerName), shutdown: noopShutdown}, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
}

// FromProvider builds a Tracer on an existing provider.
func FromProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{
		tracer:   tp.Tracer(tracerName),
		shutdown: func(context.Context) error { return nil },
	}
}

// Start starts a client span named "surrealnet.<transport>.<method>".
func (t *Tracer) Start(ctx context.Context, transport, method string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("db.system", "surrealdb"),
		attribute.String("db.operation", method),
		attribute.String("surrealnet.transport", transport),
	)
	return t.tracer.Start(ctx, "surrealnet."+transport+"."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// Shutdown flushes and stops an owned provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.shutdown(ctx)
}

// End finishes span, recording err or a Result failure.
func End(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		SetOK(span)
	}
	span.End()
}

// RecordError records an error on the span and sets error status.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetOK sets the span status to OK.
func SetOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// StringAttr is a convenience for attribute.String.
func StringAttr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}
