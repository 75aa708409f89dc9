// Package tracer wires OpenTelemetry tracing for the client. One span
// covers each prompt turn; the exporter is off by default so
// interactive use pays nothing.
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

	"wheelhouse/internal/infra/config"
)

const tracerName = "wheelhouse"

// Setup installs the global TracerProvider and returns its shutdown
// function. Disabled or noop configurations install a no-op provider.
func Setup(ctx context.Context, cfg config.TracerConfig) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
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
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	case "noop", "":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
}

// StartTurn opens the span covering one prompt turn, tagged with the
// session it belongs to.
func StartTurn(ctx context.Context, sessionID, cwd string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "session.turn",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.cwd", cwd),
		))
}

// EndTurn settles a turn span with its token estimate and outcome.
// Callers pass err == nil for clean and cancelled turns alike; a
// cancelled turn is a user action, not a failure worth flagging.
func EndTurn(span trace.Span, tokens int, err error) {
	span.SetAttributes(attribute.Int("turn.tokens", tokens))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
