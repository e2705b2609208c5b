// Package traces wires OpenTelemetry tracing for ledger operations.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	scope          = "github.com/mbd888/loanmanager"
	serviceName    = "loanmanager"
	serviceVersion = "0.1.0"
)

// ShutdownFunc flushes buffered spans.
type ShutdownFunc func(context.Context) error

// Init installs a global tracer provider exporting to otlpEndpoint over gRPC.
// An empty endpoint leaves the default no-op provider in place.
func Init(ctx context.Context, otlpEndpoint string, logger *slog.Logger) (ShutdownFunc, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName), semconv.ServiceVersion(serviceVersion)),
		resource.WithHost(),
	)
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan opens a span named name under the service's tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(scope).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End marks span failed when err is non-nil and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Vehicle tags the vehicle address an operation touches.
func Vehicle(addr string) attribute.KeyValue { return attribute.String("loan.vehicle", addr) }

// Amount tags a base-unit amount, kept as a decimal string to avoid overflow.
func Amount(amount string) attribute.KeyValue { return attribute.String("loan.amount", amount) }

// Timestamp tags the ledger clock the operation ran at.
func Timestamp(ts uint64) attribute.KeyValue { return attribute.Int64("ledger.now", int64(ts)) }

// Governor reports whether the governor, rather than a delegate, authorized the call.
func Governor(byGovernor bool) attribute.KeyValue {
	return attribute.Bool("authority.governor", byGovernor)
}
