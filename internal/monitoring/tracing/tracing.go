// Package tracing wires the gateway into an OTLP collector. Tracing is off
// unless OTEL_EXPORTER_OTLP_ENDPOINT is set; all spans then flow through a
// single batched gRPC exporter.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/NevinXuHui/KiroGate/internal/version"
)

const serviceName = "kirogate"

var noopShutdown = func(context.Context) error { return nil }

// Init installs the global tracer provider when an OTLP endpoint is
// configured. The returned shutdown flushes pending spans; it is a no-op
// when tracing is disabled.
func Init(ctx context.Context) (func(context.Context) error, error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return noopShutdown, nil
	}

	exporter, err := newExporter(ctx, endpoint)
	if err != nil {
		return noopShutdown, fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := gatewayResource(ctx)
	if err != nil {
		return noopShutdown, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if insecureTransport() {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Plaintext transport is the default; set OTEL_EXPORTER_OTLP_INSECURE=false
// to require TLS to the collector.
func insecureTransport() bool {
	v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"))
	return v == "" || v == "1" || strings.EqualFold(v, "true")
}

func gatewayResource(ctx context.Context) (*resource.Resource, error) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version.Version),
			attribute.String("service.instance.id", host),
		),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithFromEnv(),
	)
}

// StartSpan opens a span under a component tracer (e.g. "auth"). With no
// provider installed the span is a no-op.
func StartSpan(ctx context.Context, component, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(serviceName + "/" + component).Start(ctx, name, opts...)
}
