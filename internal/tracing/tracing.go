// Package tracing wires an OpenTelemetry tracer provider so backend and
// frontend spans carry trace ids that the metrics layer can attach to
// Prometheus exemplars. The stdout exporter is the only one configured:
// this process's whole point is that it talks to nothing but the notes
// service, so shipping spans to a collector over the network would
// undercut the covertness the transport pays for.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Setup installs a global tracer provider for serviceName. When enabled
// is false, the default no-op provider stays in place and the returned
// shutdown function does nothing. Spans are written to stdout as JSON.
func Setup(serviceName string, enabled bool) (func(context.Context) error, error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(0.01)),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}
