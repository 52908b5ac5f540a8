package telemetry

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
LEARNING: JAEGER INTEGRATION FOR DISTRIBUTED TRACING

  Relay -> OpenTelemetry SDK -> Jaeger Exporter -> Jaeger Collector -> Jaeger UI

Spans are created for every websocket connection, every inbound frame and
every document save. Without an endpoint the global no-op provider stays in
place and spans cost almost nothing.
*/

// InitJaeger initializes Jaeger tracing exporter
// Returns a cleanup function that should be called on shutdown
func InitJaeger(serviceName, version, jaegerEndpoint string) (func(context.Context) error, error) {
	if jaegerEndpoint == "" {
		logrus.Info("Tracing disabled (JAEGER_ENDPOINT not set)")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	// Resource identifies the relay in Jaeger UI
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)

	logrus.WithField("endpoint", jaegerEndpoint).Info("✓ Jaeger tracing initialized")

	// Always flush traces on shutdown
	return tp.Shutdown, nil
}
