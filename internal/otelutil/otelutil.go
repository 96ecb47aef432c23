// Package otelutil configures the global OpenTelemetry tracer provider for
// the server. An OTLP/gRPC exporter is used when an endpoint is configured;
// a pretty-printed stdout exporter is available for local debugging.
package otelutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	otlptracegrpc "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var tp *sdktrace.TracerProvider

// Init initializes the global tracer provider. It returns an error when no
// exporter is configured; callers may choose to run untraced.
func Init() error {
	ctx := context.Background()

	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(
		semconv.ServiceNameKey.String("syncwave"),
	))
	if err != nil {
		return err
	}

	endpoint := os.Getenv("SW_OTEL_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint != "" {
		return initWithOTLP(ctx, res, endpoint)
	}

	if strings.ToLower(os.Getenv("SW_OTEL_STDOUT")) == "1" {
		return initWithStdout(res)
	}

	return fmt.Errorf("no OTEL exporter configured: set SW_OTEL_OTLP_ENDPOINT or SW_OTEL_STDOUT=1")
}

func initWithOTLP(ctx context.Context, res *sdkresource.Resource, endpoint string) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
	}
	if strings.ToLower(os.Getenv("SW_OTEL_OTLP_INSECURE")) == "1" {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	install(exporter, res)
	return nil
}

func initWithStdout(res *sdkresource.Resource) error {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return err
	}
	install(exporter, res)
	return nil
}

func install(exporter sdktrace.SpanExporter, res *sdkresource.Resource) {
	tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
}

// Flush gracefully shuts down the tracer provider, flushing pending spans.
// Safe to call multiple times.
func Flush() {
	if tp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tp.Shutdown(ctx)
}
