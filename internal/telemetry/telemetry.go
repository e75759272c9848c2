// Package telemetry wires OTLP tracing for the server and the HTTP client.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Options struct {
	Endpoint    string
	Insecure    bool
	SampleRatio float64
	Version     string
}

// OptionsFromEnv reads the standard OTEL_EXPORTER_OTLP_* variables plus
// TURNOS_TRACE_SAMPLE (0..1, default 1).
func OptionsFromEnv() Options {
	opts := Options{
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		SampleRatio: 1,
		Version:     os.Getenv("TURNOS_VERSION"),
	}
	if raw := os.Getenv("TURNOS_TRACE_SAMPLE"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 0 && v <= 1 {
			opts.SampleRatio = v
		}
	}
	return opts
}

func noop(context.Context) error { return nil }

// Setup installs a batching OTLP tracer provider and returns its shutdown
// func. It is a no-op without an endpoint; exporter failures are logged and
// tracing stays off.
func Setup(serviceName string, opts Options, log logrus.FieldLogger) func(context.Context) error {
	if opts.Endpoint == "" {
		return noop
	}
	provider, err := newProvider(context.Background(), serviceName, opts)
	if err != nil {
		log.WithError(err).Warn("tracing disabled")
		return noop
	}
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	log.WithFields(logrus.Fields{"endpoint": opts.Endpoint, "sample": opts.SampleRatio}).Info("tracing enabled")
	return provider.Shutdown
}

func newProvider(ctx context.Context, serviceName string, opts Options) (*sdktrace.TracerProvider, error) {
	exportOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		exportOpts = append(exportOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, exportOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(serviceName))}
	if opts.Version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(opts.Version)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
	), nil
}
