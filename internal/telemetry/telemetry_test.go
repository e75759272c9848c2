package telemetry

import (
	"context"
	"testing"

	"github.com/layneker8/soft-turnos/internal/logger"
)

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", " collector:4317 ")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("TURNOS_TRACE_SAMPLE", "0.25")
	opts := OptionsFromEnv()
	if opts.Endpoint != "collector:4317" || !opts.Insecure || opts.SampleRatio != 0.25 {
		t.Fatalf("options %+v", opts)
	}

	t.Setenv("TURNOS_TRACE_SAMPLE", "7")
	if got := OptionsFromEnv().SampleRatio; got != 1 {
		t.Fatalf("out of range ratio should fall back, got %v", got)
	}
}

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown := Setup("turnos-test", Options{}, logger.Discard())
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
