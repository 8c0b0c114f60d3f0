package telemetry

import (
	"context"
	"testing"
)

func TestNewProviderDisabled(t *testing.T) {
	for _, exporter := range []string{"", "none", "NONE"} {
		p, err := NewProvider(context.Background(), Config{
			ServiceName: "detectflow-api",
			Exporter:    exporter,
		}, nil)
		if err != nil {
			t.Fatalf("exporter %q: %v", exporter, err)
		}
		if p.Enabled() {
			t.Fatalf("exporter %q: expected tracing disabled", exporter)
		}
		if p.Tracer("test") == nil {
			t.Fatalf("exporter %q: expected usable no-op tracer", exporter)
		}
		if err := p.Shutdown(context.Background()); err != nil {
			t.Fatalf("exporter %q: shutdown: %v", exporter, err)
		}
	}
}

func TestNewProviderRejectsUnknownExporter(t *testing.T) {
	if _, err := NewProvider(context.Background(), Config{Exporter: "jaeger"}, nil); err == nil {
		t.Fatal("expected error for unsupported exporter")
	}
}

func TestNewProviderOTLPRequiresEndpoint(t *testing.T) {
	if _, err := NewProvider(context.Background(), Config{Exporter: "otlp"}, nil); err == nil {
		t.Fatal("expected error when otlp endpoint is missing")
	}
}
