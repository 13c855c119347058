package otelx

import (
	"context"
	"net/http"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Enabled: false, Endpoint: "::bogus::", Sample: 7})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("TracerProvider = %T, want sdk provider", otel.GetTracerProvider())
	}
}

func TestInit_Disabled_SpansHaveIDs(t *testing.T) {
	Init(context.Background(), Options{})
	_, span := otel.Tracer("test").Start(context.Background(), "publish")
	defer span.End()
	if !span.SpanContext().IsValid() {
		t.Fatal("spans should carry valid ids for log correlation")
	}
}

func TestInit_Propagators(t *testing.T) {
	Init(context.Background(), Options{})

	ctx, span := otel.Tracer("test").Start(context.Background(), "outbound")
	defer span.End()

	h := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
	if h.Get("traceparent") == "" {
		t.Fatal("traceparent not injected")
	}
	fields := otel.GetTextMapPropagator().Fields()
	var baggage bool
	for _, f := range fields {
		if f == "baggage" {
			baggage = true
		}
	}
	if !baggage {
		t.Fatalf("fields %v missing baggage", fields)
	}
}

func TestInit_Enabled_ReturnsPromptly(t *testing.T) {
	start := time.Now()
	shutdown, err := Init(context.Background(), Options{
		Enabled:     true,
		Endpoint:    "http://localhost:1",
		Sample:      1,
		Service:     "denylist",
		Component:   "publisher",
		Version:     "v0.0.0-test",
		Attributes:  map[string]string{"denylist.store": "memory"},
		DialTimeout: time.Second,
	})
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("Init took %v", elapsed)
	}
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = shutdown(ctx)
	_ = shutdown(ctx)
}

func TestSplitEndpoint(t *testing.T) {
	tests := []struct {
		in       string
		host     string
		insecure bool
	}{
		{"otel-collector:4317", "otel-collector:4317", false},
		{"http://localhost:4317", "localhost:4317", true},
		{"https://collector.example.com:4317/", "collector.example.com:4317", false},
	}
	for _, tt := range tests {
		host, insecure := splitEndpoint(tt.in)
		if host != tt.host || insecure != tt.insecure {
			t.Errorf("splitEndpoint(%q) = %q, %v", tt.in, host, insecure)
		}
	}
}

func TestServiceName(t *testing.T) {
	if got := serviceName("denylist", "publisher"); got != "denylist.publisher" {
		t.Fatal(got)
	}
	if got := serviceName("", "publisher"); got != "publisher" {
		t.Fatal(got)
	}
	if got := serviceName("denylist", ""); got != "denylist" {
		t.Fatal(got)
	}
}

func TestClampSample(t *testing.T) {
	for in, want := range map[float64]float64{-1: 0, 0: 0, 0.25: 0.25, 1: 1, 3: 1} {
		if got := clampSample(in); got != want {
			t.Errorf("clampSample(%v) = %v", in, got)
		}
	}
}
