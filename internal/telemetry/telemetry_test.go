package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func resetGlobals(t *testing.T) {
	t.Cleanup(func() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
	})
}

func TestSetup_Tracing(t *testing.T) {
	resetGlobals(t)
	var buf bytes.Buffer

	shutdown, err := Setup(Config{Tracing: true, ServiceName: "arboric", ServiceVersion: "test", Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "evaluate")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"Name":"evaluate"`) {
		t.Errorf("span not exported:\n%s", out)
	}
	if !strings.Contains(out, "arboric") {
		t.Errorf("service name missing:\n%s", out)
	}
}

func TestSetup_Metrics(t *testing.T) {
	resetGlobals(t)
	var buf bytes.Buffer

	shutdown, err := Setup(Config{Metrics: true, ServiceName: "arboric", Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}

	counter, err := otel.Meter("test").Int64Counter("arboric.decisions")
	if err != nil {
		t.Fatal(err)
	}
	counter.Add(context.Background(), 3)

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "arboric.decisions") {
		t.Errorf("metric not exported on shutdown:\n%s", buf.String())
	}
}

func TestSetup_Disabled(t *testing.T) {
	resetGlobals(t)
	var buf bytes.Buffer

	shutdown, err := Setup(Config{Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "ignored")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Errorf("disabled telemetry wrote %q", buf.String())
	}
}
