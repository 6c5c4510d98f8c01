package telemetry

import (
	"context"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace"
)

func TestInitWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := Init(context.Background(), "worldd")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown func")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitDefaultsServiceName(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := Init(context.Background(), "   ")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	_ = shutdown(context.Background())
}

func TestParseSampler(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		arg  string
	}{
		{"always_on", ""},
		{"always_off", ""},
		{"traceidratio", "0.25"},
		{"parentbased_traceidratio", "2.0"},
		{"", "-1"},
	}
	for _, tc := range cases {
		if s := parseSampler(tc.name, tc.arg); s == nil {
			t.Fatalf("sampler %q returned nil", tc.name)
		}
	}
	if parseSampler("always_on", "") != trace.AlwaysSample() {
		t.Fatal("expected AlwaysSample")
	}
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	out := parseHeaders("a=1, b=2,,bad,c= 3 ")
	if len(out) != 3 || out["a"] != "1" || out["b"] != "2" || out["c"] != "3" {
		t.Fatalf("unexpected headers %v", out)
	}
	if parseHeaders("  ") != nil {
		t.Fatal("expected nil for blank input")
	}
}

func TestInstrumentClient(t *testing.T) {
	t.Parallel()

	c := InstrumentClient(nil)
	if c == nil || c.Transport == nil {
		t.Fatal("expected instrumented client")
	}
	custom := &http.Client{}
	c = InstrumentClient(custom)
	if c.Transport == nil {
		t.Fatal("expected transport set")
	}
}
