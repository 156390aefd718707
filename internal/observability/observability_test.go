package observability

import (
	"context"
	"strings"
	"testing"
)

func TestRenderPrometheus(t *testing.T) {
	r := NewRegistry()
	r.Inc("podline_transitions_total", map[string]string{"to": "executing"})
	r.Inc("podline_transitions_total", map[string]string{"to": "executing"})
	r.Set("podline.active-pods", nil, 3)

	out := r.RenderPrometheus()
	if !strings.Contains(out, `podline_transitions_total{to="executing"} 2`) {
		t.Fatalf("missing counter in %q", out)
	}
	if !strings.Contains(out, "podline_active_pods 3") {
		t.Fatalf("gauge name not sanitized in %q", out)
	}
	if got := r.Value("podline_transitions_total", map[string]string{"to": "executing"}); got != 2 {
		t.Fatalf("unexpected value %v", got)
	}
}

func TestParseHeaders(t *testing.T) {
	got := parseHeaders(" a=1, b = 2 ,broken,c=")
	if len(got) != 2 || got["a"] != "1" || got["b"] != "2" {
		t.Fatalf("unexpected headers %v", got)
	}
}

func TestNoneExporterIsNoop(t *testing.T) {
	t.Setenv("PODLINE_OTEL_EXPORTER", "none")
	shutdown, err := InitTracingFromEnv("podline-test")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	_, span := StartSpan(context.Background(), "noop")
	EndSpan(span, nil)
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
