package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistry_CounterIsShared(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("x_total", "x", "")
	b := r.Counter("x_total", "x", "")
	a.Inc()
	b.Add(2)
	if a.Value() != 3 {
		t.Errorf("expected 3, got %d", a.Value())
	}
}

func TestRegistry_KindMismatchPanics(t *testing.T) {
	r := NewRegistry()
	r.Counter("dup", "d", "")
	defer func() {
		if recover() == nil {
			t.Error("expected panic when registering a counter name as a gauge")
		}
	}()
	r.Gauge("dup", "d", "")
}

func TestRegistry_HandlerRendersPrometheusText(t *testing.T) {
	r := NewRegistry()
	r.Counter("pushes_total", "Pushes", `purpose="conversation"`).Inc()
	r.Gauge("conns", "Connections", "").Set(4)
	h := r.Histogram("lat_seconds", "Latency", "", []float64{1, 0.1})
	h.Observe(0.0625)
	h.Observe(0.5)
	h.Observe(3)

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"# TYPE pushes_total counter",
		`pushes_total{purpose="conversation"} 1`,
		"conns 4",
		"# TYPE lat_seconds histogram",
		`lat_seconds_bucket{le="0.1"} 1`,
		`lat_seconds_bucket{le="1"} 2`,
		`lat_seconds_bucket{le="+Inf"} 3`,
		"lat_seconds_sum 3.5625",
		"lat_seconds_count 3",
		"tripchat_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
	if strings.Contains(body, "{_bucket") {
		t.Errorf("malformed bucket series in:\n%s", body)
	}
}

func TestRegistry_LabelledHistogramBuckets(t *testing.T) {
	r := NewRegistry()
	r.Histogram("op_seconds", "Op", `op="page"`, []float64{0.5}).Observe(0.2)

	var sb strings.Builder
	r.Render(&sb)
	body := sb.String()

	for _, want := range []string{
		`op_seconds_bucket{op="page",le="0.5"} 1`,
		`op_seconds_bucket{op="page",le="+Inf"} 1`,
		`op_seconds_count{op="page"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
}

func TestRegistry_RenderIsSorted(t *testing.T) {
	r := NewRegistry()
	r.Counter("b_total", "b", "").Inc()
	r.Counter("a_total", "a", "").Inc()

	var sb strings.Builder
	r.Render(&sb)
	body := sb.String()
	if strings.Index(body, "a_total") > strings.Index(body, "b_total") {
		t.Errorf("families not sorted:\n%s", body)
	}
}
