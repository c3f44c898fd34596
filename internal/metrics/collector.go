// Package metrics exposes the delivery subsystem's counters, gauges and
// latency histograms in the Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry served on the metrics endpoint.
var Collector = NewRegistry()

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// series is one labelled time series inside a family.
type series interface {
	render(w io.Writer, name, labels string)
}

type family struct {
	name   string
	help   string
	kind   kind
	series map[string]series // labels -> series
}

// Registry holds metric families keyed by name. Rendering is sorted by
// family name and label set so successive scrapes are stable.
type Registry struct {
	mu       sync.Mutex
	families map[string]*family
	started  time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*family), started: time.Now()}
}

// Uptime returns how long the registry has existed.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.started)
}

// lookup returns the series for (name, labels), creating it with mk when
// absent. Registering a name twice with different kinds panics.
func (r *Registry) lookup(name, help, labels string, k kind, mk func() series) series {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: k, series: make(map[string]series)}
		r.families[name] = f
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, not %s", name, f.kind, k))
	}
	s, ok := f.series[labels]
	if !ok {
		s = mk()
		f.series[labels] = s
	}
	return s
}

// Counter is a monotonically increasing count.
type Counter struct{ n atomic.Int64 }

func (c *Counter) Inc() { c.n.Add(1) }
func (c *Counter) Add(n int64) { c.n.Add(n) }
func (c *Counter) Value() int64 { return c.n.Load() }

func (c *Counter) render(w io.Writer, name, labels string) {
	fmt.Fprintf(w, "%s %d\n", seriesName(name, labels), c.Value())
}

// Gauge is a value that moves both ways.
type Gauge struct{ n atomic.Int64 }

func (g *Gauge) Set(v int64) { g.n.Store(v) }
func (g *Gauge) Inc() { g.n.Add(1) }
func (g *Gauge) Dec() { g.n.Add(-1) }
func (g *Gauge) Value() int64 { return g.n.Load() }

func (g *Gauge) render(w io.Writer, name, labels string) {
	fmt.Fprintf(w, "%s %d\n", seriesName(name, labels), g.Value())
}

// Histogram counts observations into cumulative upper-bound buckets.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64 // counts[i] observations <= bounds[i]
	count  int64
	sum    float64
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, b := range h.bounds {
		if v <= b {
			h.counts[i]++
		}
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *Histogram) render(w io.Writer, name, labels string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bucket := func(le string, n int64) {
		l := `le="` + le + `"`
		if labels != "" {
			l = labels + "," + l
		}
		fmt.Fprintf(w, "%s_bucket{%s} %d\n", name, l, n)
	}
	for i, b := range h.bounds {
		bucket(strconv.FormatFloat(b, 'g', -1, 64), h.counts[i])
	}
	bucket("+Inf", h.count)
	fmt.Fprintf(w, "%s %s\n", seriesName(name+"_sum", labels), strconv.FormatFloat(h.sum, 'g', -1, 64))
	fmt.Fprintf(w, "%s %d\n", seriesName(name+"_count", labels), h.count)
}

func seriesName(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

// Counter returns the counter for (name, labels), registering it on first use.
func (r *Registry) Counter(name, help, labels string) *Counter {
	return r.lookup(name, help, labels, kindCounter, func() series { return &Counter{} }).(*Counter)
}

// Gauge returns the gauge for (name, labels), registering it on first use.
func (r *Registry) Gauge(name, help, labels string) *Gauge {
	return r.lookup(name, help, labels, kindGauge, func() series { return &Gauge{} }).(*Gauge)
}

// Histogram returns the histogram for (name, labels). Bounds are only
// used when the series is first registered.
func (r *Registry) Histogram(name, help, labels string, bounds []float64) *Histogram {
	return r.lookup(name, help, labels, kindHistogram, func() series {
		b := append([]float64(nil), bounds...)
		sort.Float64s(b)
		return &Histogram{bounds: b, counts: make([]int64, len(b))}
	}).(*Histogram)
}

// Render writes every family in the Prometheus text exposition format.
func (r *Registry) Render(w io.Writer) {
	fmt.Fprintf(w, "# HELP tripchat_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(w, "# TYPE tripchat_uptime_seconds gauge\n")
	fmt.Fprintf(w, "tripchat_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.families))
	for n := range r.families {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		f := r.families[n]
		labels := make([]string, 0, len(f.series))
		for l := range f.series {
			labels = append(labels, l)
		}
		sort.Strings(labels)

		fmt.Fprintf(w, "# HELP %s %s\n", f.name, f.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", f.name, f.kind)
		for _, l := range labels {
			f.series[l].render(w, f.name, l)
		}
	}
}

// Handler serves the registry as text/plain.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		var sb strings.Builder
		r.Render(&sb)
		io.WriteString(w, sb.String())
	}
}

var (
	Deliveries       = Collector.Counter("tripchat_deliveries_total", "Pushes handed to the broker", "")
	DeliveryFailures = Collector.Counter("tripchat_delivery_failures_total", "Pushes that failed at the transport", "")
	FallbackPushes   = Collector.Counter("tripchat_error_fallback_pushes_total", "Synthesized error-channel pushes after a failed delivery", "")
	Commits          = Collector.Counter("tripchat_commitgate_commits_total", "Write transactions committed through the commit gate", "")
	Rollbacks        = Collector.Counter("tripchat_commitgate_rollbacks_total", "Write transactions rolled back with their notifications discarded", "")
	RejectedCommands = Collector.Counter("tripchat_rejected_commands_total", "Connect, subscribe or send commands rejected by the gatekeeper", "")
	StreamFragments  = Collector.Counter("tripchat_stream_fragments_total", "Generation fragments consumed by the multiplexer", "")
	LiveConnections  = Collector.Gauge("tripchat_live_connections", "Open websocket connections", "")
	GenerationRuns   = Collector.Gauge("tripchat_generation_runs", "Generation runs in progress", "")

	HistoryLatency = Collector.Histogram("tripchat_history_latency_seconds", "History page latency in seconds", "",
		[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1})
)
