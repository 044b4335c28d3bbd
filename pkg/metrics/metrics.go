// Package metrics is a small registry that renders counters, gauges and
// histograms in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuckets are latency buckets in seconds.
var DefaultBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// Counter is a monotonically increasing counter.
type Counter struct{ val atomic.Int64 }

func (c *Counter) Inc()         { c.val.Add(1) }
func (c *Counter) Add(n int64)  { c.val.Add(n) }
func (c *Counter) Value() int64 { return c.val.Load() }

// Gauge holds a value that can go up and down.
type Gauge struct{ val atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.val.Store(n) }
func (g *Gauge) Inc()         { g.val.Add(1) }
func (g *Gauge) Dec()         { g.val.Add(-1) }
func (g *Gauge) Value() int64 { return g.val.Load() }

// Histogram counts observations into fixed upper-bound buckets.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []uint64
	sum    float64
	count  uint64
}

func newHistogram(bounds []float64) *Histogram {
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Histogram{bounds: b, counts: make([]uint64, len(b))}
}

// Observe records v in the first bucket whose bound is >= v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	if i := sort.SearchFloat64s(h.bounds, v); i < len(h.bounds) {
		h.counts[i]++
	}
}

// Since observes the seconds elapsed since t.
func (h *Histogram) Since(t time.Time) { h.Observe(time.Since(t).Seconds()) }

func (h *Histogram) snapshot() (bounds []float64, counts []uint64, sum float64, count uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bounds, append([]uint64(nil), h.counts...), h.sum, h.count
}

// family groups every labelled series that shares a base name.
type family struct {
	kind   kind
	help   string
	series map[string]any // full name -> *Counter | *Gauge | *Histogram
}

// Registry holds named metric families in registration order.
type Registry struct {
	mu       sync.RWMutex
	families map[string]*family
	order    []string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{families: make(map[string]*family)}
}

func (r *Registry) lookup(name string, k kind, help string, mk func() any) any {
	base := baseName(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[base]
	if !ok {
		f = &family{kind: k, help: help, series: make(map[string]any)}
		r.families[base] = f
		r.order = append(r.order, base)
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", base, f.kind, k))
	}
	if f.help == "" {
		f.help = help
	}
	if m, ok := f.series[name]; ok {
		return m
	}
	m := mk()
	f.series[name] = m
	return m
}

// Counter returns the counter for name, creating it on first use. Labels are
// part of the name; build them with WithLabels.
func (r *Registry) Counter(name, help string) *Counter {
	return r.lookup(name, kindCounter, help, func() any { return &Counter{} }).(*Counter)
}

// Gauge returns the gauge for name, creating it on first use.
func (r *Registry) Gauge(name, help string) *Gauge {
	return r.lookup(name, kindGauge, help, func() any { return &Gauge{} }).(*Gauge)
}

// Histogram returns the histogram for name. nil buckets means DefaultBuckets.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	return r.lookup(name, kindHistogram, help, func() any { return newHistogram(buckets) }).(*Histogram)
}

// WithLabels appends label pairs to name: WithLabels("x", "k", "v") is `x{k="v"}`.
// An odd number of label arguments returns name unchanged.
func WithLabels(name string, kvs ...string) string {
	if len(kvs) == 0 || len(kvs)%2 != 0 {
		return name
	}
	pairs := make([]string, 0, len(kvs)/2)
	for i := 0; i < len(kvs); i += 2 {
		pairs = append(pairs, fmt.Sprintf("%s=%q", kvs[i], kvs[i+1]))
	}
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func baseName(name string) string {
	if i := strings.IndexByte(name, '{'); i != -1 {
		return name[:i]
	}
	return name
}

// labelBody returns the inside of the braces of a labelled name, or "".
func labelBody(name string) string {
	i := strings.IndexByte(name, '{')
	if i == -1 {
		return ""
	}
	return strings.TrimSuffix(name[i+1:], "}")
}

// Render writes every family in the Prometheus text format.
func (r *Registry) Render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, base := range r.order {
		f := r.families[base]
		if f.help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", base, f.help)
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", base, f.kind)

		names := make([]string, 0, len(f.series))
		for n := range f.series {
			names = append(names, n)
		}
		sort.Strings(names)

		for _, n := range names {
			switch m := f.series[n].(type) {
			case *Counter:
				fmt.Fprintf(&b, "%s %d\n", n, m.Value())
			case *Gauge:
				fmt.Fprintf(&b, "%s %d\n", n, m.Value())
			case *Histogram:
				renderHistogram(&b, base, labelBody(n), m)
			}
		}
	}
	return b.String()
}

func renderHistogram(b *strings.Builder, base, labels string, h *Histogram) {
	bounds, counts, sum, count := h.snapshot()
	extra, wrapped := "", ""
	if labels != "" {
		extra = "," + labels
		wrapped = "{" + labels + "}"
	}
	var cum uint64
	for i, bound := range bounds {
		cum += counts[i]
		fmt.Fprintf(b, "%s_bucket{le=\"%g\"%s} %d\n", base, bound, extra, cum)
	}
	fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"%s} %d\n", base, extra, count)
	fmt.Fprintf(b, "%s_sum%s %g\n", base, wrapped, sum)
	fmt.Fprintf(b, "%s_count%s %d\n", base, wrapped, count)
}

// Handler serves the rendered registry.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render()))
	})
}

// ServeAsync exposes /metrics on its own port in a goroutine.
func (r *Registry) ServeAsync(port int, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", r.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "port", port, "err", err)
		}
	}()
	return srv
}
