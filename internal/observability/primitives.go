package observability

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Minimal Prometheus text exposition. Series are written in sorted order.

type collector interface {
	write(w io.Writer) error
}

func writeAll(w io.Writer, cs ...collector) error {
	for _, c := range cs {
		if err := c.write(w); err != nil {
			return err
		}
	}
	return nil
}

func header(w io.Writer, name, help, kind string) error {
	_, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
	return err
}

type series struct {
	name   string
	help   string
	labels []string

	mu     sync.Mutex
	values map[string]float64
}

func (s *series) add(v float64, set bool, values ...string) {
	key := labelString(s.labels, values)
	s.mu.Lock()
	if set {
		s.values[key] = v
	} else {
		s.values[key] += v
	}
	s.mu.Unlock()
}

func (s *series) writeAs(w io.Writer, kind string) error {
	if err := header(w, s.name, s.help, kind); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range sortedKeys(s.values) {
		if _, err := fmt.Fprintf(w, "%s%s %g\n", s.name, k, s.values[k]); err != nil {
			return err
		}
	}
	return nil
}

type CounterVec struct{ s series }

func NewCounterVec(name, help string, labels []string) *CounterVec {
	return &CounterVec{s: series{name: name, help: help, labels: labels, values: map[string]float64{}}}
}

func (c *CounterVec) Inc(values ...string)            { c.Add(1, values...) }
func (c *CounterVec) Add(v float64, values ...string) { c.s.add(v, false, values...) }
func (c *CounterVec) write(w io.Writer) error         { return c.s.writeAs(w, "counter") }

type GaugeVec struct{ s series }

func NewGaugeVec(name, help string, labels []string) *GaugeVec {
	return &GaugeVec{s: series{name: name, help: help, labels: labels, values: map[string]float64{}}}
}

func (g *GaugeVec) Set(v float64, values ...string) { g.s.add(v, true, values...) }
func (g *GaugeVec) Add(v float64, values ...string) { g.s.add(v, false, values...) }
func (g *GaugeVec) write(w io.Writer) error         { return g.s.writeAs(w, "gauge") }

type Gauge struct{ s series }

func NewGauge(name, help string) *Gauge {
	return &Gauge{s: series{name: name, help: help, values: map[string]float64{}}}
}

func (g *Gauge) Set(v float64)           { g.s.add(v, true) }
func (g *Gauge) Add(v float64)           { g.s.add(v, false) }
func (g *Gauge) write(w io.Writer) error { return g.s.writeAs(w, "gauge") }

type HistogramVec struct {
	name    string
	help    string
	labels  []string
	buckets []float64

	mu     sync.Mutex
	values map[string]*histogram
}

type histogram struct {
	counts []uint64 // cumulative per bucket
	sum    float64
	total  uint64
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) *HistogramVec {
	return &HistogramVec{name: name, help: help, labels: labels, buckets: buckets, values: map[string]*histogram{}}
}

func (h *HistogramVec) Observe(v float64, values ...string) {
	key := labelString(h.labels, values)
	h.mu.Lock()
	defer h.mu.Unlock()
	hist, ok := h.values[key]
	if !ok {
		hist = &histogram{counts: make([]uint64, len(h.buckets))}
		h.values[key] = hist
	}
	hist.sum += v
	hist.total++
	for i, b := range h.buckets {
		if v <= b {
			hist.counts[i]++
		}
	}
}

func (h *HistogramVec) write(w io.Writer) error {
	if err := header(w, h.name, h.help, "histogram"); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := make([]string, 0, len(h.values))
	for k := range h.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		hist := h.values[k]
		for i, b := range h.buckets {
			if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, fmt.Sprintf("%g", b)), hist.counts[i]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n%s_sum%s %g\n%s_count%s %d\n",
			h.name, withLe(k, "+Inf"), hist.total,
			h.name, k, hist.sum,
			h.name, k, hist.total); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func labelString(names []string, values []string) string {
	if len(names) == 0 {
		return ""
	}
	parts := make([]string, len(names))
	for i, name := range names {
		val := "unknown"
		if i < len(values) && values[i] != "" {
			val = values[i]
		}
		parts[i] = name + `="` + escapeLabel(val) + `"`
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func escapeLabel(v string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(v)
}

func withLe(labels string, le string) string {
	if labels == "" {
		return `{le="` + le + `"}`
	}
	return strings.TrimSuffix(labels, "}") + `,le="` + le + `"}`
}
