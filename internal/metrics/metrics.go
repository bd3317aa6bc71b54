// Package metrics keeps process-wide counters, gauges and histograms and
// renders them in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Default is the process-wide registry the predefined metrics live in.
var Default = NewRegistry()

type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	started    time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		started:    time.Now(),
	}
}

type series struct {
	name   string
	help   string
	labels string
}

func (s series) key() string { return s.name + "{" + s.labels + "}" }

type Counter struct {
	series
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

type Gauge struct {
	series
	value atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

type Histogram struct {
	series
	mu     sync.Mutex
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Counter returns the counter for name/labels, creating it on first use.
func (r *Registry) Counter(name, help, labels string) *Counter {
	s := series{name: name, help: help, labels: labels}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[s.key()]; ok {
		return c
	}
	c := &Counter{series: s}
	r.counters[s.key()] = c
	return c
}

func (r *Registry) Gauge(name, help, labels string) *Gauge {
	s := series{name: name, help: help, labels: labels}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[s.key()]; ok {
		return g
	}
	g := &Gauge{series: s}
	r.gauges[s.key()] = g
	return g
}

func (r *Registry) Histogram(name, help, labels string, buckets []float64) *Histogram {
	s := series{name: name, help: help, labels: labels}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[s.key()]; ok {
		return h
	}
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	h := &Histogram{series: s, bounds: bounds, counts: make([]int64, len(bounds))}
	r.histograms[s.key()] = h
	return h
}

// WriteText renders every series, sorted by name, in exposition format.
func (r *Registry) WriteText(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP clawnix_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE clawnix_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "clawnix_uptime_seconds %d\n", int64(time.Since(r.started).Seconds()))

	header := func(s series, kind string, seen map[string]bool) {
		if seen[s.name] {
			return
		}
		seen[s.name] = true
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", s.name, s.help, s.name, kind)
	}

	seen := map[string]bool{}
	for _, k := range sortedKeys(r.counters) {
		c := r.counters[k]
		header(c.series, "counter", seen)
		fmt.Fprintf(&sb, "%s %d\n", withLabels(c.name, c.labels, ""), c.Value())
	}
	for _, k := range sortedKeys(r.gauges) {
		g := r.gauges[k]
		header(g.series, "gauge", seen)
		fmt.Fprintf(&sb, "%s %d\n", withLabels(g.name, g.labels, ""), g.Value())
	}
	for _, k := range sortedKeys(r.histograms) {
		h := r.histograms[k]
		header(h.series, "histogram", seen)
		h.mu.Lock()
		for i, le := range h.bounds {
			bound := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			fmt.Fprintf(&sb, "%s %d\n", withLabels(h.name+"_bucket", h.labels, `le="`+bound+`"`), h.counts[i])
		}
		fmt.Fprintf(&sb, "%s %d\n", withLabels(h.name+"_count", h.labels, ""), h.count)
		fmt.Fprintf(&sb, "%s %f\n", withLabels(h.name+"_sum", h.labels, ""), h.sum)
		h.mu.Unlock()
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// Handler serves the registry at a scrape endpoint.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_ = r.WriteText(w)
	}
}

func withLabels(name, labels, extra string) string {
	parts := make([]string, 0, 2)
	if labels != "" {
		parts = append(parts, labels)
	}
	if extra != "" {
		parts = append(parts, extra)
	}
	if len(parts) == 0 {
		return name
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	MessagesTotal      = Default.Counter("clawnix_messages_total", "Inbound messages handled by agents", "")
	LLMRequestsTotal   = Default.Counter("clawnix_llm_requests_total", "Model provider calls", "")
	LLMErrorsTotal     = Default.Counter("clawnix_llm_errors_total", "Failed model provider calls", "")
	ToolExecutions     = Default.Counter("clawnix_tool_executions_total", "Tool executions", "")
	ToolErrors         = Default.Counter("clawnix_tool_errors_total", "Tool executions that failed", "")
	ApprovalsRequested = Default.Counter("clawnix_approvals_requested_total", "Tool calls held for human approval", "")
	ApprovalsDenied    = Default.Counter("clawnix_approvals_denied_total", "Approval requests denied by a human", "")
	ApprovalTimeouts   = Default.Counter("clawnix_approval_timeouts_total", "Approval requests that expired", "")
	DelegationsTotal   = Default.Counter("clawnix_delegations_total", "Delegation attempts between agents", "")
	DelegationsFailed  = Default.Counter("clawnix_delegations_failed_total", "Delegation attempts that were blocked or failed", "")
	WebSocketClients   = Default.Gauge("clawnix_websocket_clients", "Connected web UI stream clients", "")

	LLMLatency = Default.Histogram("clawnix_llm_latency_seconds", "Model provider latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
	ToolLatency = Default.Histogram("clawnix_tool_latency_seconds", "Tool execution latency in seconds", "",
		[]float64{0.1, 0.5, 1, 5, 10, 30})
)
