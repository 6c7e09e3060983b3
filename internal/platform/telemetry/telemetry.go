// Package telemetry keeps in-process counters and histograms and exposes
// them in the Prometheus text format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Metric names recorded by the HTTP middleware.
const (
	HTTPRequestsTotal   = "http_server_requests_total"
	HTTPRequestDuration = "http_server_request_duration_seconds"
)

// DefaultDurationBuckets are upper bounds in seconds.
var DefaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0, 30.0,
}

// histogram is a thread-safe histogram with configurable bucket boundaries.
// Bucket counts are non-cumulative in storage; cumulative counts are computed
// at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
	// above every boundary: only +Inf
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

// series identifies one metric with its labels rendered in Prometheus form.
type series struct {
	name   string
	labels string
}

// Registry holds every series. A nil *Registry is valid and records nothing.
type Registry struct {
	mu         sync.RWMutex
	counters   map[series]*int64
	histograms map[series]*histogram
	help       map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[series]*int64),
		histograms: make(map[series]*histogram),
		help:       make(map[string]string),
	}
}

// Describe sets the HELP text for a metric name.
func (r *Registry) Describe(name, help string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.help[name] = help
	r.mu.Unlock()
}

// Inc adds one to the counter name. labels are key/value pairs.
func (r *Registry) Inc(name string, labels ...string) {
	if r == nil {
		return
	}
	key := series{name: name, labels: renderLabels(labels)}

	r.mu.RLock()
	c, ok := r.counters[key]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if c, ok = r.counters[key]; !ok {
			c = new(int64)
			r.counters[key] = c
		}
		r.mu.Unlock()
	}
	atomic.AddInt64(c, 1)
}

// Observe records v in the histogram name using DefaultDurationBuckets.
func (r *Registry) Observe(name string, v float64, labels ...string) {
	if r == nil {
		return
	}
	key := series{name: name, labels: renderLabels(labels)}

	r.mu.RLock()
	h, ok := r.histograms[key]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if h, ok = r.histograms[key]; !ok {
			h = newHistogram(DefaultDurationBuckets)
			r.histograms[key] = h
		}
		r.mu.Unlock()
	}
	h.observe(v)
}

// Counter returns the current value of a counter, 0 if never incremented.
func (r *Registry) Counter(name string, labels ...string) int64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.counters[series{name: name, labels: renderLabels(labels)}]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(c)
}

// ObservationCount returns how many values a histogram has seen.
func (r *Registry) ObservationCount(name string, labels ...string) int64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.histograms[series{name: name, labels: renderLabels(labels)}]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&h.count)
}

// renderLabels turns key/value pairs into `k1="v1",k2="v2"` sorted by key.
// A trailing key without a value is dropped.
func renderLabels(kv []string) string {
	if len(kv) < 2 {
		return ""
	}
	pairs := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, kv[i]+"="+strconv.Quote(kv[i+1]))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// MetricsMiddleware counts requests and records their latency by method,
// route pattern and status code.
func (r *Registry) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			labels := []string{"method", c.Request().Method, "route", route, "status_code", strconv.Itoa(status)}

			r.Inc(HTTPRequestsTotal, labels...)
			r.Observe(HTTPRequestDuration, time.Since(start).Seconds(), labels...)
			return err
		}
	}
}

// PrometheusHandler serves every series in the text exposition format,
// sorted by name and labels.
func (r *Registry) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(r.Expose()))
	}
}

// Expose renders the registry.
func (r *Registry) Expose() string {
	if r == nil {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder

	counterNames := map[string][]series{}
	for s := range r.counters {
		counterNames[s.name] = append(counterNames[s.name], s)
	}
	for _, name := range sortedKeys(counterNames) {
		r.writeHeader(&b, name, "counter")
		for _, s := range sortSeries(counterNames[name]) {
			fmt.Fprintf(&b, "%s%s %d\n", name, braces(s.labels), atomic.LoadInt64(r.counters[s]))
		}
		b.WriteByte('\n')
	}

	histNames := map[string][]series{}
	for s := range r.histograms {
		histNames[s.name] = append(histNames[s.name], s)
	}
	for _, name := range sortedKeys(histNames) {
		r.writeHeader(&b, name, "histogram")
		for _, s := range sortSeries(histNames[name]) {
			writeHistogram(&b, name, s.labels, r.histograms[s])
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func (r *Registry) writeHeader(b *strings.Builder, name, typ string) {
	if help, ok := r.help[name]; ok {
		fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	}
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	prefix := ""
	if labels != "" {
		prefix = labels + ","
	}
	cum := h.cumulativeBuckets()
	total := atomic.LoadInt64(&h.count)
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, braces(labels), math.Float64frombits(atomic.LoadUint64(&h.sum)))
	fmt.Fprintf(b, "%s_count%s %d\n", name, braces(labels), total)
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func sortedKeys(m map[string][]series) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortSeries(s []series) []series {
	sort.Slice(s, func(i, j int) bool { return s[i].labels < s[j].labels })
	return s
}
