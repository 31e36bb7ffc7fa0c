package relay

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is the counter sink the relay reports into. Implementations must
// be safe for concurrent use.
type Metrics interface {
	// IncRequest counts an inbound HTTP request by method, path and status.
	IncRequest(method, path string, status int)

	// IncDNSLookup counts a DNS lookup outcome by record type and status.
	IncDNSLookup(lookupType, status string)

	// IncRedirect counts a relay outcome by status.
	IncRedirect(status string)

	// ObserveDuration adds a request duration sample for method and path.
	ObserveDuration(method, path string, seconds float64)
}

// NopMetrics discards all observations. It is the default sink when no
// collector is configured.
type NopMetrics struct{}

var _ Metrics = NopMetrics{}

func (NopMetrics) IncRequest(string, string, int)          {}
func (NopMetrics) IncDNSLookup(string, string)             {}
func (NopMetrics) IncRedirect(string)                      {}
func (NopMetrics) ObserveDuration(string, string, float64) {}

// Histogram bucket upper bounds in seconds for request durations.
var durationBuckets = [8]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2.5}

type histogram struct {
	buckets   [len(durationBuckets) + 1]uint64
	sumMicros uint64
	count     uint64
}

func (h *histogram) observe(seconds float64) {
	atomic.AddUint64(&h.sumMicros, uint64(seconds*1e6))
	atomic.AddUint64(&h.count, 1)
	for i, le := range durationBuckets {
		if seconds < le {
			atomic.AddUint64(&h.buckets[i], 1)
			return
		}
	}
	atomic.AddUint64(&h.buckets[len(durationBuckets)], 1)
}

// Collector implements Metrics and exposes everything in Prometheus text
// exposition format. Counters are keyed by their rendered label set.
type Collector struct {
	requests  sync.Map // map[string]*uint64
	lookups   sync.Map // map[string]*uint64
	redirects sync.Map // map[string]*uint64
	durations sync.Map // map[string]*histogram

	startTime time.Time
}

var _ Metrics = &Collector{}

// NewCollector returns a new metrics collector.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

func (c *Collector) IncRequest(method, path string, status int) {
	key := `method="` + method + `",path="` + path + `",status="` + strconv.Itoa(status) + `"`
	incMapCounter(&c.requests, key)
}

func (c *Collector) IncDNSLookup(lookupType, status string) {
	key := `type="` + lookupType + `",status="` + status + `"`
	incMapCounter(&c.lookups, key)
}

func (c *Collector) IncRedirect(status string) {
	incMapCounter(&c.redirects, `status="`+status+`"`)
}

func (c *Collector) ObserveDuration(method, path string, seconds float64) {
	key := `method="` + method + `",path="` + path + `"`
	v, ok := c.durations.Load(key)
	if !ok {
		v, _ = c.durations.LoadOrStore(key, &histogram{})
	}
	v.(*histogram).observe(seconds)
}

// WritePrometheus writes all metrics in Prometheus exposition format.
func (c *Collector) WritePrometheus(w io.Writer) {
	fmt.Fprintf(w, "# HELP relay_start_time_seconds Unix timestamp of relay start\n")
	fmt.Fprintf(w, "# TYPE relay_start_time_seconds gauge\n")
	fmt.Fprintf(w, "relay_start_time_seconds %d\n\n", c.startTime.Unix())

	writeCounterMap(w, "http_requests_total", "Total number of HTTP requests", &c.requests)
	writeCounterMap(w, "dns_lookups_total", "Total number of DNS lookups", &c.lookups)
	writeCounterMap(w, "redirects_total", "Total number of redirects", &c.redirects)

	fmt.Fprintf(w, "# HELP http_request_duration_seconds HTTP request duration in seconds\n")
	fmt.Fprintf(w, "# TYPE http_request_duration_seconds histogram\n")
	for _, key := range sortedKeys(&c.durations) {
		v, _ := c.durations.Load(key)
		h := v.(*histogram)
		cumulative := uint64(0)
		for i, le := range durationBuckets {
			cumulative += atomic.LoadUint64(&h.buckets[i])
			fmt.Fprintf(w, "http_request_duration_seconds_bucket{%s,le=\"%g\"} %d\n", key, le, cumulative)
		}
		cumulative += atomic.LoadUint64(&h.buckets[len(durationBuckets)])
		fmt.Fprintf(w, "http_request_duration_seconds_bucket{%s,le=\"+Inf\"} %d\n", key, cumulative)
		fmt.Fprintf(w, "http_request_duration_seconds_sum{%s} %f\n", key, float64(atomic.LoadUint64(&h.sumMicros))/1e6)
		fmt.Fprintf(w, "http_request_duration_seconds_count{%s} %d\n", key, atomic.LoadUint64(&h.count))
	}
}

func incMapCounter(m *sync.Map, key string) {
	v, ok := m.Load(key)
	if !ok {
		v, _ = m.LoadOrStore(key, new(uint64))
	}
	atomic.AddUint64(v.(*uint64), 1)
}

func writeCounterMap(w io.Writer, name, help string, m *sync.Map) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, key := range sortedKeys(m) {
		v, _ := m.Load(key)
		fmt.Fprintf(w, "%s{%s} %d\n", name, key, atomic.LoadUint64(v.(*uint64)))
	}
	fmt.Fprintf(w, "\n")
}

// Stable output ordering makes the exposition diffable and testable.
func sortedKeys(m *sync.Map) []string {
	var keys []string
	m.Range(func(key, _ any) bool {
		keys = append(keys, key.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}
