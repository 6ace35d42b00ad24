// Package metrics instruments the gateway: a Prometheus registration
// for /metrics, and a parallel set of plain atomic counters per route
// feeding the JSON /gateway/status snapshot without touching the
// registry on every request.
package metrics

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is the request counter / latency histogram pair
// registered once per gateway instance.
type Prometheus struct {
	Requests *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
}

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total HTTP requests processed by the gateway",
		}, []string{"route", "method", "code"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request latency, measured from bulkhead admission to response completion",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	reg.MustRegister(p.Requests, p.Latency)
	return p
}

func (p *Prometheus) Observe(route, method string, status int, d time.Duration) {
	p.Requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	p.Latency.WithLabelValues(route, method).Observe(d.Seconds())
}

// Entry is one route's plain-Go counters, read directly by the status
// handler with no registry round-trip.
type Entry struct {
	requests    atomic.Int64
	errors      atomic.Int64
	latencyNSum atomic.Int64
	latencyN    atomic.Int64
}

func (e *Entry) Record(status int, d time.Duration) {
	e.requests.Add(1)
	if status >= 500 {
		e.errors.Add(1)
	}
	e.latencyNSum.Add(d.Nanoseconds())
	e.latencyN.Add(1)
}

// Snapshot is the JSON-friendly read of an Entry.
type Snapshot struct {
	TotalRequests int64   `json:"total_requests"`
	TotalErrors   int64   `json:"total_errors"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
}

func (e *Entry) Snapshot() Snapshot {
	n := e.latencyN.Load()
	var avgMs float64
	if n > 0 {
		avgMs = float64(e.latencyNSum.Load()) / float64(n) / 1e6
	}
	return Snapshot{
		TotalRequests: e.requests.Load(),
		TotalErrors:   e.errors.Load(),
		AvgLatencyMs:  avgMs,
	}
}

// Registry owns one Entry per route name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*Entry{}}
}

func (r *Registry) Add(route string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[route] = &Entry{}
}

func (r *Registry) Get(route string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[route]
}

func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.entries))
	for name, e := range r.entries {
		out[name] = e.Snapshot()
	}
	return out
}
