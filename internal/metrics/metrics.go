package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry keeps named counter and histogram vectors so callers can record
// samples by name with a label map.
type Registry struct {
	mu         sync.RWMutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	r.RegisterCounter("dwarf_notifications_total", "Device notifications handled by command.", "cmd")
	r.RegisterCounter("dwarf_connect_attempts_total", "Connect requests by outcome (started, reused).", "result")
	r.RegisterCounter("dwarf_connection_events_total", "Connection lifecycle transitions by event.", "event")
	r.RegisterCounter("dwarf_identify_total", "Device identification probe outcomes by probe and status.", "probe", "status")
	r.RegisterCounter("dwarf_relay_requests_total", "Relay service requests by operation, path and status.", "op", "path", "status")
	r.RegisterHistogram("dwarf_relay_request_latency_ms", "Relay service request latency in milliseconds by operation and status.", []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}, "op", "status")
	r.RegisterCounter("dwarf_state_writes_total", "Persisted state writes by backend and status.", "backend", "status")
	r.RegisterCounter("dwarf_mqtt_publish_total", "State mirror publishes by status.", "status")
	r.RegisterCounter("dwarf_aws_retries_total", "AWS retries by operation and error code.", "op", "reason")
	r.RegisterCounter("dwarf_aws_retry_exhausted_total", "AWS operations that exhausted retry attempts by operation.", "op")
	r.RegisterCounter("dwarf_job_runs_total", "Background job runs by job and status.", "job", "status")
	r.RegisterHistogram("dwarf_job_duration_ms", "Background job duration in milliseconds by job.", []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}, "job")
}

func (r *Registry) RegisterCounter(name, help string, labelNames ...string) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.counters[name]; ok {
		return
	}
	if err := r.reg.Register(vec); err != nil {
		return
	}
	r.counters[name] = vec
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64, labelNames ...string) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labelNames)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.histograms[name]; ok {
		return
	}
	if err := r.reg.Register(vec); err != nil {
		return
	}
	r.histograms[name] = vec
}

// IncCounter is a no-op for unregistered names or mismatched label sets.
func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.mu.RLock()
	vec, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	c.Inc()
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	vec, ok := r.histograms[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	o, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	o.Observe(value)
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}
