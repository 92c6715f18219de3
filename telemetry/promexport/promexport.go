// Package promexport adapts telemetry.Metrics to github.com/prometheus/client_golang
// so operators who scrape Prometheus directly (rather than running an OTEL
// collector) can mount /metrics on the admin HTTP surface. It implements the
// same telemetry.Metrics interface the OTEL-backed ClueMetrics implements,
// so callers can swap between the two without touching component code.
package promexport

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"goa.design/durableflow/telemetry"
)

// Metrics is a telemetry.Metrics implementation backed by a dedicated
// Prometheus registry, so it can be mounted independently of any global
// default registry the host process might also use.
type Metrics struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// New constructs a Metrics recorder with its own Prometheus registry.
func New() *Metrics {
	return &Metrics{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// Handler returns an http.Handler suitable for mounting at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var _ telemetry.Metrics = (*Metrics)(nil)

// IncCounter increments a counter metric, creating it (and its label set)
// lazily on first use since tag keys vary per call site.
func (m *Metrics) IncCounter(name string, value float64, tags ...string) {
	keys, vals := splitTags(tags)
	m.counterVec(name, keys).WithLabelValues(vals...).Add(value)
}

// RecordTimer records a duration as a histogram observation in seconds.
func (m *Metrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	keys, vals := splitTags(tags)
	m.histogramVec(name, keys).WithLabelValues(vals...).Observe(duration.Seconds())
}

// RecordGauge sets a gauge metric value.
func (m *Metrics) RecordGauge(name string, value float64, tags ...string) {
	keys, vals := splitTags(tags)
	m.gaugeVec(name, keys).WithLabelValues(vals...).Set(value)
}

func (m *Metrics) counterVec(name string, keys []string) *prometheus.CounterVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	cacheKey := vecKey(name, keys)
	if v, ok := m.counters[cacheKey]; ok {
		return v
	}
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: sanitize(name)}, keys)
	m.registry.MustRegister(v)
	m.counters[cacheKey] = v
	return v
}

func (m *Metrics) histogramVec(name string, keys []string) *prometheus.HistogramVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	cacheKey := vecKey(name, keys)
	if v, ok := m.histograms[cacheKey]; ok {
		return v
	}
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: sanitize(name)}, keys)
	m.registry.MustRegister(v)
	m.histograms[cacheKey] = v
	return v
}

func (m *Metrics) gaugeVec(name string, keys []string) *prometheus.GaugeVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	cacheKey := vecKey(name, keys)
	if v, ok := m.gauges[cacheKey]; ok {
		return v
	}
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: sanitize(name)}, keys)
	m.registry.MustRegister(v)
	m.gauges[cacheKey] = v
	return v
}

func splitTags(tags []string) (keys, vals []string) {
	for i := 0; i+1 < len(tags); i += 2 {
		keys = append(keys, sanitize(tags[i]))
		vals = append(vals, tags[i+1])
	}
	return keys, vals
}

func vecKey(name string, keys []string) string {
	key := name
	for _, k := range keys {
		key += "|" + k
	}
	return key
}

// sanitize maps dots (common in dotted metric names like "task.claim.latency")
// to underscores since Prometheus metric and label names are restricted to
// [a-zA-Z_:][a-zA-Z0-9_:]*.
func sanitize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '.' || c == '-' {
			out[i] = '_'
		} else {
			out[i] = c
		}
	}
	return string(out)
}
