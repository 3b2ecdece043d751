package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsClient implements MetricsClient on top of the default
// prometheus registry, lazily registering one collector per metric name
// the way the teacher's client does.
//
// Grounded on pkg/observability/prometheus_metrics.go's getOrCreate*
// pattern, pruned of the teacher's MCP-specific default metric set and
// WebSocket helper (this domain has no websocket surface).
type PrometheusMetricsClient struct {
	namespace string
	subsystem string

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetricsClient creates a metrics client registering under
// namespace/subsystem (e.g. "tasklistsync", "syncserver").
func NewPrometheusMetricsClient(namespace, subsystem string) *PrometheusMetricsClient {
	return &PrometheusMetricsClient{
		namespace:  namespace,
		subsystem:  subsystem,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.IncrementCounterWithLabels(name, value, nil)
}

func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	counter := c.getOrCreateCounter(name, labelNames(labels))
	counter.With(prometheus.Labels(labels)).Add(value)
}

func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	gauge := c.getOrCreateGauge(name, labelNames(labels))
	gauge.With(prometheus.Labels(labels)).Set(value)
}

func (c *PrometheusMetricsClient) RecordDuration(name string, durationSeconds float64, labels map[string]string) {
	histogram := c.getOrCreateHistogram(name, labelNames(labels))
	histogram.With(prometheus.Labels(labels)).Observe(durationSeconds)
}

func (c *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		c.RecordDuration(name, time.Since(start).Seconds(), labels)
	}
}

func (c *PrometheusMetricsClient) getOrCreateCounter(name string, labels []string) *prometheus.CounterVec {
	c.mu.RLock()
	if v, ok := c.counters[name]; ok {
		c.mu.RUnlock()
		return v
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.counters[name]; ok {
		return v
	}
	v := promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace, Subsystem: c.subsystem, Name: name, Help: "counter for " + name,
	}, labels)
	c.counters[name] = v
	return v
}

func (c *PrometheusMetricsClient) getOrCreateGauge(name string, labels []string) *prometheus.GaugeVec {
	c.mu.RLock()
	if v, ok := c.gauges[name]; ok {
		c.mu.RUnlock()
		return v
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.gauges[name]; ok {
		return v
	}
	v := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace, Subsystem: c.subsystem, Name: name, Help: "gauge for " + name,
	}, labels)
	c.gauges[name] = v
	return v
}

func (c *PrometheusMetricsClient) getOrCreateHistogram(name string, labels []string) *prometheus.HistogramVec {
	c.mu.RLock()
	if v, ok := c.histograms[name]; ok {
		c.mu.RUnlock()
		return v
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.histograms[name]; ok {
		return v
	}
	v := promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace, Subsystem: c.subsystem, Name: name, Help: "histogram for " + name, Buckets: prometheus.DefBuckets,
	}, labels)
	c.histograms[name] = v
	return v
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}
