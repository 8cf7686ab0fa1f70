package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder is a Recorder backed by a private Prometheus registry.
type PrometheusRecorder struct {
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusRecorder creates a new Prometheus recorder.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   prometheus.NewRegistry(),
	}
}

// labelNames returns the sorted label keys; vectors are keyed by name plus
// these so the same name can't be registered twice with different labels.
func labelNames(labels Labels) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func vecKey(name string, keys []string) string {
	return name + ";" + strings.Join(keys, ",")
}

func (r *PrometheusRecorder) IncCounter(name string, labels Labels) {
	keys := labelNames(labels)
	r.mu.Lock()
	c, ok := r.counters[vecKey(name, keys)]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, keys)
		r.registry.MustRegister(c)
		r.counters[vecKey(name, keys)] = c
	}
	r.mu.Unlock()
	c.With(prometheus.Labels(labels)).Inc()
}

func (r *PrometheusRecorder) SetGauge(name string, labels Labels, value float64) {
	keys := labelNames(labels)
	r.mu.Lock()
	g, ok := r.gauges[vecKey(name, keys)]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, keys)
		r.registry.MustRegister(g)
		r.gauges[vecKey(name, keys)] = g
	}
	r.mu.Unlock()
	g.With(prometheus.Labels(labels)).Set(value)
}

func (r *PrometheusRecorder) ObserveHistogram(name string, labels Labels, value float64) {
	keys := labelNames(labels)
	r.mu.Lock()
	h, ok := r.histograms[vecKey(name, keys)]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name}, keys)
		r.registry.MustRegister(h)
		r.histograms[vecKey(name, keys)] = h
	}
	r.mu.Unlock()
	h.With(prometheus.Labels(labels)).Observe(value)
}

// WriteTextfile writes the registry for node_exporter's textfile collector.
// The collector only reads files ending in .prom.
func (r *PrometheusRecorder) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if filepath.Ext(path) != ".prom" {
		return fmt.Errorf("metrics textfile %q must end in .prom", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	return prometheus.WriteToTextfile(path, r.registry)
}

// Gatherer exposes the registry, mainly for tests.
func (r *PrometheusRecorder) Gatherer() prometheus.Gatherer {
	return r.registry
}
