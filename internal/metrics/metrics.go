package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "adminchat"

// Registry keeps named counters, timers and gauges in a Prometheus
// registry. Label keys of a metric are fixed by its first use; later
// calls with a different key set are ignored.
type Registry struct {
	mu         sync.Mutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	startTime  time.Time
}

// NewRegistry creates a registry with Go runtime and process collectors
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		startTime:  time.Now(),
	}
}

var globalRegistry = NewRegistry()

// GetRegistry returns the global registry instance
func GetRegistry() *Registry {
	return globalRegistry
}

// IncrementCounter increments a counter metric
func (r *Registry) IncrementCounter(name string, labels map[string]string, description string) {
	r.AddToCounter(name, 1, labels, description)
}

// AddToCounter adds a value to a counter metric
func (r *Registry) AddToCounter(name string, value float64, labels map[string]string, description string) {
	if value < 0 {
		return
	}
	r.mu.Lock()
	vec, ok := r.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      sanitizeName(name) + "_total",
			Help:      help(description, name),
		}, labelKeys(labels))
		if err := r.reg.Register(vec); err != nil {
			r.mu.Unlock()
			return
		}
		r.counters[name] = vec
	}
	r.mu.Unlock()

	if c, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		c.Add(value)
	}
}

// RecordTimer records a timing measurement, in seconds
func (r *Registry) RecordTimer(name string, duration time.Duration, labels map[string]string, description string) {
	r.mu.Lock()
	vec, ok := r.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      sanitizeName(name) + "_seconds",
			Help:      help(description, name),
			Buckets:   prometheus.DefBuckets,
		}, labelKeys(labels))
		if err := r.reg.Register(vec); err != nil {
			r.mu.Unlock()
			return
		}
		r.histograms[name] = vec
	}
	r.mu.Unlock()

	if h, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		h.Observe(duration.Seconds())
	}
}

// SetGauge sets a gauge metric value
func (r *Registry) SetGauge(name string, value float64, labels map[string]string, description string) {
	r.mu.Lock()
	vec, ok := r.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      sanitizeName(name),
			Help:      help(description, name),
		}, labelKeys(labels))
		if err := r.reg.Register(vec); err != nil {
			r.mu.Unlock()
			return
		}
		r.gauges[name] = vec
	}
	r.mu.Unlock()

	if g, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		g.Set(value)
	}
}

// Handler serves the registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Uptime since the registry was created
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// Value reads back a counter or gauge value, or a timer's sample count.
func (r *Registry) Value(name string, labels map[string]string) (float64, bool) {
	families, err := r.reg.Gather()
	if err != nil {
		return 0, false
	}

	base := namespace + "_" + sanitizeName(name)
	for _, mf := range families {
		switch mf.GetName() {
		case base + "_total", base, base + "_seconds":
		default:
			continue
		}
		for _, m := range mf.GetMetric() {
			if !labelsMatch(m.GetLabel(), labels) {
				continue
			}
			switch {
			case m.Counter != nil:
				return m.Counter.GetValue(), true
			case m.Gauge != nil:
				return m.Gauge.GetValue(), true
			case m.Histogram != nil:
				return float64(m.Histogram.GetSampleCount()), true
			}
		}
	}
	return 0, false
}

func labelsMatch(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(pairs) != len(labels) {
		return false
	}
	for _, p := range pairs {
		if v, ok := labels[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sanitizeName maps dotted or dashed names onto the Prometheus charset
func sanitizeName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func help(description, name string) string {
	if description != "" {
		return description
	}
	return name
}

// Convenience functions for global registry

// IncrementCounter increments a counter in the global registry
func IncrementCounter(name string, labels map[string]string, description string) {
	globalRegistry.IncrementCounter(name, labels, description)
}

// AddToCounter adds to a counter in the global registry
func AddToCounter(name string, value float64, labels map[string]string, description string) {
	globalRegistry.AddToCounter(name, value, labels, description)
}

// RecordTimer records timing in the global registry
func RecordTimer(name string, duration time.Duration, labels map[string]string, description string) {
	globalRegistry.RecordTimer(name, duration, labels, description)
}

// SetGauge sets a gauge in the global registry
func SetGauge(name string, value float64, labels map[string]string, description string) {
	globalRegistry.SetGauge(name, value, labels, description)
}

// Handler serves the global registry
func Handler() http.Handler {
	return globalRegistry.Handler()
}

// Value reads back a metric from the global registry
func Value(name string, labels map[string]string) (float64, bool) {
	return globalRegistry.Value(name, labels)
}
