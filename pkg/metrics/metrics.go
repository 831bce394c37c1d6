package metrics

import (
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Registry is a Collector backed by a private prometheus registry. Vectors
// are created on first use, their label names are fixed by that call.
type Registry struct {
	mu         sync.Mutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

var _ Collector = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelNames(labels map[string]string) []string {
	return slices.Sorted(maps.Keys(labels))
}

func (r *Registry) counter(name string, labels map[string]string) (prometheus.Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vec, ok := r.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, labelNames(labels))
		if err := r.reg.Register(vec); err != nil {
			return nil, err
		}
		r.counters[name] = vec
	}
	return vec.GetMetricWith(labels)
}

func (r *Registry) gauge(name string, labels map[string]string) (prometheus.Gauge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vec, ok := r.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, labelNames(labels))
		if err := r.reg.Register(vec); err != nil {
			return nil, err
		}
		r.gauges[name] = vec
	}
	return vec.GetMetricWith(labels)
}

func (r *Registry) histogram(name string, labels map[string]string) (prometheus.Observer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vec, ok := r.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    name,
			Buckets: prometheus.DefBuckets,
		}, labelNames(labels))
		if err := r.reg.Register(vec); err != nil {
			return nil, err
		}
		r.histograms[name] = vec
	}
	return vec.GetMetricWith(labels)
}

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta < 0 {
		slog.Warn("negative counter delta dropped", "metric", name, "delta", delta)
		return
	}
	c, err := r.counter(name, labels)
	if err != nil {
		slog.Warn("metric rejected", "metric", name, "error", err)
		return
	}
	c.Add(delta)
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	g, err := r.gauge(name, labels)
	if err != nil {
		slog.Warn("metric rejected", "metric", name, "error", err)
		return
	}
	g.Set(value)
}

func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	h, err := r.histogram(name, labels)
	if err != nil {
		slog.Warn("metric rejected", "metric", name, "error", err)
		return
	}
	h.Observe(value)
}

// ResetGauge drops every series of a gauge, so a refresh does not keep label
// sets that disappeared.
func (r *Registry) ResetGauge(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.gauges[name]; ok {
		vec.Reset()
	}
}

// Value returns the current value of a counter or gauge, or the sum of a
// histogram. Unknown series read as zero.
func (r *Registry) Value(name string, labels map[string]string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		m   prometheus.Metric
		err error
	)
	switch {
	case r.counters[name] != nil:
		m, err = r.counters[name].GetMetricWith(labels)
	case r.gauges[name] != nil:
		m, err = r.gauges[name].GetMetricWith(labels)
	case r.histograms[name] != nil:
		var obs prometheus.Observer
		obs, err = r.histograms[name].GetMetricWith(labels)
		if err == nil {
			m = obs.(prometheus.Metric)
		}
	default:
		return 0
	}
	if err != nil {
		return 0
	}

	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		return 0
	}
	switch {
	case pb.Counter != nil:
		return pb.GetCounter().GetValue()
	case pb.Gauge != nil:
		return pb.GetGauge().GetValue()
	case pb.Histogram != nil:
		return pb.GetHistogram().GetSampleSum()
	}
	return 0
}

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
