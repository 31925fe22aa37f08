package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/concache"
)

// Adapter implements concache.Metrics and exports Prometheus counters,
// gauges, and a compute-latency histogram. Safe for concurrent use; every
// Prometheus metric type already is.
type Adapter struct {
	hits    prometheus.Counter
	misses  prometheus.Counter
	evicts  *prometheus.CounterVec
	size    prometheus.Gauge
	compute prometheus.Histogram
}

// New constructs a Prometheus metrics adapter.
//   - reg:         registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:     Prometheus namespace and subsystem
//   - constLabels: static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hits_total",
			Help:        "Cache hits",
			ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "misses_total",
			Help:        "Cache misses",
			ConstLabels: constLabels,
		}),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Cache removals by cause",
				ConstLabels: constLabels,
			},
			[]string{"cause"},
		),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_entries",
			Help:        "Number of resident entries",
			ConstLabels: constLabels,
		}),
		compute: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "compute_seconds",
			Help:        "Latency of ComputeFunc invocations on a cache miss",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.size, a.compute)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Evict increments the removal counter with a cause label.
func (a *Adapter) Evict(cause concache.RemovalCause) {
	a.evicts.WithLabelValues(cause.String()).Inc()
}

// Size updates the resident-entry gauge.
func (a *Adapter) Size(entries int) { a.size.Set(float64(entries)) }

// ObserveCompute records the latency of one ComputeFunc invocation.
func (a *Adapter) ObserveCompute(d time.Duration) { a.compute.Observe(d.Seconds()) }

// Compile-time check: ensure Adapter implements concache.Metrics.
var _ concache.Metrics = (*Adapter)(nil)
