package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus counters for cache operations.
type Metrics struct {
	Hits       prometheus.Counter
	Misses     prometheus.Counter
	Bypass     prometheus.Counter
	Stores     prometheus.Counter
	ReadErrors prometheus.Counter
}

// NewMetrics creates the counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer, cacheName string) *Metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"cache": cacheName}
	return &Metrics{
		Hits: f.NewCounter(prometheus.CounterOpts{
			Name:        "httpcache_hits_total",
			Help:        "Total number of cache hits",
			ConstLabels: labels,
		}),
		Misses: f.NewCounter(prometheus.CounterOpts{
			Name:        "httpcache_misses_total",
			Help:        "Total number of cache misses",
			ConstLabels: labels,
		}),
		Bypass: f.NewCounter(prometheus.CounterOpts{
			Name:        "httpcache_bypass_total",
			Help:        "Total number of requests that skipped the cache read",
			ConstLabels: labels,
		}),
		Stores: f.NewCounter(prometheus.CounterOpts{
			Name:        "httpcache_stores_total",
			Help:        "Total number of responses written to the cache",
			ConstLabels: labels,
		}),
		ReadErrors: f.NewCounter(prometheus.CounterOpts{
			Name:        "httpcache_read_errors_total",
			Help:        "Total number of cached entries that could not be decoded",
			ConstLabels: labels,
		}),
	}
}

// The helpers below are no-ops on a nil *Metrics.

func (m *Metrics) hit() {
	if m != nil {
		m.Hits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.Misses.Inc()
	}
}

func (m *Metrics) bypass() {
	if m != nil {
		m.Bypass.Inc()
	}
}

func (m *Metrics) stored() {
	if m != nil {
		m.Stores.Inc()
	}
}

func (m *Metrics) readError() {
	if m != nil {
		m.ReadErrors.Inc()
	}
}
