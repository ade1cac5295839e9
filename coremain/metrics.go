package coremain

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pmkol/cacheproxy/pkg/admission"
	"github.com/pmkol/cacheproxy/pkg/cache"
)

// registerStateMetrics exports cache and admission state, read at scrape time.
func registerStateMetrics(reg prometheus.Registerer, c cache.Backend, g *admission.Gate) error {
	cs := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cache_size_bytes",
			Help: "The accounted size of all cached entries",
		}, func() float64 { return float64(c.Stats().CurrentSize) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cache_entries",
			Help: "The number of cached entries",
		}, func() float64 { return float64(c.Len()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "The total number of cache hits",
		}, func() float64 { return float64(c.Stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "The total number of cache misses",
		}, func() float64 { return float64(c.Stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "The total number of entries evicted to make room",
		}, func() float64 { return float64(c.Stats().Evictions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "admission_in_use",
			Help: "The number of connections currently being processed",
		}, func() float64 { return float64(g.InUse()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "admission_capacity",
			Help: "The maximum number of connections processed at the same time",
		}, func() float64 { return float64(g.Cap()) }),
	}
	for _, col := range cs {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}
