// Package metrics exposes Prometheus metrics (component A5) for the
// Registry's occupancy and the Warm Pool's hit/miss counters, grounded on
// the prometheus/client_golang usage pattern in
// jkaninda-akili/internal/scheduler/metrics.go and
// jkaninda-akili/internal/orchestrator/metrics.go (namespaced Counter/Gauge
// construction, GaugeFunc for values owned elsewhere, MustRegister once at
// construction).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vmforge/vmforge/internal/pool"
	"github.com/vmforge/vmforge/internal/registry"
)

const namespace = "vmforge"

// Metrics holds every metric this daemon exports. Registered once at
// construction; the gauges read live state via GaugeFunc, so nothing needs
// to be updated by hand on the request path.
type Metrics struct {
	RegistrySize  prometheus.GaugeFunc
	PoolSize      prometheus.GaugeFunc
	PoolWarmHits  prometheus.GaugeFunc
	PoolColdMiss  prometheus.GaugeFunc
	PoolCreated   prometheus.GaugeFunc
	PoolDestroyed prometheus.GaugeFunc
	PoolHitRate   prometheus.GaugeFunc
}

// New creates and registers metrics against reg. pool may be nil if warm
// pooling is disabled; the pool-derived gauges then always read zero.
// Returns nil if reg is nil.
func New(reg *prometheus.Registry, r *registry.Registry, p *pool.Pool) *Metrics {
	if reg == nil {
		return nil
	}

	registrySize := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "sandboxes",
		Help:      "Current number of live sandboxes in the registry.",
	}, func() float64 { return float64(r.Count()) })

	poolSize := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "size",
		Help:      "Current number of warm sandboxes queued in the pool.",
	}, poolSizeFunc(p))

	poolWarmHits := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "warm_hits_total",
		Help:      "Total acquires served from the warm pool.",
	}, statFunc(p, func(s *pool.Stats) float64 { return float64(s.WarmHits()) }))

	poolColdMiss := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "cold_misses_total",
		Help:      "Total acquires that fell back to a cold create.",
	}, statFunc(p, func(s *pool.Stats) float64 { return float64(s.ColdMisses()) }))

	poolCreated := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "created_total",
		Help:      "Total sandboxes created by the filler.",
	}, statFunc(p, func(s *pool.Stats) float64 { return float64(s.Created()) }))

	poolDestroyed := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "destroyed_total",
		Help:      "Total warm sandboxes destroyed (unhealthy discard or shutdown drain).",
	}, statFunc(p, func(s *pool.Stats) float64 { return float64(s.Destroyed()) }))

	poolHitRate := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "hit_rate_percent",
		Help:      "Warm hit rate as a percentage of all acquires.",
	}, statFunc(p, func(s *pool.Stats) float64 { return s.HitRate() }))

	m := &Metrics{
		RegistrySize:  registrySize,
		PoolSize:      poolSize,
		PoolWarmHits:  poolWarmHits,
		PoolColdMiss:  poolColdMiss,
		PoolCreated:   poolCreated,
		PoolDestroyed: poolDestroyed,
		PoolHitRate:   poolHitRate,
	}

	reg.MustRegister(
		m.RegistrySize, m.PoolSize, m.PoolWarmHits, m.PoolColdMiss,
		m.PoolCreated, m.PoolDestroyed, m.PoolHitRate,
	)

	return m
}

func statFunc(p *pool.Pool, f func(*pool.Stats) float64) func() float64 {
	return func() float64 {
		if p == nil {
			return 0
		}
		return f(p.Stats())
	}
}

func poolSizeFunc(p *pool.Pool) func() float64 {
	return func() float64 {
		if p == nil {
			return 0
		}
		return float64(p.Size())
	}
}
