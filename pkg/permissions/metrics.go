package permissions

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the permission cache and resolver counters
type Metrics struct {
	CacheHitsTotal          prometheus.Counter
	CacheMissesTotal        prometheus.Counter
	CacheErrorsTotal        *prometheus.CounterVec
	InvalidationsTotal      *prometheus.CounterVec
	ResolveDurationSeconds  prometheus.Histogram
	MatrixEditsChangedTotal prometheus.Counter
}

// NewMetrics creates the permission metrics and registers them when registry is non-nil
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vcboard_permission_cache_hits_total",
				Help: "Total number of resolved permission sets served from cache",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vcboard_permission_cache_misses_total",
				Help: "Total number of permission cache misses",
			},
		),
		CacheErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vcboard_permission_cache_errors_total",
				Help: "Total number of permission cache failures",
			},
			[]string{"operation"},
		),
		InvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vcboard_permission_cache_invalidations_total",
				Help: "Total number of per-forum cache invalidations",
			},
			[]string{"status"},
		),
		ResolveDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vcboard_permission_resolve_duration_seconds",
				Help:    "Time spent computing permission sets on cache miss",
				Buckets: prometheus.DefBuckets,
			},
		),
		MatrixEditsChangedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vcboard_permission_matrix_changes_total",
				Help: "Total number of override cells changed through the matrix editor",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.CacheHitsTotal,
			m.CacheMissesTotal,
			m.CacheErrorsTotal,
			m.InvalidationsTotal,
			m.ResolveDurationSeconds,
			m.MatrixEditsChangedTotal,
		)
	}

	return m
}
