package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusExporter exports metrics to Prometheus format.
type PrometheusExporter struct {
	collector *Collector

	// Prometheus metrics
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	cacheHitRate     prometheus.Gauge
	cacheKeys        prometheus.Gauge
	cacheMemoryBytes prometheus.Gauge
	cacheEvictions   prometheus.Counter
	opRequests       *prometheus.CounterVec
	opDuration       *prometheus.HistogramVec
	opErrors         *prometheus.CounterVec
	sweptEdges       prometheus.Counter

	// Last cache totals seen by Update, so counters advance by deltas.
	lastHits      uint64
	lastMisses    uint64
	lastEvictions uint64
}

// NewPrometheusExporter creates a new Prometheus exporter.
func NewPrometheusExporter(collector *Collector) *PrometheusExporter {
	return &PrometheusExporter{
		collector: collector,
		cacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "orthrus_check_cache_hits_total",
			Help: "Total number of cache hits for permission checks",
		}),
		cacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "orthrus_check_cache_misses_total",
			Help: "Total number of cache misses for permission checks",
		}),
		cacheHitRate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "orthrus_check_cache_hit_rate",
			Help: "Current cache hit rate (0.0 to 1.0)",
		}),
		cacheKeys: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "orthrus_check_cache_keys_current",
			Help: "Current number of keys in the check cache",
		}),
		cacheMemoryBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "orthrus_check_cache_memory_bytes",
			Help: "Current memory usage of the check cache in bytes",
		}),
		cacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "orthrus_check_cache_evictions_total",
			Help: "Total number of cache evictions due to memory limits",
		}),
		opRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orthrus_operations_total",
				Help: "Total number of engine operations",
			},
			[]string{"op"},
		),
		opDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orthrus_operation_duration_seconds",
				Help:    "Duration of engine operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
			},
			[]string{"op"},
		),
		opErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orthrus_operation_errors_total",
				Help: "Total number of failed engine operations",
			},
			[]string{"op"},
		),
		sweptEdges: promauto.NewCounter(prometheus.CounterOpts{
			Name: "orthrus_swept_edges_total",
			Help: "Total number of expired edges physically removed by sweeps",
		}),
	}
}

// Update refreshes cache metrics from the collector. Operation counters are
// updated at operation boundaries; the cache counts its own hits, misses and
// evictions, so those counters advance here by the delta since the last call.
// This should be called periodically (e.g., every 10 seconds).
func (e *PrometheusExporter) Update() {
	cacheMetrics := e.collector.GetCacheMetrics()
	e.cacheHitRate.Set(cacheMetrics.HitRate)
	e.cacheKeys.Set(float64(cacheMetrics.KeysCurrent))
	e.cacheMemoryBytes.Set(float64(cacheMetrics.MemoryBytes))

	if cacheMetrics.Hits > e.lastHits {
		e.cacheHits.Add(float64(cacheMetrics.Hits - e.lastHits))
		e.lastHits = cacheMetrics.Hits
	}
	if cacheMetrics.Misses > e.lastMisses {
		e.cacheMisses.Add(float64(cacheMetrics.Misses - e.lastMisses))
		e.lastMisses = cacheMetrics.Misses
	}
	if cacheMetrics.Evictions > e.lastEvictions {
		e.cacheEvictions.Add(float64(cacheMetrics.Evictions - e.lastEvictions))
		e.lastEvictions = cacheMetrics.Evictions
	}
}

// RecordRequest records an operation in Prometheus.
func (e *PrometheusExporter) RecordRequest(op string) {
	e.opRequests.WithLabelValues(op).Inc()
}

// RecordDuration records a duration in Prometheus.
func (e *PrometheusExporter) RecordDuration(op string, durationSeconds float64) {
	e.opDuration.WithLabelValues(op).Observe(durationSeconds)
}

// RecordError records an error in Prometheus.
func (e *PrometheusExporter) RecordError(op string) {
	e.opErrors.WithLabelValues(op).Inc()
}

// RecordSweptEdges records expired edges removed by a sweep.
func (e *PrometheusExporter) RecordSweptEdges(n int) {
	if n > 0 {
		e.sweptEdges.Add(float64(n))
	}
}
