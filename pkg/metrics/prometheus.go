package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector for Prometheus
type PrometheusCollector struct {
	config   *Config
	registry *prometheus.Registry

	// Lookup metrics
	lookupsTotal   *prometheus.CounterVec
	lookupDuration *prometheus.HistogramVec

	// Invalidation metrics
	evictionsTotal     *prometheus.CounterVec
	invalidationsTotal *prometheus.CounterVec

	// Size gauges
	cacheEntries    prometheus.Gauge
	cacheBytes      prometheus.Gauge
	fetchesInFlight prometheus.Gauge
}

// NewPrometheusCollector creates a new Prometheus metrics collector
func NewPrometheusCollector(opts ...ConfigOption) (*PrometheusCollector, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	registry := prometheus.NewRegistry()
	collector := &PrometheusCollector{
		config:   config,
		registry: registry,
	}

	// Initialize metrics
	if err := collector.initMetrics(); err != nil {
		return nil, err
	}

	return collector, nil
}

// initMetrics initializes all Prometheus metrics
func (p *PrometheusCollector) initMetrics() error {
	labels := []string{"class", "outcome"}
	if !p.config.EnablePerClassMetrics {
		labels = []string{"outcome"}
	}

	// Total lookups counter
	p.lookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "lookups_total",
			Help:        "Total number of cache lookups by outcome",
			ConstLabels: p.config.ConstLabels,
		},
		labels,
	)

	// Lookup duration histogram
	if p.config.EnableHistogram {
		p.lookupDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   p.config.Namespace,
				Subsystem:   p.config.Subsystem,
				Name:        "lookup_duration_seconds",
				Help:        "Histogram of cache lookup duration in seconds",
				Buckets:     p.config.HistogramBuckets,
				ConstLabels: p.config.ConstLabels,
			},
			labels,
		)
	}

	// Evictions counter
	p.evictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "evictions_total",
			Help:        "Total number of evicted entries by reason",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"reason"},
	)

	// Invalidation events counter
	p.invalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "invalidation_events_total",
			Help:        "Total number of processed change events",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"table", "op"},
	)

	// Size gauges
	p.cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "entries",
			Help:        "Number of entries currently held in memory",
			ConstLabels: p.config.ConstLabels,
		},
	)

	p.cacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "memory_bytes",
			Help:        "Estimated serialized size of all entries",
			ConstLabels: p.config.ConstLabels,
		},
	)

	p.fetchesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "fetches_in_flight",
			Help:        "Number of fetches currently running on cache misses",
			ConstLabels: p.config.ConstLabels,
		},
	)

	// Register all metrics
	p.registry.MustRegister(
		p.lookupsTotal,
		p.evictionsTotal,
		p.invalidationsTotal,
		p.cacheEntries,
		p.cacheBytes,
		p.fetchesInFlight,
	)

	if p.config.EnableHistogram {
		p.registry.MustRegister(p.lookupDuration)
	}

	return nil
}

// RecordLookup records a completed cache read
func (p *PrometheusCollector) RecordLookup(class string, outcome string, duration time.Duration) {
	if p.config.EnablePerClassMetrics {
		p.lookupsTotal.WithLabelValues(class, outcome).Inc()
		if p.config.EnableHistogram {
			p.lookupDuration.WithLabelValues(class, outcome).Observe(duration.Seconds())
		}
	} else {
		p.lookupsTotal.WithLabelValues(outcome).Inc()
		if p.config.EnableHistogram {
			p.lookupDuration.WithLabelValues(outcome).Observe(duration.Seconds())
		}
	}
}

// RecordEviction records removed entries by reason
func (p *PrometheusCollector) RecordEviction(reason string, count int) {
	if count <= 0 {
		return
	}
	p.evictionsTotal.WithLabelValues(reason).Add(float64(count))
}

// RecordInvalidation records a processed change event
func (p *PrometheusCollector) RecordInvalidation(table string, op string) {
	p.invalidationsTotal.WithLabelValues(table, op).Inc()
}

// RecordCacheSize updates the entry-count and memory gauges
func (p *PrometheusCollector) RecordCacheSize(entries int, bytes int64) {
	p.cacheEntries.Set(float64(entries))
	p.cacheBytes.Set(float64(bytes))
}

// RecordFetchesInFlight updates the in-flight fetch gauge
func (p *PrometheusCollector) RecordFetchesInFlight(delta int) {
	p.fetchesInFlight.Add(float64(delta))
}

// GetRegistry returns the Prometheus registry
func (p *PrometheusCollector) GetRegistry() *prometheus.Registry {
	return p.registry
}

// MustRegister registers a custom collector
func (p *PrometheusCollector) MustRegister(collectors ...prometheus.Collector) {
	p.registry.MustRegister(collectors...)
}

// Unregister unregisters a collector
func (p *PrometheusCollector) Unregister(collector prometheus.Collector) bool {
	return p.registry.Unregister(collector)
}
