// Package metrics provides performance tracking and monitoring for the
// cache: a Tracker for the caller-facing performance snapshot and a
// MetricsCollector for exporting operational counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Lookup outcomes recorded per cache read.
const (
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
	OutcomePromoted = "promoted"
	OutcomeError    = "error"
)

// Eviction reasons recorded per removal batch.
const (
	ReasonInvalidation = "invalidation"
	ReasonExpired      = "expired"
	ReasonManual       = "manual"
	ReasonPattern      = "pattern"
	ReasonClear        = "clear"
)

// MetricsCollector defines the interface for metrics collection
type MetricsCollector interface {
	// RecordLookup records a completed cache read with its volatility
	// class, outcome, and duration
	RecordLookup(class string, outcome string, duration time.Duration)

	// RecordEviction records removed entries by reason
	RecordEviction(reason string, count int)

	// RecordInvalidation records a processed change event
	RecordInvalidation(table string, op string)

	// RecordCacheSize updates the entry-count and memory gauges
	RecordCacheSize(entries int, bytes int64)

	// RecordFetchesInFlight updates the in-flight fetch gauge
	RecordFetchesInFlight(delta int)

	// GetRegistry returns the prometheus registry
	GetRegistry() *prometheus.Registry
}

// Config holds configuration for metrics collection
type Config struct {
	// Namespace for metrics (e.g., "schedcache")
	Namespace string

	// Subsystem for metrics (e.g., "cache")
	Subsystem string

	// Enable histogram buckets for lookup latency distribution
	EnableHistogram bool

	// Custom histogram buckets (in seconds)
	HistogramBuckets []float64

	// Enable per-volatility-class metrics
	EnablePerClassMetrics bool

	// Constant labels to add to all metrics
	ConstLabels map[string]string
}

// DefaultConfig returns the default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace:             "schedcache",
		Subsystem:             "cache",
		EnableHistogram:       true,
		EnablePerClassMetrics: true,
		HistogramBuckets: []float64{
			0.0001, // 100µs
			0.0005, // 500µs
			0.001,  // 1ms
			0.005,  // 5ms
			0.01,   // 10ms
			0.025,  // 25ms
			0.05,   // 50ms
			0.1,    // 100ms
			0.25,   // 250ms
			0.5,    // 500ms
			1.0,    // 1s
			2.5,    // 2.5s
		},
		ConstLabels: make(map[string]string),
	}
}

// ConfigOption is a function that configures a Config
type ConfigOption func(*Config)

// WithNamespace sets the namespace for metrics
func WithNamespace(namespace string) ConfigOption {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the subsystem for metrics
func WithSubsystem(subsystem string) ConfigOption {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithHistogramBuckets sets custom histogram buckets
func WithHistogramBuckets(buckets []float64) ConfigOption {
	return func(c *Config) {
		c.HistogramBuckets = buckets
	}
}

// WithConstLabels sets constant labels for all metrics
func WithConstLabels(labels map[string]string) ConfigOption {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithoutHistogram disables histogram metrics
func WithoutHistogram() ConfigOption {
	return func(c *Config) {
		c.EnableHistogram = false
	}
}

// WithoutPerClassMetrics disables per-class metrics
func WithoutPerClassMetrics() ConfigOption {
	return func(c *Config) {
		c.EnablePerClassMetrics = false
	}
}

// NopCollector is a MetricsCollector that records nothing. It is the
// default when no collector is wired in.
type NopCollector struct {
	registry *prometheus.Registry
}

// NewNopCollector creates a collector that discards all observations.
func NewNopCollector() *NopCollector {
	return &NopCollector{registry: prometheus.NewRegistry()}
}

// RecordLookup does nothing.
func (n *NopCollector) RecordLookup(string, string, time.Duration) {}

// RecordEviction does nothing.
func (n *NopCollector) RecordEviction(string, int) {}

// RecordInvalidation does nothing.
func (n *NopCollector) RecordInvalidation(string, string) {}

// RecordCacheSize does nothing.
func (n *NopCollector) RecordCacheSize(int, int64) {}

// RecordFetchesInFlight does nothing.
func (n *NopCollector) RecordFetchesInFlight(int) {}

// GetRegistry returns an empty registry.
func (n *NopCollector) GetRegistry() *prometheus.Registry {
	return n.registry
}
