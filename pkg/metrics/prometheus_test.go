package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusCollector_RecordLookup(t *testing.T) {
	collector, err := NewPrometheusCollector()
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	collector.RecordLookup("static", OutcomeHit, 2*time.Millisecond)
	collector.RecordLookup("static", OutcomeHit, 1*time.Millisecond)
	collector.RecordLookup("realtime", OutcomeMiss, 40*time.Millisecond)

	registry := collector.GetRegistry()
	metricFamilies, _ := registry.Gather()

	foundLookups := false
	foundDuration := false
	for _, mf := range metricFamilies {
		switch *mf.Name {
		case "schedcache_cache_lookups_total":
			foundLookups = true
			var total float64
			for _, m := range mf.Metric {
				total += *m.Counter.Value
			}
			if total != 3 {
				t.Errorf("Expected 3 lookups recorded, got %f", total)
			}
		case "schedcache_cache_lookup_duration_seconds":
			foundDuration = true
		}
	}

	if !foundLookups {
		t.Error("lookups_total metric not found")
	}
	if !foundDuration {
		t.Error("lookup_duration_seconds metric not found")
	}
}

func TestPrometheusCollector_EvictionsAndInvalidations(t *testing.T) {
	collector, _ := NewPrometheusCollector()

	collector.RecordEviction(ReasonInvalidation, 5)
	collector.RecordEviction(ReasonInvalidation, 2)
	collector.RecordEviction(ReasonExpired, 0) // Zero batches are dropped.
	collector.RecordInvalidation("teams", "UPDATE")

	evicted, err := getMetricValue(collector.GetRegistry(), "schedcache_cache_evictions_total")
	if err != nil {
		t.Fatalf("evictions_total: %v", err)
	}
	if evicted != 7 {
		t.Errorf("Expected 7 evictions, got %f", evicted)
	}

	invalidations, err := getMetricValue(collector.GetRegistry(), "schedcache_cache_invalidation_events_total")
	if err != nil {
		t.Fatalf("invalidation_events_total: %v", err)
	}
	if invalidations != 1 {
		t.Errorf("Expected 1 invalidation event, got %f", invalidations)
	}
}

func TestPrometheusCollector_Gauges(t *testing.T) {
	collector, _ := NewPrometheusCollector()

	collector.RecordCacheSize(17, 4096)
	collector.RecordFetchesInFlight(2)
	collector.RecordFetchesInFlight(-1)

	entries, err := getMetricValue(collector.GetRegistry(), "schedcache_cache_entries")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if entries != 17 {
		t.Errorf("Expected 17 entries, got %f", entries)
	}

	inFlight, err := getMetricValue(collector.GetRegistry(), "schedcache_cache_fetches_in_flight")
	if err != nil {
		t.Fatalf("fetches_in_flight: %v", err)
	}
	if inFlight != 1 {
		t.Errorf("Expected 1 fetch in flight, got %f", inFlight)
	}
}

func TestPrometheusCollector_WithoutHistogram(t *testing.T) {
	collector, _ := NewPrometheusCollector(WithoutHistogram())

	collector.RecordLookup("static", OutcomeHit, time.Millisecond)

	metricFamilies, _ := collector.GetRegistry().Gather()
	for _, mf := range metricFamilies {
		if *mf.Name == "schedcache_cache_lookup_duration_seconds" {
			t.Error("Histogram should be disabled but was found")
		}
	}
}

func TestPrometheusCollector_WithoutPerClassMetrics(t *testing.T) {
	collector, _ := NewPrometheusCollector(WithoutPerClassMetrics())

	collector.RecordLookup("static", OutcomeHit, time.Millisecond)
	collector.RecordLookup("realtime", OutcomeHit, time.Millisecond)

	metricFamilies, _ := collector.GetRegistry().Gather()
	for _, mf := range metricFamilies {
		if *mf.Name == "schedcache_cache_lookups_total" {
			if len(mf.Metric) != 1 {
				t.Errorf("Expected a single outcome series without class labels, got %d", len(mf.Metric))
			}
			if *mf.Metric[0].Counter.Value != 2 {
				t.Errorf("Expected 2 lookups collapsed into one series, got %f", *mf.Metric[0].Counter.Value)
			}
		}
	}
}

func TestNopCollector(t *testing.T) {
	nop := NewNopCollector()

	nop.RecordLookup("static", OutcomeHit, time.Millisecond)
	nop.RecordEviction(ReasonManual, 3)
	nop.RecordCacheSize(1, 1)

	metricFamilies, err := nop.GetRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(metricFamilies) != 0 {
		t.Errorf("Nop collector should expose no metrics, got %d families", len(metricFamilies))
	}
}

func getMetricValue(registry *prometheus.Registry, name string) (float64, error) {
	metricFamilies, err := registry.Gather()
	if err != nil {
		return 0, err
	}

	for _, mf := range metricFamilies {
		if *mf.Name == name {
			var total float64
			for _, metric := range mf.Metric {
				switch *mf.Type {
				case dto.MetricType_COUNTER:
					total += *metric.Counter.Value
				case dto.MetricType_GAUGE:
					total += *metric.Gauge.Value
				}
			}
			return total, nil
		}
	}

	return 0, errors.New("metric not found")
}
