package schedcache

import (
	"sort"

	"go.uber.org/zap"

	"github.com/schedcache/schedcache/pkg/metrics"
	"github.com/schedcache/schedcache/pkg/store"
)

// ConsistencyReport summarizes a full sweep of the in-memory store.
type ConsistencyReport struct {
	Total        int      `json:"total"`
	Valid        int      `json:"valid"`
	Expired      int      `json:"expired"`
	Inconsistent int      `json:"inconsistent"`
	PurgedKeys   []string `json:"purged_keys"`
}

// ValidateCacheConsistency sweeps every entry, classifies it as valid,
// expired, or inconsistent, and purges the expired ones.
func (m *Manager) ValidateCacheConsistency() ConsistencyReport {
	snapshot := m.store.Snapshot()
	now := m.clock.Now()

	report := ConsistencyReport{Total: len(snapshot)}
	for key, entry := range snapshot {
		switch {
		case entryInconsistent(entry):
			report.Inconsistent++
			m.logger.Warn("inconsistent cache entry",
				zap.String("key", key),
				zap.Int64("version", entry.Version),
				zap.Time("created_at", entry.CreatedAt),
				zap.Time("expires_at", entry.ExpiresAt))
		case entry.Expired(now):
			report.Expired++
		default:
			report.Valid++
		}
	}

	purged := m.store.PurgeExpired()
	sort.Strings(purged)
	report.PurgedKeys = purged
	if len(purged) > 0 {
		m.collector.RecordEviction(metrics.ReasonExpired, len(purged))
		m.logger.Info("purged expired entries", zap.Int("count", len(purged)))
	}

	return report
}

// entryInconsistent reports entries that violate the store's own
// write contract, which should never happen and points at corruption.
func entryInconsistent(entry store.Entry) bool {
	if entry.Version < 1 {
		return true
	}
	if entry.CreatedAt.IsZero() {
		return true
	}
	if !entry.ExpiresAt.IsZero() && entry.ExpiresAt.Before(entry.CreatedAt) {
		return true
	}
	return false
}
