package schedcache

import (
	"context"

	"go.uber.org/zap"
)

// prewarmEntry is one registered high-traffic fetch, replayed after a
// critical-table invalidation so the next read finds a warm cache.
type prewarmEntry struct {
	key     string
	fetcher Fetcher
	opts    []FetchOption
}

// RegisterPrewarm records a fetch to re-run whenever a critical table
// changes. Prewarm failures are logged, never propagated.
func (m *Manager) RegisterPrewarm(key string, fetcher Fetcher, opts ...FetchOption) {
	m.prewarmMu.Lock()
	defer m.prewarmMu.Unlock()
	m.prewarms = append(m.prewarms, prewarmEntry{key: key, fetcher: fetcher, opts: opts})
}

// schedulePrewarm re-runs the registered fetches in the background,
// throttled so a burst of invalidations cannot hammer the backend.
func (m *Manager) schedulePrewarm(table string) {
	m.prewarmMu.Lock()
	entries := make([]prewarmEntry, len(m.prewarms))
	copy(entries, m.prewarms)
	m.prewarmMu.Unlock()

	if len(entries) == 0 {
		return
	}

	ctx := m.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	// Untracked on purpose: prewarming is best-effort and must not
	// hold up Stop. Cancellation ends it after the current fetch.
	go func() {
		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			if !m.prewarmLimiter.Allow() {
				m.logger.Debug("prewarm throttled", zap.String("key", entry.key))
				continue
			}
			if _, err := m.GetCachedData(ctx, entry.key, entry.fetcher, entry.opts...); err != nil {
				m.logger.Warn("prewarm fetch failed",
					zap.String("key", entry.key),
					zap.String("table", table),
					zap.Error(err))
			}
		}
	}()
}
