package schedcache

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/schedcache/schedcache/pkg/feed"
	"github.com/schedcache/schedcache/pkg/metrics"
)

// State describes where the invalidation listener is in its
// subscription lifecycle. Reconnection is the feed's responsibility,
// so there is no reconnecting state; a dead subscription is simply
// Disconnected and the reconciliation poll keeps invalidation alive.
type State int32

const (
	StateDisconnected State = iota
	StateSubscribing
	StateActive
	StateProcessing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// State returns the listener's current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old != s {
		m.logger.Debug("listener state changed",
			zap.Stringer("from", old),
			zap.Stringer("to", s))
	}
}

// handleLive processes one event from the live subscription.
func (m *Manager) handleLive(event feed.Event) {
	ctx := m.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	m.setState(StateProcessing)
	m.applyEvent(ctx, event)
	m.setState(StateActive)
}

// applyEvent turns one change event into evictions, a broadcast, and
// prewarming. Reapplying the same event is harmless: every step is
// idempotent.
func (m *Manager) applyEvent(ctx context.Context, event feed.Event) {
	_, span := m.tracer.Start(ctx, "cache.invalidate",
		trace.WithAttributes(
			attribute.String("db.table", event.Table),
			attribute.String("db.operation", string(event.Op))))
	defer span.End()

	evicted := 0

	// Keys naming the table directly.
	evicted += m.evictMatching(event.Table)

	// Keys under the table's declared dependent prefixes.
	for _, prefix := range m.graph.DependentsOf(event.Table) {
		evicted += m.evictMatching(prefix)
	}

	if event.RowID != "" {
		evicted += m.evictMatching(event.Table + "_" + event.RowID)
		// Membership and schedule changes fan out to every team-scoped
		// view, so a precise chain is not worth computing.
		if m.graph.BroadFanout(event.Table) {
			evicted += m.evictMatching(m.graph.BroadPrefix())
		}
	}

	// Aggregate rollups are treated as dirty on any change.
	for _, prefix := range m.graph.AggregatePrefixes() {
		evicted += m.evictMatching(prefix)
	}

	span.SetAttributes(attribute.Int("cache.evicted", evicted))
	m.collector.RecordEviction(metrics.ReasonInvalidation, evicted)
	m.collector.RecordInvalidation(event.Table, string(event.Op))
	m.logger.Debug("invalidation applied",
		zap.String("table", event.Table),
		zap.String("op", string(event.Op)),
		zap.String("row_id", event.RowID),
		zap.Int("evicted", evicted))

	m.hub.publish(Notification{
		Table:     event.Table,
		Op:        event.Op,
		Timestamp: event.CreatedAt,
	})

	if m.graph.Critical(event.Table) {
		m.schedulePrewarm(event.Table)
	}

	m.advanceCheckpoint(event.CreatedAt)
}

// evictMatching removes matching keys from both tiers and returns the
// in-memory eviction count.
func (m *Manager) evictMatching(pattern string) int {
	if pattern == "" {
		return 0
	}
	removed := len(m.store.DeleteMatching(pattern))
	if m.mirror != nil {
		if _, err := m.mirror.RemoveMatching(pattern); err != nil {
			m.logger.Warn("durable eviction failed",
				zap.String("pattern", pattern),
				zap.Error(err))
		}
	}
	return removed
}

// runReconciler periodically replays events the live subscription may
// have missed.
func (m *Manager) runReconciler(ctx context.Context) {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			m.reconcile(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// reconcile queries the feed for events after the checkpoint and
// replays them oldest-first. A query failure leaves the checkpoint
// alone so the same window is retried next tick.
func (m *Manager) reconcile(ctx context.Context) {
	since := m.checkpointTime()

	ctx, span := m.tracer.Start(ctx, "cache.reconcile")
	defer span.End()

	events, err := m.feed.EventsSince(ctx, since)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("reconciliation query failed",
			zap.Time("since", since),
			zap.Error(err))
		return
	}
	span.SetAttributes(attribute.Int("cache.replayed", len(events)))
	if len(events) == 0 {
		return
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	for _, event := range events {
		m.applyEvent(ctx, event)
	}

	m.logger.Info("replayed missed events",
		zap.Int("events", len(events)),
		zap.Time("since", since))
}

func (m *Manager) checkpointTime() time.Time {
	m.checkpointMu.Lock()
	defer m.checkpointMu.Unlock()
	return m.checkpoint
}

func (m *Manager) setCheckpoint(t time.Time) {
	m.checkpointMu.Lock()
	defer m.checkpointMu.Unlock()
	m.checkpoint = t
}

// advanceCheckpoint moves the checkpoint forward, never back. Live and
// replayed events both land here, so out-of-order delivery cannot
// reopen an already-covered window.
func (m *Manager) advanceCheckpoint(t time.Time) {
	m.checkpointMu.Lock()
	defer m.checkpointMu.Unlock()
	if t.After(m.checkpoint) {
		m.checkpoint = t
	}
}
