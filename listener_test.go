package schedcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schedcache/schedcache/pkg/depgraph"
	"github.com/schedcache/schedcache/pkg/feed"
)

// deadFeed accepts subscriptions but never delivers live events,
// simulating a silently dropped subscription. Replay queries hit the
// embedded feed as usual.
type deadFeed struct {
	*feed.MemFeed
}

func (d *deadFeed) Subscribe(ctx context.Context, h feed.Handler) (feed.Subscription, error) {
	return deadSub{}, nil
}

type deadSub struct{}

func (deadSub) Unsubscribe() {}

// erroringFeed fails every replay query.
type erroringFeed struct {
	calls atomic.Int32
}

func (f *erroringFeed) Subscribe(ctx context.Context, h feed.Handler) (feed.Subscription, error) {
	return deadSub{}, nil
}

func (f *erroringFeed) EventsSince(ctx context.Context, since time.Time) ([]feed.Event, error) {
	f.calls.Add(1)
	return nil, errors.New("backend unavailable")
}

func (f *erroringFeed) Close() error { return nil }

func TestManager_InvalidationCascades(t *testing.T) {
	clk := newFakeClock(testBase)
	m := newTestManager(t, WithClock(clk))

	m.SetCache("teams_roster", "a", time.Hour)
	m.SetCache("schedule_entries_week_5", "b", time.Hour)
	m.SetCache("company_totals_q3", "c", time.Hour)
	m.SetCache("user_profile_9", "d", time.Hour)

	m.applyEvent(context.Background(), feed.Event{Table: "teams", Op: feed.OpUpdate, CreatedAt: clk.Now()})

	_, ok := m.store.Get("teams_roster")
	assert.False(t, ok, "key naming the table should be evicted")
	_, ok = m.store.Get("schedule_entries_week_5")
	assert.False(t, ok, "dependent prefix should cascade")
	_, ok = m.store.Get("company_totals_q3")
	assert.False(t, ok, "aggregate rollups are always dirty")
	_, ok = m.store.Get("user_profile_9")
	assert.True(t, ok, "unrelated keys survive")
}

func TestManager_InvalidationIsIdempotent(t *testing.T) {
	clk := newFakeClock(testBase)
	m := newTestManager(t, WithClock(clk))

	m.SetCache("teams_roster", "a", time.Hour)
	m.SetCache("user_profile_9", "d", time.Hour)

	event := feed.Event{Table: "teams", Op: feed.OpDelete, RowID: "4", CreatedAt: clk.Now()}
	m.applyEvent(context.Background(), event)
	after := m.Len()

	m.applyEvent(context.Background(), event)
	assert.Equal(t, after, m.Len())
	_, ok := m.store.Get("user_profile_9")
	assert.True(t, ok)
}

func TestManager_BroadFanoutNeedsRowID(t *testing.T) {
	clk := newFakeClock(testBase)
	graph, err := depgraph.New(&depgraph.Config{
		Rules:             []depgraph.Rule{{Source: "schedule_entries", Prefixes: []string{"schedule_"}}},
		BroadFanoutTables: []string{"schedule_entries"},
		BroadPrefix:       "team_",
	})
	require.NoError(t, err)
	m := newTestManager(t, WithClock(clk), WithGraph(graph))

	m.SetCache("team_week_view", "a", time.Hour)
	m.applyEvent(context.Background(), feed.Event{Table: "schedule_entries", Op: feed.OpUpdate, CreatedAt: clk.Now()})
	_, ok := m.store.Get("team_week_view")
	assert.True(t, ok, "no row id, broad rule does not fire")

	m.applyEvent(context.Background(), feed.Event{Table: "schedule_entries", Op: feed.OpUpdate, RowID: "7", CreatedAt: clk.Now()})
	_, ok = m.store.Get("team_week_view")
	assert.False(t, ok, "row-scoped change on a fanout table sweeps team_ keys")
}

func TestManager_UntrackedTableEvictsByNameOnly(t *testing.T) {
	clk := newFakeClock(testBase)
	m := newTestManager(t, WithClock(clk))

	m.SetCache("holidays_2025", "a", time.Hour)
	m.SetCache("user_profile_9", "b", time.Hour)

	m.applyEvent(context.Background(), feed.Event{Table: "holidays", Op: feed.OpInsert, CreatedAt: clk.Now()})

	_, ok := m.store.Get("holidays_2025")
	assert.False(t, ok)
	_, ok = m.store.Get("user_profile_9")
	assert.True(t, ok)
}

func TestManager_LiveEventEvictsAndNotifies(t *testing.T) {
	clk := newFakeClock(testBase)
	mem := feed.NewMemFeed(&feed.MemConfig{Now: clk.Now})
	m := newTestManager(t, WithClock(clk), WithFeed(mem))

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	sub := m.Notifications()
	defer sub.Unsubscribe()

	m.SetCache("teams_roster", "a", time.Hour)

	clk.Advance(time.Second)
	mem.Publish(feed.Event{Table: "teams", Op: feed.OpUpdate})

	// MemFeed delivers inline, so the eviction is already visible.
	_, ok := m.store.Get("teams_roster")
	assert.False(t, ok)
	assert.Equal(t, StateActive, m.State())

	select {
	case n := <-sub.C:
		assert.Equal(t, "teams", n.Table)
		assert.Equal(t, feed.OpUpdate, n.Op)
		assert.True(t, n.Timestamp.Equal(testBase.Add(time.Second)))
	default:
		t.Fatal("no notification broadcast")
	}
}

func TestManager_ReconciliationReplaysMissedEvents(t *testing.T) {
	clk := newFakeClock(testBase)
	mem := feed.NewMemFeed(&feed.MemConfig{Now: clk.Now})
	m := newTestManager(t, WithClock(clk), WithFeed(&deadFeed{MemFeed: mem}))

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	m.SetCache("schedule_entries_week_5", "b", time.Hour)

	// The event lands in the feed but live delivery never happens.
	clk.Advance(time.Second)
	mem.Publish(feed.Event{Table: "teams", Op: feed.OpUpdate})
	_, ok := m.store.Get("schedule_entries_week_5")
	require.True(t, ok)

	clk.Tick()

	assert.Eventually(t, func() bool {
		_, ok := m.store.Get("schedule_entries_week_5")
		return !ok
	}, 3*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return m.checkpointTime().Equal(testBase.Add(time.Second))
	}, 3*time.Second, 10*time.Millisecond)
}

func TestManager_ReconciliationFailureKeepsCheckpoint(t *testing.T) {
	clk := newFakeClock(testBase)
	f := &erroringFeed{}
	m := newTestManager(t, WithClock(clk), WithFeed(f))

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	before := m.checkpointTime()

	clk.Advance(time.Minute)
	clk.Tick()
	require.Eventually(t, func() bool {
		return f.calls.Load() >= 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.True(t, m.checkpointTime().Equal(before), "failed query must not advance the checkpoint")

	// The same window is retried on the next tick.
	clk.Tick()
	require.Eventually(t, func() bool {
		return f.calls.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, m.checkpointTime().Equal(before))
}

func TestManager_ReconciliationAppliesOldestFirst(t *testing.T) {
	clk := newFakeClock(testBase)
	mem := feed.NewMemFeed(&feed.MemConfig{Now: clk.Now})
	m := newTestManager(t, WithClock(clk), WithFeed(&deadFeed{MemFeed: mem}))

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	sub := m.Notifications()
	defer sub.Unsubscribe()

	// Published newest-first; replay must still apply oldest-first.
	mem.Publish(feed.Event{Table: "teams", Op: feed.OpUpdate, CreatedAt: testBase.Add(3 * time.Second)})
	mem.Publish(feed.Event{Table: "users", Op: feed.OpInsert, CreatedAt: testBase.Add(2 * time.Second)})

	clk.Tick()

	var got []Notification
	require.Eventually(t, func() bool {
		for {
			select {
			case n := <-sub.C:
				got = append(got, n)
			default:
				return len(got) == 2
			}
		}
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, "users", got[0].Table)
	assert.Equal(t, "teams", got[1].Table)
	assert.True(t, m.checkpointTime().Equal(testBase.Add(3*time.Second)))
}

func TestManager_PrewarmRunsAfterCriticalChange(t *testing.T) {
	clk := newFakeClock(testBase)
	m := newTestManager(t, WithClock(clk))

	var fetches atomic.Int32
	m.RegisterPrewarm("dashboard_main", func(ctx context.Context) (any, error) {
		fetches.Add(1)
		return "warm", nil
	})

	// sprint_config is a critical table in the default graph.
	m.applyEvent(context.Background(), feed.Event{Table: "sprint_config", Op: feed.OpUpdate, CreatedAt: clk.Now()})

	assert.Eventually(t, func() bool {
		entry, ok := m.store.Get("dashboard_main")
		return ok && entry.Data == "warm"
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), fetches.Load())

	// Non-critical tables do not prewarm.
	m.applyEvent(context.Background(), feed.Event{Table: "users", Op: feed.OpUpdate, CreatedAt: clk.Now()})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fetches.Load())
}
