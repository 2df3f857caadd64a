package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is a manually advanced clock for expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore() (*Store, *fakeClock) {
	clock := newFakeClock()
	return New(&Config{Now: clock.Now}), clock
}

func TestStore_GetMissOnUnknownKey(t *testing.T) {
	s, _ := newTestStore()

	_, found := s.Get("team_members_42")
	assert.False(t, found, "unknown key should miss")
}

func TestStore_SetThenGet(t *testing.T) {
	s, clock := newTestStore()

	stored := s.Set("teams_all", []string{"alpha", "beta"}, 2*time.Hour, []string{"teams"})
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, clock.Now().Add(2*time.Hour), stored.ExpiresAt)

	entry, found := s.Get("teams_all")
	assert.True(t, found)
	assert.Equal(t, []string{"alpha", "beta"}, entry.Data)
	assert.Equal(t, []string{"teams"}, entry.Dependencies)
	assert.Equal(t, int64(1), entry.AccessCount, "first read should count")
}

func TestStore_ExpiredEntryMissesButStays(t *testing.T) {
	s, clock := newTestStore()

	s.Set("live_presence_7", "online", 30*time.Second, nil)

	// Still live just before the boundary.
	clock.Advance(30*time.Second - time.Nanosecond)
	_, found := s.Get("live_presence_7")
	assert.True(t, found, "entry is valid strictly before its expiry instant")

	// At the boundary the entry stops being served but is not deleted.
	clock.Advance(time.Nanosecond)
	_, found = s.Get("live_presence_7")
	assert.False(t, found)
	assert.Equal(t, 1, s.Len(), "reads never remove entries")
}

func TestStore_PurgeExpired(t *testing.T) {
	s, clock := newTestStore()

	s.Set("live_status_3", "busy", 30*time.Second, nil)
	s.Set("teams_all", "rosters", 2*time.Hour, nil)

	clock.Advance(time.Minute)

	purged := s.PurgeExpired()
	assert.Equal(t, []string{"live_status_3"}, purged)
	assert.Equal(t, 1, s.Len())
}

func TestStore_VersionIncrementsOnOverwrite(t *testing.T) {
	s, _ := newTestStore()

	first := s.Set("sprint_config_9", "v1", time.Minute, nil)
	second := s.Set("sprint_config_9", "v2", time.Minute, nil)
	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, int64(2), second.Version)

	// Deleting the key ends its version chain.
	s.Delete("sprint_config_9")
	again := s.Set("sprint_config_9", "v3", time.Minute, nil)
	assert.Equal(t, int64(1), again.Version)
}

func TestStore_AccessTelemetry(t *testing.T) {
	s, clock := newTestStore()

	s.Set("users_1", "casey", time.Hour, nil)

	s.Get("users_1")
	clock.Advance(5 * time.Minute)
	entry, _ := s.Get("users_1")

	assert.Equal(t, int64(2), entry.AccessCount)
	assert.Equal(t, clock.Now(), entry.LastAccessed)
}

func TestStore_DeleteMatching(t *testing.T) {
	s, _ := newTestStore()

	s.Set("team_members_1", nil, time.Hour, nil)
	s.Set("team_capacity_1", nil, time.Hour, nil)
	s.Set("user_prefs_1", nil, time.Hour, nil)

	removed := s.DeleteMatching("team_")
	assert.Len(t, removed, 2)
	assert.Equal(t, 1, s.Len())

	// Pattern matches anywhere in the key, not only at the front.
	s.Set("dashboard_team_week", nil, time.Hour, nil)
	removed = s.DeleteMatching("team_")
	assert.Equal(t, []string{"dashboard_team_week"}, removed)
}

func TestStore_DeleteMatchingNoMatches(t *testing.T) {
	s, _ := newTestStore()

	s.Set("holidays_2025", nil, time.Hour, nil)

	removed := s.DeleteMatching("schedule_")
	assert.Empty(t, removed)
	assert.Equal(t, 1, s.Len())
}

func TestStore_CompareAndDelete(t *testing.T) {
	s, _ := newTestStore()

	s.Set("teams_all", "old", time.Hour, nil)
	s.Set("teams_all", "new", time.Hour, nil)

	assert.False(t, s.CompareAndDelete("teams_all", 1), "stale version must not delete")
	assert.True(t, s.CompareAndDelete("teams_all", 2))
	assert.Equal(t, 0, s.Len())
}

func TestStore_Clear(t *testing.T) {
	s, _ := newTestStore()

	s.Set("a", 1, time.Hour, nil)
	s.Set("b", 2, time.Hour, nil)

	assert.Equal(t, 2, s.Clear())
	assert.Equal(t, 0, s.Len())
}

func TestStore_RestoreKeepsOriginalTimes(t *testing.T) {
	s, clock := newTestStore()

	created := clock.Now().Add(-10 * time.Minute)
	s.Restore("teams_all", Entry{
		Data:        "mirrored",
		CreatedAt:   created,
		ExpiresAt:   clock.Now().Add(50 * time.Minute),
		Version:     4,
		AccessCount: 99,
	})

	entry, found := s.Get("teams_all")
	assert.True(t, found)
	assert.Equal(t, created, entry.CreatedAt)
	assert.Equal(t, int64(4), entry.Version)
	assert.Equal(t, int64(1), entry.AccessCount, "telemetry restarts on restore")
}

func TestStore_SnapshotIsDetached(t *testing.T) {
	s, _ := newTestStore()

	s.Set("teams_all", "data", time.Hour, nil)

	snapshot := s.Snapshot()
	assert.Len(t, snapshot, 1)

	// Mutating the snapshot must not leak into the store.
	entry := snapshot["teams_all"]
	entry.Data = "changed"
	snapshot["teams_all"] = entry

	live, _ := s.Get("teams_all")
	assert.Equal(t, "data", live.Data)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s, _ := newTestStore()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.Set("shared", j, time.Hour, nil)
				s.Get("shared")
				s.Snapshot()
			}
		}()
	}
	wg.Wait()

	entry, found := s.Get("shared")
	assert.True(t, found)
	assert.Equal(t, int64(8*200), entry.Version, "every overwrite should bump the version")
}
