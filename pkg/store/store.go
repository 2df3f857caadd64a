// Package store implements the in-memory entry store backing the cache
// manager: versioned entries with TTL expiry, access telemetry, and
// substring-based eviction.
package store

import (
	"strings"
	"sync"
	"time"
)

// Entry is a single cached record together with its bookkeeping.
type Entry struct {
	Data         any       // Cached payload
	CreatedAt    time.Time // When the entry was stored
	ExpiresAt    time.Time // When the entry stops being served
	Version      int64     // Increments each time the key is overwritten
	Dependencies []string  // Advisory invalidation tags; evictions match on keys
	AccessCount  int64     // Reads since the entry was stored
	LastAccessed time.Time // Time of the most recent read
}

// Expired reports whether the entry is no longer valid at the given
// time. Entries are valid strictly before their expiry instant.
func (e *Entry) Expired(now time.Time) bool {
	if e.ExpiresAt.IsZero() {
		return false // Never expires
	}
	return !now.Before(e.ExpiresAt)
}

// Config holds configuration for the entry store.
type Config struct {
	Now func() time.Time // Clock used for expiry and telemetry (nil = time.Now)
}

// DefaultConfig returns the default entry store configuration.
func DefaultConfig() *Config {
	return &Config{
		Now: time.Now,
	}
}

// Store is an in-memory map of cache entries guarded by a single mutex.
// Reads mutate access telemetry, so there is no read-lock fast path.
type Store struct {
	mu   sync.Mutex
	data map[string]*Entry
	now  func() time.Time
}

// New creates an empty entry store.
func New(config *Config) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Store{
		data: make(map[string]*Entry),
		now:  config.Now,
	}
}

// Get returns a snapshot of the live entry for key. An expired entry
// is reported as a miss but left in place; PurgeExpired removes such
// records. A hit bumps the entry's access count and last-accessed time
// before the snapshot is taken.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.data[key]
	if !exists {
		return Entry{}, false
	}

	if entry.Expired(s.now()) {
		// Removal is left to PurgeExpired so reads never mutate the key set.
		return Entry{}, false
	}

	entry.AccessCount++
	entry.LastAccessed = s.now()

	return *entry, true
}

// Set stores data under key with the given TTL and dependency tags,
// and returns a snapshot of the stored entry. Overwriting a physically
// present entry continues its version chain; a fresh key starts at 1.
func (s *Store) Set(key string, data any, ttl time.Duration, dependencies []string) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := int64(1)
	if prev, exists := s.data[key]; exists {
		version = prev.Version + 1
	}

	now := s.now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	entry := &Entry{
		Data:         data,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		Version:      version,
		Dependencies: dependencies,
		LastAccessed: now,
	}
	s.data[key] = entry

	return *entry
}

// Restore installs an entry verbatim, keeping its original creation and
// expiry times. Used when rehydrating from the durable mirror; access
// telemetry starts over.
func (s *Store) Restore(key string, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.AccessCount = 0
	entry.LastAccessed = s.now()
	s.data[key] = &entry
}

// Delete removes the entry for key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; !exists {
		return false
	}
	delete(s.data, key)
	return true
}

// CompareAndDelete removes the entry for key only if its version still
// matches. Lets sweepers discard stale records without racing a
// concurrent overwrite.
func (s *Store) CompareAndDelete(key string, version int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.data[key]
	if !exists || entry.Version != version {
		return false
	}
	delete(s.data, key)
	return true
}

// DeleteMatching removes every entry whose key contains pattern as a
// substring and returns the removed keys.
func (s *Store) DeleteMatching(pattern string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for key := range s.data {
		if strings.Contains(key, pattern) {
			delete(s.data, key)
			removed = append(removed, key)
		}
	}
	return removed
}

// PurgeExpired removes every entry that is expired at the current time
// and returns the purged keys.
func (s *Store) PurgeExpired() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var purged []string
	for key, entry := range s.data {
		if entry.Expired(now) {
			delete(s.data, key)
			purged = append(purged, key)
		}
	}
	return purged
}

// Clear removes all entries and returns how many were dropped.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.data)
	s.data = make(map[string]*Entry)
	return n
}

// Len returns the number of physically present entries, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.data)
}

// Snapshot returns a copy of every entry keyed by cache key. Callers
// get stable values; mutating them does not touch the store.
func (s *Store) Snapshot() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string]Entry, len(s.data))
	for key, entry := range s.data {
		snapshot[key] = *entry
	}
	return snapshot
}
