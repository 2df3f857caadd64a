// Package mirror persists cache entries to a durable key-value store
// so a fresh process can warm-start from previously cached data. The
// mirror applies its own lazy expiry on reads and reclaims space by
// dropping the oldest records when the store reports it is full.
//
// Operations return explicit errors so reclamation behavior stays
// assertable in tests; the cache manager is the layer that swallows
// and logs them, because a persistence failure must never block the
// data path.
package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/schedcache/schedcache/pkg/durable"
	"github.com/schedcache/schedcache/pkg/store"
)

// DefaultNamespace prefixes every durable key written by the mirror.
const DefaultNamespace = "schedcache:"

// DefaultReclaimFraction is the share of records dropped per
// reclamation pass, oldest first.
const DefaultReclaimFraction = 0.25

// record is the serialized form of a cache entry.
type record struct {
	Data         json.RawMessage `json:"data"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	Version      int64           `json:"version"`
	Dependencies []string        `json:"dependencies,omitempty"`
}

// Config holds configuration for the mirror.
type Config struct {
	Namespace       string           // Durable key prefix (default DefaultNamespace)
	ReclaimFraction float64          // Share of records dropped on reclamation (default 0.25)
	Logger          *zap.Logger      // Logger for reclamation and corrupt-record reports
	Now             func() time.Time // Clock used for expiry (nil = time.Now)
}

// Mirror writes entries through to a durable.Store under a namespace.
type Mirror struct {
	backend  durable.Store
	ns       string
	fraction float64
	logger   *zap.Logger
	now      func() time.Time
}

// New wraps backend with the mirror's serialization, expiry, and
// reclamation policies.
func New(backend durable.Store, config *Config) *Mirror {
	if config == nil {
		config = &Config{}
	}
	if config.Namespace == "" {
		config.Namespace = DefaultNamespace
	}
	if config.ReclaimFraction <= 0 || config.ReclaimFraction > 1 {
		config.ReclaimFraction = DefaultReclaimFraction
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Mirror{
		backend:  backend,
		ns:       config.Namespace,
		fraction: config.ReclaimFraction,
		logger:   config.Logger,
		now:      config.Now,
	}
}

// Save serializes entry and writes it under key. A quota rejection
// triggers one reclamation pass followed by a single retry; any error
// still standing is returned to the caller.
func (m *Mirror) Save(key string, entry store.Entry) error {
	data, err := json.Marshal(entry.Data)
	if err != nil {
		return fmt.Errorf("mirror: serialize %s: %w", key, err)
	}
	payload, err := json.Marshal(record{
		Data:         data,
		CreatedAt:    entry.CreatedAt,
		ExpiresAt:    entry.ExpiresAt,
		Version:      entry.Version,
		Dependencies: entry.Dependencies,
	})
	if err != nil {
		return fmt.Errorf("mirror: serialize %s: %w", key, err)
	}

	err = m.backend.Set(m.ns+key, payload)
	if !errors.Is(err, durable.ErrQuotaExceeded) {
		return err
	}

	reclaimed, rerr := m.Reclaim()
	if rerr != nil {
		return fmt.Errorf("mirror: reclaim after quota failure: %w", rerr)
	}
	m.logger.Info("durable quota reached, reclaimed space",
		zap.Int("records_dropped", reclaimed),
		zap.String("key", key))

	return m.backend.Set(m.ns+key, payload)
}

// Load returns the mirrored entry for key. Expired records are removed
// and reported as absent; corrupt records are removed and treated as
// absence rather than surfaced as errors.
func (m *Mirror) Load(key string) (store.Entry, bool, error) {
	payload, found, err := m.backend.Get(m.ns + key)
	if err != nil {
		return store.Entry{}, false, fmt.Errorf("mirror: load %s: %w", key, err)
	}
	if !found {
		return store.Entry{}, false, nil
	}

	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		m.logger.Warn("removing corrupt mirror record",
			zap.String("key", key),
			zap.Error(err))
		_ = m.backend.Remove(m.ns + key)
		return store.Entry{}, false, nil
	}

	if !rec.ExpiresAt.IsZero() && !m.now().Before(rec.ExpiresAt) {
		_ = m.backend.Remove(m.ns + key)
		return store.Entry{}, false, nil
	}

	var data any
	if err := json.Unmarshal(rec.Data, &data); err != nil {
		m.logger.Warn("removing corrupt mirror record",
			zap.String("key", key),
			zap.Error(err))
		_ = m.backend.Remove(m.ns + key)
		return store.Entry{}, false, nil
	}

	return store.Entry{
		Data:         data,
		CreatedAt:    rec.CreatedAt,
		ExpiresAt:    rec.ExpiresAt,
		Version:      rec.Version,
		Dependencies: rec.Dependencies,
	}, true, nil
}

// Remove deletes the mirrored record for key.
func (m *Mirror) Remove(key string) error {
	return m.backend.Remove(m.ns + key)
}

// RemoveAll deletes every record under the mirror's namespace and
// returns how many were dropped.
func (m *Mirror) RemoveAll() (int, error) {
	keys, err := m.backend.Keys(m.ns)
	if err != nil {
		return 0, fmt.Errorf("mirror: enumerate: %w", err)
	}

	removed := 0
	for _, k := range keys {
		if err := m.backend.Remove(k); err != nil {
			return removed, fmt.Errorf("mirror: remove %s: %w", k, err)
		}
		removed++
	}
	return removed, nil
}

// RemoveMatching deletes every record whose cache key contains pattern
// as a substring and returns how many were dropped.
func (m *Mirror) RemoveMatching(pattern string) (int, error) {
	keys, err := m.backend.Keys(m.ns)
	if err != nil {
		return 0, fmt.Errorf("mirror: enumerate: %w", err)
	}

	removed := 0
	for _, k := range keys {
		cacheKey := strings.TrimPrefix(k, m.ns)
		if !strings.Contains(cacheKey, pattern) {
			continue
		}
		if err := m.backend.Remove(k); err != nil {
			return removed, fmt.Errorf("mirror: remove %s: %w", k, err)
		}
		removed++
	}
	return removed, nil
}

// Reclaim drops the oldest records by creation time, covering the
// configured fraction of the namespace, and returns how many were
// removed. Records that no longer parse are dropped on sight since
// they would never load anyway. Creation time is a deliberate
// approximation of recency: the mirror does not track per-record
// access times.
func (m *Mirror) Reclaim() (int, error) {
	keys, err := m.backend.Keys(m.ns)
	if err != nil {
		return 0, fmt.Errorf("mirror: enumerate: %w", err)
	}

	type aged struct {
		key       string
		createdAt time.Time
	}

	removed := 0
	var candidates []aged
	for _, k := range keys {
		payload, found, err := m.backend.Get(k)
		if err != nil || !found {
			continue
		}
		var rec record
		if err := json.Unmarshal(payload, &rec); err != nil {
			if rerr := m.backend.Remove(k); rerr == nil {
				removed++
			}
			continue
		}
		candidates = append(candidates, aged{key: k, createdAt: rec.CreatedAt})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].createdAt.Before(candidates[j].createdAt)
	})

	drop := int(math.Ceil(m.fraction * float64(len(candidates))))
	for i := 0; i < drop && i < len(candidates); i++ {
		if err := m.backend.Remove(candidates[i].key); err != nil {
			return removed, fmt.Errorf("mirror: remove %s: %w", candidates[i].key, err)
		}
		removed++
	}
	return removed, nil
}

// Len reports how many records currently sit under the namespace,
// expired or not.
func (m *Mirror) Len() (int, error) {
	keys, err := m.backend.Keys(m.ns)
	if err != nil {
		return 0, fmt.Errorf("mirror: enumerate: %w", err)
	}
	return len(keys), nil
}
