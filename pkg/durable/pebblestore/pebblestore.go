// Package pebblestore persists cache records in an embedded Pebble
// database so a fresh process can warm-start from disk. It implements
// the durable.Store contract, including the finite-capacity failure
// mode, by tracking approximate usage (key plus value bytes) and
// refusing writes past the configured budget.
package pebblestore

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"github.com/schedcache/schedcache/pkg/durable"
)

// Config holds configuration for the pebble-backed store.
type Config struct {
	// MaxBytes caps the approximate stored size (0 = unlimited).
	MaxBytes int
}

// Store is a durable.Store backed by a Pebble database. All writes are
// synced; the cache treats persistence as best-effort, but a record
// that was acknowledged should survive a crash.
type Store struct {
	mu       sync.Mutex
	db       *pebble.DB
	used     int
	maxBytes int
	closed   bool
}

// Open opens or creates the database at path.
func Open(path string, config *Config) (*Store, error) {
	if config == nil {
		config = &Config{}
	}

	db, err := pebble.Open(path, &pebble.Options{
		FormatMajorVersion: pebble.FormatNewest,
	})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: open %s: %w", path, err)
	}

	s := &Store{
		db:       db,
		maxBytes: config.MaxBytes,
	}
	if err := s.scanUsage(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pebblestore: scan %s: %w", path, err)
	}
	return s, nil
}

// scanUsage walks the database once to seed the usage counter.
func (s *Store) scanUsage() error {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		s.used += len(iter.Key()) + len(iter.Value())
	}
	return iter.Error()
}

// Get returns the record for key.
func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, durable.ErrClosed
	}

	value, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pebblestore: get %s: %w", key, err)
	}

	// The value is only valid until the closer is released.
	out := make([]byte, len(value))
	copy(out, value)
	closer.Close()

	return out, true, nil
}

// Set writes the record if it fits within the byte budget.
func (s *Store) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return durable.ErrClosed
	}

	delta := len(key) + len(value)
	if prev, found, err := s.sizeOf(key); err != nil {
		return err
	} else if found {
		delta -= len(key) + prev
	}
	if s.maxBytes > 0 && s.used+delta > s.maxBytes {
		return durable.ErrQuotaExceeded
	}

	if err := s.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: set %s: %w", key, err)
	}
	s.used += delta
	return nil
}

// Remove deletes the record for key.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return durable.ErrClosed
	}

	prev, found, err := s.sizeOf(key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: remove %s: %w", key, err)
	}
	s.used -= len(key) + prev
	return nil
}

// Keys lists stored keys with the given prefix in lexical order.
func (s *Store) Keys(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, durable.ErrClosed
	}

	opts := &pebble.IterOptions{}
	if prefix != "" {
		opts.LowerBound = []byte(prefix)
		opts.UpperBound = []byte(prefix + "\xff")
	}

	iter, err := s.db.NewIter(opts)
	if err != nil {
		return nil, fmt.Errorf("pebblestore: iterate %q: %w", prefix, err)
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebblestore: iterate %q: %w", prefix, err)
	}
	return keys, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// sizeOf returns the stored value length for key without copying it.
func (s *Store) sizeOf(key string) (int, bool, error) {
	value, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("pebblestore: get %s: %w", key, err)
	}
	n := len(value)
	closer.Close()
	return n, true, nil
}
