package durable

import (
	"sort"
	"strings"
	"sync"
)

// MemConfig holds configuration for the in-memory store.
type MemConfig struct {
	// MaxBytes caps the summed size of keys and values (0 = unlimited).
	MaxBytes int
}

// MemStore is an in-memory Store with an optional byte budget. It
// backs tests and single-process demos where persistence across
// restarts is not needed.
type MemStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	used     int
	maxBytes int
	closed   bool
}

// NewMemStore creates an in-memory store.
func NewMemStore(config *MemConfig) *MemStore {
	if config == nil {
		config = &MemConfig{}
	}
	return &MemStore{
		data:     make(map[string][]byte),
		maxBytes: config.MaxBytes,
	}
}

// Get returns the record for key.
func (m *MemStore) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, ErrClosed
	}

	value, found := m.data[key]
	if !found {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

// Set writes the record if it fits within the byte budget.
func (m *MemStore) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	delta := len(key) + len(value)
	if prev, found := m.data[key]; found {
		delta -= len(key) + len(prev)
	}
	if m.maxBytes > 0 && m.used+delta > m.maxBytes {
		return ErrQuotaExceeded
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	m.used += delta
	return nil
}

// Remove deletes the record for key.
func (m *MemStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if prev, found := m.data[key]; found {
		m.used -= len(key) + len(prev)
		delete(m.data, key)
	}
	return nil
}

// Keys lists stored keys with the given prefix in lexical order.
func (m *MemStore) Keys(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	var keys []string
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the store closed; further operations fail with ErrClosed.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	m.used = 0
	return nil
}

// UsedBytes reports the current byte usage. Exposed for tests and
// capacity diagnostics.
func (m *MemStore) UsedBytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.used
}
