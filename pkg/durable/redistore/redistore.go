// Package redistore backs the durable contract with Redis for
// deployments where several processes share one warm-start mirror.
// Writers are not coordinated across processes; concurrent writers
// race with last-write-wins semantics.
package redistore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/schedcache/schedcache/pkg/durable"
)

// Config holds connection settings for the redis-backed store.
type Config struct {
	Addr      string        // Redis address (default "localhost:6379")
	Password  string        // Optional AUTH password
	DB        int           // Redis logical database
	OpTimeout time.Duration // Per-operation deadline (default 2s)
}

// DefaultConfig returns settings for a local Redis.
func DefaultConfig() *Config {
	return &Config{
		Addr:      "localhost:6379",
		OpTimeout: 2 * time.Second,
	}
}

// Store is a durable.Store backed by Redis. The durable contract is
// synchronous, so each call runs under its own deadline-bound context.
type Store struct {
	client    *redis.Client
	opTimeout time.Duration
}

// Open connects to Redis and verifies the connection.
func Open(config *Config) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = 2 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.OpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redistore: connect %s: %w", config.Addr, err)
	}

	return &Store{
		client:    client,
		opTimeout: config.OpTimeout,
	}, nil
}

// Get returns the record for key.
func (s *Store) Get(key string) ([]byte, bool, error) {
	ctx, cancel := s.opContext()
	defer cancel()

	value, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redistore: get %s: %w", key, err)
	}
	return value, true, nil
}

// Set writes the record. Redis rejects writes past maxmemory under the
// noeviction policy; that failure maps to durable.ErrQuotaExceeded so
// the mirror's reclamation pass can kick in.
func (s *Store) Set(key string, value []byte) error {
	ctx, cancel := s.opContext()
	defer cancel()

	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		if isQuotaError(err) {
			return durable.ErrQuotaExceeded
		}
		return fmt.Errorf("redistore: set %s: %w", key, err)
	}
	return nil
}

// Remove deletes the record for key.
func (s *Store) Remove(key string) error {
	ctx, cancel := s.opContext()
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redistore: remove %s: %w", key, err)
	}
	return nil
}

// Keys lists stored keys with the given prefix using incremental SCAN,
// never the blocking KEYS command.
func (s *Store) Keys(prefix string) ([]string, error) {
	ctx, cancel := s.opContext()
	defer cancel()

	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redistore: scan %q: %w", prefix, err)
	}
	return keys, nil
}

// Close releases the client's connections.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opTimeout)
}

// isQuotaError recognizes Redis out-of-memory rejections.
func isQuotaError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "OOM")
}
