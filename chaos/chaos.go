// Package chaos injects faults into the cache's collaborators
//
// Wrappers conform to the durable.Store and feed.Feed contracts, so a
// chaotic backend can stand in anywhere a real one does: slow disks,
// full disks, garbled records, dropped subscription events and failing
// replay queries, each fired with a configured probability.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/schedcache/schedcache/pkg/durable"
	"github.com/schedcache/schedcache/pkg/feed"
)

// ErrInjected is returned by injected store and feed failures.
var ErrInjected = errors.New("chaos: injected failure")

// Config holds fault probabilities. The zero value injects nothing.
type Config struct {
	// Latency injection on store operations
	LatencyMin         time.Duration
	LatencyMax         time.Duration
	LatencyProbability float64

	// Error injection
	ErrorProbability   float64 // ErrInjected from store operations and feed replay queries
	QuotaProbability   float64 // durable.ErrQuotaExceeded from store writes
	CorruptProbability float64 // garbled payloads from store reads
	DropProbability    float64 // live feed events silently dropped

	// Conditional enabling
	EnableCondition func() bool
}

// Option is a functional option for chaos configuration.
type Option func(*Config)

// WithLatency enables latency injection on store operations.
func WithLatency(min, max time.Duration, probability float64) Option {
	return func(c *Config) {
		c.LatencyMin = min
		c.LatencyMax = max
		c.LatencyProbability = probability
	}
}

// WithErrors enables error injection on store operations and feed
// replay queries.
func WithErrors(probability float64) Option {
	return func(c *Config) {
		c.ErrorProbability = probability
	}
}

// WithQuotaFailures makes store writes report a full store.
func WithQuotaFailures(probability float64) Option {
	return func(c *Config) {
		c.QuotaProbability = probability
	}
}

// WithCorruption garbles payloads returned by store reads. The stored
// record itself is left intact.
func WithCorruption(probability float64) Option {
	return func(c *Config) {
		c.CorruptProbability = probability
	}
}

// WithDroppedEvents drops live feed events before the handler sees
// them. Replay queries still return the full history.
func WithDroppedEvents(probability float64) Option {
	return func(c *Config) {
		c.DropProbability = probability
	}
}

// WithCondition gates all injection behind condition.
func WithCondition(condition func() bool) Option {
	return func(c *Config) {
		c.EnableCondition = condition
	}
}

func newConfig(opts []Option) *Config {
	config := &Config{
		EnableCondition: func() bool { return true },
	}
	for _, opt := range opts {
		opt(config)
	}
	return config
}

// Store wraps a durable.Store with fault injection.
type Store struct {
	inner  durable.Store
	config *Config
}

// WrapStore wraps inner so that reads, writes and enumerations fail or
// degrade per the configured probabilities.
func WrapStore(inner durable.Store, opts ...Option) *Store {
	return &Store{inner: inner, config: newConfig(opts)}
}

// Get returns the record for key, possibly delayed, failed or garbled.
func (s *Store) Get(key string) ([]byte, bool, error) {
	if !s.config.EnableCondition() {
		return s.inner.Get(key)
	}
	s.config.sleep()
	if shouldInject(s.config.ErrorProbability) {
		return nil, false, fmt.Errorf("chaos: get %s: %w", key, ErrInjected)
	}
	value, found, err := s.inner.Get(key)
	if err != nil || !found {
		return value, found, err
	}
	if shouldInject(s.config.CorruptProbability) {
		return garble(value), true, nil
	}
	return value, true, nil
}

// Set writes the record, possibly delayed or rejected.
func (s *Store) Set(key string, value []byte) error {
	if !s.config.EnableCondition() {
		return s.inner.Set(key, value)
	}
	s.config.sleep()
	if shouldInject(s.config.QuotaProbability) {
		return fmt.Errorf("chaos: set %s: %w", key, durable.ErrQuotaExceeded)
	}
	if shouldInject(s.config.ErrorProbability) {
		return fmt.Errorf("chaos: set %s: %w", key, ErrInjected)
	}
	return s.inner.Set(key, value)
}

// Remove deletes the record for key, possibly delayed or failed.
func (s *Store) Remove(key string) error {
	if !s.config.EnableCondition() {
		return s.inner.Remove(key)
	}
	s.config.sleep()
	if shouldInject(s.config.ErrorProbability) {
		return fmt.Errorf("chaos: remove %s: %w", key, ErrInjected)
	}
	return s.inner.Remove(key)
}

// Keys enumerates stored keys, possibly delayed or failed.
func (s *Store) Keys(prefix string) ([]string, error) {
	if !s.config.EnableCondition() {
		return s.inner.Keys(prefix)
	}
	s.config.sleep()
	if shouldInject(s.config.ErrorProbability) {
		return nil, fmt.Errorf("chaos: keys %s: %w", prefix, ErrInjected)
	}
	return s.inner.Keys(prefix)
}

// Close releases the wrapped store. Closing is never injected with
// faults.
func (s *Store) Close() error {
	return s.inner.Close()
}

// Feed wraps a feed.Feed, dropping live events and failing replay
// queries per the configuration.
type Feed struct {
	inner  feed.Feed
	config *Config
}

// WrapFeed wraps inner so that subscriptions lose events and replay
// queries fail per the configured probabilities.
func WrapFeed(inner feed.Feed, opts ...Option) *Feed {
	return &Feed{inner: inner, config: newConfig(opts)}
}

// Subscribe registers handler on the wrapped feed. Dropped events
// vanish without a trace, exactly like a missed push on a flaky link.
func (f *Feed) Subscribe(ctx context.Context, handler feed.Handler) (feed.Subscription, error) {
	return f.inner.Subscribe(ctx, func(event feed.Event) {
		if f.config.EnableCondition() && shouldInject(f.config.DropProbability) {
			return
		}
		handler(event)
	})
}

// EventsSince queries the wrapped feed's history, possibly failing.
func (f *Feed) EventsSince(ctx context.Context, since time.Time) ([]feed.Event, error) {
	if f.config.EnableCondition() && shouldInject(f.config.ErrorProbability) {
		return nil, fmt.Errorf("chaos: events since %s: %w", since.Format(time.RFC3339), ErrInjected)
	}
	return f.inner.EventsSince(ctx, since)
}

// Close releases the wrapped feed.
func (f *Feed) Close() error {
	return f.inner.Close()
}

// sleep blocks for a random duration when latency injection fires.
func (c *Config) sleep() {
	if !shouldInject(c.LatencyProbability) {
		return
	}
	time.Sleep(randomDuration(c.LatencyMin, c.LatencyMax))
}

// shouldInject determines if a fault fires based on probability.
func shouldInject(probability float64) bool {
	return rand.Float64() < probability
}

// randomDuration returns a random duration between min and max.
func randomDuration(min, max time.Duration) time.Duration {
	if min >= max {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// garble flips every payload byte so the record no longer parses.
func garble(value []byte) []byte {
	out := make([]byte, len(value))
	for i, b := range value {
		out[i] = ^b
	}
	return out
}

// Presets for common failure scenarios

// SlowDisk simulates a device under IO pressure.
func SlowDisk(probability float64) []Option {
	return []Option{WithLatency(5*time.Millisecond, 50*time.Millisecond, probability)}
}

// FullDisk forces the quota and reclamation paths.
func FullDisk(probability float64) []Option {
	return []Option{WithQuotaFailures(probability)}
}

// LossyFeed loses live events and fails some replay queries, leaving
// reconciliation to heal the cache.
func LossyFeed(probability float64) []Option {
	return []Option{
		WithDroppedEvents(probability),
		WithErrors(probability / 2),
	}
}
