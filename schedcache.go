// Package schedcache provides the cache manager for the team
// scheduling app.
//
// The manager layers an in-memory entry store with volatility-class
// TTLs over a best-effort durable mirror, keeps both consistent with
// the backing database through dependency-graph invalidation driven by
// a change-event feed, and tracks request metrics. It is an
// optimization layer: every internal failure is swallowed and logged,
// and only the caller's own fetch errors ever propagate.
package schedcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/schedcache/schedcache/pkg/depgraph"
	"github.com/schedcache/schedcache/pkg/feed"
	"github.com/schedcache/schedcache/pkg/metrics"
	"github.com/schedcache/schedcache/pkg/mirror"
	"github.com/schedcache/schedcache/pkg/policy"
	"github.com/schedcache/schedcache/pkg/store"
)

// Defaults for the background schedules.
const (
	DefaultReconcileInterval = time.Minute
	DefaultResampleInterval  = 30 * time.Second
	DefaultNotifyBuffer      = 16
)

// Fetcher loads data from the system of record on a cache miss.
type Fetcher func(ctx context.Context) (any, error)

// Option configures a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	logger            *zap.Logger
	collector         metrics.MetricsCollector
	policy            *policy.Resolver
	graph             *depgraph.Graph
	mirror            *mirror.Mirror
	feed              feed.Feed
	clock             Clock
	tracer            trace.Tracer
	reconcileInterval time.Duration
	resampleInterval  time.Duration
	notifyBuffer      int
	prewarmLimit      rate.Limit
	prewarmBurst      int
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *managerOptions) {
		o.logger = logger
	}
}

// WithCollector sets the operational metrics collector. Defaults to a
// no-op collector.
func WithCollector(collector metrics.MetricsCollector) Option {
	return func(o *managerOptions) {
		o.collector = collector
	}
}

// WithPolicy overrides the TTL policy resolver.
func WithPolicy(resolver *policy.Resolver) Option {
	return func(o *managerOptions) {
		o.policy = resolver
	}
}

// WithGraph overrides the dependency graph.
func WithGraph(graph *depgraph.Graph) Option {
	return func(o *managerOptions) {
		o.graph = graph
	}
}

// WithMirror attaches a durable mirror. Without one the cache is
// memory-only and warm starts are not possible.
func WithMirror(m *mirror.Mirror) Option {
	return func(o *managerOptions) {
		o.mirror = m
	}
}

// WithFeed attaches the change-event feed that drives invalidation.
// Without one the cache relies purely on TTL expiry.
func WithFeed(f feed.Feed) Option {
	return func(o *managerOptions) {
		o.feed = f
	}
}

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(o *managerOptions) {
		o.clock = clock
	}
}

// WithTracer sets the tracer for fetch, invalidation and
// reconciliation spans. Defaults to the global tracer provider, which
// is a no-op until one is installed.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *managerOptions) {
		o.tracer = tracer
	}
}

// WithReconcileInterval sets the missed-event poll interval.
func WithReconcileInterval(d time.Duration) Option {
	return func(o *managerOptions) {
		o.reconcileInterval = d
	}
}

// WithResampleInterval sets the cache-size resampling interval.
func WithResampleInterval(d time.Duration) Option {
	return func(o *managerOptions) {
		o.resampleInterval = d
	}
}

// WithNotifyBuffer sets the per-subscriber notification buffer.
func WithNotifyBuffer(n int) Option {
	return func(o *managerOptions) {
		o.notifyBuffer = n
	}
}

// WithPrewarmLimit throttles how fast registered prewarm fetches may
// run after a critical-table invalidation.
func WithPrewarmLimit(limit rate.Limit, burst int) Option {
	return func(o *managerOptions) {
		o.prewarmLimit = limit
		o.prewarmBurst = burst
	}
}

// Manager is the cache instance. Construct one per process at the
// composition root and inject it into consumers.
type Manager struct {
	store     *store.Store
	policy    *policy.Resolver
	graph     *depgraph.Graph
	mirror    *mirror.Mirror
	feed      feed.Feed
	hub       *hub
	tracker   *metrics.Tracker
	collector metrics.MetricsCollector
	logger    *zap.Logger
	clock     Clock
	tracer    trace.Tracer

	flight singleflight.Group

	reconcileInterval time.Duration
	resampleInterval  time.Duration

	prewarmMu      sync.Mutex
	prewarms       []prewarmEntry
	prewarmLimiter *rate.Limiter

	checkpointMu sync.Mutex
	checkpoint   time.Time

	state atomic.Int32

	startMu sync.Mutex
	started bool
	stopped bool
	runCtx  context.Context
	cancel  context.CancelFunc
	sub     feed.Subscription
	wg      sync.WaitGroup
}

// New builds a Manager. With no options the cache is memory-only with
// the default TTL policy and dependency graph.
func New(opts ...Option) (*Manager, error) {
	o := managerOptions{
		logger:            zap.NewNop(),
		collector:         metrics.NewNopCollector(),
		clock:             realClock{},
		reconcileInterval: DefaultReconcileInterval,
		resampleInterval:  DefaultResampleInterval,
		notifyBuffer:      DefaultNotifyBuffer,
		prewarmLimit:      rate.Limit(2),
		prewarmBurst:      4,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("schedcache")
	}

	if o.reconcileInterval <= 0 {
		return nil, errors.New("schedcache: reconcile interval must be positive")
	}
	if o.resampleInterval <= 0 {
		return nil, errors.New("schedcache: resample interval must be positive")
	}

	resolver := o.policy
	if resolver == nil {
		r, err := policy.New(nil)
		if err != nil {
			return nil, err
		}
		resolver = r
	}
	graph := o.graph
	if graph == nil {
		g, err := depgraph.New(nil)
		if err != nil {
			return nil, err
		}
		graph = g
	}

	m := &Manager{
		policy:            resolver,
		graph:             graph,
		mirror:            o.mirror,
		feed:              o.feed,
		hub:               newHub(o.notifyBuffer, o.logger),
		tracker:           metrics.NewTracker(),
		collector:         o.collector,
		logger:            o.logger,
		clock:             o.clock,
		tracer:            o.tracer,
		reconcileInterval: o.reconcileInterval,
		resampleInterval:  o.resampleInterval,
		prewarmLimiter:    rate.NewLimiter(o.prewarmLimit, o.prewarmBurst),
	}
	m.store = store.New(&store.Config{Now: o.clock.Now})
	m.state.Store(int32(StateDisconnected))
	return m, nil
}

// FetchOption adjusts a single GetCachedData call.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	ttl          time.Duration
	hasTTL       bool
	frequency    float64
	hasFrequency bool
	dependencies []string
}

// WithTTL overrides the policy TTL for this key.
func WithTTL(ttl time.Duration) FetchOption {
	return func(o *fetchOptions) {
		o.ttl = ttl
		o.hasTTL = true
	}
}

// WithChangeFrequency derives the TTL from how often the data is
// observed to change, relative to the dynamic baseline. Higher
// frequency shortens the TTL linearly, floored at 10% of the baseline.
func WithChangeFrequency(frequency float64) FetchOption {
	return func(o *fetchOptions) {
		o.frequency = frequency
		o.hasFrequency = true
	}
}

// WithDependencies records advisory invalidation tags on the entry.
// Eviction itself matches on keys; the tags surface intent to
// consistency checks and operators inspecting entries.
func WithDependencies(dependencies ...string) FetchOption {
	return func(o *fetchOptions) {
		o.dependencies = dependencies
	}
}

// GetCachedData returns the cached value for key, fetching and caching
// it on a miss. Concurrent misses for the same key share one fetch.
// Only errors from the fetcher itself are returned; cache-internal
// failures degrade to a log line.
func (m *Manager) GetCachedData(ctx context.Context, key string, fetcher Fetcher, opts ...FetchOption) (any, error) {
	var o fetchOptions
	for _, opt := range opts {
		opt(&o)
	}

	start := m.clock.Now()
	class := m.policy.Classify(key)

	if entry, ok := m.store.Get(key); ok {
		m.finishLookup(class, metrics.OutcomeHit, start)
		return entry.Data, nil
	}

	if entry, ok := m.promote(key); ok {
		m.finishLookup(class, metrics.OutcomePromoted, start)
		return entry.Data, nil
	}

	data, err, _ := m.flight.Do(key, func() (any, error) {
		// A coalesced waiter may arrive after the leader already
		// stored the value.
		if entry, ok := m.store.Get(key); ok {
			return entry.Data, nil
		}

		m.collector.RecordFetchesInFlight(1)
		defer m.collector.RecordFetchesInFlight(-1)

		value, err := m.tracedFetch(ctx, key, class, fetcher)
		if err != nil {
			return nil, err
		}

		entry := m.store.Set(key, value, m.resolveTTL(key, o), o.dependencies)
		m.saveMirror(key, entry)
		return value, nil
	})
	if err != nil {
		m.finishLookup(class, metrics.OutcomeError, start)
		return nil, err
	}

	m.finishLookup(class, metrics.OutcomeMiss, start)
	return data, nil
}

// GetTyped fetches through the cache and returns the value as T.
// Values promoted from the durable mirror were JSON round-tripped, so
// a failed type assertion falls back to decoding into T.
func GetTyped[T any](ctx context.Context, m *Manager, key string, fetcher func(ctx context.Context) (T, error), opts ...FetchOption) (T, error) {
	var zero T

	value, err := m.GetCachedData(ctx, key, func(ctx context.Context) (any, error) {
		return fetcher(ctx)
	}, opts...)
	if err != nil {
		return zero, err
	}

	if typed, ok := value.(T); ok {
		return typed, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return zero, fmt.Errorf("schedcache: cached value for %q does not decode as %T: %w", key, zero, err)
	}
	var typed T
	if err := json.Unmarshal(raw, &typed); err != nil {
		return zero, fmt.Errorf("schedcache: cached value for %q does not decode as %T: %w", key, zero, err)
	}
	return typed, nil
}

// SetCache stores data under key without a fetch. A non-positive ttl
// falls back to the policy TTL for the key.
func (m *Manager) SetCache(key string, data any, ttl time.Duration, dependencies ...string) {
	if ttl <= 0 {
		ttl = m.policy.TTL(key)
	}
	entry := m.store.Set(key, data, ttl, dependencies)
	m.saveMirror(key, entry)
}

// ClearCache removes one key from both tiers.
func (m *Manager) ClearCache(key string) {
	if m.store.Delete(key) {
		m.collector.RecordEviction(metrics.ReasonManual, 1)
	}
	if m.mirror != nil {
		if err := m.mirror.Remove(key); err != nil {
			m.logger.Warn("durable remove failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// ClearCacheByPattern removes every key containing pattern from both
// tiers.
func (m *Manager) ClearCacheByPattern(pattern string) {
	removed := m.evictMatching(pattern)
	if removed > 0 {
		m.collector.RecordEviction(metrics.ReasonPattern, removed)
	}
}

// ClearAllCache empties both tiers.
func (m *Manager) ClearAllCache() {
	removed := m.store.Clear()
	if removed > 0 {
		m.collector.RecordEviction(metrics.ReasonClear, removed)
	}
	if m.mirror != nil {
		if _, err := m.mirror.RemoveAll(); err != nil {
			m.logger.Warn("durable clear failed", zap.Error(err))
		}
	}
}

// GetPerformanceMetrics returns the running request statistics.
func (m *Manager) GetPerformanceMetrics() metrics.Snapshot {
	return m.tracker.Snapshot()
}

// Notifications subscribes to invalidation broadcasts.
func (m *Manager) Notifications() *NotifySubscription {
	return m.hub.subscribe()
}

// Len reports the number of entries in the in-memory store, expired
// ones included.
func (m *Manager) Len() int {
	return m.store.Len()
}

// Start launches the invalidation pipeline: the live feed
// subscription, the missed-event reconciliation poll, and metrics
// resampling. A subscription failure is logged, not returned; the
// reconciliation poll covers for it. Start runs at most once; a
// stopped manager keeps serving reads but cannot be restarted.
func (m *Manager) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.stopped {
		return errors.New("schedcache: manager is stopped")
	}
	if m.started {
		return errors.New("schedcache: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx = runCtx
	m.cancel = cancel
	m.setCheckpoint(m.clock.Now())

	if m.feed != nil {
		m.setState(StateSubscribing)
		sub, err := m.feed.Subscribe(runCtx, m.handleLive)
		if err != nil {
			m.setState(StateDisconnected)
			m.logger.Warn("feed subscription failed, falling back to reconciliation poll", zap.Error(err))
		} else {
			m.sub = sub
			m.setState(StateActive)
		}

		m.wg.Add(1)
		go m.runReconciler(runCtx)
	}

	m.wg.Add(1)
	go m.runResampler(runCtx)

	m.started = true
	m.logger.Info("cache manager started",
		zap.Bool("feed", m.feed != nil),
		zap.Bool("mirror", m.mirror != nil),
		zap.Duration("reconcile_interval", m.reconcileInterval))
	return nil
}

// Stop tears down background work and closes all notification
// subscriptions.
func (m *Manager) Stop() {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if !m.started {
		return
	}

	if m.sub != nil {
		m.sub.Unsubscribe()
		m.sub = nil
	}
	m.cancel()
	m.wg.Wait()
	m.hub.close()
	m.setState(StateDisconnected)
	m.started = false
	m.stopped = true
	m.logger.Info("cache manager stopped")
}

// tracedFetch runs the fetcher under a span so slow or failing
// backend loads show up in traces.
func (m *Manager) tracedFetch(ctx context.Context, key, class string, fetcher Fetcher) (any, error) {
	ctx, span := m.tracer.Start(ctx, "cache.fetch",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.String("cache.class", class)))
	defer span.End()

	value, err := fetcher(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return value, nil
}

// finishLookup records one request in both metric sinks.
func (m *Manager) finishLookup(class, outcome string, start time.Time) {
	elapsed := m.clock.Now().Sub(start)
	switch outcome {
	case metrics.OutcomeHit, metrics.OutcomePromoted:
		m.tracker.RecordHit(elapsed)
	default:
		m.tracker.RecordMiss(elapsed)
	}
	m.collector.RecordLookup(class, outcome, elapsed)
}

// promote moves a live durable-mirror record into the entry store so
// later reads skip deserialization. Read failures degrade to a miss.
func (m *Manager) promote(key string) (store.Entry, bool) {
	if m.mirror == nil {
		return store.Entry{}, false
	}
	entry, ok, err := m.mirror.Load(key)
	if err != nil {
		m.logger.Warn("durable read failed", zap.String("key", key), zap.Error(err))
		return store.Entry{}, false
	}
	if !ok {
		return store.Entry{}, false
	}
	m.store.Restore(key, entry)
	return entry, true
}

func (m *Manager) resolveTTL(key string, o fetchOptions) time.Duration {
	if o.hasTTL {
		return o.ttl
	}
	if o.hasFrequency {
		return m.policy.FrequencyTTL(o.frequency)
	}
	return m.policy.TTL(key)
}

func (m *Manager) saveMirror(key string, entry store.Entry) {
	if m.mirror == nil {
		return
	}
	if err := m.mirror.Save(key, entry); err != nil {
		m.logger.Warn("durable write failed", zap.String("key", key), zap.Error(err))
	}
}

// runResampler refreshes the size and memory estimates on a fixed
// schedule instead of on every mutation.
func (m *Manager) runResampler(ctx context.Context) {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.resampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			m.resample()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) resample() {
	snapshot := m.store.Snapshot()
	var bytes int64
	for key, entry := range snapshot {
		bytes += int64(len(key)) + entryBytes(entry.Data)
	}
	m.tracker.Resample(len(snapshot), bytes)
	m.collector.RecordCacheSize(len(snapshot), bytes)
}

// entryBytes estimates the serialized size of a cached value.
func entryBytes(data any) int64 {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0
	}
	return int64(len(raw))
}
