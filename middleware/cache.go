package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"

	"github.com/schedcache/schedcache"
)

// CacheConfig holds configuration for the caching interceptor.
type CacheConfig struct {
	KeyGenerator KeyGenerator                   // Key generation strategy
	MethodTTLs   map[string]time.Duration       // Per-method TTL overrides
	Dependencies map[string][]string            // Per-method dependency tags
	SkipMethods  map[string]bool                // Methods to never cache
	OnlyMethods  map[string]bool                // Only cache these methods (if set)
	Bypass       func(ctx context.Context) bool // Skip caching when true
}

// CacheOption is a functional option for cache configuration.
type CacheOption func(*CacheConfig)

// WithKeyGenerator sets the key generation strategy.
func WithKeyGenerator(gen KeyGenerator) CacheOption {
	return func(c *CacheConfig) {
		c.KeyGenerator = gen
	}
}

// WithMethodTTL overrides the policy TTL for one method.
func WithMethodTTL(method string, ttl time.Duration) CacheOption {
	return func(c *CacheConfig) {
		if c.MethodTTLs == nil {
			c.MethodTTLs = make(map[string]time.Duration)
		}
		c.MethodTTLs[method] = ttl
	}
}

// WithMethodDependencies tags one method's entries with advisory
// invalidation prefixes.
func WithMethodDependencies(method string, deps ...string) CacheOption {
	return func(c *CacheConfig) {
		if c.Dependencies == nil {
			c.Dependencies = make(map[string][]string)
		}
		c.Dependencies[method] = deps
	}
}

// WithSkipMethod disables caching for one method.
func WithSkipMethod(method string) CacheOption {
	return func(c *CacheConfig) {
		if c.SkipMethods == nil {
			c.SkipMethods = make(map[string]bool)
		}
		c.SkipMethods[method] = true
	}
}

// WithOnlyMethod restricts caching to the listed methods.
func WithOnlyMethod(method string) CacheOption {
	return func(c *CacheConfig) {
		if c.OnlyMethods == nil {
			c.OnlyMethods = make(map[string]bool)
		}
		c.OnlyMethods[method] = true
	}
}

// WithCacheBypass skips caching whenever fn returns true, for example
// for requests carrying a user-specific session.
func WithCacheBypass(fn func(ctx context.Context) bool) CacheOption {
	return func(c *CacheConfig) {
		c.Bypass = fn
	}
}

// CacheInterceptor returns a client interceptor that serves read RPCs
// from the cache manager. Responses land in the cache under keys the
// invalidation pipeline understands, so a mutation elsewhere evicts
// them like any other entry. RPC errors are returned to the caller and
// never cached.
func CacheInterceptor(manager *schedcache.Manager, opts ...CacheOption) grpc.UnaryClientInterceptor {
	config := &CacheConfig{
		KeyGenerator: NewRouteKeyGenerator(),
	}
	for _, opt := range opts {
		opt(config)
	}

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		if !shouldCache(method, config) {
			return invoker(ctx, method, req, reply, cc, callOpts...)
		}
		if config.Bypass != nil && config.Bypass(ctx) {
			return invoker(ctx, method, req, reply, cc, callOpts...)
		}

		key, err := config.KeyGenerator.GenerateKey(method, req)
		if err != nil {
			// A key we cannot build is a response we cannot cache.
			return invoker(ctx, method, req, reply, cc, callOpts...)
		}

		var fetchOpts []schedcache.FetchOption
		if ttl, ok := config.MethodTTLs[method]; ok {
			fetchOpts = append(fetchOpts, schedcache.WithTTL(ttl))
		}
		if deps, ok := config.Dependencies[method]; ok {
			fetchOpts = append(fetchOpts, schedcache.WithDependencies(deps...))
		}

		invoked := false
		value, err := manager.GetCachedData(ctx, key, func(ctx context.Context) (any, error) {
			invoked = true
			if err := invoker(ctx, method, req, reply, cc, callOpts...); err != nil {
				return nil, err
			}
			return detachReply(reply)
		}, fetchOpts...)
		if err != nil {
			return err
		}
		if invoked {
			// The invoker already populated reply.
			return nil
		}
		return assignReply(reply, value)
	}
}

// shouldCache applies the method allow/deny lists.
func shouldCache(method string, config *CacheConfig) bool {
	if len(config.OnlyMethods) > 0 {
		return config.OnlyMethods[method]
	}
	return !config.SkipMethods[method]
}

// detachReply copies the populated reply so the cached value cannot
// alias a buffer the caller will mutate.
func detachReply(reply any) (any, error) {
	if pm, ok := reply.(proto.Message); ok {
		return proto.Clone(pm), nil
	}
	raw, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("middleware: caching response: %w", err)
	}
	return json.RawMessage(raw), nil
}

// assignReply writes a cached value into the caller's reply message.
func assignReply(reply, value any) error {
	if pm, ok := reply.(proto.Message); ok {
		if cached, ok := value.(proto.Message); ok {
			proto.Reset(pm)
			proto.Merge(pm, cached)
			return nil
		}
	}

	raw, ok := value.(json.RawMessage)
	if !ok {
		// Promoted mirror entries decode as generic values.
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("middleware: decoding cached response: %w", err)
		}
		raw = encoded
	}
	if err := json.Unmarshal(raw, reply); err != nil {
		return fmt.Errorf("middleware: decoding cached response: %w", err)
	}
	return nil
}
