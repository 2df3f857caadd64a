package middleware

import (
	"context"

	"google.golang.org/grpc"

	"github.com/schedcache/schedcache/pkg/feed"
)

// EventPublisher accepts change events for delivery to feed
// subscribers. *feed.MemFeed satisfies it.
type EventPublisher interface {
	Publish(event feed.Event) feed.Event
}

// MutationRoute describes the change a mutating RPC makes.
type MutationRoute struct {
	Table string
	Op    feed.Op

	// RowID extracts the affected row from the request, when the
	// method is row-scoped. Optional.
	RowID func(req any) string
}

// InvalidationConfig holds configuration for the invalidation
// interceptor.
type InvalidationConfig struct {
	Routes   map[string]MutationRoute
	SourceID string
}

// InvalidationOption is a functional option for invalidation
// configuration.
type InvalidationOption func(*InvalidationConfig)

// WithMutation registers a mutating method and the table it changes.
func WithMutation(method, table string, op feed.Op) InvalidationOption {
	return func(c *InvalidationConfig) {
		c.Routes[method] = MutationRoute{Table: table, Op: op}
	}
}

// WithMutationRowID registers a row-scoped mutating method.
func WithMutationRowID(method, table string, op feed.Op, rowFrom func(req any) string) InvalidationOption {
	return func(c *InvalidationConfig) {
		c.Routes[method] = MutationRoute{Table: table, Op: op, RowID: rowFrom}
	}
}

// WithSourceID labels published events with the mutating client's
// identity.
func WithSourceID(id string) InvalidationOption {
	return func(c *InvalidationConfig) {
		c.SourceID = id
	}
}

// InvalidationInterceptor returns a client interceptor that publishes
// a change event after every successful mutating RPC, so this
// process's own writes invalidate its cache without waiting for the
// backend feed's round trip.
func InvalidationInterceptor(publisher EventPublisher, opts ...InvalidationOption) grpc.UnaryClientInterceptor {
	config := &InvalidationConfig{
		Routes:   make(map[string]MutationRoute),
		SourceID: "local",
	}
	for _, opt := range opts {
		opt(config)
	}

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, callOpts...)
		if err != nil {
			return err
		}

		if route, ok := config.Routes[method]; ok {
			event := feed.Event{
				SourceID: config.SourceID,
				Table:    route.Table,
				Op:       route.Op,
			}
			if route.RowID != nil {
				event.RowID = route.RowID(req)
			}
			publisher.Publish(event)
		}
		return err
	}
}
