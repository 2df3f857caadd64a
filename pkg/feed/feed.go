// Package feed defines the change-event stream the cache listens to:
// a live subscription for push delivery plus a point-in-time query for
// replaying events a dropped subscription may have missed.
package feed

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a feed that was shut down.
var ErrClosed = errors.New("feed: closed")

// Op is the kind of row change an event describes.
type Op string

// Operation types carried by change events.
const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Event is one observed change in the system of record. Events are
// immutable once observed.
type Event struct {
	ID        string    `json:"id"`         // Unique, time-ordered identifier
	SourceID  string    `json:"source_id"`  // Origin system or channel
	Table     string    `json:"table"`      // Changed table
	Op        Op        `json:"op"`         // Operation type
	RowID     string    `json:"row_id"`     // Affected row ("" when unknown)
	CreatedAt time.Time `json:"created_at"` // When the change was recorded
}

// Handler consumes one event. Handlers run on the feed's delivery
// goroutine and must not block indefinitely.
type Handler func(Event)

// Subscription is a live event delivery that can be torn down.
type Subscription interface {
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe()
}

// Feed is the change-event source contract. Delivery is at-least-once
// when paired with EventsSince polling: a consumer that checkpoints
// the newest CreatedAt it has handled can replay anything a dropped
// subscription missed.
type Feed interface {
	// Subscribe starts live delivery to handler. The subscription ends
	// when Unsubscribe is called or ctx is canceled.
	Subscribe(ctx context.Context, handler Handler) (Subscription, error)

	// EventsSince returns events created strictly after since. Callers
	// must not assume any ordering.
	EventsSince(ctx context.Context, since time.Time) ([]Event, error)

	// Close tears down the feed and all subscriptions.
	Close() error
}
