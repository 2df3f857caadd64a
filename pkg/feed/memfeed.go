package feed

import (
	"context"
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MemConfig holds configuration for the in-process feed.
type MemConfig struct {
	Now          func() time.Time // Clock for event timestamps (nil = time.Now)
	HistoryLimit int              // Max events retained for replay (0 = unlimited)
}

// MemFeed is an in-process Feed. It backs tests, demos, and
// single-process deployments where mutations are observed locally (for
// example by the mutation interceptor) rather than pushed from a
// backend. Published events are retained for EventsSince replay.
type MemFeed struct {
	mu       sync.Mutex
	handlers map[string]Handler
	order    []string
	history  []Event
	now      func() time.Time
	entropy  io.Reader
	limit    int
	closed   bool

	// dispatchMu serializes deliveries so subscribers observe events
	// in publish order even with concurrent publishers.
	dispatchMu sync.Mutex
}

// NewMemFeed creates an in-process feed.
func NewMemFeed(config *MemConfig) *MemFeed {
	if config == nil {
		config = &MemConfig{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &MemFeed{
		handlers: make(map[string]Handler),
		now:      config.Now,
		entropy:  ulid.Monotonic(rand.Reader, 0),
		limit:    config.HistoryLimit,
	}
}

// Publish records the event and delivers it to every subscriber in
// subscribe order. A zero ID or CreatedAt is filled in. Handlers must
// not publish back into the same feed. The stored event is returned.
func (f *MemFeed) Publish(event Event) Event {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return event
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = f.now()
	}
	if event.ID == "" {
		event.ID = ulid.MustNew(ulid.Timestamp(event.CreatedAt), f.entropy).String()
	}

	f.history = append(f.history, event)
	if f.limit > 0 && len(f.history) > f.limit {
		f.history = f.history[len(f.history)-f.limit:]
	}

	handlers := make([]Handler, 0, len(f.order))
	for _, id := range f.order {
		handlers = append(handlers, f.handlers[id])
	}
	f.mu.Unlock()

	f.dispatchMu.Lock()
	defer f.dispatchMu.Unlock()
	for _, h := range handlers {
		h(event)
	}
	return event
}

// Subscribe registers handler for live delivery.
func (f *MemFeed) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}

	id := uuid.NewString()
	f.handlers[id] = handler
	f.order = append(f.order, id)

	sub := &memSubscription{feed: f, id: id}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Unsubscribe()
		}()
	}
	return sub, nil
}

// EventsSince returns retained events created strictly after since.
func (f *MemFeed) EventsSince(ctx context.Context, since time.Time) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}

	var events []Event
	for _, event := range f.history {
		if event.CreatedAt.After(since) {
			events = append(events, event)
		}
	}
	return events, nil
}

// Close drops all subscriptions and retained history.
func (f *MemFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	f.handlers = nil
	f.order = nil
	f.history = nil
	return nil
}

func (f *MemFeed) unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	delete(f.handlers, id)
	for i, other := range f.order {
		if other == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

type memSubscription struct {
	feed *MemFeed
	id   string
	once sync.Once
}

func (s *memSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.feed.unsubscribe(s.id)
	})
}
