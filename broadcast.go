package schedcache

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/schedcache/schedcache/pkg/feed"
)

// Notification tells subscribers that a data source changed and any
// view derived from it should refetch.
type Notification struct {
	Table     string    `json:"table"`
	Op        feed.Op   `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// NotifySubscription is one subscriber's handle on the invalidation
// broadcast. C is closed by Unsubscribe and by manager shutdown.
type NotifySubscription struct {
	C <-chan Notification

	hub  *hub
	id   string
	once sync.Once
}

// Unsubscribe detaches the subscriber and closes C. Safe to call more
// than once.
func (s *NotifySubscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.remove(s.id)
	})
}

// hub fans invalidation notifications out to subscriber channels.
// Delivery is best-effort: a subscriber that stops draining loses the
// notifications arriving while its buffer is full.
type hub struct {
	mu     sync.Mutex
	subs   map[string]chan Notification
	buffer int
	logger *zap.Logger
	closed bool
}

func newHub(buffer int, logger *zap.Logger) *hub {
	return &hub{
		subs:   make(map[string]chan Notification),
		buffer: buffer,
		logger: logger,
	}
}

func (h *hub) subscribe() *NotifySubscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Notification, h.buffer)
	if h.closed {
		close(ch)
		return &NotifySubscription{C: ch, hub: h}
	}

	id := uuid.NewString()
	h.subs[id] = ch
	return &NotifySubscription{C: ch, hub: h, id: id}
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *hub) publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.logger.Warn("notification dropped, subscriber not draining",
				zap.String("subscriber", id),
				zap.String("table", n.Table))
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
