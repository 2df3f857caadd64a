// Package wsfeed implements the change-event feed over a websocket
// connection to the scheduling backend. The client owns the
// connection: it dials, subscribes, keeps the link alive with pings,
// and redials with jittered exponential backoff when the link drops.
// Consumers only see live events and the point-in-time replay query;
// a dropped link degrades delivery latency, never correctness, because
// the cache's reconciliation poll replays whatever was missed.
//
// Wire protocol, one JSON frame per message:
//
//	client -> server  {"type":"subscribe","channel":"invalidations"}
//	client -> server  {"type":"events_since","id":"<uuid>","since":"<RFC3339>"}
//	server -> client  {"type":"event","event":{...}}
//	server -> client  {"type":"events","id":"<uuid>","events":[...]}
//	server -> client  {"type":"error","id":"<uuid>","message":"..."}
package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/schedcache/schedcache/pkg/feed"
)

// Frame types exchanged with the backend.
const (
	frameSubscribe   = "subscribe"
	frameEvent       = "event"
	frameEventsSince = "events_since"
	frameEvents      = "events"
	frameError       = "error"
)

// subscribeChannel is the backend channel carrying invalidations.
const subscribeChannel = "invalidations"

// tokenRefreshSlack refreshes bearer tokens this long before expiry.
const tokenRefreshSlack = 30 * time.Second

// ErrNotConnected is returned by EventsSince while the link is down.
// The reconciliation poll treats it like any other query failure and
// retries next tick.
var ErrNotConnected = errors.New("wsfeed: not connected")

// TokenSource supplies a bearer token for the websocket handshake.
type TokenSource func(ctx context.Context) (string, error)

// Config holds configuration for the websocket feed client.
type Config struct {
	// URL is the ws:// or wss:// endpoint (required).
	URL string

	// TokenSource, when set, authenticates the handshake. The token's
	// exp claim schedules refreshes; signature checking stays with the
	// server.
	TokenSource TokenSource

	// Header carries extra handshake headers.
	Header http.Header

	HandshakeTimeout time.Duration // Default 10s
	WriteTimeout     time.Duration // Default 10s
	PongTimeout      time.Duration // Read deadline window, default 60s
	PingInterval     time.Duration // Keepalive cadence, default 54s
	QueryTimeout     time.Duration // EventsSince reply window, default 10s

	// Reconnect backoff. Attempt n sleeps
	// InitialBackoff * BackoffMultiplier^(n-1), capped at MaxBackoff,
	// with full jitter unless disabled.
	InitialBackoff    time.Duration // Default 500ms
	MaxBackoff        time.Duration // Default 30s
	BackoffMultiplier float64       // Default 2.0
	NoJitter          bool

	Logger *zap.Logger
}

func (c *Config) withDefaults() error {
	if c.URL == "" {
		return errors.New("wsfeed: URL is required")
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		// Keep pings comfortably inside the pong window.
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffMultiplier <= 1.0 {
		c.BackoffMultiplier = 2.0
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// frame is one websocket message in either direction.
type frame struct {
	Type    string       `json:"type"`
	ID      string       `json:"id,omitempty"`
	Channel string       `json:"channel,omitempty"`
	Since   *time.Time   `json:"since,omitempty"`
	Event   *feed.Event  `json:"event,omitempty"`
	Events  []feed.Event `json:"events,omitempty"`
	Message string       `json:"message,omitempty"`
}

// Client is a feed.Feed backed by a websocket connection.
type Client struct {
	cfg    Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	handlersMu sync.Mutex
	handlers   map[string]feed.Handler
	order      []string

	pendingMu sync.Mutex
	pending   map[string]chan frame

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	tokenMu  sync.Mutex
	token    string
	tokenExp time.Time
}

// New starts the client. The connection is established in the
// background; a backend that is down at construction time only delays
// delivery.
func New(config *Config) (*Client, error) {
	if config == nil {
		config = &Config{}
	}
	cfg := *config
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]feed.Handler),
		pending:  make(map[string]chan frame),
	}

	c.wg.Add(1)
	go c.run()

	return c, nil
}

// Subscribe registers handler for live events. Delivery starts as soon
// as the link is (re)established.
func (c *Client) Subscribe(ctx context.Context, handler feed.Handler) (feed.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.ctx.Err() != nil {
		return nil, feed.ErrClosed
	}

	id := uuid.NewString()
	c.handlersMu.Lock()
	c.handlers[id] = handler
	c.order = append(c.order, id)
	c.handlersMu.Unlock()

	sub := &subscription{client: c, id: id}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
			case <-c.ctx.Done():
			}
		}()
	}
	return sub, nil
}

// EventsSince queries the backend for events created strictly after
// since. Fails fast with ErrNotConnected while the link is down.
func (c *Client) EventsSince(ctx context.Context, since time.Time) ([]feed.Event, error) {
	if c.ctx.Err() != nil {
		return nil, feed.ErrClosed
	}

	id := uuid.NewString()
	reply := make(chan frame, 1)

	c.pendingMu.Lock()
	c.pending[id] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(frame{Type: frameEventsSince, ID: id, Since: &since}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.QueryTimeout)
	defer timer.Stop()

	select {
	case f := <-reply:
		if f.Type == frameError {
			return nil, fmt.Errorf("wsfeed: query failed: %s", f.Message)
		}
		return f.Events, nil
	case <-timer.C:
		return nil, fmt.Errorf("wsfeed: query timed out after %v", c.cfg.QueryTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, feed.ErrClosed
	}
}

// Close tears down the connection and all subscriptions.
func (c *Client) Close() error {
	c.cancel()
	c.closeConn()
	c.wg.Wait()
	return nil
}

// run owns the connection lifecycle: dial, subscribe, read until the
// link drops, back off, repeat.
func (c *Client) run() {
	defer c.wg.Done()

	attempt := 0
	for {
		if c.ctx.Err() != nil {
			return
		}

		conn, err := c.dial()
		if err != nil {
			attempt++
			wait := c.backoff(attempt)
			c.logger.Warn("feed connection failed",
				zap.String("url", c.cfg.URL),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", wait),
				zap.Error(err))
			if !c.sleep(wait) {
				return
			}
			continue
		}

		attempt = 0
		c.setConn(conn)
		if c.ctx.Err() != nil {
			c.closeConn()
			return
		}
		c.logger.Info("feed connected", zap.String("url", c.cfg.URL))

		c.readLoop(conn)

		c.setConn(nil)
		c.failPending()
		_ = conn.Close()

		if c.ctx.Err() != nil {
			return
		}
		attempt++
		wait := c.backoff(attempt)
		c.logger.Warn("feed disconnected",
			zap.Duration("retry_in", wait))
		if !c.sleep(wait) {
			return
		}
	}
}

// dial connects, authenticates, and subscribes to the invalidation
// channel.
func (c *Client) dial() (*websocket.Conn, error) {
	header := http.Header{}
	for k, vs := range c.cfg.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}

	token, err := c.bearerToken()
	if err != nil {
		return nil, fmt.Errorf("wsfeed: token: %w", err)
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(c.ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(frame{Type: frameSubscribe, Channel: subscribeChannel}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("wsfeed: subscribe: %w", err)
	}
	return conn, nil
}

// readLoop consumes frames until the connection errors out. A pinger
// goroutine keeps the link alive; pongs extend the read deadline.
func (c *Client) readLoop(conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(conn, done)

	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("feed read failed", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		switch f.Type {
		case frameEvent:
			if f.Event != nil {
				c.dispatch(*f.Event)
			}
		case frameEvents, frameError:
			c.route(f)
		default:
			c.logger.Debug("ignoring unknown frame", zap.String("type", f.Type))
		}
	}
}

// pingLoop sends keepalive pings until the connection goes away.
func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// dispatch delivers a live event to every handler in subscribe order.
func (c *Client) dispatch(event feed.Event) {
	c.handlersMu.Lock()
	handlers := make([]feed.Handler, 0, len(c.order))
	for _, id := range c.order {
		handlers = append(handlers, c.handlers[id])
	}
	c.handlersMu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// route hands a correlated reply to the waiting query.
func (c *Client) route(f frame) {
	c.pendingMu.Lock()
	reply, ok := c.pending[f.ID]
	c.pendingMu.Unlock()
	if ok {
		select {
		case reply <- f:
		default:
		}
	}
}

// failPending unblocks queries that were in flight when the link
// dropped; their replies can no longer arrive.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, reply := range c.pending {
		select {
		case reply <- frame{Type: frameError, ID: id, Message: "connection lost"}:
		default:
		}
	}
}

// send writes one frame on the live connection.
func (c *Client) send(f frame) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("wsfeed: write: %w", err)
	}
	return nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// bearerToken returns a cached token, refreshing it when it is close
// to its exp claim.
func (c *Client) bearerToken() (string, error) {
	if c.cfg.TokenSource == nil {
		return "", nil
	}

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" {
		if c.tokenExp.IsZero() || time.Until(c.tokenExp) > tokenRefreshSlack {
			return c.token, nil
		}
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	token, err := c.cfg.TokenSource(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	c.tokenExp = tokenExpiry(token)
	return token, nil
}

// tokenExpiry reads the exp claim without verifying the signature;
// verification is the server's job, the client only schedules
// refreshes. Unparseable tokens report a zero time and are used as-is.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// backoff computes the wait before reconnect attempt n.
func (c *Client) backoff(attempt int) time.Duration {
	wait := float64(c.cfg.InitialBackoff) * math.Pow(c.cfg.BackoffMultiplier, float64(attempt-1))
	if wait > float64(c.cfg.MaxBackoff) {
		wait = float64(c.cfg.MaxBackoff)
	}
	if !c.cfg.NoJitter {
		wait = rand.Float64() * wait
	}
	return time.Duration(wait)
}

// sleep waits for d or until the client closes; false means closed.
func (c *Client) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) unsubscribe(id string) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	delete(c.handlers, id)
	for i, other := range c.order {
		if other == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

type subscription struct {
	client *Client
	id     string
	once   sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.client.unsubscribe(s.id)
	})
}
