// Package channel is the persistent duplex push channel to the marketplace
// server. One Channel is shared by every consumer in a session.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/gammazero/deque"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/estatehub/marketplace-sync/internal/eventbus"
	"github.com/estatehub/marketplace-sync/internal/model"
	"github.com/estatehub/marketplace-sync/internal/syncerr"
	"github.com/estatehub/marketplace-sync/pkg/logger"
	"github.com/estatehub/marketplace-sync/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// State is the connection status.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Envelope is the wire frame of every event in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TokenSource supplies the bearer token placed on the connect URL.
type TokenSource interface {
	AccessToken() (string, error)
}

// Options configures a Channel.
type Options struct {
	URL           string
	ReconnectBase time.Duration
	MaxAttempts   int
	// PingInterval sends websocket pings while connected. Zero disables.
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

// Channel is a reconnecting websocket client with typed subscriptions and
// an outbound queue for sends issued while disconnected.
type Channel struct {
	url          string
	tokens       TokenSource
	clock        clock.Clock
	logger       *logger.Logger
	dialer       *websocket.Dialer
	pingInterval time.Duration
	bus          *eventbus.Bus[json.RawMessage]

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	policy    backoff.BackOff
	attempts  int
	exhausted bool
	closed    bool
	retry     *clock.Timer
	queue     deque.Deque[[]byte]
	// epoch advances on Disconnect. Dials and retries from an older epoch
	// are discarded.
	epoch uint64
}

// New creates a disconnected channel.
func New(opts Options, tokens TokenSource, clk clock.Clock, log *logger.Logger) *Channel {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	base := opts.ReconnectBase
	if base <= 0 {
		base = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Channel{
		url:          opts.URL,
		tokens:       tokens,
		clock:        clk,
		logger:       log.Named("channel"),
		dialer:       dialer,
		pingInterval: opts.PingInterval,
		bus:          eventbus.New[json.RawMessage](),
		ctx:          ctx,
		cancel:       cancel,
		policy:       newPolicy(base, opts.MaxAttempts),
	}
}

// State returns the current connection status.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the reconnect attempts since the last successful connect.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Pending returns how many outbound frames wait for a connection.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

// Connect opens the connection. It is a no-op while connecting, connected
// or waiting on a scheduled reconnect.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return syncerr.New(syncerr.KindChannel, "Connect", "channel closed")
	}
	if c.state != StateDisconnected || c.retry != nil {
		c.mu.Unlock()
		return nil
	}
	if c.exhausted {
		c.exhausted = false
		c.attempts = 0
		c.policy.Reset()
	}
	c.setState(StateConnecting)
	epoch := c.epoch
	c.mu.Unlock()

	return c.dial(ctx, epoch)
}

// fail marks a dial from epoch as failed. It reports false when the dial
// was superseded by Disconnect and must leave state alone.
func (c *Channel) fail(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return false
	}
	c.setState(StateDisconnected)
	return true
}

func (c *Channel) dial(ctx context.Context, epoch uint64) error {
	token, err := c.tokens.AccessToken()
	if err != nil {
		c.fail(epoch)
		return err
	}

	target, err := connectURL(c.url, token)
	if err != nil {
		c.fail(epoch)
		return syncerr.Wrap(syncerr.KindValidation, "Connect", err)
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		c.logger.Warn("channel dial failed", zap.Int("status", status), zap.Error(err))
		if c.fail(epoch) {
			c.scheduleReconnect(epoch)
		}
		return &syncerr.Error{Kind: syncerr.KindChannel, Op: "Connect", Status: status, Err: err}
	}
	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		c.mu.Unlock()
		conn.Close()
		return syncerr.New(syncerr.KindChannel, "Connect", "channel disconnected")
	}
	c.conn = conn
	c.attempts = 0
	c.policy.Reset()
	c.setState(StateConnected)
	c.flushLocked()
	c.mu.Unlock()

	c.logger.Info("channel connected")
	c.publishLocal(model.EventConnection, model.ConnectionEvent{Connected: true})

	go c.readLoop(conn)
	if c.pingInterval > 0 {
		go c.pingLoop(conn)
	}
	return nil
}

// connectURL places the token on the query string. It is rebuilt on every
// dial so reconnects pick up refreshed tokens.
func connectURL(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid channel url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		c.mu.Lock()
		current := c.conn == conn
		c.mu.Unlock()
		if !current {
			return
		}
		metrics.PushEventsTotal.WithLabelValues(env.Type).Inc()
		c.bus.Publish(env.Type, env.Data)
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn) {
	ticker := c.clock.Ticker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.conn != conn {
				c.mu.Unlock()
				return
			}
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Channel) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.setState(StateDisconnected)
	closed := c.closed
	epoch := c.epoch
	c.mu.Unlock()
	conn.Close()

	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure)
	if !normal {
		c.logger.Warn("channel closed abnormally", zap.Error(err))
	}
	c.publishLocal(model.EventConnection, model.ConnectionEvent{Connected: false, Reason: closeReason(err)})

	if !normal && !closed {
		c.scheduleReconnect(epoch)
	}
}

func closeReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Sprintf("close %d", ce.Code)
	}
	return err.Error()
}

func (c *Channel) scheduleReconnect(epoch uint64) {
	c.mu.Lock()
	if c.closed || c.retry != nil || c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	delay := c.policy.NextBackOff()
	if delay == backoff.Stop {
		c.exhausted = true
		attempts := c.attempts
		c.mu.Unlock()

		c.logger.Warn("reconnect attempts exhausted, falling back to polling", zap.Int("attempts", attempts))
		c.publishLocal(model.EventError, model.ErrorEvent{Code: "reconnect_exhausted", Message: syncerr.ErrChannelExhausted.Message})
		return
	}
	c.attempts++
	attempt := c.attempts
	c.retry = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return
		}
		c.retry = nil
		if c.closed || c.state != StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.setState(StateConnecting)
		c.mu.Unlock()
		_ = c.dial(c.ctx, epoch)
	})
	c.mu.Unlock()

	metrics.ChannelReconnects.Inc()
	c.logger.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
}

// Send writes an event, or queues it until the next successful connect.
func (c *Channel) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return syncerr.Wrap(syncerr.KindValidation, "Send", err)
	}
	frame, err := json.Marshal(Envelope{Type: event, Data: data})
	if err != nil {
		return syncerr.Wrap(syncerr.KindValidation, "Send", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return syncerr.New(syncerr.KindChannel, "Send", "channel closed")
	}
	if c.state != StateConnected || c.queue.Len() > 0 {
		c.queue.PushBack(frame)
		return nil
	}
	if err := c.writeLocked(frame); err != nil {
		c.queue.PushBack(frame)
		c.logger.Debug("send failed, queued", zap.String("event", event), zap.Error(err))
	}
	return nil
}

func (c *Channel) writeLocked(frame []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// flushLocked drains the queue in order. A failed write leaves the rest
// queued for the next connect.
func (c *Channel) flushLocked() {
	for c.queue.Len() > 0 {
		if err := c.writeLocked(c.queue.Front()); err != nil {
			c.logger.Debug("flush interrupted", zap.Error(err), zap.Int("remaining", c.queue.Len()))
			return
		}
		c.queue.PopFront()
	}
}

// Subscribe registers a raw handler for event. Several handlers per event
// are allowed.
func (c *Channel) Subscribe(event string, handler func(json.RawMessage)) eventbus.Unsubscribe {
	return c.bus.Subscribe(event, handler)
}

// On subscribes a handler that receives the event payload decoded as T.
// Frames that do not decode are logged and skipped.
func On[T any](c *Channel, event string, fn func(T)) eventbus.Unsubscribe {
	return c.bus.Subscribe(event, func(raw json.RawMessage) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			c.logger.Warn("undecodable event payload", zap.String("event", event), zap.Error(err))
			return
		}
		fn(v)
	})
}

func (c *Channel) publishLocal(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.bus.Publish(event, data)
}

// setState must be called with c.mu held.
func (c *Channel) setState(s State) {
	c.state = s
	metrics.ChannelState.Set(float64(s))
}

// Disconnect sends a normal close frame and returns the channel to
// StateDisconnected. Queued frames and any scheduled reconnect are
// discarded. Unlike Close, a later Connect dials again and reads a fresh
// token.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.epoch++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.queue.Clear()
	c.attempts = 0
	c.exhausted = false
	c.policy.Reset()
	was := c.state
	conn := c.conn
	c.conn = nil
	c.setState(StateDisconnected)
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if was != StateDisconnected {
		c.logger.Info("channel disconnected")
		c.publishLocal(model.EventConnection, model.ConnectionEvent{Connected: false, Reason: "disconnected"})
	}
}

// Close sends a normal close frame and stops reconnecting. Queued frames
// are dropped.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.conn
	c.queue.Clear()
	c.mu.Unlock()
	c.cancel()

	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.mu.Lock()
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.mu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		conn.Close()
		return err
	}
	return nil
}

