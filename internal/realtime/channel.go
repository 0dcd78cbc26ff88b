// Package realtime is the dashboard side of the order push stream: one
// managed websocket per session with fixed-delay reconnect and a polling
// backstop.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/campusbite/ordersync/internal/enum"
	"github.com/campusbite/ordersync/internal/order"
)

const (
	DefaultRetryDelay   = 3 * time.Second
	DefaultPollInterval = 5 * time.Minute
)

// ErrClosed is returned by Start on a channel that has been closed.
var ErrClosed = errors.New("realtime channel closed")

// State is the connection state of a Channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return "disconnected"
}

// Message is one frame of the push stream.
type Message struct {
	Type    string       `json:"type"`
	OrderID string       `json:"order_id,omitempty"`
	Status  order.Status `json:"db_status,omitempty"`
}

// TransportError is a dropped or failed connection. It is logged and
// retried, never returned to callers.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("realtime %s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// Handler receives order_status messages in receipt order.
// Satisfied by *tracker.Tracker.
type Handler interface {
	HandleStatus(ctx context.Context, orderID string, status order.Status) order.Decision
}

// Poller re-fetches full lists as a backstop for missed pushes.
type Poller func(ctx context.Context) error

// Config configures a Channel. Zero durations take the defaults; a nil
// Poller disables polling.
type Config struct {
	URL          string
	RetryDelay   time.Duration
	PollInterval time.Duration
	Poller       Poller
	// OnState is called on every state change with the channel's lock
	// held. It must not call back into the Channel.
	OnState func(State)
}

// Channel holds at most one socket at a time. Reconnects are driven by a
// single retry timer owned by the channel.
type Channel struct {
	cfg     Config
	dialer  Dialer
	handler Handler
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	started bool
	conn    Conn
	retry   *time.Timer
}

func New(cfg Config, dialer Dialer, handler Handler, log *slog.Logger) *Channel {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Channel{
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		log:     log.With("component", "realtime"),
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start connects in the background and starts the poller. It returns
// immediately; calling it again is a no-op.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	if c.cfg.Poller != nil {
		c.wg.Add(1)
		go c.pollLoop()
	}
	c.mu.Unlock()

	c.connect()
	return nil
}

// Close tears the channel down: the retry timer is stopped, the socket is
// closed and Close waits for the reader and poller to exit. No Handler or
// Poller call happens after Close returns.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.setState(Closed)
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.log.Info("realtime channel closed")
}

// connect opens a socket unless one is already in flight or the channel
// has been closed.
func (c *Channel) connect() {
	c.mu.Lock()
	c.retry = nil
	if c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	c.setState(Connecting)
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run()
}

func (c *Channel) run() {
	defer c.wg.Done()

	conn, err := c.dialer.Dial(c.ctx, c.cfg.URL)

	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.log.Warn("connect failed, retrying",
			"error", &TransportError{Op: "dial", Err: err}, "retry_in", c.cfg.RetryDelay)
		c.setState(Disconnected)
		c.scheduleRetry()
		c.mu.Unlock()
		return
	}
	c.conn = conn
	c.setState(Connected)
	c.mu.Unlock()
	c.log.Info("realtime channel connected")

	err = c.readLoop(conn)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return
	}
	conn.Close()
	c.conn = nil
	c.log.Warn("connection lost, retrying",
		"error", &TransportError{Op: "read", Err: err}, "retry_in", c.cfg.RetryDelay)
	c.setState(Disconnected)
	c.scheduleRetry()
}

// scheduleRetry arms the retry timer. Callers hold c.mu.
func (c *Channel) scheduleRetry() {
	if c.retry != nil {
		return
	}
	c.retry = time.AfterFunc(c.cfg.RetryDelay, c.connect)
}

// setState records s and reports it. Callers hold c.mu.
func (c *Channel) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

func (c *Channel) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Closed
}

// readLoop reads until the socket fails. The gateway may coalesce queued
// messages into one frame separated by newlines.
func (c *Channel) readLoop(conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			if c.closed() {
				return nil
			}
			c.dispatch(line)
		}
	}
}

func (c *Channel) dispatch(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn("malformed message ignored", "error", err)
		return
	}

	switch msg.Type {
	case enum.MessagePing:
	case enum.MessageOrderStatus:
		if msg.OrderID == "" {
			c.log.Warn("order_status without order_id ignored")
			return
		}
		c.handler.HandleStatus(c.ctx, msg.OrderID, msg.Status)
	default:
		c.log.Debug("message type ignored", "type", msg.Type)
	}
}

func (c *Channel) pollLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.cfg.Poller(c.ctx); err != nil && c.ctx.Err() == nil {
				c.log.Warn("poll refresh failed", "error", err)
			}
		}
	}
}
