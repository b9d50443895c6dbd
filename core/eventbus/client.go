// Package eventbus implements the client side of the platform's duplex
// event stream: a single long-lived gorilla/websocket connection with
// subscription bookkeeping and fixed-interval reconnection, the
// client-dialing counterpart to the gateway's server-side connection
// management.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/compiler-explorer/ce-router/core/infra/logging"
	"github.com/compiler-explorer/ce-router/core/infra/metrics"
)

// Client is a reconnecting websocket client with correlation-id-keyed
// subscription bookkeeping. Mutable state (active/pending subscriptions,
// connection reference, reconnect counter) is guarded by mu; actual socket
// writes are additionally serialised through writeMu since gorilla permits
// at most one concurrent writer per connection.
type Client struct {
	cfg     Config
	handler Handler
	metrics metrics.Metrics
	dialer  *websocket.Dialer

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	active         map[string]struct{}
	pending        map[string]time.Time
	reconnectCount int
	closeRequested bool

	writeMu sync.Mutex

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// New constructs a Client. It does not dial until Run is called.
func New(cfg Config, handler Handler, m metrics.Metrics) *Client {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Client{
		cfg:     cfg.withDefaults(),
		handler: handler,
		metrics: m,
		dialer:  websocket.DefaultDialer,
		active:  make(map[string]struct{}),
		pending: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Run starts the connect/reconnect loop in a background goroutine and
// returns immediately.
func (c *Client) Run(ctx context.Context) {
	go c.loop(ctx)
}

// Close requests a deliberate shutdown and blocks until the connect loop
// has exited.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeRequested = true
		c.state = StateClosing
		conn := c.conn
		c.mu.Unlock()
		close(c.stopCh)
		if conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
		}
	})
	<-c.doneCh
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) loop(ctx context.Context) {
	defer close(c.doneCh)
	for {
		if c.isCloseRequested() {
			return
		}
		c.setState(StateConnecting)
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			logging.Error("eventbus", "dial failed", "url", c.cfg.URL, "error", err)
			if !c.awaitReconnect(ctx) {
				return
			}
			continue
		}

		c.onOpen(conn)
		c.serve(ctx, conn)
		c.onClose()

		if c.isCloseRequested() {
			return
		}
		if !c.awaitReconnect(ctx) {
			return
		}
	}
}

func (c *Client) onOpen(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.reconnectCount = 0
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error { return nil })

	c.metrics.SetBusConnected(true)
	logging.Info("eventbus", "connected", "url", c.cfg.URL)
	c.resubscribePending()
}

func (c *Client) onClose() {
	c.mu.Lock()
	c.conn = nil
	if !c.closeRequested {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	c.metrics.SetBusConnected(false)
	logging.Info("eventbus", "disconnected", "url", c.cfg.URL)
}

// resubscribePending reissues subscribe frames for topics that were
// subscribed but not yet delivered before the connection dropped. Entries
// that are PendingTTL old or older are considered stale and dropped instead.
func (c *Client) resubscribePending() {
	now := time.Now()
	var resend []string
	c.mu.Lock()
	for topic, ts := range c.pending {
		if now.Sub(ts) >= c.cfg.PendingTTL {
			delete(c.pending, topic)
			delete(c.active, topic)
			continue
		}
		resend = append(resend, topic)
	}
	c.mu.Unlock()
	for _, topic := range resend {
		if err := c.writeControl("subscribe", topic); err != nil {
			logging.Error("eventbus", "resubscribe failed", "topic", topic, "error", err)
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			c.handleFrame(data)
		}
	}()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				logging.Error("eventbus", "ping failed", "error", err)
				return
			}
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) awaitReconnect(ctx context.Context) bool {
	c.mu.Lock()
	c.reconnectCount++
	count := c.reconnectCount
	c.mu.Unlock()

	if count > c.cfg.MaxReconnectAttempts {
		logging.Error("eventbus", "max reconnect attempts exceeded", "url", c.cfg.URL, "attempts", count)
		return false
	}
	c.metrics.IncBusReconnect()

	select {
	case <-time.After(c.cfg.ReconnectInterval):
		return true
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	}
}

func (c *Client) isCloseRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeRequested
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}

func (c *Client) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("eventbus: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(messageType, data)
}

func (c *Client) writeControl(verb, topic string) error {
	return c.writeMessage(websocket.TextMessage, []byte(verb+": "+topic))
}

// Subscribe issues a subscribe frame for topic and records it as
// active/pending bookkeeping. It fails immediately if the connection is not
// currently open or if the write itself fails, rather than silently
// recording a subscription that may never reach the bus.
func (c *Client) Subscribe(topic string) error {
	if !c.isOpen() {
		return fmt.Errorf("eventbus: not open")
	}
	c.mu.Lock()
	c.active[topic] = struct{}{}
	c.pending[topic] = time.Now()
	c.mu.Unlock()
	if err := c.writeControl("subscribe", topic); err != nil {
		logging.Error("eventbus", "subscribe failed", "topic", topic, "error", err)
		c.mu.Lock()
		delete(c.active, topic)
		delete(c.pending, topic)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe drops topic from bookkeeping and, if open, issues an
// unsubscribe frame.
func (c *Client) Unsubscribe(topic string) {
	c.mu.Lock()
	delete(c.active, topic)
	delete(c.pending, topic)
	c.mu.Unlock()
	if c.isOpen() {
		if err := c.writeControl("unsubscribe", topic); err != nil {
			logging.Error("eventbus", "unsubscribe failed", "topic", topic, "error", err)
		}
	}
}

// Ack marks topic delivered (removing it from pending so a subsequent
// reconnect won't resubscribe it) and, if open, sends an ack frame.
func (c *Client) Ack(topic string) {
	c.mu.Lock()
	delete(c.pending, topic)
	c.mu.Unlock()
	if c.isOpen() {
		if err := c.writeControl("ack", topic); err != nil {
			logging.Error("eventbus", "ack failed", "topic", topic, "error", err)
		}
	}
}

// Send writes an arbitrary text frame. It fails immediately if the
// connection is not open.
func (c *Client) Send(data []byte) error {
	if !c.isOpen() {
		return fmt.Errorf("eventbus: not open")
	}
	return c.writeMessage(websocket.TextMessage, data)
}
