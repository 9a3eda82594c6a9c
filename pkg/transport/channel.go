// Package transport maintains the single logical connection to the dialogue
// backend.
//
// A [Channel] dials the backend over WebSocket, decodes every inbound frame
// with [protocol.Decode] and hands it to a [Bus]. When the connection drops it
// redials on a fixed interval until [Channel.Close] is called or the context
// passed to [Channel.Run] ends. Connection lifecycle changes are published on
// the same bus as [protocol.KindOpen], [protocol.KindClose] and
// [protocol.KindError] messages.
//
// Outbound frames are not buffered across a disconnect: [Channel.Send] fails
// with [ErrNotConnected] while no connection is open.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/stagelive/internal/observe"
	"github.com/MrWong99/stagelive/pkg/protocol"
)

// Compile-time assertion that Channel satisfies Sender.
var _ Sender = (*Channel)(nil)

const (
	defaultReconnectInterval = 3 * time.Second
	defaultKeepaliveInterval = 20 * time.Second
	defaultDialTimeout       = 5 * time.Second

	keepaliveTimeout = 5 * time.Second
)

var (
	// ErrNotConnected is returned by [Channel.Send] while no connection is open.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrClosed is returned by [Channel.Run] when the channel was closed
	// before Run was called.
	ErrClosed = errors.New("transport: channel closed")
)

// Sender is the outbound half of the transport. The director and the capture
// uplink depend on it rather than on [Channel].
type Sender interface {
	// Send writes one outbound frame. It returns [ErrNotConnected] without
	// blocking when no connection is open.
	Send(ctx context.Context, out protocol.Outbound) error
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [Channel].
type Option func(*Channel)

// WithReconnectInterval sets the fixed delay between reconnection attempts.
func WithReconnectInterval(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.reconnectInterval = d
		}
	}
}

// WithKeepaliveInterval sets the WebSocket ping interval. Zero or negative
// disables keepalive pings.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(c *Channel) { c.keepaliveInterval = d }
}

// WithDialTimeout bounds a single dial attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithHeader sets extra HTTP headers sent with the WebSocket handshake.
func WithHeader(h http.Header) Option {
	return func(c *Channel) { c.header = h.Clone() }
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// ── Channel ───────────────────────────────────────────────────────────────────

// Channel is a reconnecting WebSocket client bound to a [Bus].
//
// All methods are safe for concurrent use.
type Channel struct {
	url               string
	bus               *Bus
	header            http.Header
	reconnectInterval time.Duration
	keepaliveInterval time.Duration
	dialTimeout       time.Duration
	metrics           *observe.Metrics

	mu      sync.Mutex
	conn    *websocket.Conn
	attempt int

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a [Channel] for the backend at url. Inbound messages and
// lifecycle events are dispatched to bus. The connection is not opened until
// [Channel.Run] is called.
func New(url string, bus *Bus, opts ...Option) *Channel {
	if bus == nil {
		panic("transport: nil bus")
	}
	c := &Channel{
		url:               url,
		bus:               bus,
		reconnectInterval: defaultReconnectInterval,
		keepaliveInterval: defaultKeepaliveInterval,
		dialTimeout:       defaultDialTimeout,
		done:              make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Run connects to the backend and keeps the connection alive until ctx is
// cancelled or [Channel.Close] is called. Each failed dial or lost connection
// is followed by a fixed reconnect delay. Run returns nil on a clean stop.
func (c *Channel) Run(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()
		if attempt > 1 {
			c.metrics.Reconnects.Add(ctx, 1)
			slog.Info("transport: reconnecting", "url", c.url, "attempt", attempt)
		}

		c.serve(ctx)

		if ctx.Err() != nil {
			return nil
		}

		timer := time.NewTimer(c.reconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// serve dials once and runs the read loop until the connection ends.
func (c *Channel) serve(ctx context.Context) {
	dialCtx, dialCancel := context.WithTimeout(ctx, c.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPHeader: c.header})
	dialCancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("transport: dial failed", "url", c.url, "err", err)
		c.bus.Dispatch(protocol.Message{Kind: protocol.KindError, Err: fmt.Errorf("transport: dial: %w", err)})
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("transport: connected", "url", c.url)
	c.bus.Dispatch(protocol.Message{Kind: protocol.KindOpen})

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	if c.keepaliveInterval > 0 {
		go c.keepaliveLoop(connCtx, conn)
	}

	readErr := c.readLoop(connCtx, conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "client closing")

	var closeErr error
	if ctx.Err() == nil {
		closeErr = readErr
		slog.Warn("transport: connection lost", "url", c.url, "err", readErr)
	}
	c.bus.Dispatch(protocol.Message{Kind: protocol.KindClose, Err: closeErr})
}

// readLoop decodes frames until the connection fails.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			c.metrics.RecordDropped(ctx, "binary")
			slog.Debug("transport: ignoring binary frame", "bytes", len(data))
			continue
		}
		c.handleFrame(ctx, data)
	}
}

// handleFrame decodes and dispatches one inbound frame. Undecodable frames are
// logged and discarded.
func (c *Channel) handleFrame(ctx context.Context, data []byte) {
	msg, err := protocol.Decode(data)
	switch {
	case errors.Is(err, protocol.ErrUnknownKind):
		c.metrics.RecordDropped(ctx, "unknown_kind")
		slog.Warn("transport: unknown message kind", "kind", msg.Kind)
		return
	case err != nil:
		c.metrics.RecordDropped(ctx, "malformed")
		slog.Warn("transport: malformed frame", "err", err, "bytes", len(data))
		return
	}

	c.metrics.RecordReceived(ctx, string(msg.Kind))
	if msg.Kind == protocol.KindError {
		slog.Warn("transport: backend reported error", "err", msg.Err)
	}
	c.bus.Dispatch(msg)
}

// keepaliveLoop pings the backend until ctx ends.
func (c *Channel) keepaliveLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
			if err := conn.Ping(pingCtx); err != nil && ctx.Err() == nil {
				slog.Debug("transport: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// Send marshals out and writes it as a text frame on the current connection.
// When no connection is open the frame is dropped, a warning is logged and
// [ErrNotConnected] is returned.
func (c *Channel) Send(ctx context.Context, out protocol.Outbound) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.metrics.RecordSent(ctx, out.Type(), "not_connected")
		slog.Warn("transport: send while disconnected", "type", out.Type())
		return ErrNotConnected
	}

	data, err := json.Marshal(out)
	if err != nil {
		c.metrics.RecordSent(ctx, out.Type(), "error")
		return fmt.Errorf("transport: marshal: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.metrics.RecordSent(ctx, out.Type(), "error")
		return fmt.Errorf("transport: send %s: %w", out.Type(), err)
	}
	c.metrics.RecordSent(ctx, out.Type(), "ok")
	return nil
}

// Connected reports whether a connection is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close stops [Channel.Run] and closes the current connection. Safe to call
// multiple times.
func (c *Channel) Close() error {
	c.stopOnce.Do(func() {
		close(c.done)
	})

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "channel closed")
	}
	return nil
}
