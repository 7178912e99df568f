package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/akinalp/medcall/pkg"
)

const (
	writeWait         = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	maxMessageSize    = 64 * 1024
)

// Option configures a WebSocketChannel.
type Option func(*WebSocketChannel)

// WithIdentifyToken attaches a signed token to every identify frame. The
// broker checks it when it runs with a token secret.
func WithIdentifyToken(token string) Option {
	return func(c *WebSocketChannel) { c.token = token }
}

// WithHeartbeat overrides the heartbeat period. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(c *WebSocketChannel) { c.heartbeat = d }
}

// WithDialer replaces the default gorilla dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *WebSocketChannel) { c.dialer = d }
}

// WebSocketChannel is a Channel over a gorilla/websocket connection to the
// broker. A single read goroutine decodes frames and runs handlers, which
// keeps per-sender ordering intact.
type WebSocketChannel struct {
	handlerRegistry

	url       string
	token     string
	heartbeat time.Duration
	dialer    *websocket.Dialer
	logger    *zap.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the broker at url and starts the read and heartbeat loops.
func Dial(ctx context.Context, url string, logger *zap.Logger, opts ...Option) (*WebSocketChannel, error) {
	c := &WebSocketChannel{
		url:       url,
		heartbeat: heartbeatInterval,
		dialer:    websocket.DefaultDialer,
		logger:    logger.Named("signaling"),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)
	c.conn = conn

	go c.readLoop()
	if c.heartbeat > 0 {
		go c.heartbeatLoop()
	}

	c.logger.Info("signaling connected", zap.String("url", url))
	return c, nil
}

// Identify announces the local user id. No acknowledgement is awaited.
func (c *WebSocketChannel) Identify(userID string) error {
	data, err := json.Marshal(IdentifyPayload{UserID: userID, Token: c.token})
	if err != nil {
		return fmt.Errorf("marshal identify: %w", err)
	}
	return c.writeEnvelope(Envelope{Op: OpIdentify, Data: data})
}

// Send addresses payload to toUserID under op.
func (c *WebSocketChannel) Send(op, toUserID string, payload Payload) error {
	payload.ToUserID = toUserID
	payload.From = ""
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", op, err)
	}
	return c.writeEnvelope(Envelope{Op: op, Data: data})
}

// Done is closed once the transport is gone.
func (c *WebSocketChannel) Done() <-chan struct{} {
	return c.closed
}

// Close sends a close frame and tears the connection down. Handlers for
// OpTransportClosed still run. Safe to call more than once.
func (c *WebSocketChannel) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	return c.conn.Close()
}

func (c *WebSocketChannel) writeEnvelope(env Envelope) error {
	select {
	case <-c.closed:
		return pkg.ErrNotConnected
	default:
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrNotConnected, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrNotConnected, err)
	}
	return nil
}

func (c *WebSocketChannel) readLoop() {
	defer c.markClosed()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("signaling closed unexpectedly", zap.Error(err))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("invalid frame from broker", zap.Error(err))
			continue
		}

		switch env.Op {
		case OpHeartbeatAck, OpIdentified:
			continue
		}

		var p Payload
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &p); err != nil {
				c.logger.Warn("invalid payload", zap.String("op", env.Op), zap.Error(err))
				continue
			}
		}

		if n := c.dispatch(env.Op, p); n == 0 {
			c.logger.Debug("no handler for event", zap.String("op", env.Op))
		}
	}
}

func (c *WebSocketChannel) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.writeEnvelope(Envelope{Op: OpHeartbeat}); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *WebSocketChannel) markClosed() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
		c.logger.Info("signaling transport closed")
		c.dispatch(OpTransportClosed, Payload{})
	})
}
