// Client.
//
// Each connection runs two goroutines, because gorilla/websocket allows one
// concurrent reader and one concurrent writer:
//   - ReadPump: decodes frames, answers heartbeats, handles identify and
//     passes call events to the hub
//   - WritePump: drains the send queue and sends pings every pingPeriod
//
// ReadPump exiting (error, close frame, or read deadline) unregisters the
// client; the hub then closes the send queue, which ends WritePump.

package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/akinalp/medcall/signaling"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long the read side waits for any traffic (heartbeat,
	// pong or event) before declaring the connection dead.
	pongWait = 90 * time.Second

	// pingPeriod must stay below pongWait.
	pingPeriod = 30 * time.Second

	// maxMessageSize fits an SDP offer with several media sections.
	maxMessageSize = 64 * 1024

	// sendBufferSize is the per-connection outbound queue. A client that lets
	// it fill up is disconnected.
	sendBufferSize = 256
)

// Client is one WebSocket connection.
//
// Each connection runs two goroutines: ReadPump decodes frames and WritePump
// drains send. gorilla/websocket allows one concurrent reader and one
// concurrent writer, and mu serialises the writers (pings and frames).
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	remoteAddr string
	logger     *zap.Logger

	// userID is written only by hub.identify under hub.mu and read by the
	// read pump, which is also the only caller of identify.
	userID string

	send chan []byte
	mu   sync.Mutex
}

func newClient(hub *Hub, conn *websocket.Conn, remoteAddr string) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		remoteAddr: remoteAddr,
		logger:     hub.logger.With(zap.String("remote", remoteAddr)),
		send:       make(chan []byte, sendBufferSize),
	}
}

// ReadPump reads frames until the connection fails, then unregisters.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.extendDeadline(); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error { return c.extendDeadline() })

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("unexpected close", zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}

		var env signaling.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("invalid frame", zap.String("user_id", c.userID), zap.Error(err))
			continue
		}

		c.handleEvent(env)
	}
}

func (c *Client) handleEvent(env signaling.Envelope) {
	switch env.Op {
	case signaling.OpHeartbeat:
		if err := c.extendDeadline(); err != nil {
			return
		}
		c.reply(Event{Op: signaling.OpHeartbeatAck})

	case signaling.OpIdentify:
		c.handleIdentify(env.Data)

	default:
		if !relayable(env.Op) {
			c.logger.Debug("unknown op", zap.String("op", env.Op), zap.String("user_id", c.userID))
			return
		}
		c.handleSignal(env)
	}
}

func (c *Client) handleIdentify(data json.RawMessage) {
	var p signaling.IdentifyPayload
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
		c.logger.Warn("identify without user id")
		return
	}

	if c.hub.verifier != nil {
		if err := c.hub.verifier.Verify(p.Token, p.UserID); err != nil {
			c.logger.Warn("identify rejected", zap.String("user_id", p.UserID), zap.Error(err))
			return
		}
	}

	c.hub.identify(c, p.UserID)
	c.reply(Event{Op: signaling.OpIdentified, Data: IdentifiedData{UserID: p.UserID}})
}

func (c *Client) handleSignal(env signaling.Envelope) {
	from := c.userID
	if from == "" {
		c.logger.Warn("event before identify", zap.String("op", env.Op))
		return
	}

	if c.hub.limiter != nil && !c.hub.limiter.Allow(from) {
		c.logger.Warn("signaling rate limit exceeded, event dropped",
			zap.String("user_id", from),
			zap.String("op", env.Op),
			zap.Int("cooldown_seconds", c.hub.limiter.CooldownSeconds(from)),
		)
		return
	}

	var p signaling.Payload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		c.logger.Warn("invalid payload", zap.String("op", env.Op), zap.String("user_id", from), zap.Error(err))
		return
	}
	if p.ToUserID == "" {
		c.logger.Warn("event without toUserId", zap.String("op", env.Op), zap.String("user_id", from))
		return
	}

	if c.hub.onSignal != nil {
		c.hub.onSignal(from, env.Op, p)
	}
}

// reply queues an event for this connection only.
func (c *Client) reply(event Event) {
	event.Seq = c.hub.seq.Add(1)
	data, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("marshal reply", zap.String("op", event.Op), zap.Error(err))
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; ok {
		c.enqueue(data)
	}
}

// enqueue must be called with hub.mu held for reading.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("send buffer full, dropping connection", zap.String("user_id", c.userID))
		go c.hub.remove(c)
		return false
	}
}

// WritePump writes queued frames and periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.writeMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.writeMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) extendDeadline() error {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("set read deadline", zap.Error(err))
		return err
	}
	return nil
}
