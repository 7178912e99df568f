// Hub.
//
// The hub owns the connection set and the routing table. Register and
// unregister requests arrive on channels and are applied by the Run
// goroutine; identify updates the route directly under the write lock, and
// lookups take the read lock. Sending to a user never blocks
// the caller: each client has a buffered send queue, and a client whose
// queue is full is dropped as a slow consumer.
//
// Routing rules:
//   - identify binds a connection to a user id; the latest identify wins
//   - a replaced connection stays open but receives nothing
//   - only the routed connection's disconnect unroutes the user and fires
//     the disconnect callback

package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/akinalp/medcall/pkg/ratelimit"
	"github.com/akinalp/medcall/signaling"
)

// EventPublisher is what the service layer needs from the hub.
//
// Services depend on this interface rather than *Hub so they can be tested
// with a recording fake.
type EventPublisher interface {
	// SendToUser delivers event to the user's routed connection. It returns
	// false when the user has no live connection; the event is dropped.
	SendToUser(userID string, event Event) bool
	IsOnline(userID string) bool
}

// IdentityVerifier checks the optional token sent with identify.
type IdentityVerifier interface {
	Verify(token, userID string) error
}

// SignalFunc receives an addressed call event from an identified user. It runs
// on the sender's read goroutine, so events from one sender arrive in order.
type SignalFunc func(fromUserID, op string, payload signaling.Payload)

// Hub tracks every connection and routes by user id.
//
// A user is routed to the connection that identified as them most recently.
// An older connection for the same user stays open but unrouted, and its
// disconnect does not unroute the newer one.
type Hub struct {
	clients map[*Client]struct{}
	routes  map[string]*Client
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	quit       chan struct{}
	quitOnce   sync.Once

	seq atomic.Int64

	logger   *zap.Logger
	verifier IdentityVerifier
	limiter  *ratelimit.SignalRateLimiter

	onSignal      SignalFunc
	onUserOffline func(userID string)
}

// NewHub creates a hub. Call Run in its own goroutine before serving.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		routes:     make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		logger:     logger.Named("hub"),
	}
}

// SetIdentityVerifier enables token checks on identify. Nil disables them.
func (h *Hub) SetIdentityVerifier(v IdentityVerifier) { h.verifier = v }

// SetSignalLimiter enables per-user throttling of relayed events.
func (h *Hub) SetSignalLimiter(l *ratelimit.SignalRateLimiter) { h.limiter = l }

// OnSignal sets the relay callback. Must be set before Run.
func (h *Hub) OnSignal(fn SignalFunc) { h.onSignal = fn }

// OnUserOffline is called, on its own goroutine, when a user's routed
// connection goes away and no newer connection has taken over.
func (h *Hub) OnUserOffline(fn func(userID string)) { h.onUserOffline = fn }

// Run is the hub's register/unregister loop. It returns after Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case <-h.quit:
			return
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("client connected", zap.String("remote", client.remoteAddr), zap.Int("connections", total))
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)

	userID := client.userID
	routed := userID != "" && h.routes[userID] == client
	if routed {
		delete(h.routes, userID)
	}
	h.mu.Unlock()

	if h.limiter != nil && routed {
		h.limiter.Forget(userID)
	}

	if !routed {
		h.logger.Debug("client disconnected", zap.String("user_id", userID))
		return
	}

	h.logger.Info("user offline", zap.String("user_id", userID))
	if h.onUserOffline != nil {
		go h.onUserOffline(userID)
	}
}

// remove asks Run to drop client without blocking once the hub is shut down.
func (h *Hub) remove(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// identify binds client to userID and makes it the user's route.
func (h *Hub) identify(client *Client, userID string) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}

	prevUser := client.userID
	if prevUser != "" && prevUser != userID && h.routes[prevUser] == client {
		delete(h.routes, prevUser)
	}
	client.userID = userID

	replaced := h.routes[userID]
	h.routes[userID] = client
	h.mu.Unlock()

	h.logger.Info("user identified",
		zap.String("user_id", userID),
		zap.Bool("replaced_connection", replaced != nil && replaced != client),
	)
}

// SendToUser implements EventPublisher.
func (h *Hub) SendToUser(userID string, event Event) bool {
	event.Seq = h.seq.Add(1)

	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal event", zap.String("op", event.Op), zap.Error(err))
		return false
	}

	// send is closed under the write lock, so the enqueue must hold the
	// read lock.
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.routes[userID]
	if !ok {
		return false
	}
	return client.enqueue(data)
}

// IsOnline implements EventPublisher.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.routes[userID]
	return ok
}

// OnlineUserIDs returns every routed user id.
func (h *Hub) OnlineUserIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.routes))
	for id := range h.routes {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown closes every connection's send queue and stops Run.
func (h *Hub) Shutdown() {
	h.quitOnce.Do(func() {
		close(h.quit)

		h.mu.Lock()
		for client := range h.clients {
			close(client.send)
		}
		n := len(h.clients)
		h.clients = make(map[*Client]struct{})
		h.routes = make(map[string]*Client)
		h.mu.Unlock()

		h.logger.Info("hub shut down", zap.Int("closed_connections", n))
	})
}
