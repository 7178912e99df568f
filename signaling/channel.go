package signaling

import (
	"sync"
)

// Handler receives the payload of one inbound event. Handlers for a channel
// run on that channel's delivery goroutine, one at a time and in arrival order.
type Handler func(Payload)

// HandlerID identifies a subscription so it can be removed with Off.
type HandlerID uint64

// Channel is one endpoint's view of the signaling transport.
//
// Identify binds the transport session to a logical user; after that, events
// addressed to the user are routed here regardless of reconnects elsewhere.
// Send is best-effort: the broker drops events for users that are offline.
// When the transport goes away the channel raises OpTransportClosed exactly
// once and every later Send fails with pkg.ErrNotConnected.
type Channel interface {
	Identify(userID string) error
	Send(op, toUserID string, payload Payload) error
	On(op string, h Handler) HandlerID
	Off(op string, id HandlerID)
	Close() error
}

type subscription struct {
	id HandlerID
	h  Handler
}

// handlerRegistry keeps the per-op subscriber lists shared by the channel
// implementations.
type handlerRegistry struct {
	mu       sync.RWMutex
	nextID   HandlerID
	handlers map[string][]subscription
}

func (r *handlerRegistry) On(op string, h Handler) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handlers == nil {
		r.handlers = make(map[string][]subscription)
	}
	r.nextID++
	r.handlers[op] = append(r.handlers[op], subscription{id: r.nextID, h: h})
	return r.nextID
}

func (r *handlerRegistry) Off(op string, id HandlerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.handlers[op]
	for i, s := range subs {
		if s.id == id {
			r.handlers[op] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(r.handlers[op]) == 0 {
		delete(r.handlers, op)
	}
}

// dispatch calls the handlers registered for op outside the lock, so a
// handler may subscribe or unsubscribe without deadlocking.
func (r *handlerRegistry) dispatch(op string, p Payload) int {
	r.mu.RLock()
	subs := make([]subscription, len(r.handlers[op]))
	copy(subs, r.handlers[op])
	r.mu.RUnlock()

	for _, s := range subs {
		s.h(p)
	}
	return len(subs)
}
