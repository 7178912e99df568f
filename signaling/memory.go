package signaling

import (
	"sync"

	"github.com/akinalp/medcall/pkg"
)

// Observer sees every event the broker accepts for relay, before routing.
type Observer func(from, op string, p Payload)

// MemoryBroker is an in-process broker with the same routing rules as the
// WebSocket broker: latest identify wins, unknown or offline addressees are
// dropped, ops are renamed with ForwardOp. Used by tests and local demos.
type MemoryBroker struct {
	mu        sync.Mutex
	routes    map[string]*MemoryChannel
	observers []Observer
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{routes: make(map[string]*MemoryChannel)}
}

// Observe registers fn to see every relayed event.
func (b *MemoryBroker) Observe(fn Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

// Connect opens a new, unidentified channel.
func (b *MemoryBroker) Connect() *MemoryChannel {
	c := &MemoryChannel{
		broker: b,
		inbox:  make(chan delivery, 1024),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.deliverLoop()
	return c
}

// Drop simulates transport loss for c.
func (b *MemoryBroker) Drop(c *MemoryChannel) {
	c.shutdown()
}

// Online reports whether userID currently has a routed channel.
func (b *MemoryBroker) Online(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.routes[userID]
	return ok
}

func (b *MemoryBroker) identify(c *MemoryChannel, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.userID != "" && b.routes[c.userID] == c {
		delete(b.routes, c.userID)
	}
	c.userID = userID
	b.routes[userID] = c
}

func (b *MemoryBroker) unroute(c *MemoryChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.userID != "" && b.routes[c.userID] == c {
		delete(b.routes, c.userID)
	}
}

func (b *MemoryBroker) relay(from *MemoryChannel, op, toUserID string, p Payload) {
	outOp, ok := ForwardOp(op)
	if !ok {
		return
	}

	b.mu.Lock()
	sender := from.userID
	target := b.routes[toUserID]
	observers := append([]Observer(nil), b.observers...)
	b.mu.Unlock()

	if sender == "" {
		return
	}
	for _, fn := range observers {
		fn(sender, op, p)
	}
	if target == nil {
		return
	}

	p.From = sender
	p.ToUserID = ""
	target.enqueue(delivery{op: outOp, payload: p})
}

type delivery struct {
	op      string
	payload Payload
}

// MemoryChannel is a Channel attached to a MemoryBroker. Deliveries run on a
// per-channel goroutine in FIFO order.
type MemoryChannel struct {
	handlerRegistry

	broker *MemoryBroker
	userID string // guarded by broker.mu

	inbox     chan delivery
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Identify routes events addressed to userID to this channel.
func (c *MemoryChannel) Identify(userID string) error {
	if c.isClosed() {
		return pkg.ErrNotConnected
	}
	c.broker.identify(c, userID)
	return nil
}

// Send relays payload to toUserID through the broker.
func (c *MemoryChannel) Send(op, toUserID string, payload Payload) error {
	if c.isClosed() {
		return pkg.ErrNotConnected
	}
	payload.ToUserID = toUserID
	c.broker.relay(c, op, toUserID, payload)
	return nil
}

// Close detaches the channel and raises OpTransportClosed.
func (c *MemoryChannel) Close() error {
	c.shutdown()
	return nil
}

// Done is closed after OpTransportClosed handlers have run.
func (c *MemoryChannel) Done() <-chan struct{} {
	return c.done
}

func (c *MemoryChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *MemoryChannel) enqueue(d delivery) {
	select {
	case <-c.closed:
	case c.inbox <- d:
	}
}

func (c *MemoryChannel) shutdown() {
	c.closeOnce.Do(func() {
		c.broker.unroute(c)
		close(c.closed)
	})
}

func (c *MemoryChannel) deliverLoop() {
	defer close(c.done)
	for {
		select {
		case d := <-c.inbox:
			c.dispatch(d.op, d.payload)
		case <-c.closed:
			c.dispatch(OpTransportClosed, Payload{})
			return
		}
	}
}
