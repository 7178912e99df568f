package call

import (
	"sync"

	"github.com/gammazero/deque"
)

// mailbox is an unbounded FIFO of session events. Posting never blocks, so
// pion callbacks and timers can post from any goroutine, including the
// session's own.
type mailbox struct {
	mu     sync.Mutex
	queue  deque.Deque[event]
	closed bool
	wake   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

// post enqueues e. It returns false once the mailbox is closed.
func (m *mailbox) post(e event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue.PushBack(e)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) pop() (event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queue.Len() == 0 {
		return nil, false
	}
	return m.queue.PopFront(), true
}

// close refuses further posts and hands every still-queued event to discard.
func (m *mailbox) close(discard func(event)) {
	m.mu.Lock()
	m.closed = true
	left := make([]event, 0, m.queue.Len())
	for m.queue.Len() > 0 {
		left = append(left, m.queue.PopFront())
	}
	m.mu.Unlock()

	for _, e := range left {
		discard(e)
	}
}
