package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gammazero/deque"
	"github.com/pion/webrtc/v4"
)

// EnqueueResult is the outcome of CandidateBuffer.EnqueueIfNotReady.
type EnqueueResult int

const (
	// NotQueued means the buffer is ready; the caller applies the candidate now.
	NotQueued EnqueueResult = iota
	// Queued means the candidate waits for Flush.
	Queued
	// Discarded means the value was the end-of-gathering marker.
	Discarded
)

func (r EnqueueResult) String() string {
	switch r {
	case NotQueued:
		return "not-queued"
	case Queued:
		return "queued"
	case Discarded:
		return "discarded"
	default:
		return fmt.Sprintf("EnqueueResult(%d)", int(r))
	}
}

// CandidateBuffer holds ICE candidates until the negotiation step they depend
// on has happened. For remote candidates that step is "remote description
// set"; for local candidates it is "local description sent".
//
// A candidate is queued only while the buffer is not ready. Flush marks the
// buffer ready and drains it in arrival order, so every candidate reaches the
// apply function exactly once.
type CandidateBuffer struct {
	mu      sync.Mutex
	ready   bool
	pending deque.Deque[webrtc.ICECandidateInit]
}

// EnqueueIfNotReady queues c while the buffer is not ready. An empty
// candidate string is the end-of-gathering marker and is never queued.
func (b *CandidateBuffer) EnqueueIfNotReady(c webrtc.ICECandidateInit) EnqueueResult {
	if c.Candidate == "" {
		return Discarded
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ready {
		return NotQueued
	}
	b.pending.PushBack(c)
	return Queued
}

// Flush marks the buffer ready and passes every queued candidate to apply in
// FIFO order, then leaves the queue empty. A failed apply does not stop the
// drain; the errors are joined. Calling Flush again is a no-op.
func (b *CandidateBuffer) Flush(apply func(webrtc.ICECandidateInit) error) (int, error) {
	b.mu.Lock()
	b.ready = true
	drained := make([]webrtc.ICECandidateInit, 0, b.pending.Len())
	for b.pending.Len() > 0 {
		drained = append(drained, b.pending.PopFront())
	}
	b.mu.Unlock()

	var errs []error
	for _, c := range drained {
		if err := apply(c); err != nil {
			errs = append(errs, fmt.Errorf("apply candidate %q: %w", c.Candidate, err))
		}
	}
	return len(drained), errors.Join(errs...)
}

// Ready reports whether Flush has run.
func (b *CandidateBuffer) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Len is the number of queued candidates.
func (b *CandidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Len()
}

// Reset drops queued candidates and makes the buffer not ready again.
func (b *CandidateBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = false
	b.pending.Clear()
}
