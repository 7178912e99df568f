package rtc

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
)

// DefaultGracePeriod is how long a disconnected link may take to recover.
const DefaultGracePeriod = 15 * time.Second

// TerminalReason says why the watchdog gave up on a connection.
type TerminalReason string

const (
	TerminalGraceExpired TerminalReason = "grace_expired"
	TerminalFailed       TerminalReason = "failed"
)

// Watchdog interprets ICE connectivity observations. "disconnected" starts a
// grace timer; recovering to connected or completed cancels it; the timer
// firing while still disconnected, or any "failed" observation, is terminal.
//
// At most one timer is armed at a time and onTerminal runs at most once.
type Watchdog struct {
	clock      clock.Clock
	grace      time.Duration
	onTerminal func(TerminalReason)

	mu         sync.Mutex
	state      webrtc.ICEConnectionState
	timer      *clock.Timer
	generation uint64
	done       bool
}

// NewWatchdog returns a watchdog that reports to onTerminal. onTerminal runs
// without the watchdog's lock held, on the observing or timer goroutine.
func NewWatchdog(clk clock.Clock, grace time.Duration, onTerminal func(TerminalReason)) *Watchdog {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Watchdog{
		clock:      clk,
		grace:      grace,
		onTerminal: onTerminal,
		state:      webrtc.ICEConnectionStateNew,
	}
}

// Observe feeds one connectivity observation.
func (w *Watchdog) Observe(state webrtc.ICEConnectionState) {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.state = state

	switch state {
	case webrtc.ICEConnectionStateDisconnected:
		if w.timer == nil {
			w.generation++
			gen := w.generation
			w.timer = w.clock.AfterFunc(w.grace, func() { w.expire(gen) })
		}
		w.mu.Unlock()

	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		w.disarm()
		w.mu.Unlock()

	case webrtc.ICEConnectionStateFailed:
		w.disarm()
		w.done = true
		w.mu.Unlock()
		w.onTerminal(TerminalFailed)

	case webrtc.ICEConnectionStateClosed:
		w.disarm()
		w.done = true
		w.mu.Unlock()

	default:
		w.mu.Unlock()
	}
}

// Stop disarms the watchdog for good.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.disarm()
	w.done = true
}

// Armed reports whether a grace timer is pending.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

// disarm runs with w.mu held. Bumping the generation turns a timer that
// already fired but has not yet taken the lock into a no-op.
func (w *Watchdog) disarm() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.generation++
}

func (w *Watchdog) expire(gen uint64) {
	w.mu.Lock()
	if w.done || gen != w.generation {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	if w.state != webrtc.ICEConnectionStateDisconnected {
		w.mu.Unlock()
		return
	}
	w.done = true
	w.mu.Unlock()

	w.onTerminal(TerminalGraceExpired)
}
