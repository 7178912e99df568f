// Per-user signaling limiter.
//
// Every addressed event passes through SignalRateLimiter before the relay
// sees it. A connection is identified by then, so the key is the user id and
// not the IP: several users behind one NAT do not share a budget.
//
// Bucket lifecycle:
//  1. First event from a user opens a window of `window` length.
//  2. Events inside the window are counted; up to maxEvents are allowed.
//  3. The next one starts a cooldown. Everything from the user is dropped
//     until it passes, then a fresh window opens.
//  4. A background loop removes buckets whose window and cooldown have both
//     passed, and the hub forgets a user's bucket when they go offline, so
//     users who left do not pin memory.

package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type signalBucket struct {
	count         int
	windowStart   time.Time
	cooldownUntil time.Time // zero means no cooldown
}

// SignalRateLimiter throttles signaling events per user. Up to maxEvents are
// accepted per window; the first event over the limit starts a cooldown during
// which everything from that user is dropped.
//
// ICE candidate bursts right after an offer are normal, so the window should
// be sized to allow a full gathering round.
type SignalRateLimiter struct {
	clock       clock.Clock
	mu          sync.Mutex
	buckets     map[string]*signalBucket
	maxEvents   int
	window      time.Duration
	cooldown    time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewSignalRateLimiter starts the limiter and its background cleanup loop.
func NewSignalRateLimiter(clk clock.Clock, maxEvents int, window, cooldown time.Duration) *SignalRateLimiter {
	rl := &SignalRateLimiter{
		clock:       clk,
		buckets:     make(map[string]*signalBucket),
		maxEvents:   maxEvents,
		window:      window,
		cooldown:    cooldown,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow records one event from userID and reports whether it may be relayed.
func (rl *SignalRateLimiter) Allow(userID string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[userID]
	if !exists {
		rl.buckets[userID] = &signalBucket{count: 1, windowStart: now}
		return true
	}

	if !b.cooldownUntil.IsZero() {
		if now.Before(b.cooldownUntil) {
			return false
		}
		b.count = 1
		b.windowStart = now
		b.cooldownUntil = time.Time{}
		return true
	}

	if now.Sub(b.windowStart) > rl.window {
		b.count = 1
		b.windowStart = now
		return true
	}

	b.count++
	if b.count > rl.maxEvents {
		b.cooldownUntil = now.Add(rl.cooldown)
		return false
	}

	return true
}

// CooldownSeconds is the remaining cooldown for userID, rounded up; 0 if none.
func (rl *SignalRateLimiter) CooldownSeconds(userID string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[userID]
	if !exists || b.cooldownUntil.IsZero() {
		return 0
	}

	remaining := b.cooldownUntil.Sub(rl.clock.Now())
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds()) + 1
}

// Forget drops the bucket for userID, used when the user fully disconnects.
func (rl *SignalRateLimiter) Forget(userID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, userID)
}

// Stop ends the cleanup loop. Safe to call more than once.
func (rl *SignalRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

func (rl *SignalRateLimiter) cleanupLoop() {
	ticker := rl.clock.Ticker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup keeps buckets still in cooldown even when their window has passed.
func (rl *SignalRateLimiter) cleanup() {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for userID, b := range rl.buckets {
		windowExpired := now.Sub(b.windowStart) > rl.window
		cooldownExpired := b.cooldownUntil.IsZero() || now.After(b.cooldownUntil)

		if windowExpired && cooldownExpired {
			delete(rl.buckets, userID)
		}
	}
}
