// Package ratelimit provides the in-memory limiters guarding the signaling
// broker: one keyed by client IP for WebSocket upgrades, one keyed by user id
// for signaling events.
package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type bucket struct {
	count       int
	windowStart time.Time
}

// ConnectRateLimiter caps WebSocket upgrade attempts per IP within a fixed
// window. Reconnect storms from a single host are the common case it stops.
//
//	limiter := NewConnectRateLimiter(clock.New(), 20, time.Minute)
//	if !limiter.Allow(ExtractIP(r)) { return 429 }
type ConnectRateLimiter struct {
	clock       clock.Clock
	mu          sync.Mutex
	buckets     map[string]*bucket
	maxAttempts int
	window      time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewConnectRateLimiter starts the limiter and its background cleanup loop.
func NewConnectRateLimiter(clk clock.Clock, maxAttempts int, window time.Duration) *ConnectRateLimiter {
	rl := &ConnectRateLimiter{
		clock:       clk,
		buckets:     make(map[string]*bucket),
		maxAttempts: maxAttempts,
		window:      window,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow records an attempt for ip and reports whether it is within the limit.
func (rl *ConnectRateLimiter) Allow(ip string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[ip]
	if !exists {
		rl.buckets[ip] = &bucket{count: 1, windowStart: now}
		return true
	}

	if now.Sub(b.windowStart) > rl.window {
		b.count = 1
		b.windowStart = now
		return true
	}

	b.count++
	return b.count <= rl.maxAttempts
}

// RetryAfterSeconds is the Retry-After value for a limited ip, 0 if none.
func (rl *ConnectRateLimiter) RetryAfterSeconds(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[ip]
	if !exists {
		return 0
	}

	remaining := rl.window - rl.clock.Since(b.windowStart)
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds()) + 1
}

// Stop ends the cleanup loop. Safe to call more than once.
func (rl *ConnectRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

func (rl *ConnectRateLimiter) cleanupLoop() {
	ticker := rl.clock.Ticker(time.Minute)
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

func (rl *ConnectRateLimiter) cleanup() {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for ip, b := range rl.buckets {
		if now.Sub(b.windowStart) > rl.window {
			delete(rl.buckets, ip)
		}
	}
}

// ExtractIP returns the client address, preferring the first X-Forwarded-For
// hop, then X-Real-IP, then the socket peer.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// FormatRetryMessage renders a retry delay for humans.
func FormatRetryMessage(seconds int) string {
	if seconds >= 60 {
		return fmt.Sprintf("%d minute(s)", seconds/60)
	}
	return fmt.Sprintf("%d second(s)", seconds)
}
