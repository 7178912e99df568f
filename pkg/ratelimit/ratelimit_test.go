package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

// --- SignalRateLimiter Tests ---

func TestSignalRateLimiter_AllowsWithinWindow(t *testing.T) {
	clk := clock.NewMock()
	rl := NewSignalRateLimiter(clk, 3, 5*time.Second, 15*time.Second)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("u1"), "event %d", i)
	}
	assert.False(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u2"), "other users are unaffected")
}

func TestSignalRateLimiter_CooldownOutlastsWindow(t *testing.T) {
	clk := clock.NewMock()
	rl := NewSignalRateLimiter(clk, 1, 5*time.Second, 15*time.Second)
	defer rl.Stop()

	assert.True(t, rl.Allow("u1"))
	assert.False(t, rl.Allow("u1"))
	assert.Equal(t, 16, rl.CooldownSeconds("u1"))

	clk.Add(10 * time.Second)
	assert.False(t, rl.Allow("u1"), "window passed but cooldown has not")

	clk.Add(6 * time.Second)
	assert.True(t, rl.Allow("u1"))
	assert.Equal(t, 0, rl.CooldownSeconds("u1"))
}

func TestSignalRateLimiter_WindowResets(t *testing.T) {
	clk := clock.NewMock()
	rl := NewSignalRateLimiter(clk, 2, 5*time.Second, 15*time.Second)
	defer rl.Stop()

	assert.True(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u1"))
	clk.Add(6 * time.Second)
	assert.True(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u1"))
}

func TestSignalRateLimiter_Forget(t *testing.T) {
	clk := clock.NewMock()
	rl := NewSignalRateLimiter(clk, 1, 5*time.Second, 15*time.Second)
	defer rl.Stop()

	rl.Allow("u1")
	assert.False(t, rl.Allow("u1"))
	rl.Forget("u1")
	assert.True(t, rl.Allow("u1"))
}

// --- ConnectRateLimiter Tests ---

func TestConnectRateLimiter_LimitAndRetryAfter(t *testing.T) {
	clk := clock.NewMock()
	rl := NewConnectRateLimiter(clk, 2, time.Minute)
	defer rl.Stop()

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))

	clk.Add(30 * time.Second)
	assert.Equal(t, 31, rl.RetryAfterSeconds("10.0.0.1"))

	clk.Add(31 * time.Second)
	assert.True(t, rl.Allow("10.0.0.1"))
}

func TestExtractIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "192.168.1.5:4000"
	assert.Equal(t, "192.168.1.5", ExtractIP(r))

	r.Header.Set("X-Real-IP", "10.1.1.1")
	assert.Equal(t, "10.1.1.1", ExtractIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.2")
	assert.Equal(t, "203.0.113.9", ExtractIP(r))
}

func TestFormatRetryMessage(t *testing.T) {
	assert.Equal(t, "45 second(s)", FormatRetryMessage(45))
	assert.Equal(t, "2 minute(s)", FormatRetryMessage(130))
}
