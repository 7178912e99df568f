// Package main: hub callback wire-up.
//
// The hub lives in ws and knows nothing about services; these callbacks are
// where relayed events and disconnects reach the relay service.
package main

import (
	"context"

	"github.com/akinalp/medcall/signaling"
	"github.com/akinalp/medcall/ws"
)

// registerHubCallbacks must run before hub.Run.
func registerHubCallbacks(ctx context.Context, hub *ws.Hub, svcs *Services, limiters *RateLimiters) {
	if svcs.Identity != nil {
		hub.SetIdentityVerifier(svcs.Identity)
	}
	hub.SetSignalLimiter(limiters.Signal)

	// Runs on the sender's read goroutine, which keeps per-sender order.
	hub.OnSignal(func(fromUserID, op string, payload signaling.Payload) {
		svcs.CallRelay.Relay(ctx, fromUserID, op, payload)
	})

	hub.OnUserOffline(func(userID string) {
		svcs.CallRelay.HandleDisconnect(ctx, userID)
	})
}
