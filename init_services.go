// Package main: service layer.
//
// Ordering: the relay service must exist before registerHubCallbacks, which
// closes over it.
package main

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/akinalp/medcall/config"
	"github.com/akinalp/medcall/pkg/ratelimit"
	"github.com/akinalp/medcall/services"
	"github.com/akinalp/medcall/ws"
)

// Services holds every service instance.
type Services struct {
	CallRelay services.CallRelayService
	ICE       services.ICEService
	Identity  services.IdentityTokenService // nil when identify tokens are off
}

// RateLimiters holds the broker's limiters so main can stop them.
type RateLimiters struct {
	Signal  *ratelimit.SignalRateLimiter
	Connect *ratelimit.ConnectRateLimiter
}

// Stop ends the limiters' cleanup loops.
func (r *RateLimiters) Stop() {
	r.Signal.Stop()
	r.Connect.Stop()
}

func initRateLimiters(cfg *config.Config, clk clock.Clock) *RateLimiters {
	return &RateLimiters{
		Signal:  ratelimit.NewSignalRateLimiter(clk, cfg.Signal.RateMax, cfg.Signal.RateWindow, cfg.Signal.RateCooldown),
		Connect: ratelimit.NewConnectRateLimiter(clk, cfg.Signal.ConnectMax, cfg.Signal.ConnectWindow),
	}
}

func initServices(
	repos *Repositories,
	hub *ws.Hub,
	cfg *config.Config,
	clk clock.Clock,
	logger *zap.Logger,
) *Services {
	svcs := &Services{
		CallRelay: services.NewCallRelayService(repos.CallRecord, hub, clk, logger),
		ICE: services.NewICEService(services.ICEConfig{
			STUNURLs:   cfg.ICE.STUNURLs,
			TURNURLs:   cfg.ICE.TURNURLs,
			TURNSecret: cfg.ICE.TURNSecret,
			TURNTTL:    cfg.ICE.TURNTTL,
		}, clk),
	}

	if cfg.Signal.TokenSecret != "" {
		svcs.Identity = services.NewIdentityTokenService(cfg.Signal.TokenSecret, clk)
	}

	return svcs
}
