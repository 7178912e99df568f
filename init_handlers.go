// Package main: handler layer. Handlers are thin: parse, call a service,
// write the response.
package main

import (
	"github.com/akinalp/medcall/handlers"
	"github.com/akinalp/medcall/middleware"
	"github.com/akinalp/medcall/services"
	"github.com/akinalp/medcall/ws"
)

// Handlers holds every HTTP handler.
type Handlers struct {
	Call   *handlers.CallHandler
	ICE    *handlers.ICEHandler
	Health *handlers.HealthHandler
	WS     *ws.Handler

	Identity *middleware.IdentityMiddleware
}

func initHandlers(svcs *Services, hub *ws.Hub, limiters *RateLimiters, corsOrigins []string) *Handlers {
	return &Handlers{
		Call:   handlers.NewCallHandler(svcs.CallRelay),
		ICE:    handlers.NewICEHandler(svcs.ICE),
		Health: handlers.NewHealthHandler(hub),
		WS:     ws.NewHandler(hub, limiters.Connect, corsOrigins),

		Identity: identityMiddleware(svcs.Identity),
	}
}

// identityMiddleware avoids wrapping a nil interface value in a non-nil one.
func identityMiddleware(svc services.IdentityTokenService) *middleware.IdentityMiddleware {
	if svc == nil {
		return middleware.NewIdentityMiddleware(nil)
	}
	return middleware.NewIdentityMiddleware(svc)
}
