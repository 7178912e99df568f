// Package main: HTTP route registration.
package main

import "net/http"

// initRoutes binds every endpoint. Users are not authenticated here: the
// broker sits behind the appointment backend. When SIGNAL_TOKEN_SECRET is set,
// identify tokens guard /ws and the TURN credential endpoint.
func initRoutes(mux *http.ServeMux, h *Handlers) {
	mux.HandleFunc("GET /api/health", h.Health.Health)

	// Peers fetch relay servers before creating a peer connection.
	mux.Handle("GET /api/ice-servers", h.Identity.Require(http.HandlerFunc(h.ICE.Servers)))

	mux.HandleFunc("GET /api/calls", h.Call.ListByAppointment)

	// Signaling. Connections are anonymous until they send identify.
	mux.HandleFunc("GET /ws", h.WS.HandleConnection)
}
