package ws

import (
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/akinalp/medcall/pkg"
	"github.com/akinalp/medcall/pkg/ratelimit"
)

// Handler upgrades HTTP requests on /ws and hands the connection to the hub.
//
// Connections start anonymous. Routing begins after the client sends
// identify, which is where the optional token is checked.
type Handler struct {
	hub      *Hub
	limiter  *ratelimit.ConnectRateLimiter
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler builds the upgrade handler. An empty allowedOrigins accepts any
// origin. limiter may be nil.
func NewHandler(hub *Hub, limiter *ratelimit.ConnectRateLimiter, allowedOrigins []string) *Handler {
	return &Handler{
		hub:     hub,
		limiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowedOrigins) == 0 || origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
		logger: hub.logger,
	}
}

// HandleConnection godoc
// GET /ws
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ip := ratelimit.ExtractIP(r)
	if h.limiter != nil && !h.limiter.Allow(ip) {
		retry := h.limiter.RetryAfterSeconds(ip)
		h.logger.Warn("connection rate limited", zap.String("ip", ip), zap.Int("retry_after", retry))
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		pkg.ErrorWithMessage(w, http.StatusTooManyRequests, ratelimit.FormatRetryMessage(retry))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.String("ip", ip), zap.Error(err))
		return
	}

	client := newClient(h.hub, conn, ip)

	select {
	case h.hub.register <- client:
	case <-h.hub.quit:
		conn.Close()
		return
	}

	go client.WritePump()
	client.ReadPump()
}
