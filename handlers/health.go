package handlers

import (
	"net/http"

	"github.com/akinalp/medcall/pkg"
)

// OnlineCounter reports how many users are routed on the broker.
type OnlineCounter interface {
	OnlineUserIDs() []string
}

// HealthHandler answers liveness probes.
type HealthHandler struct {
	online OnlineCounter
}

// NewHealthHandler is the constructor.
func NewHealthHandler(online OnlineCounter) *HealthHandler {
	return &HealthHandler{online: online}
}

// Health godoc
// GET /api/health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	pkg.JSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"service":      "medcall",
		"online_users": len(h.online.OnlineUserIDs()),
	})
}
