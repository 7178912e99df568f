package handlers

import (
	"net/http"

	"github.com/akinalp/medcall/middleware"
	"github.com/akinalp/medcall/pkg"
	"github.com/akinalp/medcall/services"
)

// ICEHandler serves STUN/TURN descriptors to peers.
type ICEHandler struct {
	ice services.ICEService
}

// NewICEHandler is the constructor.
func NewICEHandler(ice services.ICEService) *ICEHandler {
	return &ICEHandler{ice: ice}
}

// Servers godoc
// GET /api/ice-servers?userId=
// Returns {iceServers, ttl} inside the standard response envelope. TURN
// credentials are bound to userId.
func (h *ICEHandler) Servers(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		userID = r.URL.Query().Get("userId")
	}

	resp, err := h.ice.ServersFor(userID)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	pkg.JSON(w, http.StatusOK, resp)
}
