package handlers

import (
	"net/http"

	"github.com/akinalp/medcall/pkg"
	"github.com/akinalp/medcall/services"
)

// CallHandler serves call history. Thin handler: parse, call the service,
// write the response.
type CallHandler struct {
	relay services.CallRelayService
}

// NewCallHandler is the constructor.
func NewCallHandler(relay services.CallRelayService) *CallHandler {
	return &CallHandler{relay: relay}
}

// ListByAppointment godoc
// GET /api/calls?appointmentId=
// Lists the call records of one appointment, oldest first.
func (h *CallHandler) ListByAppointment(w http.ResponseWriter, r *http.Request) {
	records, err := h.relay.ListByAppointment(r.Context(), r.URL.Query().Get("appointmentId"))
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, records)
}
