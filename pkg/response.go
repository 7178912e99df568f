package pkg

import (
	"encoding/json"
	"errors"
	"net/http"
)

// APIResponse is the envelope every HTTP endpoint answers with.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// JSON writes a successful response.
func JSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, APIResponse{Success: true, Data: data})
}

// Error writes a failure response, choosing the status from the domain error.
func Error(w http.ResponseWriter, err error) {
	writeEnvelope(w, mapErrorToStatus(err), APIResponse{Error: err.Error()})
}

// ErrorWithMessage writes a failure response with an explicit status.
func ErrorWithMessage(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, APIResponse{Error: message})
}

func writeEnvelope(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are gone by now; an encode failure can only be dropped.
	_ = json.NewEncoder(w).Encode(resp)
}

// mapErrorToStatus maps domain errors onto HTTP status codes. errors.Is walks
// the wrap chain so wrapped errors still match.
func mapErrorToStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrBusy):
		return http.StatusConflict
	case errors.Is(err, ErrNotConnected):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
