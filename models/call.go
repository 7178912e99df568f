// Package models holds the broker's persisted and wire-level data shapes.
//
// CallRecord lifecycle:
//   - "ringing": the initiator sent user:call, the responder has not answered
//   - "answered": call:accepted was relayed
//   - "ended": either side sent call:ended, or a party's transport dropped
//   - "rejected": the responder sent call:rejected (including busy)
//   - "missed": the responder was offline when the call was placed
package models

import "time"

// CallStatus is the broker-side status of a call.
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusAnswered CallStatus = "answered"
	CallStatusEnded    CallStatus = "ended"
	CallStatusRejected CallStatus = "rejected"
	CallStatusMissed   CallStatus = "missed"
)

// Open reports whether the call can still change status.
func (s CallStatus) Open() bool {
	return s == CallStatusRinging || s == CallStatusAnswered
}

// CallRecord is one call between two users for an appointment.
type CallRecord struct {
	ID            string     `json:"id"`
	AppointmentID string     `json:"appointment_id"`
	CallerID      string     `json:"caller_id"`
	CalleeID      string     `json:"callee_id"`
	Status        CallStatus `json:"status"`
	EndReason     string     `json:"end_reason,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	AnsweredAt    *time.Time `json:"answered_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// DurationSeconds is the answered-to-ended time, or zero when the call was
// never answered or has not ended.
func (c *CallRecord) DurationSeconds() int64 {
	if c.AnsweredAt == nil || c.EndedAt == nil {
		return 0
	}
	d := c.EndedAt.Sub(*c.AnsweredAt)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// Involves reports whether userID is either party of the call.
func (c *CallRecord) Involves(userID string) bool {
	return c.CallerID == userID || c.CalleeID == userID
}

// Peer returns the other party from userID's point of view.
func (c *CallRecord) Peer(userID string) string {
	if c.CallerID == userID {
		return c.CalleeID
	}
	return c.CallerID
}

// CallRecordResponse is CallRecord plus derived fields for the REST API.
type CallRecordResponse struct {
	CallRecord
	DurationSeconds int64 `json:"duration_seconds"`
}

// ToResponse derives the API shape.
func (c CallRecord) ToResponse() CallRecordResponse {
	return CallRecordResponse{CallRecord: c, DurationSeconds: c.DurationSeconds()}
}
