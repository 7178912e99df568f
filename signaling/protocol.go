// Package signaling defines the call signaling protocol and the client-side
// channel that carries it.
//
// Every frame on the wire is an Envelope:
//
//	{"op": "user:call", "d": {"toUserId": "...", "offer": {...}, "appointmentId": "..."}, "seq": 12}
//
// The broker rewrites addressed events before delivery: it stamps "from" with
// the sender's identified user id, strips "toUserId", and renames a few ops
// (see ForwardOp). Delivery is best-effort and at-most-once; an event for a
// user with no live connection is dropped.
package signaling

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Client → broker ops.
const (
	OpIdentify  = "identify"
	OpHeartbeat = "heartbeat"

	OpUserCall     = "user:call"
	OpCallAccepted = "call:accepted"
	OpCallPrepare  = "call:prepare"
	OpNegoNeeded   = "peer:nego:needed"
	OpNegoDone     = "peer:nego:done"
	OpIceCandidate = "peer:ice-candidate"
	OpCallEnded    = "call:ended"
	OpCallRejected = "call:rejected"
)

// Broker → client ops. Ops forwarded unchanged reuse the constants above.
const (
	OpHeartbeatAck = "heartbeat_ack"
	OpIdentified   = "identified"
	OpIncomingCall = "incoming:call"
	OpNegoFinal    = "peer:nego:final"
)

// OpTransportClosed never crosses the wire. Channels raise it locally when the
// underlying transport goes away.
const OpTransportClosed = "transport:closed"

// End reasons carried in Payload.Reason on call:ended and call:rejected.
const (
	ReasonHangup           = "hangup"
	ReasonDeclined         = "declined"
	ReasonBusy             = "busy"
	ReasonTimeout          = "timeout"
	ReasonFailed           = "failed"
	ReasonPeerDisconnected = "peer_disconnected"
)

// forwardOps maps each relayable client op to the op the addressee receives.
var forwardOps = map[string]string{
	OpUserCall:     OpIncomingCall,
	OpCallAccepted: OpCallAccepted,
	OpCallPrepare:  OpCallPrepare,
	OpNegoNeeded:   OpNegoNeeded,
	OpNegoDone:     OpNegoFinal,
	OpIceCandidate: OpIceCandidate,
	OpCallEnded:    OpCallEnded,
	OpCallRejected: OpCallRejected,
}

// ForwardOp reports the op delivered to the addressee of a client op, and
// whether op is relayable at all.
func ForwardOp(op string) (string, bool) {
	out, ok := forwardOps[op]
	return out, ok
}

// Envelope is one signaling frame.
type Envelope struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  int64           `json:"seq,omitempty"`
}

// IdentifyPayload binds a transport session to a logical user.
type IdentifyPayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// Payload is the body of every call event. Only the fields relevant to an op
// are set; SDP and candidates use the browser's JSON shapes.
type Payload struct {
	ToUserID      string                     `json:"toUserId,omitempty"`
	From          string                     `json:"from,omitempty"`
	AppointmentID string                     `json:"appointmentId"`
	Offer         *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer        *webrtc.SessionDescription `json:"ans,omitempty"`
	Candidate     *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Reason        string                     `json:"reason,omitempty"`
}

// IsEndOfCandidates reports whether the candidate carried by p is the
// end-of-gathering marker (absent or empty) rather than a real candidate.
func (p Payload) IsEndOfCandidates() bool {
	return p.Candidate == nil || p.Candidate.Candidate == ""
}
