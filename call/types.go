// Package call drives one user's calls: the per-call state machine, its
// event loop, and the Agent that routes signaling to it.
//
// A Session moves idle → ringing → connecting → connected → ended. Every
// input (signaling events, pion callbacks, timers, and user actions) is posted
// to the session's mailbox and handled on one goroutine, so handlers never
// race each other and results that arrive after the session ended are
// dropped.
package call

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/akinalp/medcall/pkg"
	"github.com/akinalp/medcall/signaling"
)

// Role says which side of the handshake a session plays.
type Role string

const (
	// RoleInitiator creates the first offer.
	RoleInitiator Role = "initiator"
	// RoleResponder answers it.
	RoleResponder Role = "responder"
)

// Status is a session's place in the call lifecycle.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
)

// Active reports whether a session in this status still holds the user's
// line. An idle session is acquiring media for a call, so it counts too.
func (s Status) Active() bool {
	return s != StatusEnded
}

// EndReason says why a session ended.
type EndReason string

const (
	EndLocalHangup         EndReason = "local_hangup"
	EndRemoteHangup        EndReason = "remote_hangup"
	EndRejected            EndReason = "rejected"
	EndRemoteRejected      EndReason = "remote_rejected"
	EndBusy                EndReason = "busy"
	EndConnectivityTimeout EndReason = "connectivity_timeout"
	EndConnectivityFailed  EndReason = "connectivity_failed"
	EndTransportLost       EndReason = "transport_lost"
	EndPeerDisconnected    EndReason = "peer_disconnected"
)

// wireReason is the reason sent to the remote side when we end a call.
func (r EndReason) wireReason() string {
	switch r {
	case EndConnectivityTimeout:
		return signaling.ReasonTimeout
	case EndConnectivityFailed:
		return signaling.ReasonFailed
	default:
		return signaling.ReasonHangup
	}
}

// ErrSessionClosed is returned by actions on a session that has finished.
var ErrSessionClosed = fmt.Errorf("%w: call session finished", pkg.ErrClosed)

// Info is a point-in-time view of a session.
type Info struct {
	AppointmentID string `json:"appointmentId"`
	LocalUserID   string `json:"localUserId"`
	RemoteUserID  string `json:"remoteUserId"`
	Role          Role   `json:"role"`
	Status        Status `json:"status"`
	// Connectivity is the last observed ICE connection state.
	Connectivity webrtc.ICEConnectionState `json:"connectivity"`
	CreatedAt    time.Time                 `json:"createdAt"`
	StartedAt    *time.Time                `json:"startedAt,omitempty"`
	EndedAt      *time.Time                `json:"endedAt,omitempty"`
	EndReason    EndReason                 `json:"endReason,omitempty"`
}

// Duration is the connected time of a finished call, zero otherwise.
func (i Info) Duration() time.Duration {
	if i.StartedAt == nil || i.EndedAt == nil {
		return 0
	}
	return i.EndedAt.Sub(*i.StartedAt)
}
