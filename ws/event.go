// Package ws is the signaling broker: it accepts WebSocket connections,
// binds each to a user id through identify, and relays addressed call events
// to whichever connection currently represents the addressee.
//
// Architecture:
//   - Hub: routing table (user id → latest identified connection)
//   - Client: one connection with a read pump and a write pump
//   - Handler: HTTP → WebSocket upgrade, connection rate limiting
//
// Relay flow:
//  1. Client sends {"op":"user:call","d":{"toUserId":"b",...}}
//  2. ReadPump decodes it and hands it to the hub's signal callback
//  3. The relay service rewrites it (from, op rename) and calls SendToUser
//  4. The addressee's WritePump writes it to the socket
package ws

import "github.com/akinalp/medcall/signaling"

// Event is an outbound frame. Data is marshalled as-is under "d".
//
// Seq increases monotonically per hub so a client can spot gaps.
type Event struct {
	Op   string `json:"op"`
	Data any    `json:"d,omitempty"`
	Seq  int64  `json:"seq,omitempty"`
}

// IdentifiedData acknowledges an identify.
type IdentifiedData struct {
	UserID string `json:"userId"`
}

// relayable reports whether a client op is an addressed call event.
func relayable(op string) bool {
	_, ok := signaling.ForwardOp(op)
	return ok
}
