package models

// ICEServer is one STUN/TURN descriptor as served by GET /api/ice-servers.
// The JSON shape matches the browser's RTCIceServer.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEServersResponse is the body of GET /api/ice-servers.
type ICEServersResponse struct {
	ICEServers []ICEServer `json:"iceServers"`
	// TTLSeconds is how long TURN credentials stay valid; zero without TURN.
	TTLSeconds int64 `json:"ttl,omitempty"`
}
