// Package rtc owns the WebRTC side of a call: the peer connection and the
// pieces that keep its negotiation orderly (candidate buffering, the
// single-outstanding-offer guard, and the reconnection watchdog).
package rtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the subset of *webrtc.PeerConnection the manager drives.
// Tests substitute rtctest.FakePeer.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateDataChannel(label string, options *webrtc.DataChannelInit) (*webrtc.DataChannel, error)
	SignalingState() webrtc.SignalingState
	ICEConnectionState() webrtc.ICEConnectionState
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnNegotiationNeeded(f func())
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// Factory creates one peer connection per call.
type Factory func(cfg webrtc.Configuration) (PeerConnection, error)

// APIOptions tunes the pion API shared by all calls of a process.
type APIOptions struct {
	// IncludeLoopback gathers 127.0.0.1 candidates, useful for same-host tests.
	IncludeLoopback bool
}

// NewAPI builds a pion API with the default codecs and interceptors.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// PionFactory returns a Factory backed by api.
func PionFactory(api *webrtc.API) Factory {
	return func(cfg webrtc.Configuration) (PeerConnection, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return pc, nil
	}
}
