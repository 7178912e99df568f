// Package rtctest provides a scripted stand-in for a pion peer connection.
//
// FakePeer follows the offer/answer signaling state machine closely enough
// for negotiation tests, records every applied candidate and attached track,
// and lets tests fire the callbacks pion would raise.
package rtctest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/akinalp/medcall/rtc"
)

// ErrNoRemoteDescription mirrors pion's refusal to add a candidate before a
// remote description exists.
var ErrNoRemoteDescription = errors.New("fake: remote description not set")

// FakePeer implements rtc.PeerConnection.
type FakePeer struct {
	mu sync.Mutex

	name      string
	offers    int
	answers   int
	signaling webrtc.SignalingState
	ice       webrtc.ICEConnectionState
	local     *webrtc.SessionDescription
	remote    *webrtc.SessionDescription
	closed    bool
	closes    int

	applied      []webrtc.ICECandidateInit
	tracks       []webrtc.TrackLocal
	dataChannels []string

	// AutoNegotiationNeeded raises negotiation-needed on a separate goroutine
	// after AddTrack in the stable state. Tracks added while a remote offer is
	// pending ride on the answer, as with pion.
	AutoNegotiationNeeded bool
	// FailCreateOffer makes the next CreateOffer fail.
	FailCreateOffer bool

	onCandidate   func(*webrtc.ICECandidate)
	onICEState    func(webrtc.ICEConnectionState)
	onNegotiation func()
	onTrack       func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// NewFakePeer returns a stable, unconnected fake.
func NewFakePeer(name string) *FakePeer {
	return &FakePeer{
		name:                  name,
		signaling:             webrtc.SignalingStateStable,
		ice:                   webrtc.ICEConnectionStateNew,
		AutoNegotiationNeeded: true,
	}
}

// Factory returns an rtc.Factory handing out fakes, recording each one.
type Factory struct {
	mu    sync.Mutex
	name  string
	peers []*FakePeer
	// Configure, when set, adjusts each new fake before use.
	Configure func(*FakePeer)
}

// NewFactory creates a factory whose fakes are named name#N.
func NewFactory(name string) *Factory {
	return &Factory{name: name}
}

// New implements rtc.Factory.
func (f *Factory) New(cfg webrtc.Configuration) (rtc.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := NewFakePeer(fmt.Sprintf("%s#%d", f.name, len(f.peers)+1))
	if f.Configure != nil {
		f.Configure(p)
	}
	f.peers = append(f.peers, p)
	return p, nil
}

// Peers returns every fake created so far.
func (f *Factory) Peers() []*FakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakePeer(nil), f.peers...)
}

// Last returns the most recent fake, or nil.
func (f *Factory) Last() *FakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

func (p *FakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return webrtc.SessionDescription{}, webrtc.ErrConnectionClosed
	}
	if p.FailCreateOffer {
		p.FailCreateOffer = false
		return webrtc.SessionDescription{}, errors.New("fake: create offer failed")
	}
	p.offers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("fake-offer %s %d tracks=%d", p.name, p.offers, len(p.tracks)),
	}, nil
}

func (p *FakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return webrtc.SessionDescription{}, webrtc.ErrConnectionClosed
	}
	if p.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("fake: create answer in %s", p.signaling)
	}
	p.answers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("fake-answer %s %d tracks=%d", p.name, p.answers, len(p.tracks)),
	}, nil
}

func (p *FakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return webrtc.ErrConnectionClosed
	}
	switch {
	case desc.Type == webrtc.SDPTypeOffer && p.signaling == webrtc.SignalingStateStable:
		p.signaling = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && p.signaling == webrtc.SignalingStateHaveRemoteOffer:
		p.signaling = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("fake: set local %s in %s", desc.Type, p.signaling)
	}
	d := desc
	p.local = &d
	return nil
}

func (p *FakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return webrtc.ErrConnectionClosed
	}
	switch {
	case desc.Type == webrtc.SDPTypeOffer && p.signaling == webrtc.SignalingStateStable:
		p.signaling = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && p.signaling == webrtc.SignalingStateHaveLocalOffer:
		p.signaling = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("fake: set remote %s in %s", desc.Type, p.signaling)
	}
	d := desc
	p.remote = &d
	return nil
}

func (p *FakePeer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *FakePeer) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *FakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return webrtc.ErrConnectionClosed
	}
	if p.remote == nil {
		return ErrNoRemoteDescription
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *FakePeer) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, webrtc.ErrConnectionClosed
	}
	p.tracks = append(p.tracks, track)
	fire := p.AutoNegotiationNeeded && p.onNegotiation != nil && p.signaling == webrtc.SignalingStateStable
	cb := p.onNegotiation
	p.mu.Unlock()

	if fire {
		go cb()
	}
	return nil, nil
}

func (p *FakePeer) CreateDataChannel(label string, _ *webrtc.DataChannelInit) (*webrtc.DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dataChannels = append(p.dataChannels, label)
	return nil, nil
}

func (p *FakePeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling
}

func (p *FakePeer) ICEConnectionState() webrtc.ICEConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ice
}

func (p *FakePeer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = f
}

func (p *FakePeer) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICEState = f
}

func (p *FakePeer) OnNegotiationNeeded(f func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onNegotiation = f
}

func (p *FakePeer) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = f
}

func (p *FakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	if p.closed {
		return nil
	}
	p.closed = true
	p.signaling = webrtc.SignalingStateClosed
	p.ice = webrtc.ICEConnectionStateClosed
	return nil
}

// --- test controls ---

// FireICEState reports a connectivity change, synchronously.
func (p *FakePeer) FireICEState(s webrtc.ICEConnectionState) {
	p.mu.Lock()
	p.ice = s
	cb := p.onICEState
	p.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// FireCandidate reports a local candidate; nil is the end-of-gathering marker.
func (p *FakePeer) FireCandidate(c *webrtc.ICECandidate) {
	p.mu.Lock()
	cb := p.onCandidate
	p.mu.Unlock()
	if cb != nil {
		cb(c)
	}
}

// FireNegotiationNeeded raises negotiation-needed synchronously.
func (p *FakePeer) FireNegotiationNeeded() {
	p.mu.Lock()
	cb := p.onNegotiation
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// SetSignalingState forces the signaling state.
func (p *FakePeer) SetSignalingState(s webrtc.SignalingState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signaling = s
}

// Applied returns the candidates added so far, in order.
func (p *FakePeer) Applied() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.applied...)
}

// Tracks returns the attached tracks.
func (p *FakePeer) Tracks() []webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), p.tracks...)
}

// DataChannels returns the labels of created data channels.
func (p *FakePeer) DataChannels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.dataChannels...)
}

// Offers counts CreateOffer successes.
func (p *FakePeer) Offers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

// Closes counts Close calls.
func (p *FakePeer) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// IsClosed reports whether Close has been called.
func (p *FakePeer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Candidate builds a host candidate init for tests.
func Candidate(n int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 5000%d typ host", n, n%250+1, n%10),
	}
}

// HostCandidate builds a local host candidate as pion would report it.
func HostCandidate(n int) *webrtc.ICECandidate {
	return &webrtc.ICECandidate{
		Foundation: fmt.Sprintf("%d", n),
		Priority:   2130706431,
		Address:    fmt.Sprintf("10.0.1.%d", n%250+1),
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       uint16(40000 + n),
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	}
}

// NewAVStream returns a stream with one opus and one vp8 sample track.
func NewAVStream(streamID string) (*Stream, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID)
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", streamID)
	if err != nil {
		return nil, err
	}
	return NewStream(audio, video), nil
}

// Stream is an rtc.LocalStream that counts Close calls.
type Stream struct {
	mu     sync.Mutex
	tracks []webrtc.TrackLocal
	closes int
}

// NewStream wraps tracks.
func NewStream(tracks ...webrtc.TrackLocal) *Stream {
	return &Stream{tracks: tracks}
}

func (s *Stream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// Closes counts Close calls.
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
