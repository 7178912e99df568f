package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/akinalp/medcall/pkg"
)

// ControlChannelLabel names the data channel carried by the first offer, so
// the initial handshake negotiates a transport before any media is attached.
const ControlChannelLabel = "control"

// LocalStream is a set of local tracks owned by one call.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// Events are the manager's outputs. Callbacks run on pion goroutines and are
// suppressed once the manager is closed. Any field may be nil.
type Events struct {
	// OnLocalCandidate receives each gathered local candidate.
	OnLocalCandidate func(webrtc.ICECandidateInit)
	// OnGatheringComplete fires for the end-of-gathering marker, which is
	// never forwarded as a candidate.
	OnGatheringComplete func()
	OnConnectivity      func(webrtc.ICEConnectionState)
	OnNegotiationNeeded func()
	OnTrack             func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	ICEServers []webrtc.ICEServer
	// ControlChannel opens the "control" data channel before the first offer.
	// Only the initiator sets it.
	ControlChannel bool
}

// Manager is the single authority over one call's peer connection. It maps
// call intents onto SDP operations, routes remote candidates through a
// CandidateBuffer, and enforces a single outstanding offer with a
// NegotiationGuard.
//
// Every operation fails with pkg.ErrInvalidState once the manager is closed,
// and results that complete after Close are discarded.
type Manager struct {
	mu     sync.Mutex
	pc     PeerConnection
	guard  NegotiationGuard
	remote CandidateBuffer
	logger *zap.Logger
	closed atomic.Bool

	streamsMu sync.Mutex
	streams   []LocalStream
	attached  map[webrtc.TrackLocal]bool
}

// NewManager creates the peer connection and wires its callbacks to events.
func NewManager(factory Factory, cfg ManagerConfig, events Events, logger *zap.Logger) (*Manager, error) {
	pc, err := factory(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	m := &Manager{
		pc:       pc,
		logger:   logger,
		attached: make(map[webrtc.TrackLocal]bool),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if m.closed.Load() {
			return
		}
		if c == nil {
			if events.OnGatheringComplete != nil {
				events.OnGatheringComplete()
			}
			return
		}
		if events.OnLocalCandidate != nil {
			events.OnLocalCandidate(c.ToJSON())
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if m.closed.Load() {
			return
		}
		m.logger.Debug("ice connection state", zap.Stringer("state", s))
		if events.OnConnectivity != nil {
			events.OnConnectivity(s)
		}
	})
	pc.OnNegotiationNeeded(func() {
		if m.closed.Load() || events.OnNegotiationNeeded == nil {
			return
		}
		events.OnNegotiationNeeded()
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		if m.closed.Load() || events.OnTrack == nil {
			return
		}
		events.OnTrack(track, recv)
	})

	if cfg.ControlChannel {
		if _, err := pc.CreateDataChannel(ControlChannelLabel, nil); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create control channel: %w", err)
		}
	}

	return m, nil
}

// CreateOffer creates an offer and sets it locally. It fails with
// pkg.ErrInvalidState, leaving negotiation state untouched, when an offer is
// already outstanding or the connection is not stable.
func (m *Manager) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.usable(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := m.guard.BeginOffer(m.pc.SignalingState()); err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		m.guard.AbortOffer()
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		m.guard.AbortOffer()
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	if m.closed.Load() {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: closed during offer", pkg.ErrInvalidState)
	}
	m.guard.MarkLocalDescriptionSet()

	return offer, nil
}

// CreateAnswer applies a remote offer, flushes buffered remote candidates,
// and returns the local answer after setting it. It requires a stable
// connection; an offer arriving while our own offer is outstanding is glare
// and fails with pkg.ErrInvalidState.
//
// Streams in attach are added after the offer is applied and before the
// answer is created, so the answer carries their tracks without a further
// negotiation round.
func (m *Manager) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription, attach ...LocalStream) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.usable(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: expected offer, got %s", pkg.ErrBadRequest, offer.Type)
	}
	if s := m.pc.SignalingState(); s != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: cannot answer in signaling state %s", pkg.ErrInvalidState, s)
	}

	if err := m.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	m.guard.MarkRemoteDescriptionSet()
	m.flushRemoteCandidates()

	for _, stream := range attach {
		if err := m.addTracksLocked(stream); err != nil {
			return webrtc.SessionDescription{}, err
		}
	}

	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	if m.closed.Load() {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: closed during answer", pkg.ErrInvalidState)
	}
	m.guard.MarkLocalDescriptionSet()

	return answer, nil
}

// SetRemoteAnswer applies an answer to our outstanding offer. Outside
// have-local-offer the answer is stale: it is logged and ignored, the
// in-progress flag is cleared, and applied is false with a nil error.
func (m *Manager) SetRemoteAnswer(ctx context.Context, answer webrtc.SessionDescription) (applied bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.usable(ctx); err != nil {
		return false, err
	}

	state := m.pc.SignalingState()
	if !m.guard.AcceptAnswer(state) {
		m.logger.Warn("ignoring answer without outstanding offer", zap.Stringer("signaling_state", state))
		return false, nil
	}

	if err := m.pc.SetRemoteDescription(answer); err != nil {
		return false, fmt.Errorf("set remote answer: %w", err)
	}
	m.guard.Complete()
	m.guard.MarkRemoteDescriptionSet()
	m.flushRemoteCandidates()

	return true, nil
}

// AddRemoteCandidate applies c, or queues it while no remote description is
// set. The end-of-candidates marker is dropped.
func (m *Manager) AddRemoteCandidate(ctx context.Context, c webrtc.ICECandidateInit) (EnqueueResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.usable(ctx); err != nil {
		return NotQueued, err
	}

	res := m.remote.EnqueueIfNotReady(c)
	if res != NotQueued {
		return res, nil
	}
	if err := m.pc.AddICECandidate(c); err != nil {
		return res, fmt.Errorf("add remote candidate: %w", err)
	}
	return res, nil
}

// AddLocalTracks attaches the stream's tracks. Attaching to a negotiated
// connection raises negotiation-needed. The manager takes ownership of stream
// and closes it on Close; tracks already attached are skipped.
func (m *Manager) AddLocalTracks(stream LocalStream) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		_ = stream.Close()
		return fmt.Errorf("%w: manager closed", pkg.ErrInvalidState)
	}
	return m.addTracksLocked(stream)
}

// Owns reports whether stream was handed to the manager.
func (m *Manager) Owns(stream LocalStream) bool {
	m.streamsMu.Lock()
	defer m.streamsMu.Unlock()
	for _, s := range m.streams {
		if s == stream {
			return true
		}
	}
	return false
}

// addTracksLocked runs with m.mu held.
func (m *Manager) addTracksLocked(stream LocalStream) error {
	m.streamsMu.Lock()
	defer m.streamsMu.Unlock()

	owned := false
	for _, s := range m.streams {
		if s == stream {
			owned = true
			break
		}
	}
	if !owned {
		m.streams = append(m.streams, stream)
	}

	for _, track := range stream.Tracks() {
		if m.attached[track] {
			continue
		}
		if _, err := m.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
		m.attached[track] = true
	}
	return nil
}

// PendingOffer returns our outstanding offer, or nil when none is.
func (m *Manager) PendingOffer() *webrtc.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() || m.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return nil
	}
	return m.pc.LocalDescription()
}

// ResetNegotiation clears an in-progress flag left behind by a negotiation
// that never finished. It has no effect while an offer is really outstanding.
func (m *Manager) ResetNegotiation() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() || m.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		return
	}
	m.guard.Reset()
}

// SignalingState is the connection's current signaling state.
func (m *Manager) SignalingState() webrtc.SignalingState {
	if m.closed.Load() {
		return webrtc.SignalingStateClosed
	}
	return m.pc.SignalingState()
}

// Negotiation is a snapshot of the negotiation guard.
func (m *Manager) Negotiation() NegotiationState {
	return m.guard.State()
}

// PendingRemoteCandidates is the number of remote candidates waiting for a
// remote description.
func (m *Manager) PendingRemoteCandidates() int {
	return m.remote.Len()
}

// Closed reports whether Close has run.
func (m *Manager) Closed() bool {
	return m.closed.Load()
}

// Close releases the peer connection and every local stream handed to
// AddLocalTracks. Later calls are no-ops.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := m.pc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close peer connection: %w", err))
	}

	m.streamsMu.Lock()
	streams := m.streams
	m.streams = nil
	m.streamsMu.Unlock()

	for _, s := range streams {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close local stream: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) usable(ctx context.Context) error {
	if m.closed.Load() {
		return fmt.Errorf("%w: manager closed", pkg.ErrInvalidState)
	}
	return ctx.Err()
}

// flushRemoteCandidates runs with m.mu held.
func (m *Manager) flushRemoteCandidates() {
	n, err := m.remote.Flush(m.pc.AddICECandidate)
	if err != nil {
		m.logger.Warn("some buffered candidates failed", zap.Error(err))
	}
	if n > 0 {
		m.logger.Debug("flushed buffered remote candidates", zap.Int("count", n))
	}
}
