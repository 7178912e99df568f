package rtc_test

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akinalp/medcall/pkg"
	"github.com/akinalp/medcall/rtc"
	"github.com/akinalp/medcall/rtc/rtctest"
)

func newFakeManager(t *testing.T, cfg rtc.ManagerConfig, events rtc.Events) (*rtc.Manager, *rtctest.FakePeer) {
	t.Helper()
	f := rtctest.NewFactory(t.Name())
	m, err := rtc.NewManager(f.New, cfg, events, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, f.Last()
}

func remoteOffer(n int) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer-" + strings.Repeat("x", n)}
}

func remoteAnswer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}
}

// --- Offer / answer ---

func TestManager_OfferAnswerCycle(t *testing.T) {
	ctx := context.Background()
	m, pc := newFakeManager(t, rtc.ManagerConfig{ControlChannel: true}, rtc.Events{})

	assert.Equal(t, []string{rtc.ControlChannelLabel}, pc.DataChannels())

	offer, err := m.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, m.SignalingState())
	assert.True(t, m.Negotiation().InProgress)
	require.NotNil(t, m.PendingOffer())
	assert.Equal(t, offer, *m.PendingOffer())

	applied, err := m.SetRemoteAnswer(ctx, remoteAnswer())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, rtc.NegotiationState{LocalDescriptionSet: true, RemoteDescriptionSet: true}, m.Negotiation())
	assert.Nil(t, m.PendingOffer())
}

func TestManager_SecondOfferWhileOutstandingFails(t *testing.T) {
	ctx := context.Background()
	m, pc := newFakeManager(t, rtc.ManagerConfig{}, rtc.Events{})

	_, err := m.CreateOffer(ctx)
	require.NoError(t, err)
	before := m.Negotiation()

	_, err = m.CreateOffer(ctx)
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
	assert.Equal(t, before, m.Negotiation())
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, m.SignalingState())
	assert.Equal(t, 1, pc.Offers())
}

func TestManager_FailedOfferReleasesGuard(t *testing.T) {
	ctx := context.Background()
	f := rtctest.NewFactory(t.Name())
	f.Configure = func(p *rtctest.FakePeer) { p.FailCreateOffer = true }
	m, err := rtc.NewManager(f.New, rtc.ManagerConfig{}, rtc.Events{}, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	_, err = m.CreateOffer(ctx)
	require.Error(t, err)
	assert.False(t, m.Negotiation().InProgress)

	_, err = m.CreateOffer(ctx)
	assert.NoError(t, err)
}

func TestManager_StaleAnswerIsNoOp(t *testing.T) {
	ctx := context.Background()
	m, pc := newFakeManager(t, rtc.ManagerConfig{}, rtc.Events{})

	applied, err := m.SetRemoteAnswer(ctx, remoteAnswer())
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, webrtc.SignalingStateStable, m.SignalingState())
	assert.Nil(t, pc.RemoteDescription())

	// A duplicated answer after the real one is stale too.
	_, err = m.CreateOffer(ctx)
	require.NoError(t, err)
	applied, err = m.SetRemoteAnswer(ctx, remoteAnswer())
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = m.SetRemoteAnswer(ctx, remoteAnswer())
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, webrtc.SignalingStateStable, m.SignalingState())
}

func TestManager_CreateAnswer(t *testing.T) {
	ctx := context.Background()
	m, _ := newFakeManager(t, rtc.ManagerConfig{}, rtc.Events{})

	_, err := m.CreateAnswer(ctx, remoteAnswer())
	assert.ErrorIs(t, err, pkg.ErrBadRequest)

	answer, err := m.CreateAnswer(ctx, remoteOffer(1))
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Equal(t, webrtc.SignalingStateStable, m.SignalingState())
}

func TestManager_GlareOfferRejected(t *testing.T) {
	ctx := context.Background()
	m, _ := newFakeManager(t, rtc.ManagerConfig{}, rtc.Events{})

	_, err := m.CreateOffer(ctx)
	require.NoError(t, err)

	_, err = m.CreateAnswer(ctx, remoteOffer(1))
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, m.SignalingState())
}

func TestManager_ResetNegotiation(t *testing.T) {
	ctx := context.Background()
	m, pc := newFakeManager(t, rtc.ManagerConfig{}, rtc.Events{})

	_, err := m.CreateOffer(ctx)
	require.NoError(t, err)

	m.ResetNegotiation()
	assert.True(t, m.Negotiation().InProgress, "real outstanding offer is kept")

	// Simulate a negotiation that ended without an answer being applied.
	pc.SetSignalingState(webrtc.SignalingStateStable)
	m.ResetNegotiation()
	assert.False(t, m.Negotiation().InProgress)
}

// --- Candidates ---

func TestManager_RemoteCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	ctx := context.Background()
	m, pc := newFakeManager(t, rtc.ManagerConfig{}, rtc.Events{})

	for i := 1; i <= 3; i++ {
		res, err := m.AddRemoteCandidate(ctx, rtctest.Candidate(i))
		require.NoError(t, err)
		assert.Equal(t, rtc.Queued, res)
	}
	assert.Equal(t, 3, m.PendingRemoteCandidates())
	assert.Empty(t, pc.Applied())

	_, err := m.CreateAnswer(ctx, remoteOffer(1))
	require.NoError(t, err)
	assert.Equal(t, 0, m.PendingRemoteCandidates())

	res, err := m.AddRemoteCandidate(ctx, rtctest.Candidate(4))
	require.NoError(t, err)
	assert.Equal(t, rtc.NotQueued, res)

	assert.Equal(t, []webrtc.ICECandidateInit{
		rtctest.Candidate(1), rtctest.Candidate(2), rtctest.Candidate(3), rtctest.Candidate(4),
	}, pc.Applied())
}

func TestManager_EndOfCandidatesDropped(t *testing.T) {
	ctx := context.Background()
	m, pc := newFakeManager(t, rtc.ManagerConfig{}, rtc.Events{})

	res, err := m.AddRemoteCandidate(ctx, webrtc.ICECandidateInit{})
	require.NoError(t, err)
	assert.Equal(t, rtc.Discarded, res)
	assert.Equal(t, 0, m.PendingRemoteCandidates())

	_, err = m.CreateAnswer(ctx, remoteOffer(1))
	require.NoError(t, err)
	assert.Empty(t, pc.Applied())
}

// Every valid candidate is applied exactly once and in arrival order,
// wherever the remote description lands in the sequence.
func TestManager_CandidateOrderingAnyInterleaving(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 11))

	for round := 0; round < 50; round++ {
		m, pc := newFakeManager(t, rtc.ManagerConfig{}, rtc.Events{})
		n := 1 + rng.IntN(12)
		offerAt := rng.IntN(n + 1)

		var want []webrtc.ICECandidateInit
		for i := 0; i <= n; i++ {
			if i == offerAt {
				_, err := m.CreateAnswer(ctx, remoteOffer(round))
				require.NoError(t, err)
			}
			if i == n {
				break
			}
			c := rtctest.Candidate(round*100 + i)
			if rng.IntN(5) == 0 {
				c = webrtc.ICECandidateInit{}
			} else {
				want = append(want, c)
			}
			_, err := m.AddRemoteCandidate(ctx, c)
			require.NoError(t, err)
		}

		assert.Equal(t, want, pc.Applied(), "round %d", round)
		_ = m.Close()
	}
}

func TestManager_LocalCandidateEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		local    []webrtc.ICECandidateInit
		complete atomic.Int32
	)
	_, pc := newFakeManager(t, rtc.ManagerConfig{}, rtc.Events{
		OnLocalCandidate: func(c webrtc.ICECandidateInit) {
			mu.Lock()
			local = append(local, c)
			mu.Unlock()
		},
		OnGatheringComplete: func() { complete.Add(1) },
	})

	pc.FireCandidate(rtctest.HostCandidate(1))
	pc.FireCandidate(nil)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, local, 1)
	assert.True(t, strings.HasPrefix(local[0].Candidate, "candidate:"))
	assert.Equal(t, int32(1), complete.Load())
}

// --- Tracks / close ---

func TestManager_AddLocalTracksRaisesNegotiation(t *testing.T) {
	var needed atomic.Int32
	m, pc := newFakeManager(t, rtc.ManagerConfig{}, rtc.Events{
		OnNegotiationNeeded: func() { needed.Add(1) },
	})

	stream, err := rtctest.NewAVStream("local")
	require.NoError(t, err)

	require.NoError(t, m.AddLocalTracks(stream))
	require.NoError(t, m.AddLocalTracks(stream))
	assert.Len(t, pc.Tracks(), 2, "tracks attach once")

	require.Eventually(t, func() bool { return needed.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	var connectivity atomic.Int32
	m, pc := newFakeManager(t, rtc.ManagerConfig{}, rtc.Events{
		OnConnectivity: func(webrtc.ICEConnectionState) { connectivity.Add(1) },
	})

	stream, err := rtctest.NewAVStream("local")
	require.NoError(t, err)
	require.NoError(t, m.AddLocalTracks(stream))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.True(t, m.Closed())
	assert.Equal(t, 1, pc.Closes())
	assert.Equal(t, 1, stream.Closes())
	assert.Equal(t, webrtc.SignalingStateClosed, m.SignalingState())

	_, err = m.CreateOffer(ctx)
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
	_, err = m.AddRemoteCandidate(ctx, rtctest.Candidate(1))
	assert.ErrorIs(t, err, pkg.ErrInvalidState)

	pc.FireICEState(webrtc.ICEConnectionStateDisconnected)
	assert.Equal(t, int32(0), connectivity.Load(), "callbacks after close are discarded")

	late, err := rtctest.NewAVStream("late")
	require.NoError(t, err)
	assert.ErrorIs(t, m.AddLocalTracks(late), pkg.ErrInvalidState)
	assert.Equal(t, 1, late.Closes())
}

// --- Real pion ---

func TestManager_PionOfferAnswer(t *testing.T) {
	ctx := context.Background()
	api, err := rtc.NewAPI(rtc.APIOptions{IncludeLoopback: true})
	require.NoError(t, err)

	caller, err := rtc.NewManager(rtc.PionFactory(api), rtc.ManagerConfig{ControlChannel: true}, rtc.Events{}, zap.NewNop())
	require.NoError(t, err)
	defer caller.Close()

	callee, err := rtc.NewManager(rtc.PionFactory(api), rtc.ManagerConfig{}, rtc.Events{}, zap.NewNop())
	require.NoError(t, err)
	defer callee.Close()

	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "webrtc-datachannel")

	answer, err := callee.CreateAnswer(ctx, offer)
	require.NoError(t, err)

	applied, err := caller.SetRemoteAnswer(ctx, answer)
	require.NoError(t, err)
	assert.True(t, applied)

	assert.Equal(t, webrtc.SignalingStateStable, caller.SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, callee.SignalingState())
	assert.False(t, caller.Negotiation().InProgress)
}

func TestManager_AnswerCarriesAttachedTracks(t *testing.T) {
	ctx := context.Background()
	var needed atomic.Int32
	m, pc := newFakeManager(t, rtc.ManagerConfig{}, rtc.Events{
		OnNegotiationNeeded: func() { needed.Add(1) },
	})

	stream, err := rtctest.NewAVStream("answerer")
	require.NoError(t, err)
	assert.False(t, m.Owns(stream))

	answer, err := m.CreateAnswer(ctx, remoteOffer(1), stream)
	require.NoError(t, err)
	assert.Contains(t, answer.SDP, "tracks=2")
	assert.True(t, m.Owns(stream))
	assert.Len(t, pc.Tracks(), 2)

	assert.Never(t, func() bool { return needed.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}
