package signaling

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/medcall/pkg"
)

// recorder collects deliveries for one op.
type recorder struct {
	mu   sync.Mutex
	got  []Payload
	seen chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan struct{}, 64)}
}

func (r *recorder) handle(p Payload) {
	r.mu.Lock()
	r.got = append(r.got, p)
	r.mu.Unlock()
	r.seen <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) []Payload {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d/%d", i+1, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Payload(nil), r.got...)
}

// --- Protocol Tests ---

func TestForwardOp(t *testing.T) {
	out, ok := ForwardOp(OpUserCall)
	assert.True(t, ok)
	assert.Equal(t, OpIncomingCall, out)

	out, ok = ForwardOp(OpNegoDone)
	assert.True(t, ok)
	assert.Equal(t, OpNegoFinal, out)

	out, ok = ForwardOp(OpIceCandidate)
	assert.True(t, ok)
	assert.Equal(t, OpIceCandidate, out)

	_, ok = ForwardOp(OpIdentify)
	assert.False(t, ok)
	_, ok = ForwardOp(OpIncomingCall)
	assert.False(t, ok, "broker-only ops are not relayable")
}

func TestPayload_WireNames(t *testing.T) {
	p := Payload{
		ToUserID:      "doc-1",
		AppointmentID: "appt-9",
		Answer:        &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"},
	}
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "doc-1", m["toUserId"])
	assert.Equal(t, "appt-9", m["appointmentId"])
	assert.Contains(t, m, "ans")
	assert.NotContains(t, m, "offer")
	assert.Equal(t, "answer", m["ans"].(map[string]any)["type"])
}

func TestPayload_IsEndOfCandidates(t *testing.T) {
	assert.True(t, Payload{}.IsEndOfCandidates())
	assert.True(t, Payload{Candidate: &webrtc.ICECandidateInit{}}.IsEndOfCandidates())
	assert.False(t, Payload{Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}}.IsEndOfCandidates())
}

// --- MemoryBroker Tests ---

func TestMemoryBroker_RelayRenamesAndStampsFrom(t *testing.T) {
	b := NewMemoryBroker()
	patient := b.Connect()
	doctor := b.Connect()
	require.NoError(t, patient.Identify("patient"))
	require.NoError(t, doctor.Identify("doctor"))

	rec := newRecorder()
	doctor.On(OpIncomingCall, rec.handle)

	offer := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	require.NoError(t, patient.Send(OpUserCall, "doctor", Payload{AppointmentID: "a1", Offer: offer}))

	got := rec.wait(t, 1)
	assert.Equal(t, "patient", got[0].From)
	assert.Empty(t, got[0].ToUserID)
	assert.Equal(t, "a1", got[0].AppointmentID)
	assert.Equal(t, "v=0", got[0].Offer.SDP)
}

func TestMemoryBroker_PreservesSenderOrder(t *testing.T) {
	b := NewMemoryBroker()
	a := b.Connect()
	z := b.Connect()
	require.NoError(t, a.Identify("a"))
	require.NoError(t, z.Identify("z"))

	rec := newRecorder()
	z.On(OpIceCandidate, rec.handle)

	for i := 0; i < 20; i++ {
		c := webrtc.ICECandidateInit{Candidate: string(rune('a' + i))}
		require.NoError(t, a.Send(OpIceCandidate, "z", Payload{AppointmentID: "x", Candidate: &c}))
	}

	got := rec.wait(t, 20)
	for i, p := range got {
		assert.Equal(t, string(rune('a'+i)), p.Candidate.Candidate)
	}
}

func TestMemoryBroker_DropsWhenOffline(t *testing.T) {
	b := NewMemoryBroker()
	a := b.Connect()
	require.NoError(t, a.Identify("a"))

	var observed []string
	b.Observe(func(from, op string, p Payload) { observed = append(observed, op) })

	assert.NoError(t, a.Send(OpCallEnded, "nobody", Payload{AppointmentID: "x"}))
	assert.Equal(t, []string{OpCallEnded}, observed)
	assert.False(t, b.Online("nobody"))
}

func TestMemoryBroker_LatestIdentifyWins(t *testing.T) {
	b := NewMemoryBroker()
	sender := b.Connect()
	old := b.Connect()
	fresh := b.Connect()
	require.NoError(t, sender.Identify("s"))
	require.NoError(t, old.Identify("u"))
	require.NoError(t, fresh.Identify("u"))

	oldRec, freshRec := newRecorder(), newRecorder()
	old.On(OpCallEnded, oldRec.handle)
	fresh.On(OpCallEnded, freshRec.handle)

	// Closing the stale session must not unroute the fresh one.
	require.NoError(t, old.Close())
	require.NoError(t, sender.Send(OpCallEnded, "u", Payload{AppointmentID: "x"}))

	freshRec.wait(t, 1)
	assert.True(t, b.Online("u"))
	assert.Empty(t, oldRec.got)
}

func TestMemoryChannel_TransportClosedOnce(t *testing.T) {
	b := NewMemoryBroker()
	c := b.Connect()
	require.NoError(t, c.Identify("u"))

	rec := newRecorder()
	c.On(OpTransportClosed, rec.handle)

	b.Drop(c)
	require.NoError(t, c.Close())
	<-c.Done()

	rec.wait(t, 1)
	assert.Len(t, rec.got, 1)
	assert.False(t, b.Online("u"))
	assert.ErrorIs(t, c.Send(OpCallEnded, "x", Payload{}), pkg.ErrNotConnected)
	assert.ErrorIs(t, c.Identify("u"), pkg.ErrNotConnected)
}

func TestHandlerRegistry_Off(t *testing.T) {
	var r handlerRegistry
	calls := 0
	id1 := r.On("x", func(Payload) { calls++ })
	r.On("x", func(Payload) { calls += 10 })

	assert.Equal(t, 2, r.dispatch("x", Payload{}))
	assert.Equal(t, 11, calls)

	r.Off("x", id1)
	assert.Equal(t, 1, r.dispatch("x", Payload{}))
	assert.Equal(t, 21, calls)

	assert.Equal(t, 0, r.dispatch("y", Payload{}))
}
