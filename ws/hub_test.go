package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akinalp/medcall/pkg/ratelimit"
	"github.com/akinalp/medcall/signaling"
)

const readTimeout = 2 * time.Second

type testBroker struct {
	hub     *Hub
	server  *httptest.Server
	url     string
	offline chan string
}

type brokerOption func(*Hub, **ratelimit.ConnectRateLimiter)

func withVerifier(v IdentityVerifier) brokerOption {
	return func(h *Hub, _ **ratelimit.ConnectRateLimiter) { h.SetIdentityVerifier(v) }
}

func withSignalLimit(n int) brokerOption {
	return func(h *Hub, _ **ratelimit.ConnectRateLimiter) {
		l := ratelimit.NewSignalRateLimiter(clock.NewMock(), n, time.Minute, time.Minute)
		h.SetSignalLimiter(l)
	}
}

func withConnectLimit(n int) brokerOption {
	return func(_ *Hub, cl **ratelimit.ConnectRateLimiter) {
		*cl = ratelimit.NewConnectRateLimiter(clock.NewMock(), n, time.Minute)
	}
}

// newTestBroker runs a hub whose relay mirrors the production forwarding
// rules without call bookkeeping.
func newTestBroker(t *testing.T, opts ...brokerOption) *testBroker {
	t.Helper()

	hub := NewHub(zap.NewNop())
	var connectLimiter *ratelimit.ConnectRateLimiter
	for _, opt := range opts {
		opt(hub, &connectLimiter)
	}

	b := &testBroker{hub: hub, offline: make(chan string, 8)}
	hub.OnSignal(func(from, op string, p signaling.Payload) {
		out, _ := signaling.ForwardOp(op)
		to := p.ToUserID
		p.From = from
		p.ToUserID = ""
		hub.SendToUser(to, Event{Op: out, Data: p})
	})
	hub.OnUserOffline(func(userID string) { b.offline <- userID })
	go hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", NewHandler(hub, connectLimiter, nil).HandleConnection)
	b.server = httptest.NewServer(mux)
	b.url = "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws"

	t.Cleanup(func() {
		hub.Shutdown()
		b.server.Close()
	})
	return b
}

func (b *testBroker) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(b.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, op string, data any) {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		require.NoError(t, err)
	}
	require.NoError(t, conn.WriteJSON(signaling.Envelope{Op: op, Data: raw}))
}

func read(t *testing.T, conn *websocket.Conn) signaling.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	var env signaling.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func payloadOf(t *testing.T, env signaling.Envelope) signaling.Payload {
	t.Helper()
	var p signaling.Payload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	return p
}

// identify sends identify and waits for the acknowledgement.
func identify(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	send(t, conn, signaling.OpIdentify, signaling.IdentifyPayload{UserID: userID})
	env := read(t, conn)
	require.Equal(t, signaling.OpIdentified, env.Op)
}

func TestHub_Heartbeat(t *testing.T) {
	b := newTestBroker(t)
	conn := b.dial(t)

	send(t, conn, signaling.OpHeartbeat, nil)
	assert.Equal(t, signaling.OpHeartbeatAck, read(t, conn).Op)
}

func TestHub_RelaysAddressedEvents(t *testing.T) {
	b := newTestBroker(t)
	doctor, patient := b.dial(t), b.dial(t)
	identify(t, doctor, "doctor")
	identify(t, patient, "patient")

	send(t, doctor, signaling.OpUserCall, signaling.Payload{ToUserID: "patient", AppointmentID: "apt-1"})
	send(t, doctor, signaling.OpIceCandidate, signaling.Payload{ToUserID: "patient", AppointmentID: "apt-1"})

	first := read(t, patient)
	assert.Equal(t, signaling.OpIncomingCall, first.Op)
	p := payloadOf(t, first)
	assert.Equal(t, "doctor", p.From)
	assert.Empty(t, p.ToUserID)
	assert.Equal(t, "apt-1", p.AppointmentID)

	second := read(t, patient)
	assert.Equal(t, signaling.OpIceCandidate, second.Op)
	assert.Greater(t, second.Seq, first.Seq)
}

func TestHub_EventBeforeIdentifyDropped(t *testing.T) {
	b := newTestBroker(t)
	anon, patient := b.dial(t), b.dial(t)
	identify(t, patient, "patient")

	send(t, anon, signaling.OpUserCall, signaling.Payload{ToUserID: "patient", AppointmentID: "apt-1"})

	// A later identified sender's event is the first thing the patient sees.
	doctor := b.dial(t)
	identify(t, doctor, "doctor")
	send(t, doctor, signaling.OpCallEnded, signaling.Payload{ToUserID: "patient", AppointmentID: "apt-1"})

	env := read(t, patient)
	assert.Equal(t, signaling.OpCallEnded, env.Op)
	assert.Equal(t, "doctor", payloadOf(t, env).From)
}

func TestHub_LatestIdentifyWins(t *testing.T) {
	b := newTestBroker(t)
	doctor := b.dial(t)
	identify(t, doctor, "doctor")

	older, newer := b.dial(t), b.dial(t)
	identify(t, older, "patient")
	identify(t, newer, "patient")

	send(t, doctor, signaling.OpUserCall, signaling.Payload{ToUserID: "patient", AppointmentID: "apt-1"})
	assert.Equal(t, signaling.OpIncomingCall, read(t, newer).Op)

	// The older connection closing must not unroute the newer one.
	require.NoError(t, older.Close())
	send(t, doctor, signaling.OpCallEnded, signaling.Payload{ToUserID: "patient", AppointmentID: "apt-1"})
	assert.Equal(t, signaling.OpCallEnded, read(t, newer).Op)

	assert.True(t, b.hub.IsOnline("patient"))
	select {
	case id := <-b.offline:
		t.Fatalf("unexpected offline notification for %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_OfflineCallback(t *testing.T) {
	b := newTestBroker(t)
	patient := b.dial(t)
	identify(t, patient, "patient")

	require.NoError(t, patient.Close())

	select {
	case id := <-b.offline:
		assert.Equal(t, "patient", id)
	case <-time.After(readTimeout):
		t.Fatal("offline callback not called")
	}
	assert.False(t, b.hub.IsOnline("patient"))
	assert.False(t, b.hub.SendToUser("patient", Event{Op: signaling.OpCallEnded}))
}

type verifierFunc func(token, userID string) error

func (f verifierFunc) Verify(token, userID string) error { return f(token, userID) }

func TestHub_IdentifyTokenChecked(t *testing.T) {
	b := newTestBroker(t, withVerifier(verifierFunc(func(token, userID string) error {
		if token != "token-for-"+userID {
			return errors.New("bad token")
		}
		return nil
	})))
	conn := b.dial(t)

	send(t, conn, signaling.OpIdentify, signaling.IdentifyPayload{UserID: "patient", Token: "token-for-doctor"})
	send(t, conn, signaling.OpHeartbeat, nil)
	assert.Equal(t, signaling.OpHeartbeatAck, read(t, conn).Op, "rejected identify must not be acknowledged")
	assert.False(t, b.hub.IsOnline("patient"))

	send(t, conn, signaling.OpIdentify, signaling.IdentifyPayload{UserID: "patient", Token: "token-for-patient"})
	assert.Equal(t, signaling.OpIdentified, read(t, conn).Op)
	assert.True(t, b.hub.IsOnline("patient"))
}

func TestHub_SignalRateLimit(t *testing.T) {
	b := newTestBroker(t, withSignalLimit(2))
	doctor, nurse, patient := b.dial(t), b.dial(t), b.dial(t)
	identify(t, doctor, "doctor")
	identify(t, nurse, "nurse")
	identify(t, patient, "patient")

	for range 3 {
		send(t, doctor, signaling.OpIceCandidate, signaling.Payload{ToUserID: "patient", AppointmentID: "apt-1"})
	}
	assert.Equal(t, "doctor", payloadOf(t, read(t, patient)).From)
	assert.Equal(t, "doctor", payloadOf(t, read(t, patient)).From)

	send(t, nurse, signaling.OpIceCandidate, signaling.Payload{ToUserID: "patient", AppointmentID: "apt-2"})
	assert.Equal(t, "nurse", payloadOf(t, read(t, patient)).From)
}

func TestHandler_ConnectRateLimit(t *testing.T) {
	b := newTestBroker(t, withConnectLimit(1))
	b.dial(t)

	_, resp, err := websocket.DefaultDialer.Dial(b.url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	b := newTestBroker(t)
	conn := b.dial(t)
	identify(t, conn, "patient")

	b.hub.Shutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Empty(t, b.hub.OnlineUserIDs())
}
