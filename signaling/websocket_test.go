package signaling_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akinalp/medcall/pkg"
	"github.com/akinalp/medcall/signaling"
	"github.com/akinalp/medcall/ws"
)

const waitFor = 2 * time.Second

// startBroker serves a hub that relays with the production forwarding rules.
func startBroker(t *testing.T, verifier ws.IdentityVerifier) (*ws.Hub, string) {
	t.Helper()

	hub := ws.NewHub(zap.NewNop())
	if verifier != nil {
		hub.SetIdentityVerifier(verifier)
	}
	hub.OnSignal(func(from, op string, p signaling.Payload) {
		out, _ := signaling.ForwardOp(op)
		to := p.ToUserID
		p.From = from
		p.ToUserID = ""
		hub.SendToUser(to, ws.Event{Op: out, Data: p})
	})
	go hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", ws.NewHandler(hub, nil, nil).HandleConnection)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, opts ...signaling.Option) *signaling.WebSocketChannel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	ch, err := signaling.Dial(ctx, url, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func identify(t *testing.T, hub *ws.Hub, ch *signaling.WebSocketChannel, userID string) {
	t.Helper()
	require.NoError(t, ch.Identify(userID))
	require.Eventually(t, func() bool { return hub.IsOnline(userID) }, waitFor, 5*time.Millisecond)
}

func TestWebSocketChannel_RelayThroughBroker(t *testing.T) {
	hub, url := startBroker(t, nil)
	doctor, patient := dial(t, url), dial(t, url)
	identify(t, hub, doctor, "doctor")
	identify(t, hub, patient, "patient")

	got := make(chan signaling.Payload, 4)
	patient.On(signaling.OpIncomingCall, func(p signaling.Payload) { got <- p })
	patient.On(signaling.OpNegoFinal, func(p signaling.Payload) { got <- p })

	require.NoError(t, doctor.Send(signaling.OpUserCall, "patient", signaling.Payload{AppointmentID: "apt-1"}))
	require.NoError(t, doctor.Send(signaling.OpNegoDone, "patient", signaling.Payload{AppointmentID: "apt-1"}))

	for range 2 {
		select {
		case p := <-got:
			assert.Equal(t, "doctor", p.From)
			assert.Equal(t, "apt-1", p.AppointmentID)
			assert.Empty(t, p.ToUserID)
		case <-time.After(waitFor):
			t.Fatal("relayed event not delivered")
		}
	}
}

func TestWebSocketChannel_IdentifyToken(t *testing.T) {
	verifier := verifierFunc(func(token, userID string) error {
		if token != "tok-"+userID {
			return errors.New("bad token")
		}
		return nil
	})
	hub, url := startBroker(t, verifier)

	good := dial(t, url, signaling.WithIdentifyToken("tok-patient"))
	identify(t, hub, good, "patient")

	bad := dial(t, url, signaling.WithIdentifyToken("tok-someone-else"))
	require.NoError(t, bad.Identify("doctor"))
	assert.Never(t, func() bool { return hub.IsOnline("doctor") }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestWebSocketChannel_TransportClosed(t *testing.T) {
	hub, url := startBroker(t, nil)
	ch := dial(t, url, signaling.WithHeartbeat(0))
	identify(t, hub, ch, "patient")

	closed := make(chan struct{})
	ch.On(signaling.OpTransportClosed, func(signaling.Payload) { close(closed) })

	hub.Shutdown()

	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("transport closed event not raised")
	}
	<-ch.Done()

	err := ch.Send(signaling.OpCallEnded, "doctor", signaling.Payload{AppointmentID: "apt-1"})
	assert.ErrorIs(t, err, pkg.ErrNotConnected)
}

type verifierFunc func(token, userID string) error

func (f verifierFunc) Verify(token, userID string) error { return f(token, userID) }
