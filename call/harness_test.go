package call_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akinalp/medcall/call"
	"github.com/akinalp/medcall/media"
	"github.com/akinalp/medcall/rtc"
	"github.com/akinalp/medcall/rtc/rtctest"
	"github.com/akinalp/medcall/signaling"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
	grace   = 15 * time.Second
)

// countingSource hands out rtctest streams and remembers them.
type countingSource struct {
	mu      sync.Mutex
	streams []*rtctest.Stream
	calls   atomic.Int32
}

func (c *countingSource) Acquire(ctx context.Context) (rtc.LocalStream, error) {
	c.calls.Add(1)
	st, err := rtctest.NewAVStream("local")
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.streams = append(c.streams, st)
	c.mu.Unlock()
	return st, nil
}

func (c *countingSource) last() *rtctest.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[len(c.streams)-1]
}

type peer struct {
	userID  string
	agent   *call.Agent
	channel *signaling.MemoryChannel
	factory *rtctest.Factory
	source  *countingSource
	clock   *clock.Mock
}

type peerOption func(*call.Config, *peer)

func withSource(src media.Source) peerOption {
	return func(cfg *call.Config, _ *peer) { cfg.Media = src }
}

func withoutAutoNegotiation() peerOption {
	return func(_ *call.Config, p *peer) {
		p.factory.Configure = func(fp *rtctest.FakePeer) { fp.AutoNegotiationNeeded = false }
	}
}

func newPeer(t *testing.T, broker *signaling.MemoryBroker, userID string, opts ...peerOption) *peer {
	t.Helper()

	p := &peer{
		userID:  userID,
		channel: broker.Connect(),
		factory: rtctest.NewFactory(userID),
		source:  &countingSource{},
		clock:   clock.NewMock(),
	}
	cfg := call.Config{
		LocalUserID: userID,
		Channel:     p.channel,
		PeerFactory: p.factory.New,
		Media:       p.source,
		Clock:       p.clock,
		GracePeriod: grace,
		Logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg, p)
	}

	agent, err := call.NewAgent(cfg)
	require.NoError(t, err)
	p.agent = agent
	t.Cleanup(func() {
		_ = agent.Close()
		_ = p.channel.Close()
	})
	return p
}

// acceptAll answers every incoming call from a separate goroutine.
func (p *peer) acceptAll(t *testing.T) {
	p.agent.OnIncoming(func(s *call.Session) {
		go func() {
			if err := s.Accept(context.Background()); err != nil {
				t.Logf("%s accept: %v", p.userID, err)
			}
		}()
	})
}

// activeSession waits for the agent to hold a session.
func (p *peer) activeSession(t *testing.T) *call.Session {
	t.Helper()
	var s *call.Session
	require.Eventually(t, func() bool {
		s = p.agent.Active()
		return s != nil
	}, waitFor, tick)
	return s
}

// lastPeer waits for the factory to have created a connection.
func (p *peer) lastPeer(t *testing.T) *rtctest.FakePeer {
	t.Helper()
	var fp *rtctest.FakePeer
	require.Eventually(t, func() bool {
		fp = p.factory.Last()
		return fp != nil
	}, waitFor, tick)
	return fp
}

func waitStatus(t *testing.T, s *call.Session, want call.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status() == want }, waitFor, tick,
		"want %s, have %s", want, s.Status())
}

// opLog records every event the broker relays.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func watch(broker *signaling.MemoryBroker) *opLog {
	l := &opLog{}
	broker.Observe(func(_, op string, _ signaling.Payload) {
		l.mu.Lock()
		l.ops = append(l.ops, op)
		l.mu.Unlock()
	})
	return l
}

func (l *opLog) count(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, o := range l.ops {
		if o == op {
			n++
		}
	}
	return n
}

// inbox collects what a scripted endpoint receives.
type inbox struct {
	mu     sync.Mutex
	events []received
}

type received struct {
	op      string
	payload signaling.Payload
}

func scripted(t *testing.T, broker *signaling.MemoryBroker, userID string) (*signaling.MemoryChannel, *inbox) {
	t.Helper()
	ch := broker.Connect()
	require.NoError(t, ch.Identify(userID))
	t.Cleanup(func() { _ = ch.Close() })

	in := &inbox{}
	for _, op := range []string{
		signaling.OpIncomingCall, signaling.OpCallAccepted, signaling.OpCallPrepare,
		signaling.OpNegoNeeded, signaling.OpNegoFinal, signaling.OpIceCandidate,
		signaling.OpCallEnded, signaling.OpCallRejected,
	} {
		ch.On(op, func(p signaling.Payload) {
			in.mu.Lock()
			in.events = append(in.events, received{op: op, payload: p})
			in.mu.Unlock()
		})
	}
	return ch, in
}

func (in *inbox) all(op string) []signaling.Payload {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []signaling.Payload
	for _, e := range in.events {
		if e.op == op {
			out = append(out, e.payload)
		}
	}
	return out
}

func (in *inbox) wait(t *testing.T, op string, n int) []signaling.Payload {
	t.Helper()
	require.Eventually(t, func() bool { return len(in.all(op)) >= n }, waitFor, tick, "waiting for %d %s", n, op)
	return in.all(op)
}
