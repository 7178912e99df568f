package call

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/akinalp/medcall/pkg"
	"github.com/akinalp/medcall/signaling"
)

// inboundOps are the events an Agent routes to sessions.
var inboundOps = []string{
	signaling.OpIncomingCall,
	signaling.OpCallAccepted,
	signaling.OpCallPrepare,
	signaling.OpNegoNeeded,
	signaling.OpNegoFinal,
	signaling.OpIceCandidate,
	signaling.OpCallEnded,
	signaling.OpCallRejected,
}

// Agent is one signed-in user's call endpoint. It owns at most one active
// session, routes inbound events to it by appointment id, and answers calls
// for any other appointment with call:rejected {reason: busy}.
type Agent struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	active     *Session
	onIncoming func(*Session)
	closed     bool

	subs map[string]signaling.HandlerID
}

// NewAgent identifies cfg.LocalUserID on the channel and starts routing.
func NewAgent(cfg Config) (*Agent, error) {
	full, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:    full,
		logger: full.Logger.Named("agent").With(zap.String("user_id", full.LocalUserID)),
		subs:   make(map[string]signaling.HandlerID, len(inboundOps)+1),
	}

	for _, op := range inboundOps {
		a.subs[op] = full.Channel.On(op, func(p signaling.Payload) { a.route(op, p) })
	}
	a.subs[signaling.OpTransportClosed] = full.Channel.On(signaling.OpTransportClosed, func(signaling.Payload) {
		a.transportLost()
	})

	if err := full.Channel.Identify(full.LocalUserID); err != nil {
		a.unsubscribe()
		return nil, fmt.Errorf("identify %s: %w", full.LocalUserID, err)
	}
	a.logger.Info("call agent ready")
	return a, nil
}

// OnIncoming registers the handler for new incoming calls. It runs on the
// channel's delivery goroutine; Accept and Reject may be called from it. With
// no handler registered, incoming calls are declined.
func (a *Agent) OnIncoming(fn func(*Session)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onIncoming = fn
}

// Active returns the current session, or nil.
func (a *Agent) Active() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Call places a call as initiator. It returns once the offer is sent and the
// session is ringing. Denied media returns pkg.ErrPermissionDenied and leaves
// no session behind.
func (a *Agent) Call(ctx context.Context, remoteUserID, appointmentID string) (*Session, error) {
	return a.begin(ctx, RoleInitiator, purposeCall, remoteUserID, appointmentID)
}

// Join announces that this user is ready for a call the remote user has
// placed or is about to place. It sends call:prepare, and the offer that
// comes back is answered without a separate Accept.
func (a *Agent) Join(ctx context.Context, remoteUserID, appointmentID string) (*Session, error) {
	return a.begin(ctx, RoleResponder, purposeJoin, remoteUserID, appointmentID)
}

func (a *Agent) begin(ctx context.Context, role Role, p purpose, remoteUserID, appointmentID string) (*Session, error) {
	if remoteUserID == "" || appointmentID == "" {
		return nil, fmt.Errorf("%w: remote user and appointment are required", pkg.ErrBadRequest)
	}
	if remoteUserID == a.cfg.LocalUserID {
		return nil, fmt.Errorf("%w: cannot call yourself", pkg.ErrBadRequest)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: agent closed", pkg.ErrClosed)
	}
	if cur := a.active; cur != nil && cur.Status().Active() {
		busy := cur.appointmentID
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: already in call for appointment %s", pkg.ErrBusy, busy)
	}
	s := newSession(a.cfg, role, remoteUserID, appointmentID, a.release)
	a.active = s
	a.mu.Unlock()

	s.start()

	reply := make(chan error, 1)
	if err := s.request(ctx, startEvent{purpose: p, reply: reply}, reply); err != nil {
		if ctx.Err() != nil {
			_ = s.Hangup()
		}
		return nil, err
	}
	return s, nil
}

// Close hangs up the active session and stops routing.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	s := a.active
	a.mu.Unlock()

	a.unsubscribe()
	if s != nil {
		return s.Hangup()
	}
	return nil
}

func (a *Agent) unsubscribe() {
	for op, id := range a.subs {
		a.cfg.Channel.Off(op, id)
	}
}

func (a *Agent) release(s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == s {
		a.active = nil
	}
}

func (a *Agent) route(op string, p signaling.Payload) {
	a.mu.Lock()
	s := a.active
	if s != nil && s.appointmentID == p.AppointmentID {
		a.mu.Unlock()
		s.post(inboundEvent{op: op, payload: p})
		return
	}

	if op != signaling.OpIncomingCall {
		a.mu.Unlock()
		a.logger.Debug("no session for event", zap.String("op", op), zap.String("appointment_id", p.AppointmentID))
		return
	}
	if p.Offer == nil || p.From == "" || p.AppointmentID == "" || a.closed {
		a.mu.Unlock()
		a.logger.Warn("dropping malformed incoming call", zap.String("from", p.From))
		return
	}
	if s != nil && s.Status().Active() {
		a.mu.Unlock()
		a.logger.Info("busy, rejecting incoming call",
			zap.String("from", p.From),
			zap.String("appointment_id", p.AppointmentID),
			zap.String("active_appointment_id", s.appointmentID))
		if err := a.cfg.Channel.Send(signaling.OpCallRejected, p.From, signaling.Payload{
			AppointmentID: p.AppointmentID,
			Reason:        signaling.ReasonBusy,
		}); err != nil {
			a.logger.Warn("send busy", zap.Error(err))
		}
		return
	}

	s = newSession(a.cfg, RoleResponder, p.From, p.AppointmentID, a.release)
	s.remoteOffer = p.Offer
	s.status = StatusRinging
	s.announced = true
	a.active = s
	handler := a.onIncoming
	a.mu.Unlock()

	s.start()
	s.logger.Info("incoming call")

	if handler == nil {
		_ = s.Reject()
		return
	}
	handler(s)
}

func (a *Agent) transportLost() {
	a.mu.Lock()
	s := a.active
	a.mu.Unlock()

	a.logger.Warn("signaling transport lost")
	if s != nil {
		s.post(transportLostEvent{})
	}
}
