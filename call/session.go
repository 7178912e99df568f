package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/akinalp/medcall/pkg"
	"github.com/akinalp/medcall/rtc"
	"github.com/akinalp/medcall/signaling"
)

// Session is one call between the local user and a remote user for an
// appointment. It is never reused: once ended, a new call needs a new
// session.
type Session struct {
	appointmentID string
	localUserID   string
	remoteUserID  string
	role          Role

	cfg    Config
	logger *zap.Logger
	inbox  *mailbox
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	finish func(*Session)

	mu        sync.RWMutex
	status    Status
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time
	endReason EndReason
	onTrack   func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onStatus  func(Status)
	// iceState is written only by the loop, which reads it without the lock.
	iceState webrtc.ICEConnectionState

	// Owned by the loop goroutine.
	pc             *rtc.Manager
	watchdog       *rtc.Watchdog
	stream         rtc.LocalStream
	tracksAttached bool
	remoteOffer    *webrtc.SessionDescription
	early          rtc.CandidateBuffer
	local          rtc.CandidateBuffer
	acquiring      bool
	accepted       bool
	// announced is set once the remote side knows about the call.
	announced bool
	negotiate func(func())
	finished  bool
}

func newSession(cfg Config, role Role, remoteUserID, appointmentID string, finish func(*Session)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		appointmentID: appointmentID,
		localUserID:   cfg.LocalUserID,
		remoteUserID:  remoteUserID,
		role:          role,
		cfg:           cfg,
		logger: cfg.Logger.Named("call").With(
			zap.String("appointment_id", appointmentID),
			zap.String("role", string(role)),
			zap.String("remote_user_id", remoteUserID),
		),
		inbox:     newMailbox(),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		finish:    finish,
		status:    StatusIdle,
		createdAt: cfg.Clock.Now(),
		iceState:  webrtc.ICEConnectionStateNew,
	}
	if cfg.NegotiationDebounce > 0 {
		s.negotiate = debounce.New(cfg.NegotiationDebounce)
	} else {
		s.negotiate = func(f func()) { f() }
	}
	return s
}

func (s *Session) start() { go s.run() }

// ─── Accessors ───

func (s *Session) AppointmentID() string { return s.appointmentID }
func (s *Session) LocalUserID() string   { return s.localUserID }
func (s *Session) RemoteUserID() string  { return s.remoteUserID }
func (s *Session) Role() Role            { return s.role }

// Status is the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// EndReason is set once the session has ended.
func (s *Session) EndReason() EndReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endReason
}

// Info snapshots the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{
		AppointmentID: s.appointmentID,
		LocalUserID:   s.localUserID,
		RemoteUserID:  s.remoteUserID,
		Role:          s.role,
		Status:        s.status,
		Connectivity:  s.iceState,
		CreatedAt:     s.createdAt,
		EndReason:     s.endReason,
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		info.StartedAt = &t
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		info.EndedAt = &t
	}
	return info
}

// Done is closed when the session has finished, whether it ended or was
// abandoned before leaving idle.
func (s *Session) Done() <-chan struct{} { return s.done }

// OnTrack registers the receiver of remote tracks. It runs on pion's
// goroutine.
func (s *Session) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTrack = fn
}

// OnStatusChange registers fn to run, on the session goroutine, after every
// status transition. fn must not wait on the session's own actions.
func (s *Session) OnStatusChange(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatus = fn
}

// ─── Actions ───

// Accept answers a ringing incoming call. It acquires local media first;
// ErrPermissionDenied leaves the call ringing so it can still be rejected.
func (s *Session) Accept(ctx context.Context) error {
	reply := make(chan error, 1)
	return s.request(ctx, acceptEvent{reply: reply}, reply)
}

// Reject declines an incoming call. No media is acquired.
func (s *Session) Reject() error {
	reply := make(chan error, 1)
	return s.request(context.Background(), rejectEvent{reply: reply}, reply)
}

// Hangup ends the call from this side. Hanging up a finished session is a
// no-op.
func (s *Session) Hangup() error {
	reply := make(chan error, 1)
	err := s.request(context.Background(), hangupEvent{reply: reply}, reply)
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

func (s *Session) request(ctx context.Context, e event, reply chan error) error {
	if !s.inbox.post(e) {
		return ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) post(e event) bool { return s.inbox.post(e) }

// ─── Event loop ───

func (s *Session) run() {
	defer close(s.done)

	for range s.inbox.wake {
		for {
			e, ok := s.inbox.pop()
			if !ok {
				break
			}
			s.handle(e)
			if s.finished {
				s.inbox.close(s.discard)
				if s.finish != nil {
					s.finish(s)
				}
				return
			}
		}
	}
}

func (s *Session) handle(e event) {
	switch ev := e.(type) {
	case inboundEvent:
		s.handleInbound(ev.op, ev.payload)
	case startEvent:
		s.acquire(ev.purpose, ev.reply)
	case acceptEvent:
		s.handleAccept(ev.reply)
	case rejectEvent:
		s.handleReject(ev.reply)
	case hangupEvent:
		s.handleHangup(ev.reply)
	case resourcesEvent:
		s.handleResources(ev)
	case localCandidateEvent:
		if s.local.EnqueueIfNotReady(ev.candidate) == rtc.NotQueued {
			s.sendCandidate(ev.candidate)
		}
	case connectivityEvent:
		if s.watchdog != nil {
			s.watchdog.Observe(ev.state)
		}
		s.mu.Lock()
		s.iceState = ev.state
		s.mu.Unlock()
		s.checkConnected()
	case negotiationEvent:
		s.renegotiate()
	case watchdogEvent:
		reason := EndConnectivityTimeout
		if ev.reason == rtc.TerminalFailed {
			reason = EndConnectivityFailed
		}
		s.logger.Warn("connectivity lost", zap.String("watchdog", string(ev.reason)))
		s.end(reason, true)
	case transportLostEvent:
		s.end(EndTransportLost, false)
	}
}

// discard releases whatever a dropped event carries.
func (s *Session) discard(e event) {
	switch ev := e.(type) {
	case resourcesEvent:
		if ev.stream != nil {
			_ = ev.stream.Close()
		}
		ev.reply <- ErrSessionClosed
	case startEvent:
		ev.reply <- ErrSessionClosed
	case acceptEvent:
		ev.reply <- ErrSessionClosed
	case rejectEvent:
		ev.reply <- ErrSessionClosed
	case hangupEvent:
		ev.reply <- nil
	}
}

// ─── Resources ───

// acquire fetches media and ICE servers off the loop. The result comes back
// as a resourcesEvent; if the session has finished by then, the stream is
// closed and nothing else happens.
func (s *Session) acquire(p purpose, reply chan error) {
	s.acquiring = true
	ctx := s.ctx
	go func() {
		stream, err := s.cfg.Media.Acquire(ctx)
		var servers []webrtc.ICEServer
		if err == nil {
			servers = s.cfg.ICEServers.Servers(ctx)
		}
		ev := resourcesEvent{purpose: p, stream: stream, servers: servers, err: err, reply: reply}
		if !s.post(ev) {
			if stream != nil {
				_ = stream.Close()
			}
			reply <- ErrSessionClosed
		}
	}()
}

func (s *Session) handleResources(ev resourcesEvent) {
	s.acquiring = false

	if ev.err != nil {
		s.logger.Warn("local media unavailable", zap.Error(ev.err))
		if ev.purpose != purposeAccept {
			s.abandon()
		}
		ev.reply <- ev.err
		return
	}

	s.stream = ev.stream
	if err := s.openPeer(ev.servers); err != nil {
		s.logger.Error("create peer connection", zap.Error(err))
		if ev.purpose == purposeAccept {
			s.send(signaling.OpCallRejected, signaling.Payload{Reason: signaling.ReasonFailed})
			s.end(EndConnectivityFailed, false)
		} else {
			s.abandon()
		}
		ev.reply <- err
		return
	}

	switch ev.purpose {
	case purposeCall:
		offer, err := s.pc.CreateOffer(s.ctx)
		if err != nil {
			s.logger.Error("create initial offer", zap.Error(err))
			s.abandon()
			ev.reply <- err
			return
		}
		s.send(signaling.OpUserCall, signaling.Payload{Offer: &offer})
		s.announced = true
		s.setStatus(StatusRinging)
		s.flushLocalCandidates()
		ev.reply <- nil

	case purposeJoin:
		s.accepted = true
		s.send(signaling.OpCallPrepare, signaling.Payload{})
		s.announced = true
		ev.reply <- nil
		if s.remoteOffer != nil {
			s.answer()
		}

	case purposeAccept:
		s.accepted = true
		ev.reply <- s.answer()
	}
}

func (s *Session) openPeer(servers []webrtc.ICEServer) error {
	s.watchdog = rtc.NewWatchdog(s.cfg.Clock, s.cfg.GracePeriod, func(r rtc.TerminalReason) {
		s.post(watchdogEvent{reason: r})
	})

	pc, err := rtc.NewManager(s.cfg.PeerFactory, rtc.ManagerConfig{
		ICEServers:     servers,
		ControlChannel: s.role == RoleInitiator,
	}, rtc.Events{
		OnLocalCandidate: func(c webrtc.ICECandidateInit) {
			s.post(localCandidateEvent{candidate: c})
		},
		OnGatheringComplete: func() {
			s.logger.Debug("local candidate gathering complete")
		},
		OnConnectivity: func(state webrtc.ICEConnectionState) {
			s.post(connectivityEvent{state: state})
		},
		OnNegotiationNeeded: func() {
			s.negotiate(func() { s.post(negotiationEvent{}) })
		},
		OnTrack: s.deliverTrack,
	}, s.logger)
	if err != nil {
		return err
	}
	s.pc = pc

	// Candidates that arrived before the connection existed.
	if _, err := s.early.Flush(func(c webrtc.ICECandidateInit) error {
		_, err := s.pc.AddRemoteCandidate(s.ctx, c)
		return err
	}); err != nil {
		s.logger.Warn("early candidates rejected", zap.Error(err))
	}
	return nil
}

func (s *Session) deliverTrack(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
	s.mu.RLock()
	fn := s.onTrack
	ended := s.status == StatusEnded
	s.mu.RUnlock()

	if ended || fn == nil {
		return
	}
	fn(track, recv)
}

// ─── Inbound signaling ───

func (s *Session) handleInbound(op string, p signaling.Payload) {
	if p.From != "" && p.From != s.remoteUserID {
		s.logger.Warn("dropping event from unexpected sender", zap.String("op", op), zap.String("from", p.From))
		return
	}

	switch op {
	case signaling.OpIncomingCall:
		s.onRemoteOffer(p)
	case signaling.OpCallAccepted:
		s.onAccepted(p)
	case signaling.OpCallPrepare:
		s.onPrepare()
	case signaling.OpNegoNeeded:
		s.onRenegotiationOffer(p)
	case signaling.OpNegoFinal:
		s.onRenegotiationAnswer(p)
	case signaling.OpIceCandidate:
		s.onRemoteCandidate(p)
	case signaling.OpCallEnded:
		reason := EndRemoteHangup
		if p.Reason == signaling.ReasonPeerDisconnected {
			reason = EndPeerDisconnected
		}
		s.end(reason, false)
	case signaling.OpCallRejected:
		reason := EndRemoteRejected
		if p.Reason == signaling.ReasonBusy {
			reason = EndBusy
		}
		s.end(reason, false)
	default:
		s.logger.Debug("ignoring event", zap.String("op", op))
	}
}

func (s *Session) onRemoteOffer(p signaling.Payload) {
	if s.role != RoleResponder || p.Offer == nil {
		s.logger.Warn("unexpected incoming offer")
		return
	}

	switch s.Status() {
	case StatusIdle, StatusRinging:
		s.remoteOffer = p.Offer
		s.setStatus(StatusRinging)
		if s.accepted && s.pc != nil && !s.acquiring {
			s.answer()
		}
	default:
		s.logger.Debug("duplicate offer after answer, ignoring")
	}
}

// answer replies to the pending remote offer.
func (s *Session) answer() error {
	offer := s.remoteOffer
	s.remoteOffer = nil

	ans, err := s.pc.CreateAnswer(s.ctx, *offer)
	if err != nil {
		s.logger.Error("create answer", zap.Error(err))
		s.end(EndConnectivityFailed, true)
		return err
	}

	s.send(signaling.OpCallAccepted, signaling.Payload{Answer: &ans})
	s.setStatus(StatusConnecting)
	s.flushLocalCandidates()
	s.checkConnected()
	return nil
}

func (s *Session) onAccepted(p signaling.Payload) {
	if s.role != RoleInitiator || p.Answer == nil {
		s.logger.Warn("unexpected call:accepted")
		return
	}
	if s.Status() != StatusRinging {
		s.logger.Debug("stale call:accepted", zap.String("status", string(s.Status())))
		return
	}

	applied, err := s.pc.SetRemoteAnswer(s.ctx, *p.Answer)
	if err != nil {
		s.logger.Warn("apply answer", zap.Error(err))
		return
	}
	if !applied {
		return
	}

	s.setStatus(StatusConnecting)
	s.attachTracks()
	s.checkConnected()
}

// onPrepare re-sends our offer to a responder that is ready but never got
// it. An outstanding offer is re-sent as is; otherwise stuck negotiation
// state is cleared and a fresh offer made.
func (s *Session) onPrepare() {
	if s.role != RoleInitiator {
		s.logger.Warn("unexpected call:prepare")
		return
	}
	if s.Status() != StatusRinging {
		s.logger.Debug("ignoring call:prepare", zap.String("status", string(s.Status())))
		return
	}

	if offer := s.pc.PendingOffer(); offer != nil {
		s.logger.Info("re-sending outstanding offer")
		s.send(signaling.OpUserCall, signaling.Payload{Offer: offer})
		return
	}

	s.pc.ResetNegotiation()
	offer, err := s.pc.CreateOffer(s.ctx)
	if err != nil {
		s.logger.Warn("fresh offer for call:prepare", zap.Error(err))
		return
	}
	s.logger.Info("sending fresh offer")
	s.send(signaling.OpUserCall, signaling.Payload{Offer: &offer})
}

func (s *Session) onRenegotiationOffer(p signaling.Payload) {
	if p.Offer == nil {
		s.logger.Warn("peer:nego:needed without offer")
		return
	}
	if st := s.Status(); st != StatusConnecting && st != StatusConnected {
		s.logger.Debug("renegotiation before first handshake, ignoring", zap.String("status", string(st)))
		return
	}

	var attach []rtc.LocalStream
	if s.role == RoleResponder && !s.tracksAttached && s.stream != nil {
		attach = append(attach, s.stream)
	}

	ans, err := s.pc.CreateAnswer(s.ctx, *p.Offer, attach...)
	if err != nil {
		if errors.Is(err, pkg.ErrInvalidState) {
			s.logger.Warn("renegotiation offer collided with ours, discarding", zap.Error(err))
		} else {
			s.logger.Warn("answer renegotiation", zap.Error(err))
		}
		return
	}
	if len(attach) > 0 {
		s.tracksAttached = true
	}
	s.send(signaling.OpNegoDone, signaling.Payload{Answer: &ans})
}

func (s *Session) onRenegotiationAnswer(p signaling.Payload) {
	if p.Answer == nil || s.pc == nil {
		s.logger.Warn("unexpected peer:nego:final")
		return
	}
	if _, err := s.pc.SetRemoteAnswer(s.ctx, *p.Answer); err != nil {
		s.logger.Warn("apply renegotiation answer", zap.Error(err))
	}
}

func (s *Session) onRemoteCandidate(p signaling.Payload) {
	if p.IsEndOfCandidates() {
		s.logger.Debug("remote end of candidates")
		return
	}
	if s.pc == nil {
		s.early.EnqueueIfNotReady(*p.Candidate)
		return
	}
	if _, err := s.pc.AddRemoteCandidate(s.ctx, *p.Candidate); err != nil {
		s.logger.Warn("add remote candidate", zap.Error(err))
	}
}

// ─── Local negotiation ───

// renegotiate offers after negotiation-needed. Before the first handshake
// completes the role decides who offers, so the event is ignored. A second
// trigger while an offer is outstanding is dropped; pion raises the event
// again once stable if it is still needed.
func (s *Session) renegotiate() {
	if s.pc == nil {
		return
	}
	if st := s.Status(); st != StatusConnecting && st != StatusConnected {
		return
	}

	offer, err := s.pc.CreateOffer(s.ctx)
	if err != nil {
		if rtc.IsInProgress(err) {
			s.logger.Debug("offer outstanding, renegotiation deferred")
		} else if errors.Is(err, pkg.ErrInvalidState) {
			s.logger.Debug("renegotiation skipped", zap.Error(err))
		} else {
			s.logger.Warn("renegotiation offer", zap.Error(err))
		}
		return
	}
	s.send(signaling.OpNegoNeeded, signaling.Payload{Offer: &offer})
}

// attachTracks hands the local stream to the connection once.
func (s *Session) attachTracks() {
	if s.tracksAttached || s.stream == nil {
		return
	}
	s.tracksAttached = true
	if err := s.pc.AddLocalTracks(s.stream); err != nil {
		s.logger.Warn("attach local tracks", zap.Error(err))
	}
}

func (s *Session) flushLocalCandidates() {
	if _, err := s.local.Flush(func(c webrtc.ICECandidateInit) error {
		s.sendCandidate(c)
		return nil
	}); err != nil {
		s.logger.Warn("flush local candidates", zap.Error(err))
	}
}

func (s *Session) sendCandidate(c webrtc.ICECandidateInit) {
	s.send(signaling.OpIceCandidate, signaling.Payload{Candidate: &c})
}

func (s *Session) checkConnected() {
	if s.Status() != StatusConnecting {
		return
	}
	if s.iceState == webrtc.ICEConnectionStateConnected || s.iceState == webrtc.ICEConnectionStateCompleted {
		s.setStatus(StatusConnected)
	}
}

// ─── User actions ───

func (s *Session) handleAccept(reply chan error) {
	if s.role != RoleResponder || s.Status() != StatusRinging || s.accepted || s.acquiring {
		reply <- fmt.Errorf("%w: cannot accept %s %s call", pkg.ErrInvalidState, s.Status(), s.role)
		return
	}
	s.acquire(purposeAccept, reply)
}

func (s *Session) handleReject(reply chan error) {
	st := s.Status()
	if s.role != RoleResponder || (st != StatusRinging && st != StatusIdle) {
		reply <- fmt.Errorf("%w: cannot reject %s %s call", pkg.ErrInvalidState, st, s.role)
		return
	}
	s.send(signaling.OpCallRejected, signaling.Payload{Reason: signaling.ReasonDeclined})
	s.end(EndRejected, false)
	reply <- nil
}

// handleHangup ends the call from this side. An incoming call that has not
// been accepted yet is declined, which is what the ringing caller expects.
func (s *Session) handleHangup(reply chan error) {
	if s.role == RoleResponder && !s.accepted && s.Status() == StatusRinging {
		s.send(signaling.OpCallRejected, signaling.Payload{Reason: signaling.ReasonDeclined})
		s.end(EndLocalHangup, false)
	} else {
		s.end(EndLocalHangup, s.announced)
	}
	reply <- nil
}

// ─── Lifecycle ───

func (s *Session) send(op string, p signaling.Payload) {
	p.AppointmentID = s.appointmentID
	if err := s.cfg.Channel.Send(op, s.remoteUserID, p); err != nil {
		s.logger.Warn("signaling send failed", zap.String("op", op), zap.Error(err))
	}
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	if s.status == st {
		s.mu.Unlock()
		return
	}
	prev := s.status
	s.status = st
	if st == StatusConnected && s.startedAt.IsZero() {
		s.startedAt = s.cfg.Clock.Now()
	}
	cb := s.onStatus
	s.mu.Unlock()

	s.logger.Info("call status", zap.String("from", string(prev)), zap.String("to", string(st)))
	if cb != nil {
		cb(st)
	}
}

// end moves the session to ended and releases everything it owns. notify
// tells the remote side with call:ended.
func (s *Session) end(reason EndReason, notify bool) {
	if s.finished {
		return
	}
	if notify {
		s.send(signaling.OpCallEnded, signaling.Payload{Reason: reason.wireReason()})
	}
	s.release()

	s.mu.Lock()
	s.endReason = reason
	s.endedAt = s.cfg.Clock.Now()
	s.mu.Unlock()
	s.setStatus(StatusEnded)

	info := s.Info()
	s.logger.Info("call ended", zap.String("reason", string(reason)), zap.Duration("duration", info.Duration()))
}

// abandon finishes a session that never left idle.
func (s *Session) abandon() {
	if s.finished {
		return
	}
	s.release()
	s.logger.Info("call abandoned before ringing")
}

func (s *Session) release() {
	s.finished = true
	s.cancel()

	s.early.Reset()
	s.local.Reset()
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.logger.Warn("close peer connection", zap.Error(err))
		}
	}
	if s.stream != nil && (s.pc == nil || !s.pc.Owns(s.stream)) {
		if err := s.stream.Close(); err != nil {
			s.logger.Warn("close local stream", zap.Error(err))
		}
	}
}
