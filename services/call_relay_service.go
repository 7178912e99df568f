// Package services holds the broker's business logic.
//
// CallRelayService is the server half of call signaling:
//   - every addressed event is forwarded to the addressee's routed connection
//     with "from" stamped and the op renamed per signaling.ForwardOp
//   - the lifecycle ops (user:call, call:accepted, call:rejected, call:ended)
//     also drive a call record, persisted through CallRecordRepository
//   - when a party's transport drops, the other party of every open call gets
//     call:ended {reason: peer_disconnected}
//
// Relay is best-effort: an event for an offline user is dropped, and a
// user:call that cannot be delivered is recorded as missed.
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akinalp/medcall/models"
	"github.com/akinalp/medcall/pkg"
	"github.com/akinalp/medcall/repository"
	"github.com/akinalp/medcall/signaling"
	"github.com/akinalp/medcall/ws"
)

// Recorded end reasons that never cross the wire.
const (
	EndReasonOffline       = "offline"
	EndReasonBrokerRestart = "broker_restart"
)

// CallRelayService relays call events and keeps call records.
type CallRelayService interface {
	// Relay forwards one event from an identified sender. Its signature
	// matches ws.SignalFunc once a context is bound.
	Relay(ctx context.Context, fromUserID, op string, payload signaling.Payload)

	// HandleDisconnect ends userID's open calls and notifies the peers.
	HandleDisconnect(ctx context.Context, userID string)

	ListByAppointment(ctx context.Context, appointmentID string) ([]models.CallRecordResponse, error)

	// CloseStale ends records left open by a previous broker process.
	CloseStale(ctx context.Context) error
}

// callKey identifies a call independently of who placed it.
type callKey struct {
	appointmentID string
	a, b          string
}

func newCallKey(appointmentID, u1, u2 string) callKey {
	if u2 < u1 {
		u1, u2 = u2, u1
	}
	return callKey{appointmentID: appointmentID, a: u1, b: u2}
}

type callRelayService struct {
	repo   repository.CallRecordRepository
	hub    ws.EventPublisher
	clock  clock.Clock
	logger *zap.Logger

	// open indexes ringing and answered calls. mu also serialises record
	// writes so two parties' updates reach the database in order.
	open map[callKey]*models.CallRecord
	mu   sync.Mutex
}

// NewCallRelayService wires the relay to the hub and the record store.
func NewCallRelayService(
	repo repository.CallRecordRepository,
	hub ws.EventPublisher,
	clk clock.Clock,
	logger *zap.Logger,
) CallRelayService {
	if clk == nil {
		clk = clock.New()
	}
	return &callRelayService{
		repo:   repo,
		hub:    hub,
		clock:  clk,
		logger: logger.Named("relay"),
		open:   make(map[callKey]*models.CallRecord),
	}
}

func (s *callRelayService) Relay(ctx context.Context, fromUserID, op string, payload signaling.Payload) {
	outOp, ok := signaling.ForwardOp(op)
	if !ok {
		return
	}

	log := s.logger.With(
		zap.String("op", op),
		zap.String("from", fromUserID),
		zap.String("appointment_id", payload.AppointmentID),
	)

	toUserID := payload.ToUserID
	if toUserID == fromUserID {
		log.Warn("event addressed to sender, dropped")
		return
	}

	payload.From = fromUserID
	payload.ToUserID = ""

	delivered := s.hub.SendToUser(toUserID, ws.Event{Op: outOp, Data: payload})
	if !delivered {
		log.Debug("addressee offline, event dropped", zap.String("to", toUserID))
	}

	s.track(ctx, fromUserID, toUserID, op, payload, delivered)
}

// track applies a lifecycle op to the call's record.
func (s *callRelayService) track(ctx context.Context, from, to, op string, p signaling.Payload, delivered bool) {
	key := newCallKey(p.AppointmentID, from, to)
	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.open[key]

	switch op {
	case signaling.OpUserCall:
		if rec != nil {
			// A re-sent offer (call:prepare) or crossing calls: one record.
			return
		}
		rec = &models.CallRecord{
			ID:            uuid.NewString(),
			AppointmentID: p.AppointmentID,
			CallerID:      from,
			CalleeID:      to,
			Status:        models.CallStatusRinging,
			StartedAt:     now,
		}
		if !delivered {
			rec.Status = models.CallStatusMissed
			rec.EndReason = EndReasonOffline
			rec.EndedAt = &now
		} else {
			s.open[key] = rec
		}
		s.persist(ctx, rec, true)

	case signaling.OpCallAccepted:
		if rec == nil || rec.Status != models.CallStatusRinging {
			return
		}
		rec.Status = models.CallStatusAnswered
		rec.AnsweredAt = &now
		s.persist(ctx, rec, false)

	case signaling.OpCallRejected:
		if rec == nil {
			return
		}
		s.finishLocked(ctx, key, rec, models.CallStatusRejected, reasonOr(p.Reason, signaling.ReasonDeclined), now)

	case signaling.OpCallEnded:
		if rec == nil {
			return
		}
		s.finishLocked(ctx, key, rec, models.CallStatusEnded, reasonOr(p.Reason, signaling.ReasonHangup), now)
	}
}

func (s *callRelayService) HandleDisconnect(ctx context.Context, userID string) {
	type notice struct {
		peer          string
		appointmentID string
	}
	var notices []notice
	now := s.clock.Now().UTC()

	s.mu.Lock()
	for key, rec := range s.open {
		if !rec.Involves(userID) {
			continue
		}
		notices = append(notices, notice{peer: rec.Peer(userID), appointmentID: rec.AppointmentID})
		s.finishLocked(ctx, key, rec, models.CallStatusEnded, signaling.ReasonPeerDisconnected, now)
	}
	s.mu.Unlock()

	for _, n := range notices {
		s.hub.SendToUser(n.peer, ws.Event{
			Op: signaling.OpCallEnded,
			Data: signaling.Payload{
				From:          userID,
				AppointmentID: n.appointmentID,
				Reason:        signaling.ReasonPeerDisconnected,
			},
		})
		s.logger.Info("call ended by disconnect",
			zap.String("user_id", userID),
			zap.String("peer", n.peer),
			zap.String("appointment_id", n.appointmentID),
		)
	}
}

func (s *callRelayService) ListByAppointment(ctx context.Context, appointmentID string) ([]models.CallRecordResponse, error) {
	if appointmentID == "" {
		return nil, fmt.Errorf("%w: appointmentId is required", pkg.ErrBadRequest)
	}

	records, err := s.repo.ListByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	out := make([]models.CallRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.ToResponse())
	}
	return out, nil
}

func (s *callRelayService) CloseStale(ctx context.Context) error {
	n, err := s.repo.CloseOpen(ctx, EndReasonBrokerRestart, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("closed stale call records", zap.Int64("count", n))
	}
	return nil
}

// finishLocked moves rec to a terminal status and drops it from the index.
func (s *callRelayService) finishLocked(ctx context.Context, key callKey, rec *models.CallRecord, status models.CallStatus, reason string, now time.Time) {
	delete(s.open, key)
	rec.Status = status
	rec.EndReason = reason
	rec.EndedAt = &now
	s.persist(ctx, rec, false)
}

func (s *callRelayService) persist(ctx context.Context, rec *models.CallRecord, create bool) {
	var err error
	if create {
		err = s.repo.Create(ctx, rec)
	} else {
		err = s.repo.Update(ctx, rec)
	}
	if err != nil {
		s.logger.Error("failed to persist call record",
			zap.String("call_id", rec.ID),
			zap.String("status", string(rec.Status)),
			zap.Error(err),
		)
	}
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
