package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/akinalp/medcall/pkg"
)

// ErrNegotiationInProgress is returned when an offer is requested while one
// is still outstanding.
var ErrNegotiationInProgress = fmt.Errorf("%w: negotiation already in progress", pkg.ErrInvalidState)

// NegotiationState is a snapshot of a NegotiationGuard.
type NegotiationState struct {
	InProgress           bool
	LocalDescriptionSet  bool
	RemoteDescriptionSet bool
}

// NegotiationGuard keeps a connection to a single outstanding offer.
//
// An offer may start only when the signaling state is stable and nothing is
// in progress. Applying the matching answer clears the flag. An answer seen
// outside have-local-offer is stale: it is not applied and the flag is
// cleared.
type NegotiationGuard struct {
	mu    sync.Mutex
	state NegotiationState
}

// BeginOffer marks an offer in progress. It fails without touching the guard
// when an offer is outstanding or the connection is not stable.
func (g *NegotiationGuard) BeginOffer(signaling webrtc.SignalingState) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.InProgress {
		return ErrNegotiationInProgress
	}
	if signaling != webrtc.SignalingStateStable {
		return fmt.Errorf("%w: cannot offer in signaling state %s", pkg.ErrInvalidState, signaling)
	}
	g.state.InProgress = true
	return nil
}

// AbortOffer clears the flag after an offer could not be created or set.
func (g *NegotiationGuard) AbortOffer() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.InProgress = false
}

// AcceptAnswer reports whether an answer may be applied in the given
// signaling state. A false result also clears the in-progress flag.
func (g *NegotiationGuard) AcceptAnswer(signaling webrtc.SignalingState) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if signaling != webrtc.SignalingStateHaveLocalOffer {
		g.state.InProgress = false
		return false
	}
	return true
}

// Complete clears the flag once an answer has been applied.
func (g *NegotiationGuard) Complete() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.InProgress = false
}

// Reset clears a stuck in-progress flag.
func (g *NegotiationGuard) Reset() {
	g.Complete()
}

func (g *NegotiationGuard) MarkLocalDescriptionSet() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.LocalDescriptionSet = true
}

func (g *NegotiationGuard) MarkRemoteDescriptionSet() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.RemoteDescriptionSet = true
}

// InProgress reports whether an offer is outstanding.
func (g *NegotiationGuard) InProgress() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.InProgress
}

// State returns a snapshot.
func (g *NegotiationGuard) State() NegotiationState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// IsInProgress reports whether err came from a rejected concurrent offer.
func IsInProgress(err error) bool {
	return errors.Is(err, ErrNegotiationInProgress)
}
