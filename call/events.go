package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/akinalp/medcall/rtc"
	"github.com/akinalp/medcall/signaling"
)

// event is anything a session's loop handles.
type event interface{ sessionEvent() }

// purpose says what newly acquired resources are for.
type purpose int

const (
	purposeCall   purpose = iota // initiator: send the first offer
	purposeJoin                  // responder: ask the initiator for an offer
	purposeAccept                // responder: answer the pending offer
)

type (
	// inboundEvent is a signaling message addressed to this session.
	inboundEvent struct {
		op      string
		payload signaling.Payload
	}
	// startEvent begins Call or Join.
	startEvent struct {
		purpose purpose
		reply   chan error
	}
	acceptEvent struct{ reply chan error }
	rejectEvent struct{ reply chan error }
	hangupEvent struct{ reply chan error }
	// resourcesEvent carries the outcome of media and ICE server acquisition.
	resourcesEvent struct {
		purpose purpose
		stream  rtc.LocalStream
		servers []webrtc.ICEServer
		err     error
		reply   chan error
	}
	localCandidateEvent struct{ candidate webrtc.ICECandidateInit }
	connectivityEvent   struct{ state webrtc.ICEConnectionState }
	negotiationEvent    struct{}
	watchdogEvent       struct{ reason rtc.TerminalReason }
	transportLostEvent  struct{}
)

func (inboundEvent) sessionEvent()        {}
func (startEvent) sessionEvent()          {}
func (acceptEvent) sessionEvent()         {}
func (rejectEvent) sessionEvent()         {}
func (hangupEvent) sessionEvent()         {}
func (resourcesEvent) sessionEvent()      {}
func (localCandidateEvent) sessionEvent() {}
func (connectivityEvent) sessionEvent()   {}
func (negotiationEvent) sessionEvent()    {}
func (watchdogEvent) sessionEvent()       {}
func (transportLostEvent) sessionEvent()  {}
