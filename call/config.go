package call

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/akinalp/medcall/media"
	"github.com/akinalp/medcall/pkg"
	"github.com/akinalp/medcall/rtc"
	"github.com/akinalp/medcall/signaling"
)

// DefaultNegotiationDebounce coalesces bursts of negotiation-needed, such as
// one per track when a stream is attached.
const DefaultNegotiationDebounce = 150 * time.Millisecond

// ICEServerSource supplies STUN/TURN servers for new peer connections.
// *rtc.ICEServerProvider implements it.
type ICEServerSource interface {
	Servers(ctx context.Context) []webrtc.ICEServer
}

// StaticICEServers is a fixed ICEServerSource.
type StaticICEServers []webrtc.ICEServer

func (s StaticICEServers) Servers(context.Context) []webrtc.ICEServer { return s }

// Config wires an Agent to its collaborators.
type Config struct {
	LocalUserID string            `validate:"required"`
	Channel     signaling.Channel `validate:"required"`
	PeerFactory rtc.Factory       `validate:"required"`
	Media       media.Source      `validate:"required"`

	// ICEServers defaults to rtc.FallbackICEServers.
	ICEServers ICEServerSource
	// Clock drives the reconnection grace timer and timestamps.
	Clock clock.Clock
	// GracePeriod defaults to rtc.DefaultGracePeriod.
	GracePeriod time.Duration `validate:"gte=0"`
	// NegotiationDebounce of zero handles every negotiation-needed at once.
	NegotiationDebounce time.Duration `validate:"gte=0"`
	Logger              *zap.Logger
}

var validate = validator.New()

func (c *Config) withDefaults() (Config, error) {
	if err := validate.Struct(c); err != nil {
		return Config{}, fmt.Errorf("%w: call config: %v", pkg.ErrBadRequest, err)
	}

	out := *c
	if out.ICEServers == nil {
		out.ICEServers = StaticICEServers(rtc.FallbackICEServers)
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.GracePeriod == 0 {
		out.GracePeriod = rtc.DefaultGracePeriod
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out, nil
}
