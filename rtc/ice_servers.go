package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/akinalp/medcall/models"
)

// DefaultICETimeout bounds the credential endpoint request.
const DefaultICETimeout = 3 * time.Second

// FallbackICEServers are used when the credential endpoint is unset or
// unreachable.
var FallbackICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// iceServersEnvelope accepts both the broker's {"success":..,"data":{..}}
// envelope and a bare {"iceServers": [...]} body.
type iceServersEnvelope struct {
	Data struct {
		ICEServers []models.ICEServer `json:"iceServers"`
	} `json:"data"`
	ICEServers []models.ICEServer `json:"iceServers"`
}

// ICEServerProvider fetches STUN/TURN descriptors once per process and caches
// the result, falling back to public STUN servers on any failure.
type ICEServerProvider struct {
	client   *resty.Client
	endpoint string
	userID   string
	logger   *zap.Logger

	once    sync.Once
	servers []webrtc.ICEServer
}

// NewICEServerProvider creates a provider for endpoint. An empty endpoint
// always yields FallbackICEServers.
func NewICEServerProvider(endpoint, userID string, timeout time.Duration, logger *zap.Logger) *ICEServerProvider {
	if timeout <= 0 {
		timeout = DefaultICETimeout
	}
	return &ICEServerProvider{
		client:   resty.New().SetTimeout(timeout).SetHeader("Accept", "application/json"),
		endpoint: endpoint,
		userID:   userID,
		logger:   logger.Named("ice"),
	}
}

// WithToken sends token as a bearer credential, for brokers that gate the
// endpoint on identify tokens.
func (p *ICEServerProvider) WithToken(token string) *ICEServerProvider {
	if token != "" {
		p.client.SetAuthToken(token)
	}
	return p
}

// Servers returns the cached descriptors, fetching them on first use. The
// result is kept for the life of the process, so the request is detached from
// ctx's cancellation and bounded by the client timeout instead.
func (p *ICEServerProvider) Servers(ctx context.Context) []webrtc.ICEServer {
	p.once.Do(func() {
		p.servers = p.fetch(context.WithoutCancel(ctx))
	})
	return p.servers
}

func (p *ICEServerProvider) fetch(ctx context.Context) []webrtc.ICEServer {
	if p.endpoint == "" {
		return FallbackICEServers
	}

	var body iceServersEnvelope
	req := p.client.R().SetContext(ctx).SetResult(&body)
	if p.userID != "" {
		req.SetQueryParam("userId", p.userID)
	}

	resp, err := req.Get(p.endpoint)
	if err != nil {
		p.logger.Warn("ice endpoint unreachable, using fallback", zap.Error(err))
		return FallbackICEServers
	}
	if resp.IsError() {
		p.logger.Warn("ice endpoint error, using fallback", zap.Int("status", resp.StatusCode()))
		return FallbackICEServers
	}

	descriptors := body.Data.ICEServers
	if len(descriptors) == 0 {
		descriptors = body.ICEServers
	}
	if len(descriptors) == 0 {
		p.logger.Warn("ice endpoint returned no servers, using fallback")
		return FallbackICEServers
	}

	servers := make([]webrtc.ICEServer, 0, len(descriptors))
	for _, d := range descriptors {
		if len(d.URLs) == 0 {
			continue
		}
		s := webrtc.ICEServer{URLs: d.URLs, Username: d.Username}
		if d.Credential != "" {
			s.Credential = d.Credential
		}
		servers = append(servers, s)
	}
	if len(servers) == 0 {
		return FallbackICEServers
	}

	p.logger.Info("ice servers loaded", zap.Int("count", len(servers)))
	return servers
}
