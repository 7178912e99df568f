package services

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/akinalp/medcall/models"
	"github.com/akinalp/medcall/pkg"
	"github.com/akinalp/medcall/pkg/cache"
)

// DefaultTURNTTL is the lifetime of generated TURN credentials.
const DefaultTURNTTL = 24 * time.Hour

// ICEConfig lists the relay servers handed to peers.
type ICEConfig struct {
	STUNURLs   []string
	TURNURLs   []string
	TURNSecret string        // shared secret of the TURN server's REST API auth
	TURNTTL    time.Duration // credential lifetime
}

// ICEService serves STUN/TURN descriptors for GET /api/ice-servers.
type ICEService interface {
	ServersFor(userID string) (models.ICEServersResponse, error)
	Close()
}

type iceService struct {
	cfg   ICEConfig
	clock clock.Clock
	cache *cache.TTLCache[string, models.ICEServersResponse]
}

// NewICEService builds the service. TURN descriptors are only included when
// both TURNURLs and TURNSecret are set. Per-user responses are cached for half
// the credential lifetime, so a cached credential always has at least half its
// life left.
func NewICEService(cfg ICEConfig, clk clock.Clock) ICEService {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.TURNTTL <= 0 {
		cfg.TURNTTL = DefaultTURNTTL
	}

	cacheTTL := cfg.TURNTTL / 2
	return &iceService{
		cfg:   cfg,
		clock: clk,
		cache: cache.New[string, models.ICEServersResponse](clk, cacheTTL, cacheTTL),
	}
}

func (s *iceService) ServersFor(userID string) (models.ICEServersResponse, error) {
	if userID == "" {
		return models.ICEServersResponse{}, fmt.Errorf("%w: userId is required", pkg.ErrBadRequest)
	}

	if !s.turnEnabled() {
		return s.stunOnly(), nil
	}

	return s.cache.GetOrSet(userID, func() models.ICEServersResponse {
		return s.build(userID)
	}), nil
}

func (s *iceService) Close() {
	s.cache.Close()
}

func (s *iceService) turnEnabled() bool {
	return len(s.cfg.TURNURLs) > 0 && s.cfg.TURNSecret != ""
}

func (s *iceService) stunOnly() models.ICEServersResponse {
	servers := []models.ICEServer{}
	if len(s.cfg.STUNURLs) > 0 {
		servers = append(servers, models.ICEServer{URLs: s.cfg.STUNURLs})
	}
	return models.ICEServersResponse{ICEServers: servers}
}

func (s *iceService) build(userID string) models.ICEServersResponse {
	resp := s.stunOnly()

	username, credential := TURNCredentials(s.cfg.TURNSecret, userID, s.clock.Now().Add(s.cfg.TURNTTL))
	resp.ICEServers = append(resp.ICEServers, models.ICEServer{
		URLs:       s.cfg.TURNURLs,
		Username:   username,
		Credential: credential,
	})
	resp.TTLSeconds = int64(s.cfg.TURNTTL / time.Second)
	return resp
}

// TURNCredentials derives time-limited credentials for the TURN REST API
// scheme understood by coturn's use-auth-secret mode:
//
//	username   = "<unix expiry>:<userID>"
//	credential = base64(HMAC-SHA1(secret, username))
func TURNCredentials(secret, userID string, expiresAt time.Time) (username, credential string) {
	username = fmt.Sprintf("%d:%s", expiresAt.Unix(), userID)

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	credential = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, credential
}
