// Package config loads broker and peer settings from the environment.
//
// A .env file in the working directory is read first when present; real
// environment variables win over it. Values are validated with struct tags
// before they reach the rest of the program.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/akinalp/medcall/pkg"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the broker configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Log      LogConfig
	Signal   SignalConfig
	ICE      ICEConfig
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Host        string   `validate:"required"`
	Port        int      `validate:"min=1,max=65535"`
	CORSOrigins []string `validate:"dive,required"`
}

// DatabaseConfig points at the SQLite file (":memory:" for a throwaway one).
type DatabaseConfig struct {
	Path string `validate:"required"`
}

// LogConfig feeds pkg/logger.
type LogConfig struct {
	Level       string `validate:"oneof=debug info warn error"`
	File        string
	Development bool
}

// SignalConfig tunes the WebSocket broker.
type SignalConfig struct {
	// TokenSecret enables HS256 identify tokens when set.
	TokenSecret string

	RateMax      int           `validate:"min=1"`
	RateWindow   time.Duration `validate:"gt=0"`
	RateCooldown time.Duration `validate:"gte=0"`

	ConnectMax    int           `validate:"min=1"`
	ConnectWindow time.Duration `validate:"gt=0"`
}

// ICEConfig lists relay servers handed out by /api/ice-servers.
type ICEConfig struct {
	STUNURLs   []string      `validate:"dive,required"`
	TURNURLs   []string      `validate:"dive,required"`
	TURNSecret string        `validate:"required_with=TURNURLs"`
	TURNTTL    time.Duration `validate:"gt=0"`
}

// Load reads the broker configuration.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	port := getInt("SERVER_PORT", 9090, &errs)
	rateMax := getInt("SIGNAL_RATE_MAX", 200, &errs)
	rateWindow := getDuration("SIGNAL_RATE_WINDOW", 10*time.Second, &errs)
	rateCooldown := getDuration("SIGNAL_RATE_COOLDOWN", 30*time.Second, &errs)
	connectMax := getInt("CONNECT_RATE_MAX", 30, &errs)
	connectWindow := getDuration("CONNECT_RATE_WINDOW", time.Minute, &errs)
	turnTTL := getDuration("TURN_TTL", 24*time.Hour, &errs)
	development := getBool("LOG_DEVELOPMENT", false, &errs)
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", pkg.ErrBadRequest, errs[0])
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:        getEnv("SERVER_HOST", "0.0.0.0"),
			Port:        port,
			CORSOrigins: getList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./data/medcall.db"),
		},
		Log: LogConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			File:        getEnv("LOG_FILE", ""),
			Development: development,
		},
		Signal: SignalConfig{
			TokenSecret:   getEnv("SIGNAL_TOKEN_SECRET", ""),
			RateMax:       rateMax,
			RateWindow:    rateWindow,
			RateCooldown:  rateCooldown,
			ConnectMax:    connectMax,
			ConnectWindow: connectWindow,
		},
		ICE: ICEConfig{
			STUNURLs:   getList("STUN_URLS", []string{"stun:stun.l.google.com:19302"}),
			TURNURLs:   getList("TURN_URLS", nil),
			TURNSecret: getEnv("TURN_SECRET", ""),
			TURNTTL:    turnTTL,
		},
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: invalid config: %v", pkg.ErrBadRequest, err)
	}
	return cfg, nil
}

// Addr is the listen address, e.g. "0.0.0.0:9090".
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PeerConfig is the peer agent configuration. Command-line flags override
// these values.
type PeerConfig struct {
	UserID      string `validate:"required"`
	SignalURL   string `validate:"required,url"`
	Token       string
	TokenSecret string

	ICEEndpoint string        `validate:"omitempty,url"`
	ICETimeout  time.Duration `validate:"gt=0"`

	GracePeriod         time.Duration `validate:"gt=0"`
	NegotiationDebounce time.Duration `validate:"gte=0"`

	Log LogConfig
}

// LoadPeer reads the peer defaults from the environment. UserID may still be
// empty here; call Validate after applying flags.
func LoadPeer() (*PeerConfig, error) {
	_ = godotenv.Load()

	var errs []error
	iceTimeout := getDuration("ICE_TIMEOUT", 3*time.Second, &errs)
	grace := getDuration("GRACE_PERIOD", 15*time.Second, &errs)
	debounce := getDuration("NEGOTIATION_DEBOUNCE", 150*time.Millisecond, &errs)
	development := getBool("LOG_DEVELOPMENT", true, &errs)
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", pkg.ErrBadRequest, errs[0])
	}

	return &PeerConfig{
		UserID:              getEnv("PEER_USER_ID", ""),
		SignalURL:           getEnv("SIGNAL_URL", "ws://localhost:9090/ws"),
		Token:               getEnv("SIGNAL_TOKEN", ""),
		TokenSecret:         getEnv("SIGNAL_TOKEN_SECRET", ""),
		ICEEndpoint:         getEnv("ICE_ENDPOINT", ""),
		ICETimeout:          iceTimeout,
		GracePeriod:         grace,
		NegotiationDebounce: debounce,
		Log: LogConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			File:        getEnv("LOG_FILE", ""),
			Development: development,
		},
	}, nil
}

// Validate checks the peer config after flag overrides.
func (c *PeerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: invalid peer config: %v", pkg.ErrBadRequest, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getInt(key string, fallback int, errs *[]error) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return v
}

func getBool(key string, fallback bool, errs *[]error) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return v
}

// getList splits a comma-separated variable, dropping blanks. A set but empty
// variable yields nil rather than the fallback.
func getList(key string, fallback []string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
