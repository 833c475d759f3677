package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the bridge process reads from the environment at
// startup. Missing required values fail Load so the process never accepts
// carrier connections it cannot serve.
type Config struct {
	Addr string

	// ElevenLabs Conversational AI credentials.
	ElevenLabsAPIKey  string
	ElevenLabsAgentID string

	// Base URLs, overridable for tests and regional endpoints.
	ElevenLabsAPIBaseURL string

	// Default conversation context sent in the initiation event when the
	// carrier connection carries no caller metadata.
	DefaultCallerName       string
	DefaultConversationType string

	// Outbound handshake/dial budgets.
	SignedURLTimeout    time.Duration
	ProviderDialTimeout time.Duration

	// Per-leg WebSocket discipline.
	WSWriteTimeout      time.Duration
	WSMaxMessageBytes   int64
	CarrierEventBuffer  int
	ProviderEventBuffer int

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
	StatsInterval       time.Duration
}

// Load reads the bridge configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		Addr:                    envOr("CALLBRIDGE_ADDR", ":8080"),
		ElevenLabsAPIKey:        strings.TrimSpace(os.Getenv("ELEVENLABS_API_KEY")),
		ElevenLabsAgentID:       strings.TrimSpace(os.Getenv("ELEVENLABS_AGENT_ID")),
		ElevenLabsAPIBaseURL:    envOr("CALLBRIDGE_ELEVENLABS_API_BASE_URL", "https://api.elevenlabs.io"),
		DefaultCallerName:       envOr("CALLBRIDGE_DEFAULT_CALLER_NAME", "caller"),
		DefaultConversationType: envOr("CALLBRIDGE_DEFAULT_CONVERSATION_TYPE", "phone_call"),
		SignedURLTimeout:        envDurationOr("CALLBRIDGE_SIGNED_URL_TIMEOUT", 10*time.Second),
		ProviderDialTimeout:     envDurationOr("CALLBRIDGE_PROVIDER_DIAL_TIMEOUT", 10*time.Second),
		WSWriteTimeout:          envDurationOr("CALLBRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSMaxMessageBytes:       envInt64Or("CALLBRIDGE_WS_MAX_MESSAGE_BYTES", 64*1024),
		CarrierEventBuffer:      envIntOr("CALLBRIDGE_CARRIER_EVENT_BUFFER", 64),
		ProviderEventBuffer:     envIntOr("CALLBRIDGE_PROVIDER_EVENT_BUFFER", 64),
		ReadHeaderTimeout:       envDurationOr("CALLBRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:     envDurationOr("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD", 15*time.Second),
		StatsInterval:           envDurationOr("CALLBRIDGE_STATS_INTERVAL", 30*time.Second),
	}

	if cfg.ElevenLabsAPIKey == "" {
		return Config{}, fmt.Errorf("ELEVENLABS_API_KEY must be set")
	}
	if cfg.ElevenLabsAgentID == "" {
		return Config{}, fmt.Errorf("ELEVENLABS_AGENT_ID must be set")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.ElevenLabsAPIBaseURL) == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_ELEVENLABS_API_BASE_URL must not be empty")
	}
	if cfg.SignedURLTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_SIGNED_URL_TIMEOUT must be > 0")
	}
	if cfg.ProviderDialTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_PROVIDER_DIAL_TIMEOUT must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.CarrierEventBuffer <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_CARRIER_EVENT_BUFFER must be > 0")
	}
	if cfg.ProviderEventBuffer <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_PROVIDER_EVENT_BUFFER must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.StatsInterval <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_STATS_INTERVAL must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
