package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pscheid92/usagepulse/internal/auth"
	"go-simpler.org/env"
)

const (
	defaultHeartbeatTTL      = 90 * time.Second
	defaultBroadcastInterval = 5 * time.Second

	// placeholderToken is shipped in sample client configs and means "no token".
	placeholderToken = "REPLACE_ME"
)

type Config struct {
	AppEnv     string `env:"APP_ENV" default:"development"`
	Port       string `env:"PORT" default:"8080"`
	AuthToken  string `env:"USAGE_AUTH_TOKEN"`
	AuthPolicy string `env:"AUTH_POLICY" default:"per-message"`
	LogLevel   string `env:"LOG_LEVEL" default:"info"`
	LogFormat  string `env:"LOG_FORMAT" default:"text"`

	// Left without defaults so the millisecond forms can fill them in.
	HeartbeatTTL        time.Duration `env:"HEARTBEAT_TTL"`
	BroadcastInterval   time.Duration `env:"BROADCAST_INTERVAL"`
	HeartbeatTTLMs      int           `env:"HEARTBEAT_TTL_MS"`
	BroadcastIntervalMs int           `env:"BROADCAST_INTERVAL_MS"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	HandshakeRateLimit      float64 `env:"HANDSHAKE_RATE_LIMIT" default:"20"`
	HandshakeRateBurst      int     `env:"HANDSHAKE_RATE_BURST" default:"40"`
}

// Policy returns the parsed AUTH_POLICY. Only valid after Load.
func (c *Config) Policy() auth.Policy {
	p, _ := auth.ParsePolicy(c.AuthPolicy)
	return p
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg.HeartbeatTTL = resolveDuration(cfg.HeartbeatTTL, cfg.HeartbeatTTLMs, defaultHeartbeatTTL)
	cfg.BroadcastInterval = resolveDuration(cfg.BroadcastInterval, cfg.BroadcastIntervalMs, defaultBroadcastInterval)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func resolveDuration(d time.Duration, ms int, fallback time.Duration) time.Duration {
	if d != 0 {
		return d
	}
	if ms != 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func validate(cfg *Config) error {
	if cfg.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := auth.ParsePolicy(cfg.AuthPolicy); err != nil {
		return fmt.Errorf("AUTH_POLICY: %w", err)
	}
	if cfg.HeartbeatTTL <= 0 {
		return errors.New("HEARTBEAT_TTL must be positive")
	}
	if cfg.BroadcastInterval <= 0 {
		return errors.New("BROADCAST_INTERVAL must be positive")
	}
	if cfg.MaxWebSocketConnections <= 0 {
		return errors.New("MAX_WEBSOCKET_CONNECTIONS must be positive")
	}
	if cfg.HandshakeRateLimit <= 0 || cfg.HandshakeRateBurst <= 0 {
		return errors.New("HANDSHAKE_RATE_LIMIT and HANDSHAKE_RATE_BURST must be positive")
	}
	return nil
}

// ClientConfig configures the headless usage client.
type ClientConfig struct {
	URL       string `env:"USAGE_WS_URL" default:"ws://localhost:8080/usage"`
	AuthToken string `env:"USAGE_AUTH_TOKEN"`
	StatePath string `env:"USAGE_STATE_PATH"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`
	ReconnectMinDelay time.Duration `env:"RECONNECT_MIN_DELAY" default:"1s"`
	ReconnectMaxDelay time.Duration `env:"RECONNECT_MAX_DELAY" default:"20s"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" default:"60s"`
}

func LoadClient() (*ClientConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg ClientConfig
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
	if cfg.AuthToken == placeholderToken {
		cfg.AuthToken = ""
	}

	if cfg.StatePath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve user config dir: %w", err)
		}
		cfg.StatePath = filepath.Join(dir, "usagepulse", "state.db")
	}

	if err := validateClient(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateClient(cfg *ClientConfig) error {
	if !strings.HasPrefix(cfg.URL, "ws://") && !strings.HasPrefix(cfg.URL, "wss://") {
		return fmt.Errorf("USAGE_WS_URL must be a ws:// or wss:// URL, got %q", cfg.URL)
	}
	if cfg.HeartbeatInterval <= 0 {
		return errors.New("HEARTBEAT_INTERVAL must be positive")
	}
	if cfg.ReconnectMinDelay <= 0 {
		return errors.New("RECONNECT_MIN_DELAY must be positive")
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectMinDelay {
		return errors.New("RECONNECT_MAX_DELAY must not be less than RECONNECT_MIN_DELAY")
	}
	if cfg.ReadTimeout <= 0 {
		return errors.New("READ_TIMEOUT must be positive")
	}
	return nil
}
