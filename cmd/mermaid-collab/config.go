package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is populated from the environment; flags override a subset.
type Config struct {
	Addr        string `env:"MERMAID_COLLAB_ADDR,default=:7070"`
	DiagramsDir string `env:"MERMAID_COLLAB_DIAGRAMS_DIR,default=./diagrams"`
	UIDir       string `env:"MERMAID_COLLAB_UI_DIR"`

	SessionIdleTimeout   time.Duration `env:"MERMAID_COLLAB_SESSION_IDLE_TIMEOUT,default=30m"`
	SessionSweepInterval time.Duration `env:"MERMAID_COLLAB_SESSION_SWEEP_INTERVAL,default=1m"`
	DefaultWait          time.Duration `env:"MERMAID_COLLAB_DEFAULT_WAIT,default=30s"`

	// RedisURL switches the broadcaster from in-process to Redis pub/sub for
	// multi-node deployments.
	RedisURL string `env:"MERMAID_COLLAB_REDIS_URL"`

	// Either enables bearer-token auth on the MCP endpoint.
	AuthHMACSecret string `env:"MERMAID_COLLAB_AUTH_HMAC_SECRET"`
	AuthJWKSURL    string `env:"MERMAID_COLLAB_AUTH_JWKS_URL"`

	LogLevel string `env:"MERMAID_COLLAB_LOG_LEVEL,default=info"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	return cfg, nil
}

func (c Config) slogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
