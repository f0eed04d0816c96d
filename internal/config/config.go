// Package config loads runtime configuration for the KeyGate service from
// environment variables. Engine tunables (cache TTLs, batch sizes) live in
// constants.go and are not configurable at runtime.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config represents the complete application configuration.
type Config struct {
	Server  ServerConfig  `envconfig:"SERVER"`
	Logging LoggingConfig `envconfig:"LOGGING"`
	Store   StoreConfig   `envconfig:"STORE"`
	Auth    AuthConfig    `envconfig:"AUTH"`
	Webhook WebhookConfig `envconfig:"WEBHOOK"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RateLimitRPS    float64       `envconfig:"RATE_LIMIT_RPS" default:"100"`
	RateLimitBurst  int           `envconfig:"RATE_LIMIT_BURST" default:"50"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT" default:"json"`
}

// StoreConfig selects and configures the document store backend.
type StoreConfig struct {
	// Backend is "firestore" or "memory". The memory backend is for local
	// development and tests only; it loses all state on restart.
	Backend         string `envconfig:"BACKEND" default:"firestore"`
	ProjectID       string `envconfig:"PROJECT_ID"`
	CredentialsFile string `envconfig:"CREDENTIALS_FILE"`
}

// AuthConfig contains admin API authentication settings.
type AuthConfig struct {
	AdminUsername     string `envconfig:"ADMIN_USERNAME" default:"admin"`
	AdminPasswordHash string `envconfig:"ADMIN_PASSWORD_HASH"`
	JWTSecret         string `envconfig:"JWT_SECRET"`
}

// WebhookConfig configures the outbound event notifier.
type WebhookConfig struct {
	URL string `envconfig:"URL"`
}

// Load loads configuration from KEYGATE_-prefixed environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("KEYGATE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch strings.ToLower(c.Store.Backend) {
	case "firestore":
		if c.Store.ProjectID == "" {
			return fmt.Errorf("store backend %q requires KEYGATE_STORE_PROJECT_ID", c.Store.Backend)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	return nil
}
