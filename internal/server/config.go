// Package server provides configuration helpers that define runtime defaults
// and validation for the coderelay service.
package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"

	"github.com/Tyrowin/coderelay/internal/executor"
)

const (
	defaultPort            = 5002
	defaultMaxMessageSize  = 1 << 20
	defaultStaticDir       = "../frontend/dist"
	defaultShutdownTimeout = 10 * time.Second
	defaultLogLevel        = "INFO"
)

// Config holds the server configuration settings.
type Config struct {
	Port            int           `env:"PORT,default=5002"`
	AllowedOrigins  string        `env:"ALLOWED_ORIGINS,default=*"`
	MaxMessageSize  int           `env:"MAX_MESSAGE_SIZE,default=1048576"`
	StaticDir       string        `env:"STATIC_DIR,default=../frontend/dist"`
	ExecutorURL     string        `env:"EXECUTOR_URL"`
	ExecutorTimeout time.Duration `env:"EXECUTOR_TIMEOUT,default=0s"`
	PruneEmptyRooms bool          `env:"PRUNE_EMPTY_ROOMS,default=false"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	LogLevel        string        `env:"LOG_LEVEL,default=INFO"`
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	return &Config{
		Port:            defaultPort,
		AllowedOrigins:  "*",
		MaxMessageSize:  defaultMaxMessageSize,
		StaticDir:       defaultStaticDir,
		ExecutorURL:     executor.DefaultEndpoint,
		ShutdownTimeout: defaultShutdownTimeout,
		LogLevel:        defaultLogLevel,
	}
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Values that are missing or out of range fall back to defaults.
func NewConfigFromEnv() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("loading configuration from environment: %w", err)
	}
	sanitizeConfig(&cfg)
	return &cfg, nil
}

func sanitizeConfig(cfg *Config) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = defaultPort
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if strings.TrimSpace(cfg.StaticDir) == "" {
		cfg.StaticDir = defaultStaticDir
	}

	if strings.TrimSpace(cfg.ExecutorURL) == "" {
		cfg.ExecutorURL = executor.DefaultEndpoint
	}

	if cfg.ExecutorTimeout < 0 {
		cfg.ExecutorTimeout = 0
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = defaultLogLevel
	}
}

// Addr returns the listen address for the configured port.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Origins splits AllowedOrigins into trimmed entries.
func (c *Config) Origins() []string {
	return parseOrigins(c.AllowedOrigins)
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
