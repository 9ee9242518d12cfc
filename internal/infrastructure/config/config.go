// Package config loads backend configuration from the environment.
//
// Every tunable the PTY core consumes (default dimensions, batch
// window, read buffer size, metrics interval) lives here with an
// explicit documented default, and is passed down at session-open
// time rather than read ad hoc at call sites.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Terminal  TerminalConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"7617"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`
}

// TerminalConfig holds PTY session defaults.
type TerminalConfig struct {
	// Shell overrides platform shell resolution when set.
	Shell string `envconfig:"TERM_SHELL" default:""`
	Rows  uint16 `envconfig:"TERM_ROWS" default:"24"`
	Cols  uint16 `envconfig:"TERM_COLS" default:"80"`

	// ReadBufferSize is the size of each PTY read, in bytes.
	ReadBufferSize int `envconfig:"TERM_READ_BUFFER" default:"32768"`
	// BatchWindow bounds how long output accumulates before a flush.
	BatchWindow time.Duration `envconfig:"TERM_BATCH_WINDOW" default:"10ms"`
	// MetricsInterval is how often per-session metrics events are
	// pushed. Zero disables the ticker.
	MetricsInterval time.Duration `envconfig:"TERM_METRICS_INTERVAL" default:"0"`
	// Scrollback is the replay buffer size in bytes kept per session
	// for consumers attaching after output was produced.
	Scrollback int `envconfig:"TERM_SCROLLBACK" default:"102400"`

	// ProfilesPath points at the YAML shell profile file. Empty means
	// no profiles are loaded.
	ProfilesPath string `envconfig:"TERM_PROFILES" default:""`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "7617",
			Host: "127.0.0.1",
		},
		Terminal: TerminalConfig{
			Rows:            24,
			Cols:            80,
			ReadBufferSize:  32 * 1024,
			BatchWindow:     10 * time.Millisecond,
			MetricsInterval: 0,
			Scrollback:      100 * 1024,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
