// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat relay.
package server

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/presencechat/internal/relay"
)

// RateLimitConfig defines the parameters for per-connection inbound event
// rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst" env:"BURST"`
	RefillInterval time.Duration `yaml:"refill_interval" env:"REFILL_INTERVAL"`
}

// Config holds the relay configuration. Values are layered as defaults, then
// an optional YAML file, then environment variables.
type Config struct {
	Port           string          `yaml:"port" env:"SERVER_PORT"`
	AllowedOrigins []string        `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxMessageSize int64           `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`

	// MaxUsernameLength caps usernames in runes. Negative disables the cap.
	MaxUsernameLength int `yaml:"max_username_length" env:"MAX_USERNAME_LENGTH"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	// MetricsLogInterval enables a periodic metrics log line when positive.
	MetricsLogInterval time.Duration `yaml:"metrics_log_interval" env:"METRICS_LOG_INTERVAL"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

const (
	defaultPort            = ":8080"
	defaultMaxMessageSize  = 1 << 20
	defaultBurst           = 5
	defaultRefillInterval  = time.Second
	defaultShutdownTimeout = 10 * time.Second
)

var (
	configMu      sync.RWMutex
	activeConfig  Config
	activeOrigins originPolicy
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: defaultRefillInterval,
		},
		MaxUsernameLength: relay.DefaultMaxUsernameLength,
		LogLevel:          "info",
		LogFormat:         "text",
		ShutdownTimeout:   defaultShutdownTimeout,
	}
}

// sanitizeConfig replaces unusable values with their defaults.
func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaultRefillInterval
	}
	if cfg.MaxUsernameLength == 0 {
		cfg.MaxUsernameLength = relay.DefaultMaxUsernameLength
	}
	if cfg.MetricsLogInterval < 0 {
		cfg.MetricsLogInterval = 0
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	next := defaultConfig()
	if cfg != nil {
		next = *cfg
	}
	next = sanitizeConfig(next)
	policy := newOriginPolicy(next.AllowedOrigins)

	configMu.Lock()
	defer configMu.Unlock()
	activeConfig = next
	activeOrigins = policy
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from environment variables on top of
// the defaults. Unset variables keep their default.
func NewConfigFromEnv() (*Config, error) {
	cfg := defaultConfig()
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads the YAML file at path (skipped when empty) over the
// defaults, then applies environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
