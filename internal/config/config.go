// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

// Package config loads and validates the sync daemon configuration.
//
// Configuration is layered with Koanf v2, lowest to highest precedence:
//
//  1. Built-in defaults
//  2. Optional YAML config file (config.yaml, or GEULPI_CONFIG_PATH)
//  3. GEULPI_-prefixed environment variables
//
// Environment variable names map to nested keys by section prefix:
// GEULPI_FEED_URL -> feed.url, GEULPI_SYNC_BACKOFF_BASE -> sync.backoff_base.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "GEULPI_CONFIG_PATH"

// envPrefix is stripped from environment variables before key mapping.
const envPrefix = "GEULPI_"

// DefaultConfigPaths lists config file locations searched in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/geulpi-sync/config.yaml",
	"/etc/geulpi-sync/config.yml",
}

// Config is the root configuration for the sync daemon.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Feed    FeedConfig    `koanf:"feed"`
	Stream  StreamConfig  `koanf:"stream"`
	Sync    SyncConfig    `koanf:"sync"`
	Cache   CacheConfig   `koanf:"cache"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig configures the local status/metrics HTTP server.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"gte=1,lte=65535"`
	Timeout         time.Duration `koanf:"timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gte=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
}

// FeedConfig configures the multiplexed channel-feed subscription.
type FeedConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url" validate:"omitempty,url"`
	APIKey  string `koanf:"api_key"`
	UserID  string `koanf:"user_id"`

	// SubscribeTimeout bounds subscription establishment; expiry is treated
	// as a connection failure, never an indefinite hang.
	SubscribeTimeout time.Duration `koanf:"subscribe_timeout" validate:"gt=0"`

	// InactivityThreshold forces a reconnect when a nominally connected
	// subscription shows no activity for this long.
	InactivityThreshold time.Duration `koanf:"inactivity_threshold" validate:"gt=0"`

	// LivenessInterval is how often the inactivity check runs.
	LivenessInterval time.Duration `koanf:"liveness_interval" validate:"gt=0"`

	// ResyncErrorThreshold is the error count at which a disconnected feed
	// requests a full resync instead of retrying silently.
	ResyncErrorThreshold int `koanf:"resync_error_threshold" validate:"gte=1"`
}

// StreamConfig configures the unidirectional push stream.
type StreamConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url" validate:"omitempty,url"`
	Token   string `koanf:"token"`

	// StaleThreshold forces a reconnect when the stream delivers no message
	// of any kind for this long while connected.
	StaleThreshold time.Duration `koanf:"stale_threshold" validate:"gt=0"`
}

// SyncConfig configures coordinator policy, backoff, and mutation endpoints.
type SyncConfig struct {
	// Policy is auto, feed-only, or stream-only.
	Policy string `koanf:"policy" validate:"oneof=auto feed-only stream-only"`

	// BackoffBase and BackoffCeiling shape reconnect delays:
	// delay = min(base * 2^attempt, ceiling).
	BackoffBase    time.Duration `koanf:"backoff_base" validate:"gt=0"`
	BackoffCeiling time.Duration `koanf:"backoff_ceiling" validate:"gt=0"`

	// MaxReconnectAttempts stops automatic retries until an external trigger.
	MaxReconnectAttempts int `koanf:"max_reconnect_attempts" validate:"gte=1"`

	// APIBaseURL is the external calendar API owning the mutation endpoints.
	APIBaseURL string `koanf:"api_base_url" validate:"omitempty,url"`

	// APIToken authenticates mutation and fetch calls.
	APIToken string `koanf:"api_token"`

	// RequestTimeout bounds individual mutation/fetch calls.
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"gt=0"`
}

// CacheConfig configures the preference cache.
type CacheConfig struct {
	// PreferenceTTL is how long cached user preferences stay fresh.
	PreferenceTTL time.Duration `koanf:"preference_ttl" validate:"gt=0"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, applied before file and env.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8754,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Feed: FeedConfig{
			Enabled:              true,
			SubscribeTimeout:     10 * time.Second,
			InactivityThreshold:  5 * time.Minute,
			LivenessInterval:     time.Minute,
			ResyncErrorThreshold: 3,
		},
		Stream: StreamConfig{
			Enabled:        true,
			StaleThreshold: 3 * time.Minute,
		},
		Sync: SyncConfig{
			Policy:               "auto",
			BackoffBase:          time.Second,
			BackoffCeiling:       30 * time.Second,
			MaxReconnectAttempts: 5,
			RequestTimeout:       10 * time.Second,
		},
		Cache: CacheConfig{
			PreferenceTTL: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, optional file, and environment.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransform maps GEULPI_SECTION_SOME_KEY to section.some_key. The first
// underscore separates the section; the rest of the name keeps underscores.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	section, rest, found := strings.Cut(key, "_")
	if !found {
		return section
	}
	return section + "." + rest
}

// Validate checks struct tags and cross-field constraints.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return err
	}

	if c.Feed.Enabled {
		if c.Feed.URL == "" {
			return fmt.Errorf("feed.url is required when the channel feed is enabled")
		}
		if c.Feed.UserID == "" {
			return fmt.Errorf("feed.user_id is required when the channel feed is enabled")
		}
	}
	if c.Stream.Enabled && c.Stream.URL == "" {
		return fmt.Errorf("stream.url is required when the push stream is enabled")
	}
	if !c.Feed.Enabled && c.Sync.Policy == "feed-only" {
		return fmt.Errorf("sync.policy feed-only requires feed.enabled")
	}
	if !c.Stream.Enabled && c.Sync.Policy == "stream-only" {
		return fmt.Errorf("sync.policy stream-only requires stream.enabled")
	}
	if c.Sync.BackoffCeiling < c.Sync.BackoffBase {
		return fmt.Errorf("sync.backoff_ceiling must be >= sync.backoff_base")
	}
	return nil
}
