// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// Feed is enabled by default and requires url/user_id, so disable it to
	// exercise the pure-defaults path.
	t.Setenv("GEULPI_FEED_ENABLED", "false")
	t.Setenv("GEULPI_STREAM_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8754, cfg.Server.Port)
	assert.Equal(t, "auto", cfg.Sync.Policy)
	assert.Equal(t, time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Sync.BackoffCeiling)
	assert.Equal(t, 5, cfg.Sync.MaxReconnectAttempts)
	assert.Equal(t, 3*time.Minute, cfg.Stream.StaleThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Feed.InactivityThreshold)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("GEULPI_FEED_ENABLED", "true")
	t.Setenv("GEULPI_FEED_URL", "wss://feed.example.com/realtime")
	t.Setenv("GEULPI_FEED_USER_ID", "user-42")
	t.Setenv("GEULPI_STREAM_ENABLED", "false")
	t.Setenv("GEULPI_SERVER_PORT", "9000")
	t.Setenv("GEULPI_SYNC_BACKOFF_CEILING", "45s")
	t.Setenv("GEULPI_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "wss://feed.example.com/realtime", cfg.Feed.URL)
	assert.Equal(t, "user-42", cfg.Feed.UserID)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Sync.BackoffCeiling)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
feed:
  enabled: false
stream:
  enabled: true
  url: https://api.example.com/stream
  token: secret
sync:
  policy: stream-only
`), 0o600))
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.Feed.Enabled)
	assert.Equal(t, "stream-only", cfg.Sync.Policy)
	assert.Equal(t, "secret", cfg.Stream.Token)
}

func TestEnvTransform(t *testing.T) {
	assert.Equal(t, "feed.url", envTransform("GEULPI_FEED_URL"))
	assert.Equal(t, "sync.backoff_base", envTransform("GEULPI_SYNC_BACKOFF_BASE"))
	assert.Equal(t, "server.rate_limit_reqs", envTransform("GEULPI_SERVER_RATE_LIMIT_REQS"))
}

func TestValidateCrossFieldRules(t *testing.T) {
	base := func() *Config {
		c := defaultConfig()
		c.Feed.URL = "wss://feed.example.com"
		c.Feed.UserID = "u"
		c.Stream.URL = "https://api.example.com/stream"
		return c
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("feed enabled without url", func(t *testing.T) {
		c := base()
		c.Feed.URL = ""
		assert.Error(t, c.Validate())
	})

	t.Run("feed enabled without user id", func(t *testing.T) {
		c := base()
		c.Feed.UserID = ""
		assert.Error(t, c.Validate())
	})

	t.Run("stream enabled without url", func(t *testing.T) {
		c := base()
		c.Stream.URL = ""
		assert.Error(t, c.Validate())
	})

	t.Run("feed-only policy with feed disabled", func(t *testing.T) {
		c := base()
		c.Feed.Enabled = false
		c.Sync.Policy = "feed-only"
		assert.Error(t, c.Validate())
	})

	t.Run("stream-only policy with stream disabled", func(t *testing.T) {
		c := base()
		c.Stream.Enabled = false
		c.Sync.Policy = "stream-only"
		assert.Error(t, c.Validate())
	})

	t.Run("ceiling below base", func(t *testing.T) {
		c := base()
		c.Sync.BackoffCeiling = c.Sync.BackoffBase / 2
		assert.Error(t, c.Validate())
	})

	t.Run("unknown policy", func(t *testing.T) {
		c := base()
		c.Sync.Policy = "sometimes"
		assert.Error(t, c.Validate())
	})
}
