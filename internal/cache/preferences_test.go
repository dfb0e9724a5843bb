// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPreferenceCacheHitAndMiss(t *testing.T) {
	c := NewPreferenceCache(time.Minute)

	prefs, ok := c.Get("user-1")
	assert.False(t, ok)
	assert.Equal(t, DefaultPreferences, prefs)

	c.Set("user-1", Preferences{DefaultTimezone: "Asia/Seoul", WeekStartsOn: time.Sunday})

	prefs, ok = c.Get("user-1")
	assert.True(t, ok)
	assert.Equal(t, "Asia/Seoul", prefs.DefaultTimezone)
}

func TestPreferenceCacheExpiry(t *testing.T) {
	c := NewPreferenceCache(time.Minute)
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	c.Set("user-1", Preferences{DefaultTimezone: "Asia/Seoul"})

	current = current.Add(30 * time.Second)
	_, ok := c.Get("user-1")
	assert.True(t, ok, "fresh within ttl")

	current = current.Add(time.Minute)
	prefs, ok := c.Get("user-1")
	assert.False(t, ok, "expired entry is a miss")
	assert.Equal(t, DefaultPreferences, prefs)
	assert.Zero(t, c.Len(), "expired entry removed lazily")
}

func TestPreferenceCacheInvalidate(t *testing.T) {
	c := NewPreferenceCache(time.Minute)
	c.Set("user-1", Preferences{DefaultTimezone: "UTC"})
	c.Invalidate("user-1")

	_, ok := c.Get("user-1")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}
