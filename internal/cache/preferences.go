// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

// Package cache provides a small TTL cache for per-user calendar preferences.
//
// The original application kept preferences in a process-wide ambient map.
// Here the cache is an explicit object handed to the components that need it,
// with an explicit TTL and explicit invalidation.
package cache

import (
	"sync"
	"time"
)

// Preferences holds the per-user settings consulted during notification
// mapping. DefaultTimezone fills in feed rows that omit a timezone.
type Preferences struct {
	DefaultTimezone string
	WeekStartsOn    time.Weekday
}

// DefaultPreferences is returned on a cache miss.
var DefaultPreferences = Preferences{
	DefaultTimezone: "UTC",
	WeekStartsOn:    time.Monday,
}

type entry struct {
	prefs     Preferences
	expiresAt time.Time
}

// PreferenceCache is a concurrency-safe TTL cache keyed by user id.
type PreferenceCache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]entry
	now func() time.Time // injectable clock for tests
}

// NewPreferenceCache creates a cache whose entries expire after ttl.
func NewPreferenceCache(ttl time.Duration) *PreferenceCache {
	return &PreferenceCache{
		ttl: ttl,
		m:   make(map[string]entry),
		now: time.Now,
	}
}

// Get returns the cached preferences for userID and whether the entry was
// fresh. Expired entries are treated as misses and removed lazily.
func (c *PreferenceCache) Get(userID string) (Preferences, bool) {
	c.mu.RLock()
	e, ok := c.m[userID]
	c.mu.RUnlock()

	if !ok {
		return DefaultPreferences, false
	}
	if c.now().After(e.expiresAt) {
		c.Invalidate(userID)
		return DefaultPreferences, false
	}
	return e.prefs, true
}

// Set stores preferences for userID with a fresh TTL.
func (c *PreferenceCache) Set(userID string, prefs Preferences) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[userID] = entry{prefs: prefs, expiresAt: c.now().Add(c.ttl)}
}

// Invalidate removes the entry for userID, if present.
func (c *PreferenceCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, userID)
}

// Len returns the number of entries, expired or not.
func (c *PreferenceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
