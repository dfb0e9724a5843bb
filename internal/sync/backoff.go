// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

package sync

import "time"

// BackoffPolicy shapes reconnect delays shared by both transports:
// delay = min(base * 2^attempt, ceiling). The attempt counter increments on
// every failed connection and resets to 0 on success. Once MaxAttempts is
// reached automatic retries stop until an external trigger (manual
// reconnect, visibility regain) resets the counter.
type BackoffPolicy struct {
	Base        time.Duration
	Ceiling     time.Duration
	MaxAttempts int
}

// DefaultBackoff matches the push-stream contract: base 1s, doubling,
// ceiling 30s, at most 5 automatic attempts.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:        time.Second,
		Ceiling:     30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the reconnect delay for the given 0-based attempt number.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^attempt overflows a Duration long before attempt reaches 63.
	if attempt > 32 {
		return p.Ceiling
	}
	d := p.Base << uint(attempt)
	if d > p.Ceiling || d < p.Base {
		return p.Ceiling
	}
	return d
}

// Exhausted reports whether the attempt counter has hit the retry ceiling.
func (p BackoffPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
