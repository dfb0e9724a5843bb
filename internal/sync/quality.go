// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

package sync

import (
	"time"

	"github.com/dentalking/geulpi-sync/internal/models"
)

// Quality grading thresholds, measured from the last observed activity.
const (
	qualityExcellentWithin = 30 * time.Second
	qualityGoodWithin      = 60 * time.Second
	qualityFairWithin      = 180 * time.Second
)

// GradeQuality derives the user-facing connection quality from a transport's
// connected flag and last activity time. Telemetry only; control decisions
// never depend on it.
//
// A disconnected transport grades disconnected regardless of activity; a
// connected transport with no recorded activity grades unknown.
func GradeQuality(connected bool, lastActivity *time.Time, now time.Time) models.ConnectionQuality {
	if !connected {
		return models.QualityDisconnected
	}
	if lastActivity == nil {
		return models.QualityUnknown
	}

	elapsed := now.Sub(*lastActivity)
	switch {
	case elapsed < qualityExcellentWithin:
		return models.QualityExcellent
	case elapsed < qualityGoodWithin:
		return models.QualityGood
	case elapsed < qualityFairWithin:
		return models.QualityFair
	default:
		return models.QualityPoor
	}
}
