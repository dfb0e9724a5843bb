// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

package models

import "time"

// SyncMethod identifies which transport is currently authoritative.
type SyncMethod string

const (
	MethodChannelFeed SyncMethod = "channel-feed"
	MethodPushStream  SyncMethod = "push-stream"
	MethodNone        SyncMethod = "none"
)

// SyncPolicy selects how the coordinator picks the active transport.
type SyncPolicy string

const (
	// PolicyAuto prefers the channel feed, falling back to the push stream.
	PolicyAuto SyncPolicy = "auto"

	// PolicyFeedOnly forces the channel-feed transport.
	PolicyFeedOnly SyncPolicy = "feed-only"

	// PolicyStreamOnly forces the push-stream transport.
	PolicyStreamOnly SyncPolicy = "stream-only"
)

// SyncState is the store-level synchronization state.
type SyncState string

const (
	SyncStateIdle    SyncState = "idle"
	SyncStateSyncing SyncState = "syncing"
	SyncStateSuccess SyncState = "success"
	SyncStateError   SyncState = "error"
)

// ConnectionQuality grades how recently a transport has shown activity.
// Telemetry only; never used for control decisions.
type ConnectionQuality string

const (
	QualityExcellent    ConnectionQuality = "excellent"
	QualityGood         ConnectionQuality = "good"
	QualityFair         ConnectionQuality = "fair"
	QualityPoor         ConnectionQuality = "poor"
	QualityDisconnected ConnectionQuality = "disconnected"
	QualityUnknown      ConnectionQuality = "unknown"
)

// ConnectionState is a point-in-time snapshot of one transport's health.
//
// ReconnectAttempts resets to 0 only on a successful (re)connection. It is
// capped; hitting the ceiling puts the transport in a terminal
// not-connected, not-retrying state until an external trigger (manual
// reconnect, visibility regain) resets it.
type ConnectionState struct {
	Connected         bool       `json:"connected"`
	LastActivity      *time.Time `json:"last_activity,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	LastError         string     `json:"last_error,omitempty"`
}

// SyncStatus is the unified, consumer-facing telemetry surface.
type SyncStatus struct {
	Connected bool              `json:"connected"`
	Method    SyncMethod        `json:"method"`
	State     SyncState         `json:"state"`
	Quality   ConnectionQuality `json:"quality"`
	Feed      ConnectionState   `json:"feed"`
	Stream    ConnectionState   `json:"stream"`
	LastSync  *time.Time        `json:"last_sync,omitempty"`
}

// MutationKind identifies the type of a pending optimistic mutation.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// PendingMutation records a locally-applied, not-yet-confirmed change.
//
// Created when a local action mutates the store optimistically; removed when
// a matching confirmation arrives (success) or when the network call for the
// mutation fails (rollback, reverting to the retained prior value).
type PendingMutation struct {
	EntityID  string       `json:"entity_id"`
	Kind      MutationKind `json:"kind"`
	Token     string       `json:"token,omitempty"` // correlation token for create reconciliation
	AppliedAt time.Time    `json:"applied_at"`
}
