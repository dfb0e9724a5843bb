// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

package models

import "time"

// ChangeType tags the normalized notification union.
//
// Both transports are mapped to this shape at their boundary so internal
// logic never inspects transport-specific payloads.
type ChangeType string

const (
	ChangeCreated      ChangeType = "created"
	ChangeUpdated      ChangeType = "updated"
	ChangeDeleted      ChangeType = "deleted"
	ChangeSyncRequired ChangeType = "sync-required"
)

// ChangeNotification is the single normalized event shape forwarded from the
// coordinator to the store.
//
// Event is set for Created/Updated; EventID for Deleted; neither for
// SyncRequired.
type ChangeNotification struct {
	Type    ChangeType
	Event   *CalendarEvent
	EventID string
	Source  SyncMethod // transport that produced the notification (telemetry only)
}

// FeedOperation is the change-feed's row operation discriminator.
type FeedOperation string

const (
	FeedOpInsert FeedOperation = "insert"
	FeedOpUpdate FeedOperation = "update"
	FeedOpDelete FeedOperation = "delete"
)

// Feed subscription status values returned by the channel-feed service.
const (
	FeedStatusSubscribed   = "SUBSCRIBED"
	FeedStatusChannelError = "CHANNEL_ERROR"
	FeedStatusTimedOut     = "TIMED_OUT"
	FeedStatusClosed       = "CLOSED"
)

// FeedMessage is the wire envelope of the multiplexed channel-feed service.
//
// The service sends two message kinds on a subscribed socket:
//   - event "status": subscription lifecycle (Status holds one of the
//     FeedStatus* values)
//   - event "change": a row change (Payload holds the FeedChange)
type FeedMessage struct {
	Event   string      `json:"event"`
	Topic   string      `json:"topic"`
	Status  string      `json:"status,omitempty"`
	Payload *FeedChange `json:"payload,omitempty"`
}

// FeedChange is a structured row-change notification from the backing store.
type FeedChange struct {
	Operation FeedOperation `json:"operation"`
	Table     string        `json:"table"`
	NewRow    *EventRow     `json:"new_row,omitempty"`
	OldRow    *EventRow     `json:"old_row,omitempty"`
}

// EventRow is the raw database row shape delivered by the change feed.
// Field names follow the backing store's snake_case columns.
type EventRow struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	StartDate   string     `json:"start_date,omitempty"` // all-day events
	EndDate     string     `json:"end_date,omitempty"`
	Timezone    string     `json:"timezone,omitempty"`
	Attendees   []Attendee `json:"attendees,omitempty"`
	Status      string     `json:"status,omitempty"`
	ClientToken string     `json:"client_token,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Named events delivered on the push stream.
const (
	StreamEventConnected    = "connected"
	StreamEventPing         = "ping"
	StreamEventHeartbeat    = "heartbeat"
	StreamEventCreated      = "event-created"
	StreamEventUpdated      = "event-updated"
	StreamEventDeleted      = "event-deleted"
	StreamEventSyncRequired = "sync-required"
)

// StreamDeletePayload is the JSON body of an event-deleted stream event.
type StreamDeletePayload struct {
	ID string `json:"id"`
}
