// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

package models

import (
	"strings"
	"time"
)

// EventStatus represents the lifecycle state of a calendar event.
type EventStatus string

const (
	EventStatusConfirmed EventStatus = "confirmed"
	EventStatusTentative EventStatus = "tentative"
	EventStatusCancelled EventStatus = "cancelled"
)

// PlaceholderIDPrefix marks locally generated event identifiers that have not
// yet been replaced by a server-assigned id.
const PlaceholderIDPrefix = "temp-"

// EventDateTime is either a timestamped instant or an all-day date.
//
// Exactly one of DateTime or Date is set. TimeZone is an IANA zone name and
// is always populated after transport-boundary mapping (defaulted when the
// wire payload omits it).
type EventDateTime struct {
	DateTime *time.Time `json:"date_time,omitempty"`
	Date     string     `json:"date,omitempty"` // YYYY-MM-DD for all-day events
	TimeZone string     `json:"time_zone,omitempty"`
}

// IsAllDay returns true when the value carries a date without a timestamp.
func (e EventDateTime) IsAllDay() bool {
	return e.DateTime == nil && e.Date != ""
}

// Attendee is a participant on a calendar event.
type Attendee struct {
	Email          string `json:"email"`
	DisplayName    string `json:"display_name,omitempty"`
	ResponseStatus string `json:"response_status,omitempty"` // accepted, declined, tentative, needsAction
	Organizer      bool   `json:"organizer,omitempty"`
}

// CalendarEvent is the synchronized entity.
//
// ID is server-assigned; before the server confirms a locally created event
// it holds a placeholder (PlaceholderIDPrefix + uuid). ClientToken is the
// correlation token echoed back by the server on create confirmations so the
// store can reconcile a placeholder whose final id differs.
//
// Invariant: a given ID resolves to exactly one logical event in the store;
// a placeholder is replaced, never duplicated, once the real id arrives.
type CalendarEvent struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Location    string        `json:"location,omitempty"`
	Start       EventDateTime `json:"start"`
	End         EventDateTime `json:"end"`
	Attendees   []Attendee    `json:"attendees,omitempty"`
	Status      EventStatus   `json:"status,omitempty"`
	ClientToken string        `json:"client_token,omitempty"`
	CreatedAt   time.Time     `json:"created_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at,omitempty"`
}

// IsPlaceholder reports whether the event still carries a locally generated id.
func (e *CalendarEvent) IsPlaceholder() bool {
	return strings.HasPrefix(e.ID, PlaceholderIDPrefix)
}

// Clone returns a deep copy of the event. The store hands out clones so
// subscribers can never mutate canonical state through a shared pointer.
func (e *CalendarEvent) Clone() *CalendarEvent {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Start.DateTime != nil {
		t := *e.Start.DateTime
		cp.Start.DateTime = &t
	}
	if e.End.DateTime != nil {
		t := *e.End.DateTime
		cp.End.DateTime = &t
	}
	if len(e.Attendees) > 0 {
		cp.Attendees = make([]Attendee, len(e.Attendees))
		copy(cp.Attendees, e.Attendees)
	}
	return &cp
}
