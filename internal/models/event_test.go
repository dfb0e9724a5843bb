// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventDateTimeIsAllDay(t *testing.T) {
	now := time.Now()

	assert.False(t, EventDateTime{DateTime: &now}.IsAllDay())
	assert.True(t, EventDateTime{Date: "2026-08-30"}.IsAllDay())
	assert.False(t, EventDateTime{}.IsAllDay(), "empty value is neither")
}

func TestIsPlaceholder(t *testing.T) {
	assert.True(t, (&CalendarEvent{ID: PlaceholderIDPrefix + "abc"}).IsPlaceholder())
	assert.False(t, (&CalendarEvent{ID: "evt-1"}).IsPlaceholder())
	assert.False(t, (&CalendarEvent{}).IsPlaceholder())
}

func TestCloneIsDeep(t *testing.T) {
	start := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	ev := &CalendarEvent{
		ID:    "evt-1",
		Title: "original",
		Start: EventDateTime{DateTime: &start, TimeZone: "UTC"},
		Attendees: []Attendee{
			{Email: "a@example.com", Organizer: true},
		},
	}

	cp := ev.Clone()
	require.NotSame(t, ev, cp)

	*cp.Start.DateTime = start.Add(time.Hour)
	cp.Attendees[0].Email = "b@example.com"

	assert.Equal(t, start, *ev.Start.DateTime)
	assert.Equal(t, "a@example.com", ev.Attendees[0].Email)
}

func TestCloneNil(t *testing.T) {
	var ev *CalendarEvent
	assert.Nil(t, ev.Clone())
}
