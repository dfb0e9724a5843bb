// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentalking/geulpi-sync/internal/models"
	"github.com/dentalking/geulpi-sync/internal/store"
)

func TestMutatorCreateReconcilesPlaceholder(t *testing.T) {
	st := store.New()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/events", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var body models.CalendarEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Empty(t, body.ID, "server assigns the id")
		assert.NotEmpty(t, body.ClientToken)

		body.ID = "evt-server-1"
		body.UpdatedAt = time.Now()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer server.Close()

	m := NewMutator(server.URL, "test-token", 5*time.Second, st)

	created, err := m.CreateEvent(context.Background(), &models.CalendarEvent{Title: "kickoff"})
	require.NoError(t, err)
	assert.Equal(t, "evt-server-1", created.ID)

	// Only the server copy remains; the placeholder was reconciled away.
	assert.Equal(t, 1, st.Len())
	assert.Empty(t, st.Pending())
	_, ok := st.Get("evt-server-1")
	assert.True(t, ok)
}

func TestMutatorCreateFailureRollsBack(t *testing.T) {
	st := store.New()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	m := NewMutator(server.URL, "", 5*time.Second, st)

	_, err := m.CreateEvent(context.Background(), &models.CalendarEvent{Title: "doomed"})
	require.Error(t, err)

	assert.Zero(t, st.Len(), "optimistic placeholder removed on failure")
	assert.Empty(t, st.Pending())
}

func TestMutatorUpdateConfirmsOnSuccess(t *testing.T) {
	st := store.New()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	st.ApplyCreated(makeTestEvent("evt-1", "before", base))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.True(t, strings.HasSuffix(r.URL.Path, "/evt-1"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	m := NewMutator(server.URL, "", 5*time.Second, st)

	edit := makeTestEvent("evt-1", "after", base.Add(time.Minute))
	require.NoError(t, m.UpdateEvent(context.Background(), edit))

	got, _ := st.Get("evt-1")
	assert.Equal(t, "after", got.Title)
	assert.Empty(t, st.Pending(), "pending update confirmed")
}

func TestMutatorUpdateStaleEchoStillConfirms(t *testing.T) {
	st := store.New()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	st.ApplyCreated(makeTestEvent("evt-1", "before", base))

	// The server echoes an updated_at behind the optimistic timestamp
	// (clock skew); the 2xx must still clear the pending mutation.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		echo := makeTestEvent("evt-1", "after", base.Add(-2*time.Second))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(echo)
	}))
	defer server.Close()

	m := NewMutator(server.URL, "", 5*time.Second, st)

	require.NoError(t, m.UpdateEvent(context.Background(), makeTestEvent("evt-1", "after", base.Add(time.Minute))))

	assert.Empty(t, st.Pending(), "success clears the pending update despite the stale echo")
	got, _ := st.Get("evt-1")
	assert.Equal(t, "after", got.Title, "the newer optimistic copy wins the merge")
}

func TestMutatorUpdateFailureRestoresPrior(t *testing.T) {
	st := store.New()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	st.ApplyCreated(makeTestEvent("evt-1", "original", base))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "conflict", http.StatusConflict)
	}))
	defer server.Close()

	m := NewMutator(server.URL, "", 5*time.Second, st)

	err := m.UpdateEvent(context.Background(), makeTestEvent("evt-1", "edited", base.Add(time.Minute)))
	require.Error(t, err)

	got, _ := st.Get("evt-1")
	assert.Equal(t, "original", got.Title)
	assert.Empty(t, st.Pending())
}

func TestMutatorDeleteFailureRestoresPrior(t *testing.T) {
	st := store.New()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	st.ApplyCreated(makeTestEvent("evt-1", "keep", base))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	m := NewMutator(server.URL, "", 5*time.Second, st)

	require.Error(t, m.DeleteEvent(context.Background(), "evt-1"))

	_, ok := st.Get("evt-1")
	assert.True(t, ok, "failed delete restores the event")
}

func TestMutatorDeleteSuccess(t *testing.T) {
	st := store.New()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	st.ApplyCreated(makeTestEvent("evt-1", "gone", base))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	m := NewMutator(server.URL, "", 5*time.Second, st)

	require.NoError(t, m.DeleteEvent(context.Background(), "evt-1"))
	assert.Zero(t, st.Len())
	assert.Empty(t, st.Pending())
}

func TestMutatorFetchAll(t *testing.T) {
	st := store.New()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/v1/events", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]*models.CalendarEvent{
			makeTestEvent("evt-1", "a", base),
			makeTestEvent("evt-2", "b", base),
		})
	}))
	defer server.Close()

	m := NewMutator(server.URL, "", 5*time.Second, st)

	events, err := m.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestMutatorBreakerOpensUnderSustainedFailure(t *testing.T) {
	st := store.New()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	m := NewMutator(server.URL, "", 5*time.Second, st)

	// Trip the breaker: >= 5 requests at a 100% failure rate.
	for i := 0; i < 6; i++ {
		_, _ = m.FetchAll(context.Background())
	}

	_, err := m.FetchAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open", "breaker rejects without reaching the server")
}
