// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/dentalking/geulpi-sync/internal/logging"
	"github.com/dentalking/geulpi-sync/internal/models"
	"github.com/dentalking/geulpi-sync/internal/store"
)

// SyncController is the coordinator surface the handlers drive.
type SyncController interface {
	Status() models.SyncStatus
	TriggerSync()
	Reconnect()
	NotifyVisible()
}

// EventMutator is the mutation surface the handlers drive.
type EventMutator interface {
	CreateEvent(ctx context.Context, ev *models.CalendarEvent) (*models.CalendarEvent, error)
	UpdateEvent(ctx context.Context, ev *models.CalendarEvent) error
	DeleteEvent(ctx context.Context, id string) error
}

// Handlers holds the HTTP handler set for the sync surface.
type Handlers struct {
	coordinator SyncController
	mutator     EventMutator
	store       *store.EventStore
}

// NewHandlers creates the handler set.
func NewHandlers(coordinator SyncController, mutator EventMutator, st *store.EventStore) *Handlers {
	return &Handlers{coordinator: coordinator, mutator: mutator, store: st}
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SyncStatus returns the unified connection telemetry.
func (h *Handlers) SyncStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.coordinator.Status())
}

// TriggerSync requests a full resynchronization.
func (h *Handlers) TriggerSync(w http.ResponseWriter, _ *http.Request) {
	h.coordinator.TriggerSync()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync triggered"})
}

// Reconnect re-invokes connect on the policy's transports.
func (h *Handlers) Reconnect(w http.ResponseWriter, _ *http.Request) {
	h.coordinator.Reconnect()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

// Visible signals that the host page regained visibility.
func (h *Handlers) Visible(w http.ResponseWriter, _ *http.Request) {
	h.coordinator.NotifyVisible()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "visibility noted"})
}

// ListEvents returns the canonical collection plus pending mutations.
func (h *Handlers) ListEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"events":  h.store.Events(),
		"pending": h.store.Pending(),
	})
}

// CreateEvent applies an optimistic create and forwards it to the API.
// Mutation failures surface here; the optimistic change is already rolled
// back by the mutator when they do.
func (h *Handlers) CreateEvent(w http.ResponseWriter, r *http.Request) {
	if h.mutator == nil {
		writeError(w, http.StatusServiceUnavailable, "mutation API not configured")
		return
	}
	var ev models.CalendarEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	created, err := h.mutator.CreateEvent(r.Context(), &ev)
	if err != nil {
		logging.Warn().Err(err).Msg("create event failed, optimistic change rolled back")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateEvent applies an optimistic update and forwards it to the API.
func (h *Handlers) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	if h.mutator == nil {
		writeError(w, http.StatusServiceUnavailable, "mutation API not configured")
		return
	}
	var ev models.CalendarEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	ev.ID = chi.URLParam(r, "id")

	if err := h.mutator.UpdateEvent(r.Context(), &ev); err != nil {
		logging.Warn().Err(err).Str("id", ev.ID).Msg("update event failed, optimistic change rolled back")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// DeleteEvent applies an optimistic delete and forwards it to the API.
func (h *Handlers) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	if h.mutator == nil {
		writeError(w, http.StatusServiceUnavailable, "mutation API not configured")
		return
	}
	id := chi.URLParam(r, "id")

	if err := h.mutator.DeleteEvent(r.Context(), id); err != nil {
		logging.Warn().Err(err).Str("id", id).Msg("delete event failed, optimistic change rolled back")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
