// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentalking/geulpi-sync/internal/config"
	"github.com/dentalking/geulpi-sync/internal/models"
	"github.com/dentalking/geulpi-sync/internal/store"
)

type fakeController struct {
	status    models.SyncStatus
	triggers  int
	reconnect int
	visible   int
}

func (f *fakeController) Status() models.SyncStatus { return f.status }
func (f *fakeController) TriggerSync()              { f.triggers++ }
func (f *fakeController) Reconnect()                { f.reconnect++ }
func (f *fakeController) NotifyVisible()            { f.visible++ }

type fakeMutator struct {
	createErr error
	updateErr error
	deleteErr error
	lastID    string
}

func (f *fakeMutator) CreateEvent(_ context.Context, ev *models.CalendarEvent) (*models.CalendarEvent, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	out := ev.Clone()
	out.ID = "evt-created"
	return out, nil
}

func (f *fakeMutator) UpdateEvent(_ context.Context, ev *models.CalendarEvent) error {
	f.lastID = ev.ID
	return f.updateErr
}

func (f *fakeMutator) DeleteEvent(_ context.Context, id string) error {
	f.lastID = id
	return f.deleteErr
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Host:            "127.0.0.1",
		Port:            0,
		Timeout:         5 * time.Second,
		ShutdownTimeout: time.Second,
		CORSOrigins:     []string{"*"},
		RateLimitReqs:   1000,
		RateLimitWindow: time.Minute,
	}
}

func newTestRouter(ctrl *fakeController, mut EventMutator, st *store.EventStore) http.Handler {
	return NewRouter(testServerConfig(), NewHandlers(ctrl, mut, st))
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(&fakeController{}, &fakeMutator{}, store.New())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestSyncStatusEndpoint(t *testing.T) {
	ctrl := &fakeController{status: models.SyncStatus{
		Connected: true,
		Method:    models.MethodChannelFeed,
		Quality:   models.QualityExcellent,
		State:     models.SyncStateSuccess,
	}}
	router := newTestRouter(ctrl, &fakeMutator{}, store.New())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sync/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var status models.SyncStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Connected)
	assert.Equal(t, models.MethodChannelFeed, status.Method)
	assert.Equal(t, models.QualityExcellent, status.Quality)
}

func TestSyncControlEndpoints(t *testing.T) {
	ctrl := &fakeController{}
	router := newTestRouter(ctrl, &fakeMutator{}, store.New())

	for _, path := range []string{"/api/v1/sync/trigger", "/api/v1/sync/reconnect", "/api/v1/sync/visible"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusAccepted, rec.Code, path)
	}

	assert.Equal(t, 1, ctrl.triggers)
	assert.Equal(t, 1, ctrl.reconnect)
	assert.Equal(t, 1, ctrl.visible)
}

func TestListEventsIncludesPending(t *testing.T) {
	st := store.New()
	st.CreateOptimistic(&models.CalendarEvent{Title: "draft"})
	router := newTestRouter(&fakeController{}, &fakeMutator{}, st)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events  []*models.CalendarEvent  `json:"events"`
		Pending []models.PendingMutation `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Events, 1)
	assert.Len(t, body.Pending, 1)
}

func TestCreateEventEndpoint(t *testing.T) {
	router := newTestRouter(&fakeController{}, &fakeMutator{}, store.New())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events/", strings.NewReader(`{"title":"kickoff"}`))
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.CalendarEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "evt-created", created.ID)
}

func TestCreateEventInvalidBody(t *testing.T) {
	router := newTestRouter(&fakeController{}, &fakeMutator{}, store.New())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events/", strings.NewReader("{nope")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateEventFailurePropagates(t *testing.T) {
	mut := &fakeMutator{createErr: errors.New("api down")}
	router := newTestRouter(&fakeController{}, mut, store.New())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events/", strings.NewReader(`{"title":"x"}`)))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "api down")
}

func TestUpdateEventUsesPathID(t *testing.T) {
	mut := &fakeMutator{}
	router := newTestRouter(&fakeController{}, mut, store.New())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/events/evt-7", strings.NewReader(`{"title":"renamed"}`))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "evt-7", mut.lastID)
}

func TestDeleteEventEndpoint(t *testing.T) {
	mut := &fakeMutator{}
	router := newTestRouter(&fakeController{}, mut, store.New())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/events/evt-9", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "evt-9", mut.lastID)
}

func TestMutationsWithoutMutatorConfigured(t *testing.T) {
	router := newTestRouter(&fakeController{}, nil, store.New())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events/", strings.NewReader(`{"title":"x"}`)))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
