// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/dentalking/geulpi-sync/internal/logging"
	"github.com/dentalking/geulpi-sync/internal/metrics"
	"github.com/dentalking/geulpi-sync/internal/models"
	"github.com/dentalking/geulpi-sync/internal/store"
)

// Mutator drives the optimistic mutation flow against the external calendar
// API: the store is mutated immediately, the network call follows, and the
// outcome confirms or rolls back the optimistic change.
//
// Mutation errors propagate to the initiating caller so the UI can notify
// the user; they never affect transport connection state. Calls run through
// a circuit breaker so a failing API does not absorb unbounded requests.
type Mutator struct {
	baseURL string
	token   string
	client  *http.Client
	store   *store.EventStore
	breaker *gobreaker.CircuitBreaker[[]byte]
}

const mutatorBreakerName = "calendar-api"

// NewMutator creates a mutator for the API at baseURL.
//
// Breaker settings: opens after a 60% failure rate over at least 5 requests
// within a 1 minute window, recovers through half-open after 30 seconds.
func NewMutator(baseURL, token string, timeout time.Duration, st *store.EventStore) *Mutator {
	metrics.CircuitBreakerState.WithLabelValues(mutatorBreakerName).Set(0)

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        mutatorBreakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("from", from.String()).Str("to", to.String()).Msg("calendar api breaker state changed")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})

	return &Mutator{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		store:   st,
		breaker: breaker,
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// CreateEvent applies the create optimistically, posts it, and reconciles
// the placeholder with the server-assigned id. On failure the placeholder is
// removed and the error returned.
func (m *Mutator) CreateEvent(ctx context.Context, ev *models.CalendarEvent) (*models.CalendarEvent, error) {
	id, token := m.store.CreateOptimistic(ev)

	body := ev.Clone()
	body.ID = "" // server assigns the real id
	body.ClientToken = token

	data, err := m.call(ctx, http.MethodPost, "/api/v1/events", body)
	if err != nil {
		m.store.Rollback(id)
		return nil, fmt.Errorf("create event: %w", err)
	}

	var created models.CalendarEvent
	if err := json.Unmarshal(data, &created); err != nil {
		m.store.Rollback(id)
		return nil, fmt.Errorf("create event: decode response: %w", err)
	}
	if created.ClientToken == "" {
		created.ClientToken = token // older servers do not echo the token
	}

	// Same path as a transport confirmation; reconciles the placeholder.
	m.store.ApplyCreated(&created)
	return &created, nil
}

// UpdateEvent applies the edit optimistically and patches the server copy.
// On failure the retained prior value is restored and the error returned.
func (m *Mutator) UpdateEvent(ctx context.Context, ev *models.CalendarEvent) error {
	if err := m.store.UpdateOptimistic(ev); err != nil {
		return err
	}

	data, err := m.call(ctx, http.MethodPatch, "/api/v1/events/"+ev.ID, ev)
	if err != nil {
		m.store.Rollback(ev.ID)
		return fmt.Errorf("update event %s: %w", ev.ID, err)
	}

	// Any 2xx confirms the mutation, even when the echoed copy is behind
	// the optimistic timestamp (server clock skew); the echo merge below
	// stays last-writer-wins.
	m.store.Confirm(ev.ID)

	var updated models.CalendarEvent
	if len(data) > 0 && json.Unmarshal(data, &updated) == nil && updated.ID != "" {
		m.store.ApplyUpdated(&updated)
	}
	return nil
}

// DeleteEvent removes the event optimistically and issues the delete call.
// On failure the retained prior value is restored and the error returned.
func (m *Mutator) DeleteEvent(ctx context.Context, id string) error {
	if err := m.store.DeleteOptimistic(id); err != nil {
		return err
	}

	if _, err := m.call(ctx, http.MethodDelete, "/api/v1/events/"+id, nil); err != nil {
		m.store.Rollback(id)
		return fmt.Errorf("delete event %s: %w", id, err)
	}

	m.store.Confirm(id)
	return nil
}

// FetchAll retrieves the full event collection; used to answer
// sync-required signals.
func (m *Mutator) FetchAll(ctx context.Context) ([]*models.CalendarEvent, error) {
	data, err := m.call(ctx, http.MethodGet, "/api/v1/events", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}

	var events []*models.CalendarEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("fetch events: decode response: %w", err)
	}
	return events, nil
}

// call issues one API request through the circuit breaker and returns the
// response body. Non-2xx statuses are errors.
func (m *Mutator) call(ctx context.Context, method, path string, payload any) ([]byte, error) {
	return m.breaker.Execute(func() ([]byte, error) {
		var body io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("marshal request: %w", err)
			}
			body = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, body)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if m.token != "" {
			req.Header.Set("Authorization", "Bearer "+m.token)
		}

		resp, err := m.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
		}
		return data, nil
	})
}
