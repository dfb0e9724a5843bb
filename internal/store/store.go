// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

// Package store holds the canonical calendar event collection and the set of
// in-flight optimistic mutations.
//
// The store is the single mutation path: UI-triggered optimistic edits and
// network-confirmed notifications go through the same apply functions.
// Transport clients and the coordinator never mutate the collection directly.
//
// Reconciliation rules:
//   - Creates are matched against optimistic placeholders by correlation
//     token (the placeholder id differs from the server-assigned id).
//   - Updates are last-writer-wins by server updated_at; a remote update is
//     applied only if its updated_at is not older than the stored value, so
//     a stale server echo never overwrites a newer optimistic edit. Equal
//     timestamps favor the remote copy.
//   - Deletes drop any pending mutation for the id; deleting an absent id is
//     a no-op.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dentalking/geulpi-sync/internal/logging"
	"github.com/dentalking/geulpi-sync/internal/metrics"
	"github.com/dentalking/geulpi-sync/internal/models"
)

// Listener is invoked synchronously after every logical store change.
type Listener func()

// EventStore is the source of truth for the synchronized event collection.
//
// Thread safety: all methods are safe for concurrent use. Listeners are
// invoked outside the internal lock, so they may call back into the store.
type EventStore struct {
	mu        sync.Mutex
	events    map[string]*models.CalendarEvent
	pending   map[string]models.PendingMutation // keyed by entity id
	snapshots map[string]*models.CalendarEvent  // pre-mutation values for rollback
	tokens    map[string]string                 // correlation token -> placeholder id

	state    models.SyncState
	lastSync *time.Time

	listeners  map[int]Listener
	listenerID int

	now func() time.Time // injectable clock for tests
}

// New creates an empty event store in the idle state.
func New() *EventStore {
	return &EventStore{
		events:    make(map[string]*models.CalendarEvent),
		pending:   make(map[string]models.PendingMutation),
		snapshots: make(map[string]*models.CalendarEvent),
		tokens:    make(map[string]string),
		state:     models.SyncStateIdle,
		listeners: make(map[int]Listener),
		now:       time.Now,
	}
}

// Subscribe registers a listener notified on every logical change. The
// returned function unsubscribes it.
func (s *EventStore) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.listenerID
	s.listenerID++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// notifyLocked snapshots the listener set; the caller invokes the returned
// function after releasing the lock so listeners can re-enter the store.
func (s *EventStore) notifyLocked() func() {
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	return func() {
		for _, l := range ls {
			l()
		}
	}
}

func (s *EventStore) updateGaugesLocked() {
	metrics.StoreEvents.Set(float64(len(s.events)))
	metrics.PendingMutations.Set(float64(len(s.pending)))
}

// ApplyCreated merges a server-confirmed create into the collection.
//
// If the event's correlation token matches a pending optimistic create, the
// placeholder is replaced (never duplicated) and its pending entry dropped.
// Applying the same create twice is a no-op.
func (s *EventStore) ApplyCreated(ev *models.CalendarEvent) {
	if ev == nil || ev.ID == "" {
		return
	}

	s.mu.Lock()

	// Placeholder reconciliation by correlation token.
	if ev.ClientToken != "" {
		if placeholderID, ok := s.tokens[ev.ClientToken]; ok {
			if p, has := s.pending[placeholderID]; has && p.Kind == models.MutationDelete {
				// The optimistic create was superseded by a local delete;
				// honor the delete and drop the confirmation.
				s.mu.Unlock()
				return
			}
			delete(s.events, placeholderID)
			delete(s.pending, placeholderID)
			delete(s.snapshots, placeholderID)
			delete(s.tokens, ev.ClientToken)
			logging.Debug().Str("placeholder", placeholderID).Str("id", ev.ID).Msg("placeholder reconciled")
		}
	}

	if cur, ok := s.events[ev.ID]; ok && !cur.UpdatedAt.Before(ev.UpdatedAt) {
		// Duplicate or stale delivery of an already-applied create.
		s.mu.Unlock()
		return
	}

	s.events[ev.ID] = ev.Clone()
	s.updateGaugesLocked()
	notify := s.notifyLocked()
	s.mu.Unlock()

	metrics.NotificationsApplied.WithLabelValues(string(models.ChangeCreated)).Inc()
	notify()
}

// ApplyUpdated merges a server-confirmed update, last-writer-wins by
// updated_at. An update for an unknown id is applied as an insert, since
// cross-transport delivery carries no ordering guarantee.
func (s *EventStore) ApplyUpdated(ev *models.CalendarEvent) {
	if ev == nil || ev.ID == "" {
		return
	}

	s.mu.Lock()

	if cur, ok := s.events[ev.ID]; ok && ev.UpdatedAt.Before(cur.UpdatedAt) {
		// Stale echo of a previous state; the stored (possibly optimistic)
		// value is newer.
		s.mu.Unlock()
		return
	}

	s.events[ev.ID] = ev.Clone()

	// A remote update at or past the optimistic timestamp confirms the
	// pending local update.
	if p, ok := s.pending[ev.ID]; ok && p.Kind == models.MutationUpdate && !ev.UpdatedAt.Before(p.AppliedAt) {
		delete(s.pending, ev.ID)
		delete(s.snapshots, ev.ID)
	}

	s.updateGaugesLocked()
	notify := s.notifyLocked()
	s.mu.Unlock()

	metrics.NotificationsApplied.WithLabelValues(string(models.ChangeUpdated)).Inc()
	notify()
}

// ApplyDeleted removes the event. Deleting an id already absent (e.g. after
// an optimistic delete) is a silent no-op.
func (s *EventStore) ApplyDeleted(id string) {
	if id == "" {
		return
	}

	s.mu.Lock()
	_, existed := s.events[id]
	delete(s.events, id)
	p, hadPending := s.pending[id]
	delete(s.pending, id)
	delete(s.snapshots, id)
	if hadPending && p.Token != "" {
		delete(s.tokens, p.Token)
	}
	if !existed && !hadPending {
		s.mu.Unlock()
		return
	}
	s.updateGaugesLocked()
	notify := s.notifyLocked()
	s.mu.Unlock()

	metrics.NotificationsApplied.WithLabelValues(string(models.ChangeDeleted)).Inc()
	notify()
}

// CreateOptimistic inserts a locally created event ahead of server
// confirmation. A placeholder id and correlation token are assigned when the
// event carries none. Returns the placeholder id and the token the mutation
// call must send so the confirmation can be matched.
func (s *EventStore) CreateOptimistic(ev *models.CalendarEvent) (id, token string) {
	cp := ev.Clone()
	if cp.ID == "" {
		cp.ID = models.PlaceholderIDPrefix + uuid.NewString()
	}
	if cp.ClientToken == "" {
		cp.ClientToken = uuid.NewString()
	}
	now := s.now()
	cp.CreatedAt = now
	cp.UpdatedAt = now

	s.mu.Lock()
	s.events[cp.ID] = cp
	s.pending[cp.ID] = models.PendingMutation{
		EntityID:  cp.ID,
		Kind:      models.MutationCreate,
		Token:     cp.ClientToken,
		AppliedAt: now,
	}
	s.tokens[cp.ClientToken] = cp.ID
	s.updateGaugesLocked()
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
	return cp.ID, cp.ClientToken
}

// UpdateOptimistic applies a local edit ahead of server confirmation,
// retaining the prior value for rollback. The first snapshot wins when the
// same event is edited repeatedly before confirmation.
func (s *EventStore) UpdateOptimistic(ev *models.CalendarEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("update requires an event id")
	}

	s.mu.Lock()
	cur, ok := s.events[ev.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("event %s not found", ev.ID)
	}

	if _, pending := s.snapshots[ev.ID]; !pending {
		s.snapshots[ev.ID] = cur // already our private copy
	}

	cp := ev.Clone()
	cp.CreatedAt = cur.CreatedAt
	cp.ClientToken = cur.ClientToken
	cp.UpdatedAt = s.now()
	s.events[ev.ID] = cp
	// Editing a placeholder still awaiting create confirmation keeps its
	// pending create entry; the token must survive for reconciliation.
	if p, ok := s.pending[ev.ID]; !ok || p.Kind != models.MutationCreate {
		s.pending[ev.ID] = models.PendingMutation{
			EntityID:  ev.ID,
			Kind:      models.MutationUpdate,
			AppliedAt: cp.UpdatedAt,
		}
	}
	s.updateGaugesLocked()
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
	return nil
}

// DeleteOptimistic removes the event immediately, retaining the prior value
// so a failed delete call can restore it.
func (s *EventStore) DeleteOptimistic(id string) error {
	s.mu.Lock()
	cur, ok := s.events[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("event %s not found", id)
	}

	if _, pending := s.snapshots[id]; !pending {
		s.snapshots[id] = cur
	}
	delete(s.events, id)
	// A delete superseding an unconfirmed create carries the token forward
	// so Confirm and Rollback clean the token mapping with it.
	var token string
	if prev, ok := s.pending[id]; ok && prev.Kind == models.MutationCreate {
		token = prev.Token
	}
	s.pending[id] = models.PendingMutation{
		EntityID:  id,
		Kind:      models.MutationDelete,
		Token:     token,
		AppliedAt: s.now(),
	}
	s.updateGaugesLocked()
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
	return nil
}

// Confirm drops the pending mutation for id without touching the collection.
// Used when a mutation call succeeds with no body to merge (update, delete).
func (s *EventStore) Confirm(id string) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	delete(s.snapshots, id)
	if p.Token != "" {
		delete(s.tokens, p.Token)
	}
	s.updateGaugesLocked()
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
}

// Rollback reverts the optimistic mutation for id to the pre-mutation state:
// a create's placeholder is removed, an update or delete restores the
// retained prior value.
func (s *EventStore) Rollback(id string) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		return
	}

	switch p.Kind {
	case models.MutationCreate:
		delete(s.events, id)
	case models.MutationUpdate, models.MutationDelete:
		if snap, ok := s.snapshots[id]; ok {
			s.events[id] = snap
		}
	}

	delete(s.pending, id)
	delete(s.snapshots, id)
	if p.Token != "" {
		delete(s.tokens, p.Token)
	}
	s.updateGaugesLocked()
	notify := s.notifyLocked()
	s.mu.Unlock()

	metrics.MutationRollbacks.WithLabelValues(string(p.Kind)).Inc()
	notify()
}

// ReplaceAll replaces the collection with a freshly fetched server copy,
// preserving in-flight optimistic state: pending creates are kept, pending
// deletes stay deleted, and pending updates win over the server copy when
// newer (same LWW rule as ApplyUpdated). Subscribers are notified once for
// the whole batch.
func (s *EventStore) ReplaceAll(events []*models.CalendarEvent) {
	s.mu.Lock()

	fresh := make(map[string]*models.CalendarEvent, len(events))
	for _, ev := range events {
		if ev == nil || ev.ID == "" {
			continue
		}
		fresh[ev.ID] = ev.Clone()
	}

	for id, p := range s.pending {
		switch p.Kind {
		case models.MutationCreate:
			if local, ok := s.events[id]; ok {
				fresh[id] = local
			}
		case models.MutationDelete:
			delete(fresh, id)
		case models.MutationUpdate:
			local, ok := s.events[id]
			if !ok {
				continue
			}
			if server, ok := fresh[id]; !ok || server.UpdatedAt.Before(local.UpdatedAt) {
				fresh[id] = local
			}
		}
	}

	s.events = fresh
	s.updateGaugesLocked()
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
}

// SetSyncState records the store-level synchronization state. Reaching
// success stamps the last-sync time.
func (s *EventStore) SetSyncState(state models.SyncState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	if state == models.SyncStateSuccess {
		t := s.now()
		s.lastSync = &t
	}
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
}

// SyncState returns the current state and the last successful sync time.
func (s *EventStore) SyncState() (models.SyncState, *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.lastSync
}

// Get returns a copy of the event with the given id.
func (s *EventStore) Get(id string) (*models.CalendarEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, false
	}
	return ev.Clone(), true
}

// Events returns copies of all events ordered by start time, then id.
func (s *EventStore) Events() []*models.CalendarEvent {
	s.mu.Lock()
	out := make([]*models.CalendarEvent, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := startInstant(out[i]), startInstant(out[j])
		if ti.Equal(tj) {
			return out[i].ID < out[j].ID
		}
		return ti.Before(tj)
	})
	return out
}

// Pending returns the in-flight optimistic mutations, oldest first.
func (s *EventStore) Pending() []models.PendingMutation {
	s.mu.Lock()
	out := make([]models.PendingMutation, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt.Before(out[j].AppliedAt) })
	return out
}

// Len returns the number of events in the collection.
func (s *EventStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func startInstant(ev *models.CalendarEvent) time.Time {
	if ev.Start.DateTime != nil {
		return *ev.Start.DateTime
	}
	if ev.Start.Date != "" {
		if t, err := time.Parse("2006-01-02", ev.Start.Date); err == nil {
			return t
		}
	}
	return time.Time{}
}
