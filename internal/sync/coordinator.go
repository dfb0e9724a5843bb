// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dentalking/geulpi-sync/internal/logging"
	"github.com/dentalking/geulpi-sync/internal/metrics"
	"github.com/dentalking/geulpi-sync/internal/models"
)

// FeedTransport is the coordinator's view of the change-feed client.
type FeedTransport interface {
	Connect(ctx context.Context) error
	Disconnect()
	SetCallbacks(FeedCallbacks)
	Status() models.ConnectionState
	ResetBackoff()
	TriggerResync()
}

// StreamTransport is the coordinator's view of the push-stream client.
type StreamTransport interface {
	Connect(ctx context.Context) error
	Disconnect()
	SetCallbacks(StreamCallbacks)
	Status() models.ConnectionState
	ResetBackoff()
	NotifyVisible()
}

// EventSink is the store surface the coordinator forwards normalized
// notifications to. Implemented by *store.EventStore.
type EventSink interface {
	ApplyCreated(*models.CalendarEvent)
	ApplyUpdated(*models.CalendarEvent)
	ApplyDeleted(id string)
	ReplaceAll([]*models.CalendarEvent)
	SetSyncState(models.SyncState)
	SyncState() (models.SyncState, *time.Time)
}

// ResyncFunc fetches the full event collection from the external API.
type ResyncFunc func(ctx context.Context) ([]*models.CalendarEvent, error)

// Coordinator composes both transport clients, decides which one is
// authoritative, and presents one normalized interface to the store.
//
// Both transports' callbacks are mapped to exactly three store operations
// (created, updated, deleted) plus the full-resync path. The coordinator
// does not care which transport produced an event; cross-transport duplicate
// or out-of-order delivery during a method switch is tolerated by the
// store's identifier-based idempotent apply.
type Coordinator struct {
	policy models.SyncPolicy
	feed   FeedTransport
	stream StreamTransport
	sink   EventSink
	resync ResyncFunc

	mu         sync.Mutex
	running    bool
	lastMethod models.SyncMethod
	baseCtx    context.Context
	resyncing  bool

	now func() time.Time
}

// NewCoordinator wires the transports' callbacks into the store and returns
// the coordinator. resync is invoked to answer sync-required signals; it may
// be nil, in which case such signals are logged and dropped.
func NewCoordinator(policy models.SyncPolicy, feed FeedTransport, stream StreamTransport, sink EventSink, resync ResyncFunc) *Coordinator {
	c := &Coordinator{
		policy:     policy,
		feed:       feed,
		stream:     stream,
		sink:       sink,
		resync:     resync,
		lastMethod: models.MethodNone,
		now:        time.Now,
	}

	feed.SetCallbacks(FeedCallbacks{
		OnCreated:      c.forwardEvent(models.MethodChannelFeed, models.ChangeCreated),
		OnUpdated:      c.forwardEvent(models.MethodChannelFeed, models.ChangeUpdated),
		OnDeleted:      c.forwardDelete(models.MethodChannelFeed),
		OnResyncNeeded: c.forwardSyncRequired(models.MethodChannelFeed),
		OnStateChange:  c.refreshMethod,
	})
	stream.SetCallbacks(StreamCallbacks{
		OnCreated:      c.forwardEvent(models.MethodPushStream, models.ChangeCreated),
		OnUpdated:      c.forwardEvent(models.MethodPushStream, models.ChangeUpdated),
		OnDeleted:      c.forwardDelete(models.MethodPushStream),
		OnSyncRequired: c.forwardSyncRequired(models.MethodPushStream),
		OnStateChange:  c.refreshMethod,
	})

	return c
}

// Start connects the transports relevant to the policy. Transport failures
// are absorbed: each client schedules its own backoff retries.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("sync coordinator is already running")
	}
	c.running = true
	c.baseCtx = ctx
	c.mu.Unlock()

	logging.Info().Str("policy", string(c.policy)).Msg("sync coordinator starting")
	c.connectForPolicy(ctx)
	return nil
}

// Stop tears down both clients. Idempotent.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	c.feed.Disconnect()
	c.stream.Disconnect()
	logging.Info().Msg("sync coordinator stopped")
	return nil
}

// Reconnect resets backoff state and re-invokes connect on whichever
// transports the active policy uses.
func (c *Coordinator) Reconnect() {
	ctx := c.base()
	logging.Info().Msg("manual reconnect requested")
	c.connectForPolicy(ctx)
}

func (c *Coordinator) connectForPolicy(ctx context.Context) {
	if c.policy != models.PolicyStreamOnly {
		c.feed.ResetBackoff()
		go func() { _ = c.feed.Connect(ctx) }()
	}
	if c.policy != models.PolicyFeedOnly {
		c.stream.ResetBackoff()
		go func() { _ = c.stream.Connect(ctx) }()
	}
}

// NotifyVisible handles the host regaining visibility: exhausted transports
// are reset and disconnected ones retried immediately.
func (c *Coordinator) NotifyVisible() {
	if c.policy != models.PolicyFeedOnly {
		c.stream.NotifyVisible()
	}
	if c.policy != models.PolicyStreamOnly && !c.feed.Status().Connected {
		c.feed.ResetBackoff()
		ctx := c.base()
		go func() { _ = c.feed.Connect(ctx) }()
	}
}

// TriggerSync requests a full resynchronization. When the channel feed is
// authoritative the request is delegated to that client's resync path;
// otherwise the generic sync-required path runs directly.
func (c *Coordinator) TriggerSync() {
	if c.Method() == models.MethodChannelFeed {
		c.feed.TriggerResync()
		return
	}
	c.handleSyncRequired()
}

func (c *Coordinator) base() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseCtx != nil {
		return c.baseCtx
	}
	return context.Background()
}

// Method computes the authoritative transport under the selection policy.
func (c *Coordinator) Method() models.SyncMethod {
	feedUp := c.feed.Status().Connected
	streamUp := c.stream.Status().Connected

	switch c.policy {
	case models.PolicyFeedOnly:
		if feedUp {
			return models.MethodChannelFeed
		}
	case models.PolicyStreamOnly:
		if streamUp {
			return models.MethodPushStream
		}
	default: // auto: prefer the channel feed
		if feedUp {
			return models.MethodChannelFeed
		}
		if streamUp {
			return models.MethodPushStream
		}
	}
	return models.MethodNone
}

// refreshMethod logs method switches and keeps the method gauge current.
// Switching methods never replays already-applied notifications; the store's
// idempotent apply owns dedup.
func (c *Coordinator) refreshMethod() {
	method := c.Method()

	c.mu.Lock()
	prev := c.lastMethod
	c.lastMethod = method
	c.mu.Unlock()

	if method != prev {
		logging.Info().Str("from", string(prev)).Str("to", string(method)).Msg("sync method changed")
	}
	for _, m := range []models.SyncMethod{models.MethodChannelFeed, models.MethodPushStream, models.MethodNone} {
		v := 0.0
		if m == method {
			v = 1.0
		}
		metrics.MethodActive.WithLabelValues(string(m)).Set(v)
	}
}

// Status returns the unified connection telemetry. Quality is graded from
// the authoritative transport's state; with no method active it degrades to
// disconnected.
func (c *Coordinator) Status() models.SyncStatus {
	feedState := c.feed.Status()
	streamState := c.stream.Status()
	method := c.Method()
	state, lastSync := c.sink.SyncState()

	var active models.ConnectionState
	switch method {
	case models.MethodChannelFeed:
		active = feedState
	case models.MethodPushStream:
		active = streamState
	default:
		active = models.ConnectionState{}
	}

	return models.SyncStatus{
		Connected: method != models.MethodNone,
		Method:    method,
		State:     state,
		Quality:   GradeQuality(active.Connected, active.LastActivity, c.now()),
		Feed:      feedState,
		Stream:    streamState,
		LastSync:  lastSync,
	}
}

// forwardEvent maps a transport's created/updated callback onto the
// notification union at the boundary.
func (c *Coordinator) forwardEvent(source models.SyncMethod, typ models.ChangeType) func(*models.CalendarEvent) {
	return func(ev *models.CalendarEvent) {
		c.apply(models.ChangeNotification{Type: typ, Event: ev, Source: source})
	}
}

func (c *Coordinator) forwardDelete(source models.SyncMethod) func(string) {
	return func(id string) {
		c.apply(models.ChangeNotification{Type: models.ChangeDeleted, EventID: id, Source: source})
	}
}

func (c *Coordinator) forwardSyncRequired(source models.SyncMethod) func() {
	return func() {
		c.apply(models.ChangeNotification{Type: models.ChangeSyncRequired, Source: source})
	}
}

// apply dispatches one normalized notification to the store. The source tag
// is telemetry only; dedup stays with the store's identifier-based apply.
func (c *Coordinator) apply(n models.ChangeNotification) {
	logging.Debug().Str("type", string(n.Type)).Str("source", string(n.Source)).Msg("applying change notification")

	switch n.Type {
	case models.ChangeCreated:
		c.sink.ApplyCreated(n.Event)
	case models.ChangeUpdated:
		c.sink.ApplyUpdated(n.Event)
	case models.ChangeDeleted:
		c.sink.ApplyDeleted(n.EventID)
	case models.ChangeSyncRequired:
		c.handleSyncRequired()
	}
}

// handleSyncRequired answers a sync-required signal by re-fetching the full
// collection and replacing it in the store. Concurrent requests collapse
// into the run already in flight.
func (c *Coordinator) handleSyncRequired() {
	if c.resync == nil {
		logging.Warn().Msg("sync required but no resync function configured")
		return
	}

	c.mu.Lock()
	if c.resyncing {
		c.mu.Unlock()
		return
	}
	c.resyncing = true
	ctx := c.baseCtx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	defer func() {
		c.mu.Lock()
		c.resyncing = false
		c.mu.Unlock()
	}()

	start := c.now()
	c.sink.SetSyncState(models.SyncStateSyncing)

	events, err := c.resync(ctx)
	if err != nil {
		c.sink.SetSyncState(models.SyncStateError)
		logging.Error().Err(err).Msg("full resync failed")
		return
	}

	c.sink.ReplaceAll(events)
	c.sink.SetSyncState(models.SyncStateSuccess)
	metrics.FullResyncs.Inc()
	metrics.ResyncDuration.Observe(c.now().Sub(start).Seconds())
	logging.Info().Int("events", len(events)).Dur("took", c.now().Sub(start)).Msg("full resync completed")
}
