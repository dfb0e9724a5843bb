// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

package sync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/dentalking/geulpi-sync/internal/cache"
	"github.com/dentalking/geulpi-sync/internal/config"
	"github.com/dentalking/geulpi-sync/internal/logging"
	"github.com/dentalking/geulpi-sync/internal/metrics"
	"github.com/dentalking/geulpi-sync/internal/models"
)

const feedTransportLabel = "channel-feed"

// FeedCallbacks receives the change-feed client's normalized output.
// All callbacks are optional.
type FeedCallbacks struct {
	OnCreated      func(*models.CalendarEvent)
	OnUpdated      func(*models.CalendarEvent)
	OnDeleted      func(id string)
	OnResyncNeeded func()
	OnStateChange  func() // invoked whenever the connected flag flips
}

// ChangeFeedClient maintains one active subscription to a per-user channel on
// the multiplexed change-feed service and translates its row changes
// (insert/update/delete) into calendar events.
//
// Lifecycle:
//   - Connect tears down any existing subscription before creating a new one.
//     The channel name is salted with a timestamp so a stale, not-yet-released
//     subscription of the same user cannot collide with the new one.
//   - Subscription establishment is bounded by the configured timeout; expiry
//     is a connection failure, never an indefinite hang.
//   - Failures schedule a reconnect with exponential backoff; hitting the
//     attempt ceiling puts the client in a terminal not-retrying state until
//     ResetBackoff (manual reconnect or visibility regain).
//   - A periodic liveness check reconnects a nominally connected subscription
//     that has shown no activity past the inactivity threshold, and requests
//     a full resync when disconnected with a material error count.
type ChangeFeedClient struct {
	cfg     config.FeedConfig
	backoff BackoffPolicy
	prefs   *cache.PreferenceCache

	// connectMu serializes session establishment so a timer-fired retry
	// cannot interleave with a manual reconnect and leak the loser's
	// session.
	connectMu sync.Mutex

	mu             sync.Mutex
	conn           *websocket.Conn
	channel        string
	connected      bool
	lastActivity   *time.Time
	attempts       int
	errCount       int
	lastErr        string
	exhausted      bool
	resyncAsked    bool
	sessionStop    chan struct{}
	reconnectTimer *time.Timer
	baseCtx        context.Context

	callbackMu sync.RWMutex
	callbacks  FeedCallbacks

	wg  sync.WaitGroup
	now func() time.Time
}

// NewChangeFeedClient creates a change-feed client. Call Connect to subscribe.
func NewChangeFeedClient(cfg config.FeedConfig, backoff BackoffPolicy, prefs *cache.PreferenceCache) *ChangeFeedClient {
	return &ChangeFeedClient{
		cfg:     cfg,
		backoff: backoff,
		prefs:   prefs,
		now:     time.Now,
	}
}

// SetCallbacks registers the event handlers. Safe for concurrent use.
func (c *ChangeFeedClient) SetCallbacks(cb FeedCallbacks) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.callbacks = cb
}

// Connect establishes the channel subscription. Any existing subscription is
// unsubscribed and released first. Returns the subscription failure, which
// has also been absorbed into state and a scheduled retry.
func (c *ChangeFeedClient) Connect(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}

	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	return c.connect(ctx)
}

func (c *ChangeFeedClient) connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	return c.connectSession(ctx)
}

// retryConnect is the backoff timer's entry point. A retry that lost the
// race to an already successful connect must leave the healthy session
// alone.
func (c *ChangeFeedClient) retryConnect(ctx context.Context) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if connected {
		return
	}
	_ = c.connectSession(ctx)
}

func (c *ChangeFeedClient) connectSession(ctx context.Context) error {
	c.teardownSession(true)

	channel := fmt.Sprintf("calendar:%s:%d", c.cfg.UserID, c.now().UnixMilli())

	wsURL, err := c.buildURL()
	if err != nil {
		c.connectFailed(fmt.Errorf("build feed url: %w", err))
		return err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  c.cfg.SubscribeTimeout,
		EnableCompression: true,
	}

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		err = fmt.Errorf("feed dial: %w", err)
		c.connectFailed(err)
		return err
	}

	if err := c.subscribe(conn, channel); err != nil {
		_ = conn.Close()
		c.connectFailed(err)
		return err
	}

	now := c.now()
	c.mu.Lock()
	// A backoff timer armed by an earlier failure must not fire over the
	// session established here.
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.conn = conn
	c.channel = channel
	c.connected = true
	c.attempts = 0
	c.errCount = 0
	c.lastErr = ""
	c.exhausted = false
	c.resyncAsked = false
	c.lastActivity = &now
	c.sessionStop = make(chan struct{})
	stop := c.sessionStop
	c.mu.Unlock()

	metrics.TransportConnected.WithLabelValues(feedTransportLabel).Set(1)
	logging.Info().Str("channel", channel).Msg("change feed subscribed")

	c.wg.Add(2)
	go c.listen(conn, stop)
	go c.livenessLoop(ctx, stop)

	c.stateChanged()
	return nil
}

// subscribe performs the bounded subscribe handshake: send the subscribe
// frame, then wait for a SUBSCRIBED status on the topic.
func (c *ChangeFeedClient) subscribe(conn *websocket.Conn, channel string) error {
	deadline := c.now().Add(c.cfg.SubscribeTimeout)

	sub := models.FeedMessage{Event: "subscribe", Topic: channel}
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("subscribe wait: %w", err)
		}

		var msg models.FeedMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event != "status" || msg.Topic != channel {
			continue // unrelated traffic during handshake
		}

		switch msg.Status {
		case models.FeedStatusSubscribed:
			// Clear the handshake deadline; liveness is handled separately.
			return conn.SetReadDeadline(time.Time{})
		case models.FeedStatusChannelError, models.FeedStatusTimedOut, models.FeedStatusClosed:
			return fmt.Errorf("subscribe rejected: %s", msg.Status)
		}
	}
}

func (c *ChangeFeedClient) buildURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// listen processes messages for one subscription session.
func (c *ChangeFeedClient) listen(conn *websocket.Conn, stop chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-stop:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				return // deliberate teardown
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Info().Msg("change feed closed by server")
			}
			c.connectionLost(fmt.Errorf("feed read: %w", err))
			return
		}

		c.touch()
		c.handleMessage(data)
	}
}

// handleMessage parses one wire frame and routes it.
func (c *ChangeFeedClient) handleMessage(data []byte) {
	var msg models.FeedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.ParseErrors.WithLabelValues(feedTransportLabel).Inc()
		logging.Warn().Err(err).Msg("change feed: dropping malformed frame")
		return
	}

	switch msg.Event {
	case "status":
		if msg.Status == models.FeedStatusClosed || msg.Status == models.FeedStatusChannelError {
			c.connectionLost(fmt.Errorf("feed status: %s", msg.Status))
		}
	case "change":
		if msg.Payload == nil {
			metrics.ParseErrors.WithLabelValues(feedTransportLabel).Inc()
			logging.Warn().Msg("change feed: change frame without payload")
			return
		}
		c.handleChange(msg.Payload)
	case "heartbeat", "ping":
		// activity already recorded by the caller
	default:
		logging.Debug().Str("event", msg.Event).Msg("change feed: ignoring unknown frame")
	}
}

func (c *ChangeFeedClient) handleChange(change *models.FeedChange) {
	c.callbackMu.RLock()
	cb := c.callbacks
	c.callbackMu.RUnlock()

	switch change.Operation {
	case models.FeedOpInsert:
		if cb.OnCreated != nil && change.NewRow != nil {
			cb.OnCreated(c.mapRow(change.NewRow))
		}
	case models.FeedOpUpdate:
		if cb.OnUpdated != nil && change.NewRow != nil {
			cb.OnUpdated(c.mapRow(change.NewRow))
		}
	case models.FeedOpDelete:
		if cb.OnDeleted != nil && change.OldRow != nil {
			cb.OnDeleted(change.OldRow.ID)
		}
	default:
		metrics.ParseErrors.WithLabelValues(feedTransportLabel).Inc()
		logging.Warn().Str("operation", string(change.Operation)).Msg("change feed: unknown operation")
	}
}

// mapRow converts a raw database row into a calendar event, defaulting the
// timezone from the user's cached preferences when the row omits one.
func (c *ChangeFeedClient) mapRow(row *models.EventRow) *models.CalendarEvent {
	tz := row.Timezone
	if tz == "" {
		prefs, _ := c.prefs.Get(row.UserID)
		tz = prefs.DefaultTimezone
	}

	ev := &models.CalendarEvent{
		ID:          row.ID,
		Title:       row.Title,
		Description: row.Description,
		Location:    row.Location,
		Attendees:   row.Attendees,
		Status:      models.EventStatus(row.Status),
		ClientToken: row.ClientToken,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if ev.Status == "" {
		ev.Status = models.EventStatusConfirmed
	}

	if row.StartTime != nil {
		ev.Start = models.EventDateTime{DateTime: row.StartTime, TimeZone: tz}
	} else {
		ev.Start = models.EventDateTime{Date: row.StartDate, TimeZone: tz}
	}
	if row.EndTime != nil {
		ev.End = models.EventDateTime{DateTime: row.EndTime, TimeZone: tz}
	} else {
		ev.End = models.EventDateTime{Date: row.EndDate, TimeZone: tz}
	}
	return ev
}

// livenessLoop periodically checks subscription health for one session.
func (c *ChangeFeedClient) livenessLoop(ctx context.Context, stop chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			c.checkLiveness(ctx)
		}
	}
}

func (c *ChangeFeedClient) checkLiveness(ctx context.Context) {
	c.mu.Lock()
	connected := c.connected
	last := c.lastActivity
	errCount := c.errCount
	asked := c.resyncAsked
	if !connected && errCount >= c.cfg.ResyncErrorThreshold && !asked {
		c.resyncAsked = true
	}
	c.mu.Unlock()

	switch {
	case connected && last != nil && c.now().Sub(*last) > c.cfg.InactivityThreshold:
		logging.Warn().Dur("idle", c.now().Sub(*last)).Msg("change feed inactive, reconnecting")
		go func() { _ = c.connect(ctx) }()
	case !connected && errCount >= c.cfg.ResyncErrorThreshold && !asked:
		// Repeated failures: ask for a full resync instead of retrying silently.
		logging.Warn().Int("errors", errCount).Msg("change feed requesting full resync")
		c.callbackMu.RLock()
		cb := c.callbacks.OnResyncNeeded
		c.callbackMu.RUnlock()
		if cb != nil {
			cb()
		}
	}
}

// touch records transport activity.
func (c *ChangeFeedClient) touch() {
	now := c.now()
	c.mu.Lock()
	c.lastActivity = &now
	c.mu.Unlock()
}

// connectFailed absorbs a subscription failure into state and schedules a
// backoff retry.
func (c *ChangeFeedClient) connectFailed(err error) {
	metrics.TransportErrors.WithLabelValues(feedTransportLabel).Inc()

	c.mu.Lock()
	c.connected = false
	c.lastErr = err.Error()
	c.errCount++
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	metrics.TransportConnected.WithLabelValues(feedTransportLabel).Set(0)
	logging.Warn().Err(err).Msg("change feed connect failed")
	c.stateChanged()
}

// connectionLost handles a failure of an established subscription.
func (c *ChangeFeedClient) connectionLost(err error) {
	c.teardownSession(false)
	c.connectFailed(err)
}

// scheduleReconnectLocked arms the backoff timer. Caller holds c.mu.
func (c *ChangeFeedClient) scheduleReconnectLocked() {
	if c.backoff.Exhausted(c.attempts) {
		if !c.exhausted {
			c.exhausted = true
			logging.Error().Int("attempts", c.attempts).Msg("change feed giving up until external retry")
		}
		return
	}

	delay := c.backoff.Delay(c.attempts)
	c.attempts++
	metrics.ReconnectAttempts.WithLabelValues(feedTransportLabel).Inc()

	ctx := c.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		c.retryConnect(ctx)
	})
	logging.Info().Dur("delay", delay).Int("attempt", c.attempts).Msg("change feed reconnect scheduled")
}

// teardownSession stops the current session's goroutines and releases the
// subscription. With unsubscribe set, a best-effort unsubscribe frame is sent
// before the socket is closed.
func (c *ChangeFeedClient) teardownSession(unsubscribe bool) {
	c.mu.Lock()
	conn := c.conn
	channel := c.channel
	stop := c.sessionStop
	c.conn = nil
	c.sessionStop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn == nil {
		return
	}

	if unsubscribe && channel != "" {
		unsub := models.FeedMessage{Event: "unsubscribe", Topic: channel}
		if payload, err := json.Marshal(unsub); err == nil {
			_ = conn.SetWriteDeadline(c.now().Add(time.Second))
			_ = conn.WriteMessage(websocket.TextMessage, payload)
		}
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		c.now().Add(time.Second),
	)
	_ = conn.Close()
}

// Disconnect cancels pending timers, unsubscribes, and releases the channel.
// Idempotent and safe to call when never connected.
func (c *ChangeFeedClient) Disconnect() {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	c.teardownSession(true)
	c.wg.Wait()

	metrics.TransportConnected.WithLabelValues(feedTransportLabel).Set(0)
	if wasConnected {
		logging.Info().Msg("change feed disconnected")
		c.stateChanged()
	}
}

// ResetBackoff clears the attempt counter, the terminal give-up state, and
// any armed retry timer. Called on external triggers (manual reconnect,
// visibility regain).
func (c *ChangeFeedClient) ResetBackoff() {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.attempts = 0
	c.errCount = 0
	c.exhausted = false
	c.mu.Unlock()
}

// TriggerResync invokes the registered full-resync callback.
func (c *ChangeFeedClient) TriggerResync() {
	c.callbackMu.RLock()
	cb := c.callbacks.OnResyncNeeded
	c.callbackMu.RUnlock()
	if cb != nil {
		cb()
	}
}

// Status returns a snapshot of the transport's connection state.
func (c *ChangeFeedClient) Status() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.ConnectionState{
		Connected:         c.connected,
		LastActivity:      c.lastActivity,
		ReconnectAttempts: c.attempts,
		LastError:         c.lastErr,
	}
}

// Exhausted reports whether automatic retries have stopped.
func (c *ChangeFeedClient) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

func (c *ChangeFeedClient) stateChanged() {
	c.callbackMu.RLock()
	cb := c.callbacks.OnStateChange
	c.callbackMu.RUnlock()
	if cb != nil {
		cb()
	}
}
