// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

package sync

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/dentalking/geulpi-sync/internal/config"
	"github.com/dentalking/geulpi-sync/internal/logging"
	"github.com/dentalking/geulpi-sync/internal/metrics"
	"github.com/dentalking/geulpi-sync/internal/models"
)

const streamTransportLabel = "push-stream"

// staleCheckInterval is how often the staleness watchdog samples activity.
const staleCheckInterval = 30 * time.Second

// StreamCallbacks receives the push-stream client's normalized output.
// All callbacks are optional.
type StreamCallbacks struct {
	OnCreated      func(*models.CalendarEvent)
	OnUpdated      func(*models.CalendarEvent)
	OnDeleted      func(id string)
	OnSyncRequired func()
	OnStateChange  func()
}

// PushStreamClient maintains one long-lived, credentialed, unidirectional
// server-to-client stream and dispatches its named events.
//
// Contract:
//   - Connect is a no-op when the stream is disabled or credentials are
//     missing.
//   - connected and heartbeat events update activity only; created, updated,
//     and deleted events carry a JSON payload routed to the matching
//     callback; sync-required invokes the full-resync callback.
//   - Stream errors schedule a reconnect with exponential backoff (base 1s,
//     doubling, ceiling 30s); the attempt ceiling stops automatic retries.
//   - A staleness watchdog forces a reconnect when a connected stream
//     delivers no message of any kind past the stale threshold.
//   - NotifyVisible bypasses any backoff delay in progress when the host
//     regains visibility while disconnected.
type PushStreamClient struct {
	cfg     config.StreamConfig
	backoff BackoffPolicy
	client  *http.Client

	// connectMu serializes stream establishment so a timer-fired retry
	// cannot interleave with a manual reconnect and leak the loser's
	// stream.
	connectMu sync.Mutex

	mu             sync.Mutex
	connected      bool
	lastActivity   *time.Time
	attempts       int
	lastErr        string
	exhausted      bool
	cancelStream   context.CancelFunc
	reconnectTimer *time.Timer
	baseCtx        context.Context

	callbackMu sync.RWMutex
	callbacks  StreamCallbacks

	wg  sync.WaitGroup
	now func() time.Time
}

// NewPushStreamClient creates a push-stream client. Call Connect to open the
// stream.
func NewPushStreamClient(cfg config.StreamConfig, backoff BackoffPolicy) *PushStreamClient {
	return &PushStreamClient{
		cfg:     cfg,
		backoff: backoff,
		// No overall timeout: the stream is long-lived by design. Cancellation
		// goes through the per-stream context.
		client: &http.Client{},
		now:    time.Now,
	}
}

// SetCallbacks registers the event handlers. Safe for concurrent use.
func (c *PushStreamClient) SetCallbacks(cb StreamCallbacks) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.callbacks = cb
}

// Connect opens the stream. No-op if disabled or missing credentials.
func (c *PushStreamClient) Connect(ctx context.Context) error {
	if !c.cfg.Enabled || c.cfg.Token == "" {
		return nil
	}

	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	return c.connect(ctx)
}

func (c *PushStreamClient) connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	return c.connectSession(ctx)
}

// retryConnect is the backoff timer's entry point. A retry that lost the
// race to an already successful connect must leave the healthy stream alone.
func (c *PushStreamClient) retryConnect(ctx context.Context) {
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

func (c *PushStreamClient) connectSession(ctx context.Context) error {
	c.closeStream()

	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		cancel()
		err = fmt.Errorf("build stream request: %w", err)
		c.connectFailed(err)
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		err = fmt.Errorf("open stream: %w", err)
		c.connectFailed(err)
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		err = fmt.Errorf("open stream: HTTP %d", resp.StatusCode)
		c.connectFailed(err)
		return err
	}

	now := c.now()
	c.mu.Lock()
	// A backoff timer armed by an earlier failure must not fire over the
	// stream opened here.
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.connected = true
	c.attempts = 0
	c.lastErr = ""
	c.exhausted = false
	c.lastActivity = &now
	c.cancelStream = cancel
	c.mu.Unlock()

	metrics.TransportConnected.WithLabelValues(streamTransportLabel).Set(1)
	logging.Info().Msg("push stream connected")

	c.wg.Add(2)
	go c.readLoop(streamCtx, resp)
	go c.watchdog(streamCtx)

	c.stateChanged()
	return nil
}

// readLoop parses server-sent event frames until the stream fails or is
// canceled. Frames are "event:"/"data:" line pairs terminated by a blank
// line; comment lines (leading colon) count as heartbeat traffic.
func (c *PushStreamClient) readLoop(ctx context.Context, resp *http.Response) {
	defer c.wg.Done()
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var eventName, data string

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return // deliberate teardown
			}
			c.streamLost(fmt.Errorf("stream read: %w", err))
			return
		}

		c.touch()
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if eventName != "" {
				c.dispatch(eventName, data)
			}
			eventName, data = "", ""
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data != "" {
				data += "\n"
			}
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

// dispatch routes one named stream event.
func (c *PushStreamClient) dispatch(name, data string) {
	c.callbackMu.RLock()
	cb := c.callbacks
	c.callbackMu.RUnlock()

	switch name {
	case models.StreamEventConnected, models.StreamEventPing, models.StreamEventHeartbeat:
		// activity already recorded by the read loop

	case models.StreamEventCreated, models.StreamEventUpdated:
		var ev models.CalendarEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			metrics.ParseErrors.WithLabelValues(streamTransportLabel).Inc()
			logging.Warn().Err(err).Str("event", name).Msg("push stream: dropping malformed payload")
			return
		}
		if name == models.StreamEventCreated {
			if cb.OnCreated != nil {
				cb.OnCreated(&ev)
			}
		} else if cb.OnUpdated != nil {
			cb.OnUpdated(&ev)
		}

	case models.StreamEventDeleted:
		var payload models.StreamDeletePayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil || payload.ID == "" {
			metrics.ParseErrors.WithLabelValues(streamTransportLabel).Inc()
			logging.Warn().Str("event", name).Msg("push stream: dropping malformed delete")
			return
		}
		if cb.OnDeleted != nil {
			cb.OnDeleted(payload.ID)
		}

	case models.StreamEventSyncRequired:
		if cb.OnSyncRequired != nil {
			cb.OnSyncRequired()
		}

	default:
		logging.Debug().Str("event", name).Msg("push stream: ignoring unknown event")
	}
}

// watchdog forces a reconnect when a connected stream goes silent past the
// stale threshold.
func (c *PushStreamClient) watchdog(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			connected := c.connected
			last := c.lastActivity
			c.mu.Unlock()

			if connected && last != nil && c.now().Sub(*last) > c.cfg.StaleThreshold {
				logging.Warn().Dur("idle", c.now().Sub(*last)).Msg("push stream stale, forcing reconnect")
				base := c.base()
				go func() { _ = c.connect(base) }()
				return
			}
		}
	}
}

func (c *PushStreamClient) touch() {
	now := c.now()
	c.mu.Lock()
	c.lastActivity = &now
	c.mu.Unlock()
}

func (c *PushStreamClient) base() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseCtx != nil {
		return c.baseCtx
	}
	return context.Background()
}

// connectFailed absorbs a stream failure and arms the backoff timer.
func (c *PushStreamClient) connectFailed(err error) {
	metrics.TransportErrors.WithLabelValues(streamTransportLabel).Inc()

	c.mu.Lock()
	c.connected = false
	c.lastErr = err.Error()
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	metrics.TransportConnected.WithLabelValues(streamTransportLabel).Set(0)
	logging.Warn().Err(err).Msg("push stream connect failed")
	c.stateChanged()
}

func (c *PushStreamClient) streamLost(err error) {
	c.closeStream()
	c.connectFailed(err)
}

// scheduleReconnectLocked arms the backoff timer. Caller holds c.mu.
func (c *PushStreamClient) scheduleReconnectLocked() {
	if c.backoff.Exhausted(c.attempts) {
		if !c.exhausted {
			c.exhausted = true
			logging.Error().Int("attempts", c.attempts).Msg("push stream giving up until external retry")
		}
		return
	}

	delay := c.backoff.Delay(c.attempts)
	c.attempts++
	metrics.ReconnectAttempts.WithLabelValues(streamTransportLabel).Inc()

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
	logging.Info().Dur("delay", delay).Int("attempt", c.attempts).Msg("push stream reconnect scheduled")
}

// closeStream cancels the current stream, unblocking its read loop.
func (c *PushStreamClient) closeStream() {
	c.mu.Lock()
	cancel := c.cancelStream
	c.cancelStream = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// NotifyVisible triggers an immediate reconnect attempt when the host page
// regains visibility while the stream is not connected, bypassing any
// backoff delay already in progress.
func (c *PushStreamClient) NotifyVisible() {
	c.mu.Lock()
	connected := c.connected
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.attempts = 0
	c.exhausted = false
	ctx := c.baseCtx
	c.mu.Unlock()

	if connected {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logging.Info().Msg("push stream reconnecting on visibility regain")
	go func() { _ = c.connect(ctx) }()
}

// Disconnect cancels timers and closes the stream. Idempotent.
func (c *PushStreamClient) Disconnect() {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	c.closeStream()
	c.wg.Wait()

	metrics.TransportConnected.WithLabelValues(streamTransportLabel).Set(0)
	if wasConnected {
		logging.Info().Msg("push stream disconnected")
		c.stateChanged()
	}
}

// ResetBackoff clears the attempt counter, the terminal give-up state, and
// any armed retry timer.
func (c *PushStreamClient) ResetBackoff() {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.attempts = 0
	c.exhausted = false
	c.mu.Unlock()
}

// Status returns a snapshot of the transport's connection state.
func (c *PushStreamClient) Status() models.ConnectionState {
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
func (c *PushStreamClient) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

func (c *PushStreamClient) stateChanged() {
	c.callbackMu.RLock()
	cb := c.callbacks.OnStateChange
	c.callbackMu.RUnlock()
	if cb != nil {
		cb()
	}
}
