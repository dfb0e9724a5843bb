// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

// Package main is the entry point for the Geulpi sync daemon.
//
// The daemon keeps a local calendar event store consistent with the remote
// Geulpi calendar API. It holds two push transports (a multiplexed channel
// feed and a unidirectional push stream), selects the authoritative one
// under the configured policy, and exposes a local HTTP surface for the
// hosting UI: connection telemetry, manual sync triggers, and optimistic
// create/update/delete mutations.
//
// # Startup order
//
//  1. Configuration: Koanf v2 layering of defaults, config.yaml, and
//     GEULPI_-prefixed environment variables
//  2. Logging: zerolog, JSON or console format
//  3. Event store, preference cache, transport clients, coordinator, mutator
//  4. HTTP router (chi) with CORS, rate limiting, and /metrics
//  5. Suture supervision tree: sync layer and api layer under one root
//
// # Signal handling
//
// SIGINT and SIGTERM cancel the root context; the tree shuts down the HTTP
// server gracefully and disconnects both transports.
//
// # Example usage
//
//	export GEULPI_FEED_URL=wss://feed.geulpi.example/realtime
//	export GEULPI_FEED_API_KEY=anon-key
//	export GEULPI_FEED_USER_ID=user-123
//	export GEULPI_STREAM_URL=https://api.geulpi.example/api/v1/sync/stream
//	export GEULPI_STREAM_TOKEN=access-token
//	export GEULPI_SYNC_API_BASE_URL=https://api.geulpi.example
//	export GEULPI_SYNC_API_TOKEN=access-token
//	./syncd
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/dentalking/geulpi-sync/internal/api"
	"github.com/dentalking/geulpi-sync/internal/cache"
	"github.com/dentalking/geulpi-sync/internal/config"
	"github.com/dentalking/geulpi-sync/internal/logging"
	"github.com/dentalking/geulpi-sync/internal/models"
	"github.com/dentalking/geulpi-sync/internal/store"
	"github.com/dentalking/geulpi-sync/internal/supervisor"
	"github.com/dentalking/geulpi-sync/internal/supervisor/services"
	syncpkg "github.com/dentalking/geulpi-sync/internal/sync"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("syncd exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("policy", cfg.Sync.Policy).
		Bool("feed", cfg.Feed.Enabled).
		Bool("stream", cfg.Stream.Enabled).
		Msg("starting geulpi sync daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventStore := store.New()
	prefs := cache.NewPreferenceCache(cfg.Cache.PreferenceTTL)

	backoff := syncpkg.BackoffPolicy{
		Base:        cfg.Sync.BackoffBase,
		Ceiling:     cfg.Sync.BackoffCeiling,
		MaxAttempts: cfg.Sync.MaxReconnectAttempts,
	}
	feed := syncpkg.NewChangeFeedClient(cfg.Feed, backoff, prefs)
	stream := syncpkg.NewPushStreamClient(cfg.Stream, backoff)

	var resync syncpkg.ResyncFunc
	var eventMutator api.EventMutator
	if cfg.Sync.APIBaseURL != "" {
		mutator := syncpkg.NewMutator(cfg.Sync.APIBaseURL, cfg.Sync.APIToken, cfg.Sync.RequestTimeout, eventStore)
		resync = mutator.FetchAll
		eventMutator = mutator
	} else {
		logging.Warn().Msg("sync.api_base_url not set, mutations and full resync disabled")
	}

	coordinator := syncpkg.NewCoordinator(models.SyncPolicy(cfg.Sync.Policy), feed, stream, eventStore, resync)

	handlers := api.NewHandlers(coordinator, eventMutator, eventStore)
	router := api.NewRouter(cfg.Server, handlers)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	slogger := logging.NewSlog()
	tree, err := supervisor.NewSupervisorTree(slogger, supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("build supervision tree: %w", err)
	}
	tree.AddSyncService(services.NewSyncService(coordinator))
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	logging.Info().Str("addr", server.Addr).Msg("http server listening")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervision tree: %w", err)
	}

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("service did not stop within timeout")
		}
	}

	logging.Info().Msg("geulpi sync daemon stopped")
	return nil
}
