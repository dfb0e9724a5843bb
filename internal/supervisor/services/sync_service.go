// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

package services

import (
	"context"
	"fmt"
)

// StartStopCoordinator matches the sync coordinator's lifecycle.
//
// Satisfied by *sync.Coordinator. The interface lets the wrapper adapt the
// Start/Stop pattern to suture's Serve pattern without touching the
// coordinator itself.
type StartStopCoordinator interface {
	Start(ctx context.Context) error
	Stop() error
}

// SyncService wraps the sync coordinator as a supervised service.
//
// It adapts the Start/Stop lifecycle to suture's Serve pattern:
//  1. Calls Start(ctx) to connect the transports
//  2. Blocks until the context is canceled
//  3. Calls Stop() for graceful teardown
//
// The coordinator's transport clients manage their own goroutines, so this
// wrapper only orchestrates the lifecycle transitions.
type SyncService struct {
	coordinator StartStopCoordinator
	name        string
}

// NewSyncService creates a new sync service wrapper.
func NewSyncService(coordinator StartStopCoordinator) *SyncService {
	return &SyncService{
		coordinator: coordinator,
		name:        "sync-coordinator",
	}
}

// Serve implements suture.Service.
//
// If Start fails the error is returned immediately, causing suture to
// restart the service under its backoff policy.
func (s *SyncService) Serve(ctx context.Context) error {
	if err := s.coordinator.Start(ctx); err != nil {
		return fmt.Errorf("sync coordinator start failed: %w", err)
	}

	<-ctx.Done()

	if err := s.coordinator.Stop(); err != nil {
		return fmt.Errorf("sync coordinator stop failed: %w", err)
	}

	return ctx.Err()
}

// String implements fmt.Stringer for logging.
func (s *SyncService) String() string {
	return s.name
}
