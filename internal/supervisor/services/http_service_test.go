// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

package services

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"
)

// mockHTTPServer is a test double for the HTTPServer interface.
type mockHTTPServer struct {
	listenAndServeErr   error
	listenAndServeBlock bool
	shutdownErr         error
	listenCount         atomic.Int32
	shutdownCount       atomic.Int32
	stopCh              chan struct{}
}

func newMockHTTPServer() *mockHTTPServer {
	return &mockHTTPServer{stopCh: make(chan struct{})}
}

func (m *mockHTTPServer) ListenAndServe() error {
	m.listenCount.Add(1)
	if m.listenAndServeErr != nil {
		return m.listenAndServeErr
	}
	if m.listenAndServeBlock {
		<-m.stopCh
		return http.ErrServerClosed
	}
	return nil
}

func (m *mockHTTPServer) Shutdown(context.Context) error {
	m.shutdownCount.Add(1)
	close(m.stopCh)
	return m.shutdownErr
}

func TestHTTPServerServiceInterface(t *testing.T) {
	var _ suture.Service = (*HTTPServerService)(nil)
}

func TestHTTPServerServiceDefaults(t *testing.T) {
	svc := NewHTTPServerService(newMockHTTPServer(), 0)
	if svc.shutdownTimeout != 10*time.Second {
		t.Errorf("expected default shutdown timeout 10s, got %v", svc.shutdownTimeout)
	}
	if svc.String() != "http-server" {
		t.Errorf("expected name 'http-server', got %q", svc.String())
	}
}

func TestHTTPServerServiceGracefulShutdown(t *testing.T) {
	server := newMockHTTPServer()
	server.listenAndServeBlock = true
	svc := NewHTTPServerService(server, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	// Let the server start, then request shutdown.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	if server.shutdownCount.Load() != 1 {
		t.Errorf("expected 1 shutdown call, got %d", server.shutdownCount.Load())
	}
}

func TestHTTPServerServiceStartFailure(t *testing.T) {
	server := newMockHTTPServer()
	server.listenAndServeErr = errors.New("port in use")
	svc := NewHTTPServerService(server, time.Second)

	err := svc.Serve(context.Background())
	if err == nil || !errors.Is(err, server.listenAndServeErr) {
		t.Errorf("expected wrapped start failure, got %v", err)
	}
}
