// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

// Package metrics provides Prometheus instrumentation for the sync layer.
//
// Exposed at /metrics in Prometheus text format. Transport label values are
// "channel-feed" and "push-stream"; operation label values are "created",
// "updated", "deleted".
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransportConnected is 1 while the labeled transport is connected.
	TransportConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_transport_connected",
			Help: "Connection state per transport (0=disconnected, 1=connected)",
		},
		[]string{"transport"},
	)

	// ReconnectAttempts counts reconnection attempts per transport.
	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_reconnect_attempts_total",
			Help: "Total reconnection attempts per transport",
		},
		[]string{"transport"},
	)

	// TransportErrors counts transport-level errors per transport.
	TransportErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_transport_errors_total",
			Help: "Total transport errors (subscribe failures, stream errors, timeouts)",
		},
		[]string{"transport"},
	)

	// ParseErrors counts malformed payloads dropped at a transport boundary.
	ParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_parse_errors_total",
			Help: "Malformed notifications dropped per transport",
		},
		[]string{"transport"},
	)

	// NotificationsApplied counts normalized operations applied to the store.
	NotificationsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_notifications_applied_total",
			Help: "Normalized change notifications applied to the event store",
		},
		[]string{"operation"},
	)

	// PendingMutations tracks the current number of unconfirmed optimistic mutations.
	PendingMutations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_pending_mutations",
			Help: "Optimistic mutations awaiting server confirmation",
		},
	)

	// MutationRollbacks counts optimistic mutations reverted after call failure.
	MutationRollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_mutation_rollbacks_total",
			Help: "Optimistic mutations rolled back after a failed network call",
		},
		[]string{"kind"},
	)

	// FullResyncs counts full collection re-fetches.
	FullResyncs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_full_resyncs_total",
			Help: "Full resynchronizations triggered",
		},
	)

	// ResyncDuration observes full resync duration.
	ResyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_resync_duration_seconds",
			Help:    "Duration of full resynchronizations",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// MethodActive is 1 for the currently authoritative method label.
	MethodActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_method_active",
			Help: "Authoritative sync method (1=active)",
		},
		[]string{"method"},
	)

	// CircuitBreakerState tracks the mutation endpoint breaker
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_circuit_breaker_state",
			Help: "Mutation endpoint circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// StoreEvents tracks the size of the canonical event collection.
	StoreEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_store_events",
			Help: "Events currently held in the canonical collection",
		},
	)
)
