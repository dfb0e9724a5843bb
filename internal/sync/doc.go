// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

// Package sync keeps the local event store consistent with the remote
// calendar data source.
//
// Two independent push transports compete to deliver change notifications:
//
//   - ChangeFeedClient subscribes to a per-user channel on the multiplexed
//     change-feed service and receives structured row changes.
//   - PushStreamClient holds a long-lived unidirectional stream of named
//     server events.
//
// The Coordinator owns both clients, selects the authoritative transport
// under the configured policy, normalizes both callback shapes into one
// tagged notification union, and forwards it to the event store. Both
// transports share the same backoff shape (BackoffPolicy) and surface
// ConnectionState snapshots that the coordinator grades into the
// user-facing connection quality.
//
// The Mutator issues create/update/delete calls against the external API,
// pairing each with an optimistic store change that is confirmed or rolled
// back by the call's outcome.
package sync
