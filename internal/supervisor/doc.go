// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

// Package supervisor builds the suture supervision tree for the sync
// daemon: a sync layer holding the coordinator and an api layer holding
// the HTTP server, both under one root with shared failure parameters.
package supervisor
