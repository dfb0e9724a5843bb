// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

// Package api exposes the sync layer's local HTTP surface: connection
// telemetry, manual sync triggers, the event collection, and the mutation
// entry points the hosting UI calls.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dentalking/geulpi-sync/internal/config"
)

// NewRouter builds the chi router for the given handlers.
func NewRouter(cfg config.ServerConfig, h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", h.SyncStatus)
			r.Post("/trigger", h.TriggerSync)
			r.Post("/reconnect", h.Reconnect)
			r.Post("/visible", h.Visible)
		})
		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Post("/", h.CreateEvent)
			r.Patch("/{id}", h.UpdateEvent)
			r.Delete("/{id}", h.DeleteEvent)
		})
	})

	return r
}
