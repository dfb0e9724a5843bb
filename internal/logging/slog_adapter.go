// Geulpi Sync - Live Calendar Synchronization Layer
// Copyright 2026 Geulpi Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dentalking/geulpi-sync

package logging

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// SlogHandler implements slog.Handler on top of zerolog, so slog-consuming
// libraries (sutureslog in particular) emit through the global logger.
type SlogHandler struct {
	logger zerolog.Logger
	attrs  []slog.Attr
	prefix string // dotted group prefix for attribute keys
}

// NewSlogHandler wraps the global zerolog logger in an slog.Handler.
func NewSlogHandler() *SlogHandler {
	return &SlogHandler{logger: Logger()}
}

// NewSlog returns an *slog.Logger backed by the global zerolog logger.
func NewSlog() *slog.Logger {
	return slog.New(NewSlogHandler())
}

// Enabled reports whether records at the given level are handled.
func (h *SlogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.GetLevel() <= slogLevel(level)
}

// Handle converts the record into a zerolog event.
//
//nolint:gocritic // slog.Record is passed by value per the slog.Handler contract
func (h *SlogHandler) Handle(_ context.Context, record slog.Record) error {
	event := h.logger.WithLevel(slogLevel(record.Level))
	for _, attr := range h.attrs {
		event = appendAttr(event, h.prefix, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		event = appendAttr(event, h.prefix, attr)
		return true
	})
	event.Msg(record.Message)
	return nil
}

// WithAttrs returns a handler carrying the additional attributes.
func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &SlogHandler{logger: h.logger, attrs: merged, prefix: h.prefix}
}

// WithGroup returns a handler that prefixes attribute keys with the group name.
func (h *SlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	prefix := name
	if h.prefix != "" {
		prefix = h.prefix + "." + name
	}
	return &SlogHandler{logger: h.logger, attrs: h.attrs, prefix: prefix}
}

func appendAttr(event *zerolog.Event, prefix string, attr slog.Attr) *zerolog.Event {
	key := attr.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	switch attr.Value.Kind() {
	case slog.KindString:
		return event.Str(key, attr.Value.String())
	case slog.KindInt64:
		return event.Int64(key, attr.Value.Int64())
	case slog.KindUint64:
		return event.Uint64(key, attr.Value.Uint64())
	case slog.KindFloat64:
		return event.Float64(key, attr.Value.Float64())
	case slog.KindBool:
		return event.Bool(key, attr.Value.Bool())
	case slog.KindDuration:
		return event.Dur(key, attr.Value.Duration())
	case slog.KindTime:
		return event.Time(key, attr.Value.Time())
	case slog.KindGroup:
		for _, ga := range attr.Value.Group() {
			event = appendAttr(event, key, ga)
		}
		return event
	default:
		return event.Interface(key, attr.Value.Any())
	}
}

func slogLevel(level slog.Level) zerolog.Level {
	switch {
	case level < slog.LevelInfo:
		return zerolog.DebugLevel
	case level < slog.LevelWarn:
		return zerolog.InfoLevel
	case level < slog.LevelError:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
