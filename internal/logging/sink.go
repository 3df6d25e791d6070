// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package logging

import (
	"context"
	"log/slog"
)

// DestKey is the attribute key that routes a record to named sinks.
const DestKey = "dest"

// Well-known destination names. Host integrations register sinks under
// these names; plugins address them through the runtime logging API.
const (
	DestToast        = "toast"
	DestNotification = "notification"
)

// Dest marks a record for delivery to the named user-facing destinations in
// addition to the base handler.
//
//	logger.Info("update available", logging.Dest(logging.DestToast))
func Dest(destinations ...string) slog.Attr {
	return slog.Any(DestKey, destinations)
}

// Sink receives log records destined for a user-facing surface such as an
// in-app toast or an external notification channel.
type Sink interface {
	// Name is the destination this sink serves.
	Name() string

	// Notify delivers one record. attrs holds the record's attributes minus
	// the routing attribute. Implementations must not block for long; the
	// bus delivering records is synchronous.
	Notify(ctx context.Context, level slog.Level, message string, attrs map[string]any)
}

// sinkHandler forwards every record to the base handler and routes records
// carrying a Dest attribute to matching sinks.
//
// A record addressed to an unregistered destination degrades to base-handler
// output only; the destination name stays visible as a record attribute.
type sinkHandler struct {
	base  slog.Handler
	sinks map[string]Sink
	attrs []slog.Attr
}

// WithSinks wraps a handler with destination fan-out. Later sinks with a
// duplicate name replace earlier ones.
func WithSinks(base slog.Handler, sinks ...Sink) slog.Handler {
	m := make(map[string]Sink, len(sinks))
	for _, s := range sinks {
		m[s.Name()] = s
	}
	return &sinkHandler{base: base, sinks: m}
}

// Handle forwards to the base handler, then notifies addressed sinks.
func (h *sinkHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)

	dests, attrs := h.collect(r)
	for _, name := range dests {
		sink, ok := h.sinks[name]
		if !ok {
			continue
		}
		h.notify(ctx, sink, r, attrs)
	}

	//nolint:wrapcheck // Handler interface requires unwrapped error passthrough
	return err
}

// notify isolates sink panics: a failing toast renderer must not take down
// logging for everyone else.
func (h *sinkHandler) notify(ctx context.Context, sink Sink, r slog.Record, attrs map[string]any) {
	defer func() {
		if rec := recover(); rec != nil {
			fallback := slog.NewRecord(r.Time, slog.LevelError, "log sink panicked", 0)
			fallback.AddAttrs(slog.String("sink", sink.Name()), slog.Any("panic", rec))
			_ = h.base.Handle(ctx, fallback)
		}
	}()
	sink.Notify(ctx, r.Level, r.Message, attrs)
}

// collect extracts destination names and builds the attribute map handed to
// sinks, combining accumulated WithAttrs attributes with record attributes.
func (h *sinkHandler) collect(r slog.Record) ([]string, map[string]any) {
	var dests []string
	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))

	add := func(a slog.Attr) {
		if a.Key == DestKey {
			switch v := a.Value.Resolve().Any().(type) {
			case []string:
				dests = append(dests, v...)
			case string:
				dests = append(dests, v)
			}
			return
		}
		attrs[a.Key] = a.Value.Resolve().Any()
	}

	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(a)
		return true
	})

	return dests, attrs
}

// Enabled defers to the base handler.
func (h *sinkHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// WithAttrs returns a new handler carrying the attributes for sink delivery
// as well as forwarding them to the base handler.
func (h *sinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &sinkHandler{
		base:  h.base.WithAttrs(attrs),
		sinks: h.sinks,
		attrs: merged,
	}
}

// WithGroup forwards grouping to the base handler. Sinks receive a flat
// attribute map; group nesting is a console/JSON concern.
func (h *sinkHandler) WithGroup(name string) slog.Handler {
	return &sinkHandler{
		base:  h.base.WithGroup(name),
		sinks: h.sinks,
		attrs: h.attrs,
	}
}
