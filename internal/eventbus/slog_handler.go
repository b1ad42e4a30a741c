package eventbus

import (
	"context"
	"log/slog"
	"slices"
)

// SlogHandler writes records to an inner handler and mirrors each one onto
// the bus as a LogEntry event.
type SlogHandler struct {
	inner  slog.Handler
	bus    *Bus
	attrs  []scopedAttr
	groups []string
}

// scopedAttr remembers the groups that were open when an attribute was added.
type scopedAttr struct {
	groups []string
	attr   slog.Attr
}

// NewSlogHandler returns a handler that writes to inner and also publishes to bus.
func NewSlogHandler(inner slog.Handler, bus *Bus) *SlogHandler {
	return &SlogHandler{inner: inner, bus: bus}
}

func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
		"time":  r.Time,
	}
	for _, sa := range h.attrs {
		addAttr(nest(entry, sa.groups), sa.attr)
	}
	fields := nest(entry, h.groups)
	r.Attrs(func(a slog.Attr) bool {
		addAttr(fields, a)
		return true
	})
	h.bus.PublishType(LogEntry, entry)

	return h.inner.Handle(ctx, r)
}

func nest(m map[string]any, groups []string) map[string]any {
	for _, g := range groups {
		sub, ok := m[g].(map[string]any)
		if !ok {
			sub = map[string]any{}
			m[g] = sub
		}
		m = sub
	}
	return m
}

// addAttr flattens a into m. Errors become their message, since most error
// types marshal to an empty object.
func addAttr(m map[string]any, a slog.Attr) {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		sub := map[string]any{}
		for _, ga := range v.Group() {
			addAttr(sub, ga)
		}
		if a.Key == "" {
			for k, val := range sub {
				m[k] = val
			}
			return
		}
		m[a.Key] = sub
	default:
		if err, ok := v.Any().(error); ok {
			m[a.Key] = err.Error()
			return
		}
		m[a.Key] = v.Any()
	}
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SlogHandler{
		inner:  h.inner.WithAttrs(attrs),
		bus:    h.bus,
		attrs:  h.withScoped(attrs),
		groups: h.groups,
	}
}

func (h *SlogHandler) withScoped(attrs []slog.Attr) []scopedAttr {
	out := slices.Clip(h.attrs)
	for _, a := range attrs {
		out = append(out, scopedAttr{groups: h.groups, attr: a})
	}
	return out
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &SlogHandler{
		inner:  h.inner.WithGroup(name),
		bus:    h.bus,
		attrs:  h.attrs,
		groups: append(slices.Clip(h.groups), name),
	}
}
