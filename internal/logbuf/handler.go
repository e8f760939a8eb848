package logbuf

import (
	"context"
	"log/slog"
	"strings"
)

// DefaultRedactedKeys are attribute keys whose values hold user email
// addresses.
var DefaultRedactedKeys = []string{"email", "requester", "customer", "owner"}

// Handler is an slog.Handler that captures entries into a Buffer
// and delegates to an inner handler. Entries in the buffer are served over
// HTTP, so address-bearing attributes are masked there; the inner handler
// still receives them unchanged.
type Handler struct {
	inner  slog.Handler
	buf    *Buffer
	redact map[string]bool
	attrs  []slog.Attr
	groups []string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRedactedKeys replaces DefaultRedactedKeys.
func WithRedactedKeys(keys ...string) HandlerOption {
	return func(h *Handler) {
		h.redact = make(map[string]bool, len(keys))
		for _, k := range keys {
			h.redact[k] = true
		}
	}
}

// NewHandler creates a handler that writes to both buf and inner.
func NewHandler(inner slog.Handler, buf *Buffer, opts ...HandlerOption) *Handler {
	h := &Handler{inner: inner, buf: buf}
	WithRedactedKeys(DefaultRedactedKeys...)(h)
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) Enabled(_ context.Context, _ slog.Level) bool {
	// Always return true so the buffer captures all log levels,
	// regardless of the inner handler's level filter.
	return true
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any)
	var component string
	collect := func(a slog.Attr) {
		if len(h.groups) == 0 && a.Key == "component" {
			component = a.Value.String()
			return
		}
		key := a.Key
		for _, g := range h.groups {
			key = g + "." + key
		}
		v := resolveAttrValue(a.Value)
		if h.redact[a.Key] {
			if s, ok := v.(string); ok {
				v = MaskEmail(s)
			}
		}
		attrs[key] = v
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	var attrsMap map[string]any
	if len(attrs) > 0 {
		attrsMap = attrs
	}

	h.buf.Write(Entry{
		Time:      r.Time,
		Level:     r.Level.String(),
		Component: component,
		Message:   r.Message,
		Attrs:     attrsMap,
	})

	// Only delegate to inner if it would handle this level
	// (so stdout respects its configured level filter).
	if h.inner.Enabled(ctx, r.Level) {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

// MaskEmail keeps the first character of the local part and the domain:
// "ana.perez@example.com" becomes "a***@example.com". Values without an
// "@" are returned unchanged.
func MaskEmail(s string) string {
	at := strings.LastIndex(s, "@")
	if at <= 0 {
		return s
	}
	return s[:1] + "***" + s[at:]
}

// resolveAttrValue converts slog values to JSON-safe types.
// Errors are converted to their string representation so they don't
// serialize to {} when JSON-marshaled.
func resolveAttrValue(v slog.Value) any {
	v = v.Resolve()
	raw := v.Any()
	if err, ok := raw.(error); ok {
		return err.Error()
	}
	return raw
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.inner = h.inner.WithAttrs(attrs)
	nh.attrs = append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...)
	return &nh
}

func (h *Handler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.inner = h.inner.WithGroup(name)
	nh.groups = append(h.groups[:len(h.groups):len(h.groups)], name)
	return &nh
}
