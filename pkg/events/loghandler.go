package events

import (
	"context"
	"log/slog"
	"time"
)

// LogHandler forwards log records carrying a user id (bound with
// WithUser) onto that user's event stream, then delegates to the
// wrapped handler. Install it around the active handler so operator
// dashboards can tail a run's logs over the same SSE surface.
type LogHandler struct {
	inner slog.Handler
	bus   *Bus
	attrs []slog.Attr
	group string
}

// NewLogHandler wraps the handler with bus forwarding.
func NewLogHandler(inner slog.Handler, bus *Bus) *LogHandler {
	return &LogHandler{inner: inner, bus: bus}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *LogHandler) Handle(ctx context.Context, record slog.Record) error {
	if userID, ok := UserFromContext(ctx); ok {
		h.bus.EmitUser(userID, EventLog, h.payload(record))
	}
	return h.inner.Handle(ctx, record)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		merged = append(merged, h.qualify(a))
	}
	return &LogHandler{
		inner: h.inner.WithAttrs(attrs),
		bus:   h.bus,
		attrs: merged,
		group: h.group,
	}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &LogHandler{
		inner: h.inner.WithGroup(name),
		bus:   h.bus,
		attrs: h.attrs,
		group: group,
	}
}

// payload flattens the record into JSON-safe primitives. Attr values
// resolve to strings so the frame never fails to marshal.
func (h *LogHandler) payload(record slog.Record) map[string]any {
	fields := make(map[string]any, record.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.String()
	}
	record.Attrs(func(a slog.Attr) bool {
		fields[h.qualify(a).Key] = a.Value.String()
		return true
	})

	payload := map[string]any{
		"level":   record.Level.String(),
		"message": record.Message,
	}
	if !record.Time.IsZero() {
		payload["time"] = record.Time.Format(time.RFC3339Nano)
	}
	if len(fields) > 0 {
		payload["fields"] = fields
	}
	return payload
}

func (h *LogHandler) qualify(a slog.Attr) slog.Attr {
	if h.group == "" {
		return a
	}
	return slog.Attr{Key: h.group + "." + a.Key, Value: a.Value}
}
