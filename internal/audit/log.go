package audit

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"studyhub.dev/internal/auth"
	"studyhub.dev/internal/obs"
)

// Security events emitted by the session and authorization layers.
const (
	EventSessionCreated   = "session.created"
	EventSessionRefreshed = "session.refreshed"
	EventSessionRevoked   = "session.revoked"
	EventRefreshReuse     = "session.refresh_reuse_detected"
	EventAccessDenied     = "authz.denied"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the audit request id if one was attached.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and subject context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	return logEvent(ctx, slog.LevelInfo, event, fields)
}

// WarnEvent is LogEvent at warning level, for events that indicate an attack
// or a client bug, such as refresh token reuse.
func WarnEvent(ctx context.Context, event string, fields map[string]any) error {
	return logEvent(ctx, slog.LevelWarn, event, fields)
}

func logEvent(ctx context.Context, level slog.Level, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("event", event),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	if subject, ok := auth.SubjectFromContext(ctx); ok {
		attrs = append(attrs, slog.String("subject_id", subject))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	group := make([]any, 0, len(keys))
	for _, k := range keys {
		group = append(group, slog.Any(k, fields[k]))
	}
	attrs = append(attrs, slog.Group("fields", group...))

	obs.Logger().LogAttrs(ctx, level, event, attrs...)
	return nil
}
