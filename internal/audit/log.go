package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"vecino.app/internal/auth"
	"vecino.app/internal/obs"
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

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and actor context.
// Callers must never pass key material or raw tokens in fields.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	attrs := []any{
		slog.String("type", "audit"),
		slog.String("event", event),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	if actor, ok := auth.ActorFromContext(ctx); ok {
		attrs = append(attrs,
			slog.String("user_id", actor.UserID),
			slog.String("org_id", actor.OrganizationID),
		)
	}
	group := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		group = append(group, k, v)
	}
	attrs = append(attrs, slog.Group("fields", group...))
	obs.Logger().InfoContext(ctx, "audit", attrs...)
	return nil
}
