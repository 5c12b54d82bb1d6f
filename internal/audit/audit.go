// Package audit emits the structured decision events for the gateway:
// JSON lines in production, colored human-readable lines in development.
// Audit emission must never fail a request, so every path here is
// best-effort.
package audit

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/atlas/shield/internal/config"
)

// Event types emitted by the gateway.
const (
	EventRateLimitAllowed      = "rate_limit_allowed"
	EventRateLimitBlocked      = "rate_limit_blocked"
	EventBannedRequestBlocked  = "banned_request_blocked"
	EventRateLimitFailOpen     = "rate_limit_fail_open"
	EventRateLimitError        = "rate_limit_error"
	EventMaliciousClient       = "malicious_client_detected"
	EventServerStarted         = "server_started"
	EventServerStopping        = "server_stopping"
	EventRedisConnected        = "redis_connected"
	EventRedisError            = "redis_error"
	EventRedisConnectionClosed = "redis_connection_closed"
)

// Decision actions.
const (
	ActionAllow = "ALLOW"
	ActionDeny  = "DENY"
)

// Auditor writes audit events through slog. A single instance is shared by
// reference across the gateway.
type Auditor struct {
	log        *slog.Logger
	instanceID string
}

// New builds an auditor writing to w with formatting chosen by environment.
func New(w io.Writer, env string) *Auditor {
	var h slog.Handler
	if env == config.EnvProduction {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		h = newColorHandler(w)
	}
	return &Auditor{
		log:        slog.New(h),
		instanceID: uuid.NewString(),
	}
}

// NewDefault writes to stderr.
func NewDefault(env string) *Auditor {
	return New(os.Stderr, env)
}

// InstanceID identifies this gateway process in emitted events.
func (a *Auditor) InstanceID() string { return a.instanceID }

// Decision emits one event per rate-limit verdict. clientID is always the
// hashed/canonical principal, never raw credentials.
func (a *Auditor) Decision(ctx context.Context, event, clientID, action string, remaining int64) {
	level := slog.LevelInfo
	switch event {
	case EventRateLimitFailOpen:
		level = slog.LevelWarn
	case EventRateLimitError:
		level = slog.LevelError
	}
	a.log.Log(ctx, level, event,
		slog.String("event_type", event),
		slog.String("client_id", clientID),
		slog.String("action", action),
		slog.Int64("remaining_tokens", remaining),
	)
}

// MaliciousClient records an escalation to banned.
func (a *Auditor) MaliciousClient(ctx context.Context, clientID string, violations int, banSeconds int64) {
	a.log.LogAttrs(ctx, slog.LevelWarn, EventMaliciousClient,
		slog.String("event_type", EventMaliciousClient),
		slog.String("client_id", clientID),
		slog.Int("violations", violations),
		slog.Int64("ban_seconds", banSeconds),
	)
}

// System emits lifecycle events (server_started, redis_connected, ...).
func (a *Auditor) System(ctx context.Context, event string, attrs ...slog.Attr) {
	all := append([]slog.Attr{
		slog.String("event_type", event),
		slog.String("instance_id", a.instanceID),
	}, attrs...)
	a.log.LogAttrs(ctx, slog.LevelInfo, event, all...)
}

// SystemError emits an error-severity lifecycle event.
func (a *Auditor) SystemError(ctx context.Context, event string, err error, attrs ...slog.Attr) {
	all := append([]slog.Attr{
		slog.String("event_type", event),
		slog.Any("error", err),
	}, attrs...)
	a.log.LogAttrs(ctx, slog.LevelError, event, all...)
}

// Logger exposes the underlying slog logger for non-event diagnostics.
func (a *Auditor) Logger() *slog.Logger { return a.log }
