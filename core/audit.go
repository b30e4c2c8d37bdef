package core

import (
	"context"
	"log/slog"
	"time"
)

// LoginEventType identifies a step of the login lifecycle worth recording.
type LoginEventType string

const (
	LoginEventStarted       LoginEventType = "login_started"
	LoginEventSucceeded     LoginEventType = "login_succeeded"
	LoginEventFailed        LoginEventType = "login_failed"
	LoginEventTestCompleted LoginEventType = "login_test_completed"
	LoginEventLogout        LoginEventType = "logout"
)

// LoginEvent is a best-effort, append-only record intended for external sinks.
// UserID is set once an identity is known; Kind is set for failures.
type LoginEvent struct {
	OccurredAt time.Time
	Event      LoginEventType
	UserID     string
	Subject    string
	Kind       Kind
	IPAddr     *string
	UserAgent  *string
}

// LoginEventLogger records login events. Implementations should be non-blocking.
type LoginEventLogger interface {
	LogLoginEvent(ctx context.Context, e LoginEvent) error
}

// SlogEventLogger writes login events as structured log lines.
type SlogEventLogger struct{ Logger *slog.Logger }

func (l SlogEventLogger) LogLoginEvent(ctx context.Context, e LoginEvent) error {
	lg := l.Logger
	if lg == nil {
		lg = slog.Default()
	}
	attrs := []any{"event", string(e.Event), "at", e.OccurredAt}
	if e.UserID != "" {
		attrs = append(attrs, "user_id", e.UserID)
	}
	if e.Kind != "" {
		attrs = append(attrs, "kind", string(e.Kind))
	}
	if e.IPAddr != nil {
		attrs = append(attrs, "ip", *e.IPAddr)
	}
	lg.InfoContext(ctx, "login event", attrs...)
	return nil
}
