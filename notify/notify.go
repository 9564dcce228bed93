package notify

import (
	"context"

	"go.uber.org/zap"
)

// Severity grades a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notifier is the fire-and-forget notification port. Implementations must
// not leak delivery failures into caller state; they log and move on.
type Notifier interface {
	Notify(ctx context.Context, severity Severity, message string, payload map[string]any)
}

// Logger emits notifications through zap. It is the default sink when no
// delivery transport is wired.
type Logger struct {
	log *zap.Logger
}

func NewLogger(log *zap.Logger) *Logger {
	return &Logger{log: log}
}

func (l *Logger) Notify(_ context.Context, severity Severity, message string, payload map[string]any) {
	fields := []zap.Field{zap.String("severity", string(severity)), zap.Any("payload", payload)}
	switch severity {
	case SeverityCritical:
		l.log.Error(message, fields...)
	case SeverityWarning:
		l.log.Warn(message, fields...)
	default:
		l.log.Info(message, fields...)
	}
}
