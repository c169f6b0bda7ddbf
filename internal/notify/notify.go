// Package notify reports batch sync outcomes to an operator channel.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Subjects used for batch sync reports.
const (
	SubjectSuccess = "SUCCESS :: Update OFML Database"
	SubjectError   = "ERROR :: Update OFML Database"
)

// Notifier delivers a subject/body message, typically by email.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// LogNotifier writes notifications to a logger. It is the default when no
// delivery channel is configured.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify logs the message at info level, or error level for failures.
func (n LogNotifier) Notify(_ context.Context, subject, body string) error {
	logger := n.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := []zap.Field{zap.String("subject", subject), zap.String("body", body)}
	if subject == SubjectError {
		logger.Error("sync notification", fields...)
	} else {
		logger.Info("sync notification", fields...)
	}
	return nil
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, subject, body string) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, subject, body string) error {
	return f(ctx, subject, body)
}
