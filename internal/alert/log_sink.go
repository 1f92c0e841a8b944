package alert

import (
	"context"
	"log/slog"

	"github.com/pingsantohq/pingwatch/pkg/types"
)

// LogSink writes alerts to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(ctx context.Context, alert types.Alert) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelWarn
	switch alert.Severity {
	case types.SeverityRecovery:
		level = slog.LevelInfo
	case types.SeverityCritical:
		level = slog.LevelError
	}
	logger.Log(ctx, level, alert.Message,
		"owner", alert.Owner,
		"host", alert.Host,
		"severity", alert.Severity,
		"consecutive_failures", alert.ConsecutiveFailures,
	)
	return nil
}
