package observability

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// CronLogger adapts a slog.Logger to cron.Logger. cron's routine Info chatter
// (schedule, wake, run) is demoted to debug.
type CronLogger struct {
	logger *slog.Logger
}

// NewCronLogger returns a cron.Logger that writes through logger.
func NewCronLogger(logger *slog.Logger) *CronLogger {
	return &CronLogger{logger: logger}
}

// Info implements cron.Logger.
func (l *CronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

// Error implements cron.Logger.
func (l *CronLogger) Error(err error, msg string, keysAndValues ...any) {
	args := append([]any{slog.String("error", err.Error())}, keysAndValues...)
	l.logger.Error("cron: "+msg, args...)
}

var _ cron.Logger = (*CronLogger)(nil)
