package notify

import (
	"context"
	"log/slog"

	"github.com/stockwatch/alert-engine/internal/domain"
)

// Log writes notifications to the logger. Used when no real channel is
// configured, typically with the mock feed.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger.With(slog.String("component", "notifier"))}
}

func (l *Log) Deliver(_ context.Context, task domain.NotificationTask) error {
	l.logger.Info("ALERT FIRED",
		slog.String("alert_id", task.AlertID),
		slog.String("symbol", task.Symbol),
		slog.String("price", task.Price.String()),
		slog.Time("at", task.FiredAt))
	return nil
}
