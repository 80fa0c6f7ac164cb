package channel

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/afroverse/notify/internal/db"
	"github.com/afroverse/notify/internal/dispatch"
)

// LogSender logs instead of delivering. Registered for every channel in
// development so the full dispatch path runs without provider credentials.
type LogSender struct {
	logger *zap.Logger
	sent   atomic.Int64
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, notif *db.Notification, _ dispatch.Preferences) (string, error) {
	s.sent.Add(1)
	s.logger.Info("notification logged (development mode)",
		zap.String("notification_id", notif.ID.String()),
		zap.String("channel", notif.Channel),
		zap.String("user_id", notif.UserID.String()),
		zap.String("title", notif.Title),
	)
	return notif.ID.String(), nil
}

func (s *LogSender) Stats() map[string]any {
	return map[string]any{"sent": s.sent.Load()}
}
