package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/uzurihq/notify/internal/db"
)

// LogSender is a simple sender that logs messages instead of delivering them
// (for development and testing).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg *Message) error {
	s.logger.Info("logging message (development mode)",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.String("channel", msg.Channel),
		zap.String("title", msg.Title),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	// LogSender stands in for every channel in development mode
	return db.ValidChannel(channel)
}
