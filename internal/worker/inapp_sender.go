package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/uzurihq/notify/internal/db"
)

// InAppSender handles the in_app channel. The notification row persisted at
// creation time already is the in-app message, so delivery amounts to
// confirming that fact in the ledger. It never fails, which is what makes
// in_app the un-suppressible fallback channel.
type InAppSender struct {
	logger *zap.Logger
}

func NewInAppSender(logger *zap.Logger) *InAppSender {
	return &InAppSender{logger: logger}
}

func (s *InAppSender) Send(ctx context.Context, msg *Message) error {
	s.logger.Debug("in-app delivery confirmed",
		zap.String("notification_id", msg.NotificationID.String()),
	)
	return nil
}

func (s *InAppSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelInApp
}
