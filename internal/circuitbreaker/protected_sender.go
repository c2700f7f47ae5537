package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/uzurihq/notify/internal/worker"
)

// ProtectedSender wraps a channel sender with a circuit breaker. An open
// circuit surfaces as a transient send failure, so the delivery worker's
// normal backoff schedule doubles as the recovery probe interval.
//
// Permanent failures (bad recipient address, provider rejection of one
// message) say nothing about provider health and do not trip the breaker.
type ProtectedSender struct {
	inner   worker.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// Protect wraps sender with a breaker named after the channel provider.
func Protect(sender worker.Sender, cfg Config, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		inner:   sender,
		breaker: New(cfg, logger),
		logger:  logger,
	}
}

func (p *ProtectedSender) Send(ctx context.Context, msg *worker.Message) error {
	if !p.breaker.Allow() {
		p.logger.Warn("send rejected, circuit open",
			zap.String("channel", msg.Channel),
			zap.String("notification_id", msg.NotificationID.String()),
		)
		return fmt.Errorf("channel %s: %w", msg.Channel, ErrCircuitOpen)
	}

	err := p.inner.Send(ctx, msg)

	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case worker.IsPermanent(err):
		// Message-level rejection, provider is healthy.
	default:
		p.breaker.RecordFailure()
	}

	return err
}

func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.inner.SupportsChannel(channel)
}
