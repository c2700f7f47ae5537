package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/google/uuid"
	"github.com/uzurihq/notify/internal/db"
)

// Message is the channel-agnostic unit handed to a Sender: one rendered
// notification plus the recipient's resolved addresses. Senders perform the
// external call and nothing else; only the worker writes ledger entries.
type Message struct {
	NotificationID uuid.UUID
	Channel        string
	Title          string
	Body           string
	Language       string
	Contact        *db.Contact
}

// Sender is the unified interface for all delivery channels.
// Implementations: in-app, email (SES), SMS (SNS), push (FCM HTTP).
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	SupportsChannel(channel string) bool
}

// permanentError marks a failure that retrying cannot fix: a missing or
// invalid recipient address, a provider 4xx rejection. The worker logs it
// once and does not schedule a retry.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent. Anything else
// (network errors, timeouts, provider 5xx) is considered transient.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// MultiSender routes messages to the sender that supports their channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over the given channel senders.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the message to the first sender supporting its channel. An
// unroutable channel is permanent: retrying will not make a sender appear.
func (m *MultiSender) Send(ctx context.Context, msg *Message) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", msg.Channel),
				zap.String("notification_id", msg.NotificationID.String()),
			)
			return sender.Send(ctx, msg)
		}
	}

	return Permanent(fmt.Errorf("no sender found for channel: %s", msg.Channel))
}

// SupportsChannel checks if any underlying sender supports the channel.
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}
