package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/uzurihq/notify/internal/db"
)

// SNSSender delivers SMS through AWS SNS.
type SNSSender struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send sends an SMS. A recipient without a phone number is a permanent
// failure for this channel.
func (s *SNSSender) Send(ctx context.Context, msg *Message) error {
	if msg.Channel != db.ChannelSMS {
		return Permanent(fmt.Errorf("SNS sender only supports SMS, got: %s", msg.Channel))
	}

	if msg.Contact == nil || msg.Contact.Phone == "" {
		return Permanent(fmt.Errorf("recipient has no phone number"))
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.Contact.Phone),
		Message:     aws.String(msg.Body),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.String("phone_number", msg.Contact.Phone),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelSMS
}
