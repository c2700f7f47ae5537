package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/uzurihq/notify/internal/db"
)

// SESSender delivers email through AWS SES.
type SESSender struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send sends an email. A recipient without an email address is a permanent
// failure; SES call errors are treated as transient and retried.
func (s *SESSender) Send(ctx context.Context, msg *Message) error {
	if msg.Channel != db.ChannelEmail {
		return Permanent(fmt.Errorf("SES sender only supports email, got: %s", msg.Channel))
	}

	if msg.Contact == nil || msg.Contact.Email == "" {
		return Permanent(fmt.Errorf("recipient has no email address"))
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.Contact.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.String("to", msg.Contact.Email),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func (s *SESSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}
