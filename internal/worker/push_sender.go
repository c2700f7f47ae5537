package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/uzurihq/notify/internal/db"
)

// PushSender delivers push notifications by POSTing to an FCM-compatible
// HTTP endpoint.
type PushSender struct {
	client    *http.Client
	endpoint  string
	serverKey string
	logger    *zap.Logger
}

type PushConfig struct {
	Endpoint  string
	ServerKey string
	Timeout   time.Duration
}

type pushRequest struct {
	To           string            `json:"to"`
	Notification pushNotification  `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type pushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// NewPushSender creates a push sender.
func NewPushSender(logger *zap.Logger, cfg PushConfig) *PushSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &PushSender{
		client:    &http.Client{Timeout: timeout},
		endpoint:  cfg.Endpoint,
		serverKey: cfg.ServerKey,
		logger:    logger,
	}
}

// Send posts the push payload. Provider 4xx responses (other than 429) mean
// the token or payload is rejected and retrying is pointless; 5xx and
// transport errors are transient.
func (s *PushSender) Send(ctx context.Context, msg *Message) error {
	if msg.Channel != db.ChannelPush {
		return Permanent(fmt.Errorf("push sender only supports push, got: %s", msg.Channel))
	}

	if msg.Contact == nil || msg.Contact.DeviceToken == "" {
		return Permanent(fmt.Errorf("recipient has no device token"))
	}

	body, err := json.Marshal(pushRequest{
		To: msg.Contact.DeviceToken,
		Notification: pushNotification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: map[string]string{
			"notification_id": msg.NotificationID.String(),
		},
	})
	if err != nil {
		return Permanent(fmt.Errorf("marshal push payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("create push request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+s.serverKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// delivered
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("push endpoint returned %d: %s", resp.StatusCode, string(preview))
	default:
		return Permanent(fmt.Errorf("push endpoint rejected message: %d: %s", resp.StatusCode, string(preview)))
	}

	s.logger.Info("push delivered",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}

func (s *PushSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelPush
}
