package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification is a single message addressed to one user. The row itself is
// the in-app copy; external channels deliver through channel_deliveries.
type Notification struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"user_id"`
	Category          string          `json:"category"`
	Title             string          `json:"title"`
	Message           string          `json:"message"`
	Urgency           string          `json:"urgency"`
	RequestedChannels []string        `json:"requested_channels"`
	Language          string          `json:"language"`
	ActionLinks       json.RawMessage `json:"action_links,omitempty"`
	Status            string          `json:"status"`
	FailureReason     *string         `json:"failure_reason,omitempty"`
	IsRead            bool            `json:"is_read"`
	ReadAt            *time.Time      `json:"read_at,omitempty"`
	RequiresAck       bool            `json:"requires_ack"`
	Acknowledged      bool            `json:"acknowledged"`
	AcknowledgedAt    *time.Time      `json:"acknowledged_at,omitempty"`
	Archived          bool            `json:"archived"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Notification status constants
const (
	StatusPending    = "pending"
	StatusDispatched = "dispatched"
	StatusSent       = "sent"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Channel constants
const (
	ChannelInApp = "in_app"
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelPush  = "push"
)

// Urgency constants
const (
	UrgencyInfo    = "info"
	UrgencyWarning = "warning"
	UrgencyUrgent  = "urgent"
)

// Categories mirrors the notification categories used across the
// university backend.
var Categories = []string{
	"finance", "units", "exams", "assignments", "timetable",
	"hostel", "clearance", "graduation", "general",
}

// ChannelDelivery is the persisted send task for one (dispatch round, channel)
// pair. Retry scheduling lives in NextAttemptAt so pending retries survive a
// process restart. A resend creates a fresh row with attempt starting at 0.
type ChannelDelivery struct {
	ID             uuid.UUID  `json:"id"`
	NotificationID uuid.UUID  `json:"notification_id"`
	Channel        string     `json:"channel"`
	Status         string     `json:"status"`
	Attempt        int        `json:"attempt"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Delivery status constants
const (
	DeliveryPending   = "pending"
	DeliveryRetrying  = "retrying"
	DeliverySucceeded = "succeeded"
	DeliveryFailed    = "failed"
)

// DeliveryLogEntry is one row of the append-only delivery ledger. Entries are
// written only by the delivery worker, one per send attempt, and never
// mutated.
type DeliveryLogEntry struct {
	ID             int64     `json:"id"`
	DeliveryID     uuid.UUID `json:"delivery_id"`
	NotificationID uuid.UUID `json:"notification_id"`
	Channel        string    `json:"channel"`
	Attempt        int       `json:"attempt"`
	Status         string    `json:"status"`
	Error          *string   `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Ledger entry status constants
const (
	LogSuccess  = "success"
	LogFailed   = "failed"
	LogRetrying = "retrying"
)

// Preference holds a user's channel and category opt-ins. Rows are created
// lazily with defaults on first read.
type Preference struct {
	UserID     uuid.UUID `json:"user_id"`
	Channels   []string  `json:"channels"`
	Categories []string  `json:"categories"`
	Language   string    `json:"language"`
	UrgentSMS  bool      `json:"urgent_sms"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Payment is a fee payment awaiting or past provider confirmation. Reference
// is the merchant reference quoted back by provider callbacks.
type Payment struct {
	ID            uuid.UUID `json:"id"`
	UserID        uuid.UUID `json:"user_id"`
	Reference     string    `json:"reference"`
	Amount        string    `json:"amount"`
	Method        string    `json:"method"`
	Status        string    `json:"status"`
	TransactionID *string   `json:"transaction_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Payment status constants
const (
	PaymentPending    = "pending"
	PaymentSuccessful = "successful"
	PaymentFailed     = "failed"
)

// CallbackRecord is one row of the append-only webhook idempotency ledger.
// (provider, callback_id) is unique; a second insert with the same pair is a
// duplicate delivery and must not be reprocessed.
type CallbackRecord struct {
	ID         uuid.UUID       `json:"id"`
	Provider   string          `json:"provider"`
	CallbackID string          `json:"callback_id"`
	PaymentID  *uuid.UUID      `json:"payment_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// ChannelStat is an aggregate row for the operator delivery-status view.
type ChannelStat struct {
	Channel   string `json:"channel"`
	Category  string `json:"category"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
}

// ValidChannel reports whether ch is a known delivery channel.
func ValidChannel(ch string) bool {
	switch ch {
	case ChannelInApp, ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

// ValidCategory reports whether c is a known notification category.
func ValidCategory(c string) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}
