package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"
	"github.com/uzurihq/notify/internal/db"
	"github.com/uzurihq/notify/internal/metrics"
)

// Repository is the subset of database operations the delivery worker needs.
// The worker is the single writer of the delivery ledger.
type Repository interface {
	ClaimDueDeliveries(ctx context.Context, limit int) ([]*db.ChannelDelivery, error)
	UpdateDeliveryStatus(ctx context.Context, id uuid.UUID, status string, lastError *string, nextAttemptAt *time.Time) error
	AppendDeliveryLog(ctx context.Context, entry *db.DeliveryLogEntry) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	NotificationStatus(ctx context.Context, id uuid.UUID) (string, error)
	MarkNotificationSent(ctx context.Context, id uuid.UUID) (bool, error)
	SettleNotificationFailure(ctx context.Context, id uuid.UUID) (bool, error)
	GetContact(ctx context.Context, userID uuid.UUID) (*db.Contact, error)
	ArchiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Worker polls channel_deliveries for due tasks and performs the sends.
// Each channel retries independently on its own schedule; one channel's
// failure never blocks another's delivery.
type Worker struct {
	repo   Repository
	sender Sender
	config Config
	logger *zap.Logger
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
	Retention    time.Duration
}

func New(repo Repository, sender Sender, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 1 * time.Minute
	}
	if cfg.Retention == 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}

	return &Worker{
		repo:   repo,
		sender: sender,
		config: cfg,
		logger: logger,
	}
}

// Start runs the poll loop until ctx is cancelled. A slower secondary ticker
// sweeps settled notifications past the retention window into the archive.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	archiveTicker := time.NewTicker(1 * time.Hour)
	defer archiveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("delivery worker stopping")
			return
		case <-ticker.C:
			w.processBatch(ctx)
		case <-archiveTicker.C:
			w.archiveExpired(ctx)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	deliveries, err := w.repo.ClaimDueDeliveries(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to claim due deliveries", zap.Error(err))
		return
	}

	for _, d := range deliveries {
		w.processDelivery(ctx, d)
	}
}

// processDelivery performs one send attempt for one channel delivery task.
// The claim already bumped d.Attempt to the number of the attempt being made.
func (w *Worker) processDelivery(ctx context.Context, d *db.ChannelDelivery) {
	// Cancellation check before every attempt. A cancelled notification gets
	// no further sends and, per the audit contract, no further ledger rows.
	status, err := w.repo.NotificationStatus(ctx, d.NotificationID)
	if err != nil {
		w.logger.Error("failed to check notification status",
			zap.Error(err),
			zap.String("delivery_id", d.ID.String()),
		)
		return
	}
	if status == db.StatusCancelled {
		reason := "notification cancelled"
		_ = w.repo.UpdateDeliveryStatus(ctx, d.ID, db.DeliveryFailed, &reason, nil)
		w.logger.Info("delivery aborted, notification cancelled",
			zap.String("delivery_id", d.ID.String()),
			zap.String("channel", d.Channel),
		)
		return
	}

	notif, err := w.repo.GetNotification(ctx, d.NotificationID)
	if err != nil {
		w.logger.Error("failed to load notification for delivery",
			zap.Error(err),
			zap.String("delivery_id", d.ID.String()),
		)
		return
	}

	contact, err := w.repo.GetContact(ctx, notif.UserID)
	if err != nil {
		w.logger.Error("failed to resolve recipient contact",
			zap.Error(err),
			zap.String("user_id", notif.UserID.String()),
		)
		return
	}

	sendErr := w.sendOnce(ctx, &Message{
		NotificationID: notif.ID,
		Channel:        d.Channel,
		Title:          notif.Title,
		Body:           notif.Message,
		Language:       notif.Language,
		Contact:        contact,
	})

	if sendErr == nil {
		w.recordSuccess(ctx, d, notif)
		return
	}

	w.recordFailure(ctx, d, sendErr)
}

// sendOnce isolates a single sender invocation. A panicking sender must not
// take down the poll loop or block other channels of the same notification.
func (w *Worker) sendOnce(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panicked: %v", r)
		}
	}()
	return w.sender.Send(ctx, msg)
}

func (w *Worker) recordSuccess(ctx context.Context, d *db.ChannelDelivery, notif *db.Notification) {
	entry := &db.DeliveryLogEntry{
		DeliveryID:     d.ID,
		NotificationID: d.NotificationID,
		Channel:        d.Channel,
		Attempt:        d.Attempt,
		Status:         db.LogSuccess,
	}
	// The ledger row must land before any state flips: a sent notification
	// without a success entry would break the audit trail. On failure the
	// task stays claimed; the lease expires and the attempt is redone under
	// the next attempt number.
	if err := w.repo.AppendDeliveryLog(ctx, entry); err != nil {
		w.logger.Error("failed to record success in ledger, leaving attempt claimed",
			zap.Error(err),
			zap.String("delivery_id", d.ID.String()),
		)
		return
	}

	if err := w.repo.UpdateDeliveryStatus(ctx, d.ID, db.DeliverySucceeded, nil, nil); err != nil {
		w.logger.Error("failed to finalize delivery", zap.Error(err))
	}

	// First channel success marks the notification sent.
	first, err := w.repo.MarkNotificationSent(ctx, d.NotificationID)
	if err != nil {
		w.logger.Error("failed to mark notification sent", zap.Error(err))
	}

	metrics.RecordDeliveryAttempt(d.Channel, db.LogSuccess)
	if first {
		metrics.RecordNotificationSettled(db.StatusSent)
		metrics.RecordDeliveryLatency(d.Channel, time.Since(notif.CreatedAt))
	}

	w.logger.Info("delivery succeeded",
		zap.String("notification_id", d.NotificationID.String()),
		zap.String("channel", d.Channel),
		zap.Int("attempt", d.Attempt),
	)
}

func (w *Worker) recordFailure(ctx context.Context, d *db.ChannelDelivery, sendErr error) {
	errMsg := sendErr.Error()

	entry := &db.DeliveryLogEntry{
		DeliveryID:     d.ID,
		NotificationID: d.NotificationID,
		Channel:        d.Channel,
		Attempt:        d.Attempt,
		Status:         db.LogFailed,
		Error:          &errMsg,
	}
	if err := w.repo.AppendDeliveryLog(ctx, entry); err != nil {
		w.logger.Error("failed to record failure in ledger", zap.Error(err))
	}
	metrics.RecordDeliveryAttempt(d.Channel, db.LogFailed)

	permanent := IsPermanent(sendErr)
	exhausted := d.Attempt >= w.config.MaxAttempts

	if !permanent && !exhausted {
		next := time.Now().Add(w.backoff(d.Attempt))
		if err := w.repo.UpdateDeliveryStatus(ctx, d.ID, db.DeliveryRetrying, &errMsg, &next); err != nil {
			w.logger.Error("failed to schedule retry", zap.Error(err))
		}
		w.logger.Warn("delivery failed, retry scheduled",
			zap.String("notification_id", d.NotificationID.String()),
			zap.String("channel", d.Channel),
			zap.Int("attempt", d.Attempt),
			zap.Time("next_attempt_at", next),
			zap.String("error", errMsg),
		)
		return
	}

	if err := w.repo.UpdateDeliveryStatus(ctx, d.ID, db.DeliveryFailed, &errMsg, nil); err != nil {
		w.logger.Error("failed to finalize delivery", zap.Error(err))
	}

	w.logger.Error("channel permanently failed",
		zap.String("notification_id", d.NotificationID.String()),
		zap.String("channel", d.Channel),
		zap.Int("attempt", d.Attempt),
		zap.Bool("permanent", permanent),
		zap.String("error", errMsg),
	)

	// If this was the last channel still in flight, settle the notification
	// as failed. The guard inside the settle query keeps a late failure from
	// overriding a notification another channel already marked sent.
	settled, err := w.repo.SettleNotificationFailure(ctx, d.NotificationID)
	if err != nil {
		w.logger.Error("failed to settle notification", zap.Error(err))
	} else if settled {
		metrics.RecordNotificationSettled(db.StatusFailed)
	}
}

// backoff returns the delay before the attempt after attempt N:
// base × 2^(N-1), capped at one hour.
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.config.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= time.Hour {
			return time.Hour
		}
	}
	return d
}

func (w *Worker) archiveExpired(ctx context.Context) {
	cutoff := time.Now().Add(-w.config.Retention)
	archived, err := w.repo.ArchiveBefore(ctx, cutoff)
	if err != nil {
		w.logger.Error("archive sweep failed", zap.Error(err))
		return
	}
	if archived > 0 {
		w.logger.Info("archived expired notifications", zap.Int64("count", archived))
	}
}
