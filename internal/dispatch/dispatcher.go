package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uzurihq/notify/internal/db"
	"github.com/uzurihq/notify/internal/metrics"
)

// ErrNotResendable is returned when a resend is requested for a notification
// that has not settled yet or was cancelled.
var ErrNotResendable = errors.New("notification cannot be resent in its current state")

// Repository is the subset of database operations the dispatcher needs.
// The round methods commit the status transition and the delivery rows in
// one transaction.
type Repository interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	CreateDispatchRound(ctx context.Context, notificationID uuid.UUID, deliveries []*db.ChannelDelivery) error
	CreateResendRound(ctx context.Context, notificationID uuid.UUID, deliveries []*db.ChannelDelivery) error
	CancelNotification(ctx context.Context, id uuid.UUID) error
}

// PreferenceSource resolves a user's stored notification preference. In
// production this is the redis-backed cache over the repository.
type PreferenceSource interface {
	GetPreference(ctx context.Context, userID uuid.UUID) (*db.Preference, error)
}

// Service plans delivery rounds: it resolves the effective channel set for a
// notification and persists one channel delivery task per channel. The
// actual sending is done by the delivery worker polling those tasks.
type Service struct {
	repo   Repository
	prefs  PreferenceSource
	logger *zap.Logger
}

// NewService creates a dispatcher.
func NewService(repo Repository, prefs PreferenceSource, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		prefs:  prefs,
		logger: logger,
	}
}

// Plan computes the effective channels for a pending notification and
// creates its delivery tasks. Calling Plan on an already-dispatched or
// already-sent notification is a no-op guarded by the status transition, so
// duplicate events cannot produce duplicate user-facing messages.
func (s *Service) Plan(ctx context.Context, n *db.Notification) error {
	if n.Status != db.StatusPending {
		return db.ErrAlreadySent
	}

	pref, err := s.prefs.GetPreference(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("resolve preference: %w", err)
	}

	channels := EffectiveChannels(n.RequestedChannels, n.Urgency, n.Category, pref)

	// The pending->dispatched transition is the idempotency gate: only one
	// caller wins it, so deliveries are created at most once per round. The
	// transition and the delivery rows commit together; a failed round leaves
	// the notification pending so a later plan can run it again.
	if err := s.repo.CreateDispatchRound(ctx, n.ID, s.buildDeliveries(n.ID, channels)); err != nil {
		if errors.Is(err, db.ErrAlreadySent) {
			return err
		}
		return fmt.Errorf("create dispatch round: %w", err)
	}

	metrics.RecordDispatchPlanned(n.Category, len(channels))
	s.logger.Info("dispatch planned",
		zap.String("notification_id", n.ID.String()),
		zap.Strings("channels", channels),
		zap.String("urgency", n.Urgency),
	)

	return nil
}

// Resend starts a fresh delivery round for a settled notification. The new
// round gets its own delivery rows, so ledger attempt numbers restart at 1
// without violating the per-round uniqueness constraint.
func (s *Service) Resend(ctx context.Context, id uuid.UUID) error {
	n, err := s.repo.GetNotification(ctx, id)
	if err != nil {
		return err
	}

	if n.Status != db.StatusSent && n.Status != db.StatusFailed {
		return ErrNotResendable
	}

	pref, err := s.prefs.GetPreference(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("resolve preference: %w", err)
	}

	channels := EffectiveChannels(n.RequestedChannels, n.Urgency, n.Category, pref)

	if err := s.repo.CreateResendRound(ctx, n.ID, s.buildDeliveries(n.ID, channels)); err != nil {
		if errors.Is(err, db.ErrNotCancelable) {
			return ErrNotResendable
		}
		return fmt.Errorf("create resend round: %w", err)
	}

	s.logger.Info("resend planned",
		zap.String("notification_id", id.String()),
		zap.Strings("channels", channels),
	)

	return nil
}

// Cancel marks a notification cancelled. Pending delivery tasks are not
// removed; the worker checks the notification state before each attempt and
// finalizes them as failed without sending.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	return s.repo.CancelNotification(ctx, id)
}

func (s *Service) buildDeliveries(notificationID uuid.UUID, channels []string) []*db.ChannelDelivery {
	deliveries := make([]*db.ChannelDelivery, 0, len(channels))
	for _, ch := range channels {
		deliveries = append(deliveries, &db.ChannelDelivery{
			ID:             uuid.New(),
			NotificationID: notificationID,
			Channel:        ch,
			Status:         db.DeliveryPending,
			Attempt:        0,
		})
	}
	return deliveries
}
