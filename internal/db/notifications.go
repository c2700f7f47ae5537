package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Domain errors surfaced by the repository.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadySent   = errors.New("notification already sent")
	ErrNotCancelable = errors.New("notification is in a terminal state")
)

// Repository handles database operations for notifications, deliveries,
// preferences and payments.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository over the shared pool.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `
	id, user_id, category, title, message, urgency, requested_channels,
	language, action_links, status, failure_reason, is_read, read_at,
	requires_ack, acknowledged, acknowledged_at, archived, sent_at,
	created_at, updated_at
`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.Category,
		&n.Title,
		&n.Message,
		&n.Urgency,
		&n.RequestedChannels,
		&n.Language,
		&n.ActionLinks,
		&n.Status,
		&n.FailureReason,
		&n.IsRead,
		&n.ReadAt,
		&n.RequiresAck,
		&n.Acknowledged,
		&n.AcknowledgedAt,
		&n.Archived,
		&n.SentAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotification inserts a new notification in pending state.
func (r *Repository) CreateNotification(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (
			id, user_id, category, title, message, urgency,
			requested_channels, language, action_links, status, requires_ack
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, '[]'::jsonb), $10, $11
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		n.ID,
		n.UserID,
		n.Category,
		n.Title,
		n.Message,
		n.Urgency,
		n.RequestedChannels,
		n.Language,
		n.ActionLinks,
		n.Status,
		n.RequiresAck,
	).Scan(&n.CreatedAt, &n.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", n.ID.String()),
		zap.String("user_id", n.UserID.String()),
		zap.String("category", n.Category),
		zap.String("urgency", n.Urgency),
	)

	return nil
}

// GetNotification retrieves a notification by ID.
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return n, nil
}

// ListNotificationsByUser retrieves a user's notifications, newest first.
// Category and unreadOnly are optional filters. Archived rows are excluded.
func (r *Repository) ListNotificationsByUser(
	ctx context.Context,
	userID uuid.UUID,
	category string,
	unreadOnly bool,
	limit int,
	offset int,
) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1
		  AND archived = FALSE
		  AND ($2 = '' OR category = $2)
		  AND (NOT $3 OR is_read = FALSE)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, category, unreadOnly, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// UnreadCount returns the number of unread, unarchived notifications for a user.
func (r *Repository) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = FALSE AND archived = FALSE`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// MarkRead marks a notification read by its recipient.
func (r *Repository) MarkRead(ctx context.Context, id, userID uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET is_read = TRUE, read_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// Acknowledge records the recipient's explicit acknowledgment of an urgent
// notification.
func (r *Repository) Acknowledge(ctx context.Context, id, userID uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET acknowledged = TRUE, acknowledged_at = NOW(),
		    is_read = TRUE, read_at = COALESCE(read_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND requires_ack = TRUE
	`, id, userID)
	if err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkNotificationSent records the first channel success. The guard keeps the
// sent/failed states mutually exclusive: a late failure settle cannot undo a
// sent notification and vice versa.
func (r *Repository) MarkNotificationSent(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET status = $1, sent_at = COALESCE(sent_at, NOW()),
		    failure_reason = NULL, updated_at = NOW()
		WHERE id = $2 AND status NOT IN ($1, $3)
	`, StatusSent, id, StatusCancelled)
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// SettleNotificationFailure marks the notification failed with an aggregate
// reason, but only when every channel delivery has terminally failed and no
// channel ever succeeded.
func (r *Repository) SettleNotificationFailure(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications n
		SET status = $1,
		    failure_reason = sub.reason,
		    updated_at = NOW()
		FROM (
			SELECT string_agg(channel || ': ' || COALESCE(last_error, 'delivery failed'), '; ') AS reason
			FROM channel_deliveries
			WHERE notification_id = $2 AND status = $3
		) sub
		WHERE n.id = $2
		  AND n.status NOT IN ($4, $5)
		  AND NOT EXISTS (
			SELECT 1 FROM channel_deliveries
			WHERE notification_id = $2 AND status <> $3
		  )
	`, StatusFailed, id, DeliveryFailed, StatusSent, StatusCancelled)
	if err != nil {
		return false, fmt.Errorf("settle failure: %w", err)
	}

	settled := result.RowsAffected() > 0
	if settled {
		r.logger.Warn("notification failed on all channels",
			zap.String("notification_id", id.String()),
		)
	}

	return settled, nil
}

// CancelNotification marks a not-yet-settled notification cancelled. The
// delivery worker checks this state before every retry attempt.
func (r *Repository) CancelNotification(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)
	`, StatusCancelled, id, StatusPending, StatusDispatched)
	if err != nil {
		return fmt.Errorf("cancel notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotCancelable)
	}

	r.logger.Info("notification cancelled", zap.String("notification_id", id.String()))
	return nil
}

// NotificationStatus fetches just the status column. Used by the worker's
// cancellation check before each send attempt.
func (r *Repository) NotificationStatus(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := r.db.Pool().QueryRow(ctx, `SELECT status FROM notifications WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query status: %w", err)
	}
	return status, nil
}

// ListFailedNotifications returns notifications that exhausted every channel,
// newest first. Operator-facing.
func (r *Repository) ListFailedNotifications(ctx context.Context, limit, offset int) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, StatusFailed, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query failed notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

// ArchiveBefore soft-archives settled notifications older than the cutoff.
// Rows are never deleted; the ledger stays intact.
func (r *Repository) ArchiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications SET archived = TRUE, updated_at = NOW()
		WHERE archived = FALSE
		  AND created_at < $1
		  AND status IN ($2, $3, $4)
	`, cutoff, StatusSent, StatusFailed, StatusCancelled)
	if err != nil {
		return 0, fmt.Errorf("archive notifications: %w", err)
	}
	return result.RowsAffected(), nil
}
