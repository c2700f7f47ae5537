package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const deliveryColumns = `
	id, notification_id, channel, status, attempt, next_attempt_at,
	last_error, created_at, updated_at
`

// CreateDispatchRound transitions a pending notification to dispatched and
// inserts its delivery rows in one transaction. The guarded transition is the
// idempotency gate: a second caller gets ErrAlreadySent and creates nothing.
// A failed insert rolls the transition back too, so the notification stays
// pending and a later plan can run the round again.
func (r *Repository) CreateDispatchRound(ctx context.Context, notificationID uuid.UUID, deliveries []*ChannelDelivery) error {
	return r.createRound(ctx, notificationID, deliveries, []string{StatusPending}, ErrAlreadySent)
}

// CreateResendRound reopens a settled notification and inserts a fresh
// delivery round in the same transaction. Cancelled notifications stay
// cancelled.
func (r *Repository) CreateResendRound(ctx context.Context, notificationID uuid.UUID, deliveries []*ChannelDelivery) error {
	return r.createRound(ctx, notificationID, deliveries, []string{StatusSent, StatusFailed}, ErrNotCancelable)
}

func (r *Repository) createRound(
	ctx context.Context,
	notificationID uuid.UUID,
	deliveries []*ChannelDelivery,
	fromStatuses []string,
	transitionErr error,
) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := tx.Exec(ctx, `
		UPDATE notifications
		SET status = $1, failure_reason = NULL, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`, StatusDispatched, notificationID, fromStatuses)
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", notificationID, transitionErr)
	}

	query := `
		INSERT INTO channel_deliveries (
			id, notification_id, channel, status, attempt, next_attempt_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	for _, d := range deliveries {
		err := tx.QueryRow(ctx, query,
			d.ID,
			d.NotificationID,
			d.Channel,
			d.Status,
			d.Attempt,
			d.NextAttemptAt,
		).Scan(&d.CreatedAt, &d.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert delivery %s/%s: %w", d.NotificationID, d.Channel, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// ClaimDueDeliveries picks deliveries whose next attempt is due, bumps them
// to their next attempt number, and leases them for two minutes so a
// concurrent poll cannot pick the same rows. FOR UPDATE SKIP LOCKED keeps
// parallel workers from blocking each other.
func (r *Repository) ClaimDueDeliveries(ctx context.Context, limit int) ([]*ChannelDelivery, error) {
	query := `
		WITH due AS (
			SELECT id FROM channel_deliveries
			WHERE status IN ($1, $2)
			  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
			ORDER BY next_attempt_at ASC NULLS FIRST
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE channel_deliveries d
		SET attempt = d.attempt + 1,
		    next_attempt_at = NOW() + INTERVAL '2 minutes',
		    updated_at = NOW()
		FROM due
		WHERE d.id = due.id
		RETURNING ` + deliveryColumnsPrefixed

	rows, err := r.db.Pool().Query(ctx, query, DeliveryPending, DeliveryRetrying, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*ChannelDelivery
	for rows.Next() {
		var d ChannelDelivery
		err := rows.Scan(
			&d.ID,
			&d.NotificationID,
			&d.Channel,
			&d.Status,
			&d.Attempt,
			&d.NextAttemptAt,
			&d.LastError,
			&d.CreatedAt,
			&d.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, &d)
	}

	return deliveries, rows.Err()
}

const deliveryColumnsPrefixed = `
	d.id, d.notification_id, d.channel, d.status, d.attempt, d.next_attempt_at,
	d.last_error, d.created_at, d.updated_at
`

// UpdateDeliveryStatus records the outcome of an attempt on a delivery task.
func (r *Repository) UpdateDeliveryStatus(
	ctx context.Context,
	id uuid.UUID,
	status string,
	lastError *string,
	nextAttemptAt *time.Time,
) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE channel_deliveries
		SET status = $1, last_error = $2, next_attempt_at = $3, updated_at = NOW()
		WHERE id = $4
	`, status, lastError, nextAttemptAt, id)
	if err != nil {
		return fmt.Errorf("update delivery status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendDeliveryLog writes one ledger entry for a send attempt. The ledger is
// append-only; the unique (delivery_id, attempt) constraint rejects any
// duplicate attempt number.
func (r *Repository) AppendDeliveryLog(ctx context.Context, entry *DeliveryLogEntry) error {
	query := `
		INSERT INTO delivery_log (
			delivery_id, notification_id, channel, attempt, status, error
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		entry.DeliveryID,
		entry.NotificationID,
		entry.Channel,
		entry.Attempt,
		entry.Status,
		entry.Error,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		r.logger.Error("failed to append delivery log",
			zap.Error(err),
			zap.String("delivery_id", entry.DeliveryID.String()),
			zap.Int("attempt", entry.Attempt),
		)
		return fmt.Errorf("append delivery log: %w", err)
	}

	return nil
}

// ListDeliveryLog returns the ledger for a notification, oldest first.
func (r *Repository) ListDeliveryLog(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryLogEntry, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, delivery_id, notification_id, channel, attempt, status, error, created_at
		FROM delivery_log
		WHERE notification_id = $1
		ORDER BY id ASC
	`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query delivery log: %w", err)
	}
	defer rows.Close()

	var entries []*DeliveryLogEntry
	for rows.Next() {
		var e DeliveryLogEntry
		err := rows.Scan(&e.ID, &e.DeliveryID, &e.NotificationID, &e.Channel,
			&e.Attempt, &e.Status, &e.Error, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// ListDeliveriesByNotification returns the delivery tasks for a notification.
func (r *Repository) ListDeliveriesByNotification(ctx context.Context, notificationID uuid.UUID) ([]*ChannelDelivery, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+deliveryColumns+` FROM channel_deliveries WHERE notification_id = $1 ORDER BY created_at ASC`,
		notificationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*ChannelDelivery
	for rows.Next() {
		var d ChannelDelivery
		err := rows.Scan(&d.ID, &d.NotificationID, &d.Channel, &d.Status, &d.Attempt,
			&d.NextAttemptAt, &d.LastError, &d.CreatedAt, &d.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, &d)
	}

	return deliveries, rows.Err()
}

// DeliveryStats aggregates terminal delivery outcomes per channel and
// category for the operator monitoring view.
func (r *Repository) DeliveryStats(ctx context.Context) ([]*ChannelStat, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT d.channel, n.category,
		       COUNT(*) FILTER (WHERE d.status = $1) AS delivered,
		       COUNT(*) FILTER (WHERE d.status = $2) AS failed
		FROM channel_deliveries d
		JOIN notifications n ON n.id = d.notification_id
		GROUP BY d.channel, n.category
		ORDER BY d.channel, n.category
	`, DeliverySucceeded, DeliveryFailed)
	if err != nil {
		return nil, fmt.Errorf("query delivery stats: %w", err)
	}
	defer rows.Close()

	var stats []*ChannelStat
	for rows.Next() {
		var s ChannelStat
		if err := rows.Scan(&s.Channel, &s.Category, &s.Delivered, &s.Failed); err != nil {
			return nil, fmt.Errorf("scan stat: %w", err)
		}
		stats = append(stats, &s)
	}

	return stats, rows.Err()
}
