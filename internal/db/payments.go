package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrDuplicateReference is returned when a payment reference already exists.
var ErrDuplicateReference = errors.New("payment reference already exists")

// CreatePayment records a payment awaiting provider confirmation (or an
// already-settled manual payment recorded by finance staff).
func (r *Repository) CreatePayment(ctx context.Context, p *Payment) error {
	query := `
		INSERT INTO payments (id, user_id, reference, amount, method, status, transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		p.ID, p.UserID, p.Reference, p.Amount, p.Method, p.Status, p.TransactionID,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment %s: %w", p.Reference, ErrDuplicateReference)
		}
		return fmt.Errorf("insert payment: %w", err)
	}

	r.logger.Info("payment recorded",
		zap.String("payment_id", p.ID.String()),
		zap.String("reference", p.Reference),
		zap.String("method", p.Method),
	)

	return nil
}

// GetPaymentByReference looks up a payment by its merchant reference.
func (r *Repository) GetPaymentByReference(ctx context.Context, reference string) (*Payment, error) {
	query := `
		SELECT id, user_id, reference, amount, method, status, transaction_id, created_at, updated_at
		FROM payments
		WHERE reference = $1
	`

	var p Payment
	err := r.db.Pool().QueryRow(ctx, query, reference).Scan(
		&p.ID, &p.UserID, &p.Reference, &p.Amount, &p.Method, &p.Status,
		&p.TransactionID, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", reference, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query payment: %w", err)
	}

	return &p, nil
}

// ApplyCallback appends a webhook callback to the idempotency ledger and
// applies the confirmed outcome to its payment in a single transaction.
// Returns false without touching the payment when (provider, callback_id)
// was already recorded, which is the duplicate-delivery signal. A failure in
// the payment update rolls the callback record back with it, so provider
// redelivery can reprocess the event instead of hitting a phantom duplicate.
func (r *Repository) ApplyCallback(ctx context.Context, rec *CallbackRecord, status string, transactionID *string) (bool, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO payment_callbacks (id, provider, callback_id, payment_id, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider, callback_id) DO NOTHING
		RETURNING received_at
	`, rec.ID, rec.Provider, rec.CallbackID, rec.PaymentID, rec.Payload).Scan(&rec.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict path: the row already existed, nothing was inserted.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert callback record: %w", err)
	}

	result, err := tx.Exec(ctx, `
		UPDATE payments
		SET status = $1, transaction_id = COALESCE($2, transaction_id), updated_at = NOW()
		WHERE id = $3
	`, status, transactionID, rec.PaymentID)
	if err != nil {
		return false, fmt.Errorf("update payment result: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, fmt.Errorf("payment %s: %w", rec.PaymentID, ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("callback applied",
		zap.String("provider", rec.Provider),
		zap.String("callback_id", rec.CallbackID),
		zap.String("status", status),
	)

	return true, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
