package payments

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/uzurihq/notify/internal/db"
	"github.com/uzurihq/notify/internal/events"
	"github.com/uzurihq/notify/internal/metrics"
)

// Result is the outcome of ingesting one webhook delivery.
type Result string

const (
	ResultProcessed Result = "processed"
	ResultDuplicate Result = "duplicate"
	ResultRejected  Result = "rejected"
)

// Ingest errors surfaced to the HTTP layer.
var (
	ErrInvalidSecret   = errors.New("invalid webhook secret")
	ErrUnknownProvider = errors.New("unknown payment provider")
	ErrUnknownPayment  = errors.New("no payment matches the callback reference")
)

// Repository is the subset of database operations the ingestor needs.
// ApplyCallback must insert the idempotency record and the payment update in
// one transaction: a failed update rolls the record back so redelivery can
// reprocess.
type Repository interface {
	ApplyCallback(ctx context.Context, rec *db.CallbackRecord, status string, transactionID *string) (bool, error)
	GetPaymentByReference(ctx context.Context, reference string) (*db.Payment, error)
	CreateNotification(ctx context.Context, n *db.Notification) error
}

// Ingestor turns provider webhook deliveries into at-most-once payment
// updates. The (provider, callback_id) uniqueness constraint in the callback
// ledger is the idempotency guarantee: whichever concurrent delivery wins
// the insert processes the event, every other one observes a duplicate.
type Ingestor struct {
	repo     Repository
	bus      *events.Bus
	secret   string
	adapters map[string]Adapter
	logger   *zap.Logger
}

// NewIngestor creates an ingestor with the given provider adapters.
func NewIngestor(repo Repository, bus *events.Bus, secret string, logger *zap.Logger, adapters ...Adapter) *Ingestor {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Provider()] = a
	}
	return &Ingestor{
		repo:     repo,
		bus:      bus,
		secret:   secret,
		adapters: m,
		logger:   logger,
	}
}

// Ingest validates, deduplicates and applies one webhook delivery.
//
// The secret check happens before anything else: a rejected delivery leaves
// no trace in the domain ledger. The callback record and the payment update
// commit in one transaction, so provider at-least-once redelivery can never
// apply the same result twice and a failed apply leaves nothing behind.
//
// ResultRejected with an error means the delivery itself is invalid and the
// provider should stop redelivering. An empty Result with an error is an
// internal failure: nothing was applied, and the HTTP layer answers 5xx so
// the provider's redelivery recovers it.
func (i *Ingestor) Ingest(ctx context.Context, provider, secret string, payload []byte) (Result, error) {
	if subtle.ConstantTimeCompare([]byte(secret), []byte(i.secret)) != 1 {
		metrics.RecordCallback(provider, string(ResultRejected))
		return ResultRejected, ErrInvalidSecret
	}

	adapter, ok := i.adapters[provider]
	if !ok {
		metrics.RecordCallback(provider, string(ResultRejected))
		return ResultRejected, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	ev, err := adapter.Parse(payload)
	if err != nil {
		metrics.RecordCallback(provider, string(ResultRejected))
		return ResultRejected, err
	}

	payment, err := i.repo.GetPaymentByReference(ctx, ev.Reference)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			metrics.RecordCallback(provider, string(ResultRejected))
			return ResultRejected, fmt.Errorf("%w: %s", ErrUnknownPayment, ev.Reference)
		}
		metrics.RecordCallback(provider, "error")
		return "", fmt.Errorf("load payment: %w", err)
	}

	// Fail-safe mapping: the adapter only sets Success for result codes it
	// positively recognizes, so an unknown code lands on failed.
	status := db.PaymentFailed
	if ev.Success {
		status = db.PaymentSuccessful
	}

	var txID *string
	if ev.TransactionID != "" {
		txID = &ev.TransactionID
	}

	rec := &db.CallbackRecord{
		ID:         uuid.New(),
		Provider:   provider,
		CallbackID: ev.CallbackID,
		PaymentID:  &payment.ID,
		Payload:    payload,
	}

	// Bounded retry absorbs transient apply failures (connection blips,
	// serialization errors from two simultaneous deliveries). A constraint
	// conflict is not an error: it comes back as applied == false.
	var applied bool
	backoff := retry.WithMaxRetries(3, retry.NewConstant(50*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var applyErr error
		applied, applyErr = i.repo.ApplyCallback(ctx, rec, status, txID)
		if applyErr != nil {
			return retry.RetryableError(applyErr)
		}
		return nil
	})
	if err != nil {
		metrics.RecordCallback(provider, "error")
		return "", fmt.Errorf("apply callback: %w", err)
	}

	if !applied {
		i.logger.Info("duplicate callback ignored",
			zap.String("provider", provider),
			zap.String("callback_id", ev.CallbackID),
		)
		metrics.RecordCallback(provider, string(ResultDuplicate))
		return ResultDuplicate, nil
	}

	i.logger.Info("payment callback processed",
		zap.String("provider", provider),
		zap.String("callback_id", ev.CallbackID),
		zap.String("reference", ev.Reference),
		zap.String("result_code", ev.ResultCode),
		zap.String("status", status),
	)

	i.notifyPayer(ctx, payment, ev, status)
	metrics.RecordCallback(provider, string(ResultProcessed))

	return ResultProcessed, nil
}

// notifyPayer emits the follow-up notification for the payment outcome. A
// failure here never fails the ingest: the payment update is already
// committed and the provider must not redeliver.
func (i *Ingestor) notifyPayer(ctx context.Context, payment *db.Payment, ev *CallbackEvent, status string) {
	n := &db.Notification{
		ID:                uuid.New(),
		UserID:            payment.UserID,
		Category:          "finance",
		Urgency:           db.UrgencyInfo,
		RequestedChannels: []string{db.ChannelInApp, db.ChannelEmail, db.ChannelSMS},
		Language:          "en",
		Status:            db.StatusPending,
	}

	if status == db.PaymentSuccessful {
		n.Title = "Payment received"
		n.Message = fmt.Sprintf("Your payment of %s (ref %s) has been received.", payment.Amount, payment.Reference)
	} else {
		n.Title = "Payment failed"
		n.Urgency = db.UrgencyWarning
		n.Message = fmt.Sprintf("Your payment with reference %s could not be completed. Please try again or contact the finance office.", payment.Reference)
	}

	if err := i.repo.CreateNotification(ctx, n); err != nil {
		i.logger.Error("failed to create payment notification",
			zap.Error(err),
			zap.String("payment_id", payment.ID.String()),
		)
		return
	}

	i.bus.Publish(ctx, events.NotificationCreated{Notification: n})
}
