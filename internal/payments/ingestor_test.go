package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uzurihq/notify/internal/db"
	"github.com/uzurihq/notify/internal/events"
)

type mockRepo struct {
	payments      map[string]*db.Payment
	callbacks     map[string]bool // provider:callback_id
	notifications []*db.Notification
	applyErrs     int // transient failures before the apply commits
	updates       []string
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		payments:  make(map[string]*db.Payment),
		callbacks: make(map[string]bool),
	}
}

// ApplyCallback mirrors the transactional repository method: a failure leaves
// neither the callback record nor the payment update behind.
func (m *mockRepo) ApplyCallback(ctx context.Context, rec *db.CallbackRecord, status string, transactionID *string) (bool, error) {
	if m.applyErrs > 0 {
		m.applyErrs--
		return false, errors.New("connection reset")
	}
	key := rec.Provider + ":" + rec.CallbackID
	if m.callbacks[key] {
		return false, nil
	}
	m.callbacks[key] = true
	m.updates = append(m.updates, status)
	for _, p := range m.payments {
		if p.ID == *rec.PaymentID {
			p.Status = status
			if transactionID != nil {
				p.TransactionID = transactionID
			}
		}
	}
	return true, nil
}

func (m *mockRepo) GetPaymentByReference(ctx context.Context, reference string) (*db.Payment, error) {
	p, ok := m.payments[reference]
	if !ok {
		return nil, db.ErrNotFound
	}
	return p, nil
}

func (m *mockRepo) CreateNotification(ctx context.Context, n *db.Notification) error {
	m.notifications = append(m.notifications, n)
	return nil
}

const testSecret = "webhook-secret"

func newIngestor(repo *mockRepo) *Ingestor {
	bus := events.NewBus(zap.NewNop())
	return NewIngestor(repo, bus, testSecret, zap.NewNop(),
		MpesaAdapter{},
		GenericAdapter{},
	)
}

func seedPayment(repo *mockRepo, reference string) *db.Payment {
	p := &db.Payment{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Reference: reference,
		Amount:    "25000.00",
		Method:    "mpesa",
		Status:    db.PaymentPending,
	}
	repo.payments[reference] = p
	return p
}

func genericPayload(callbackID, reference, status string) []byte {
	return []byte(`{"callback_id":"` + callbackID + `","reference":"` + reference + `","status":"` + status + `","transaction_id":"TX100","amount":"25000.00"}`)
}

func TestIngest_ProcessedThenDuplicate(t *testing.T) {
	repo := newMockRepo()
	ing := newIngestor(repo)
	payment := seedPayment(repo, "FEE-2026-001")

	payload := genericPayload("cb-1", "FEE-2026-001", "success")

	result, err := ing.Ingest(context.Background(), "generic", testSecret, payload)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if result != ResultProcessed {
		t.Fatalf("expected processed, got %s", result)
	}
	if payment.Status != db.PaymentSuccessful {
		t.Errorf("expected payment successful, got '%s'", payment.Status)
	}
	if len(repo.notifications) != 1 {
		t.Fatalf("expected follow-up notification, got %d", len(repo.notifications))
	}
	if repo.notifications[0].Category != "finance" {
		t.Errorf("expected finance notification, got '%s'", repo.notifications[0].Category)
	}

	// Provider redelivers the exact same callback.
	result, err = ing.Ingest(context.Background(), "generic", testSecret, payload)
	if err != nil {
		t.Fatalf("redelivery error = %v", err)
	}
	if result != ResultDuplicate {
		t.Fatalf("expected duplicate, got %s", result)
	}
	if len(repo.updates) != 1 {
		t.Errorf("duplicate must not reapply the payment update, got %d updates", len(repo.updates))
	}
	if len(repo.notifications) != 1 {
		t.Errorf("duplicate must not emit another notification, got %d", len(repo.notifications))
	}
}

func TestIngest_InvalidSecret(t *testing.T) {
	repo := newMockRepo()
	ing := newIngestor(repo)
	seedPayment(repo, "FEE-2026-002")

	result, err := ing.Ingest(context.Background(), "generic", "wrong", genericPayload("cb-2", "FEE-2026-002", "success"))
	if !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret, got %v", err)
	}
	if result != ResultRejected {
		t.Errorf("expected rejected, got %s", result)
	}
	if len(repo.callbacks) != 0 {
		t.Error("rejected delivery must leave no callback record")
	}
	if len(repo.updates) != 0 {
		t.Error("rejected delivery must not touch the payment")
	}
}

func TestIngest_UnknownProvider(t *testing.T) {
	ing := newIngestor(newMockRepo())

	result, err := ing.Ingest(context.Background(), "paypal", testSecret, []byte(`{}`))
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	if result != ResultRejected {
		t.Errorf("expected rejected, got %s", result)
	}
}

func TestIngest_UnknownReference(t *testing.T) {
	ing := newIngestor(newMockRepo())

	result, err := ing.Ingest(context.Background(), "generic", testSecret, genericPayload("cb-3", "NO-SUCH-REF", "success"))
	if !errors.Is(err, ErrUnknownPayment) {
		t.Fatalf("expected ErrUnknownPayment, got %v", err)
	}
	if result != ResultRejected {
		t.Errorf("expected rejected, got %s", result)
	}
}

func TestIngest_UnknownResultCodeFailsSafe(t *testing.T) {
	repo := newMockRepo()
	ing := newIngestor(repo)
	payment := seedPayment(repo, "FEE-2026-004")

	// A status string the adapter has never seen must land on failed, not
	// success.
	result, err := ing.Ingest(context.Background(), "generic", testSecret, genericPayload("cb-4", "FEE-2026-004", "maybe_ok"))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if result != ResultProcessed {
		t.Fatalf("expected processed, got %s", result)
	}
	if payment.Status != db.PaymentFailed {
		t.Errorf("unknown result code must map to failed, got '%s'", payment.Status)
	}
}

func TestIngest_RetriesTransientApplyFailure(t *testing.T) {
	repo := newMockRepo()
	repo.applyErrs = 2
	ing := newIngestor(repo)
	payment := seedPayment(repo, "FEE-2026-005")

	result, err := ing.Ingest(context.Background(), "generic", testSecret, genericPayload("cb-5", "FEE-2026-005", "success"))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if result != ResultProcessed {
		t.Fatalf("expected processed after transient retries, got %s", result)
	}
	if payment.Status != db.PaymentSuccessful {
		t.Errorf("expected payment successful, got '%s'", payment.Status)
	}
}

func TestIngest_FailedApplyLeavesCallbackReprocessable(t *testing.T) {
	repo := newMockRepo()
	repo.applyErrs = 4 // outlasts the bounded retry
	ing := newIngestor(repo)
	payment := seedPayment(repo, "FEE-2026-007")

	payload := genericPayload("cb-7", "FEE-2026-007", "success")

	result, err := ing.Ingest(context.Background(), "generic", testSecret, payload)
	if err == nil {
		t.Fatal("expected error when the apply never commits")
	}
	// An internal failure is not a rejection: the HTTP layer must answer 5xx
	// so the provider keeps redelivering.
	if result == ResultRejected || result == ResultDuplicate {
		t.Fatalf("internal failure must not look like %s", result)
	}
	if len(repo.callbacks) != 0 {
		t.Error("failed apply must leave no callback record")
	}
	if payment.Status != db.PaymentPending {
		t.Errorf("failed apply must leave the payment untouched, got '%s'", payment.Status)
	}

	// The provider redelivers once the database recovers; the callback is not
	// a duplicate and the payment update finally lands.
	result, err = ing.Ingest(context.Background(), "generic", testSecret, payload)
	if err != nil {
		t.Fatalf("redelivery after recovery error = %v", err)
	}
	if result != ResultProcessed {
		t.Fatalf("expected redelivery to process, got %s", result)
	}
	if payment.Status != db.PaymentSuccessful {
		t.Errorf("expected payment successful after redelivery, got '%s'", payment.Status)
	}
	if len(repo.notifications) != 1 {
		t.Errorf("expected one follow-up notification, got %d", len(repo.notifications))
	}
}

func TestIngest_MpesaCallback(t *testing.T) {
	repo := newMockRepo()
	ing := newIngestor(repo)
	payment := seedPayment(repo, "FEE-2026-006")

	payload := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_010920260944",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 25000.00},
						{"Name": "MpesaReceiptNumber", "Value": "RKTQDM7W6S"},
						{"Name": "AccountReference", "Value": "FEE-2026-006"}
					]
				}
			}
		}
	}`)

	result, err := ing.Ingest(context.Background(), "mpesa", testSecret, payload)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if result != ResultProcessed {
		t.Fatalf("expected processed, got %s", result)
	}
	if payment.Status != db.PaymentSuccessful {
		t.Errorf("expected payment successful, got '%s'", payment.Status)
	}
	if payment.TransactionID == nil || *payment.TransactionID != "RKTQDM7W6S" {
		t.Errorf("expected receipt number recorded, got %v", payment.TransactionID)
	}
}
