package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uzurihq/notify/internal/db"
	"github.com/uzurihq/notify/internal/dispatch"
	"github.com/uzurihq/notify/internal/events"
	"github.com/uzurihq/notify/internal/payments"
)

var errDatabase = errors.New("database error")

// MockRepository is a fake database for testing
type MockRepository struct {
	notifications map[uuid.UUID]*db.Notification
	preferences   map[uuid.UUID]*db.Preference
	payments      map[string]*db.Payment
	unread        int
	shouldFail    bool
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		notifications: make(map[uuid.UUID]*db.Notification),
		preferences:   make(map[uuid.UUID]*db.Preference),
		payments:      make(map[string]*db.Payment),
	}
}

func (m *MockRepository) CreateNotification(ctx context.Context, n *db.Notification) error {
	if m.shouldFail {
		return errDatabase
	}
	m.notifications[n.ID] = n
	return nil
}

func (m *MockRepository) GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	n, ok := m.notifications[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return n, nil
}

func (m *MockRepository) ListNotificationsByUser(ctx context.Context, userID uuid.UUID, category string, unreadOnly bool, limit, offset int) ([]*db.Notification, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	var result []*db.Notification
	for _, n := range m.notifications {
		if n.UserID != userID {
			continue
		}
		if category != "" && n.Category != category {
			continue
		}
		if unreadOnly && n.IsRead {
			continue
		}
		result = append(result, n)
	}
	return result, nil
}

func (m *MockRepository) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	if m.shouldFail {
		return 0, errDatabase
	}
	return m.unread, nil
}

func (m *MockRepository) MarkRead(ctx context.Context, id, userID uuid.UUID) error {
	n, ok := m.notifications[id]
	if !ok || n.UserID != userID {
		return db.ErrNotFound
	}
	n.IsRead = true
	return nil
}

func (m *MockRepository) Acknowledge(ctx context.Context, id, userID uuid.UUID) error {
	n, ok := m.notifications[id]
	if !ok || n.UserID != userID || !n.RequiresAck {
		return db.ErrNotFound
	}
	n.Acknowledged = true
	n.IsRead = true
	return nil
}

func (m *MockRepository) ListFailedNotifications(ctx context.Context, limit, offset int) ([]*db.Notification, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	var result []*db.Notification
	for _, n := range m.notifications {
		if n.Status == db.StatusFailed {
			result = append(result, n)
		}
	}
	return result, nil
}

func (m *MockRepository) ListDeliveriesByNotification(ctx context.Context, notificationID uuid.UUID) ([]*db.ChannelDelivery, error) {
	return []*db.ChannelDelivery{}, nil
}

func (m *MockRepository) ListDeliveryLog(ctx context.Context, notificationID uuid.UUID) ([]*db.DeliveryLogEntry, error) {
	return []*db.DeliveryLogEntry{}, nil
}

func (m *MockRepository) DeliveryStats(ctx context.Context) ([]*db.ChannelStat, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	return []*db.ChannelStat{
		{Channel: db.ChannelEmail, Category: "exams", Delivered: 10, Failed: 2},
	}, nil
}

func (m *MockRepository) GetPreference(ctx context.Context, userID uuid.UUID) (*db.Preference, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	if p, ok := m.preferences[userID]; ok {
		return p, nil
	}
	return db.DefaultPreference(userID), nil
}

func (m *MockRepository) UpdatePreference(ctx context.Context, p *db.Preference) error {
	if m.shouldFail {
		return errDatabase
	}
	m.preferences[p.UserID] = p
	return nil
}

func (m *MockRepository) CreatePayment(ctx context.Context, p *db.Payment) error {
	if m.shouldFail {
		return errDatabase
	}
	if _, exists := m.payments[p.Reference]; exists {
		return db.ErrDuplicateReference
	}
	m.payments[p.Reference] = p
	return nil
}

func (m *MockRepository) GetPaymentByReference(ctx context.Context, reference string) (*db.Payment, error) {
	p, ok := m.payments[reference]
	if !ok {
		return nil, db.ErrNotFound
	}
	return p, nil
}

// mockDispatcher records operator actions.
type mockDispatcher struct {
	resendErr   error
	cancelErr   error
	resendCalls int
	cancelCalls int
}

func (m *mockDispatcher) Resend(ctx context.Context, id uuid.UUID) error {
	m.resendCalls++
	return m.resendErr
}

func (m *mockDispatcher) Cancel(ctx context.Context, id uuid.UUID) error {
	m.cancelCalls++
	return m.cancelErr
}

// mockIngestor returns a canned outcome.
type mockIngestor struct {
	result payments.Result
	err    error
}

func (m *mockIngestor) Ingest(ctx context.Context, provider, secret string, payload []byte) (payments.Result, error) {
	return m.result, m.err
}

type mockInvalidator struct {
	calls int
}

func (m *mockInvalidator) Invalidate(ctx context.Context, userID uuid.UUID) { m.calls++ }

func newTestHandler(repo *MockRepository, d Dispatcher, ing Ingestor, inv PreferenceInvalidator) *Handler {
	if d == nil {
		d = &mockDispatcher{}
	}
	if ing == nil {
		ing = &mockIngestor{result: payments.ResultProcessed}
	}
	return NewHandler(zap.NewNop(), repo, events.NewBus(zap.NewNop()), d, ing, inv)
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestCreateNotification(t *testing.T) {
	userID := "00000000-0000-0000-0000-000000000002"

	tests := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{
			name:           "valid notification",
			body:           `{"user_id":"` + userID + `","category":"exams","title":"Results out","message":"Check your portal.","urgency":"info","channels":["in_app","email"]}`,
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "urgent notification",
			body:           `{"user_id":"` + userID + `","category":"finance","title":"Fee balance","message":"Clear before exams.","urgency":"urgent"}`,
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "malformed json",
			body:           `{not json`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing title",
			body:           `{"user_id":"` + userID + `","category":"exams","message":"x"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "invalid user id",
			body:           `{"user_id":"not-a-uuid","category":"exams","title":"t","message":"m"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unknown category",
			body:           `{"user_id":"` + userID + `","category":"parking","title":"t","message":"m"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unknown channel",
			body:           `{"user_id":"` + userID + `","category":"exams","title":"t","message":"m","channels":["fax"]}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unknown urgency",
			body:           `{"user_id":"` + userID + `","category":"exams","title":"t","message":"m","urgency":"panic"}`,
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewMockRepository()
			handler := newTestHandler(repo, nil, nil, nil)

			req := httptest.NewRequest(http.MethodPost, "/v1/notifications", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()

			handler.CreateNotification(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}

			if tt.expectedStatus == http.StatusCreated {
				var created db.Notification
				if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if created.Status != db.StatusPending {
					t.Errorf("expected pending status, got '%s'", created.Status)
				}
				if len(repo.notifications) != 1 {
					t.Errorf("expected 1 stored notification, got %d", len(repo.notifications))
				}
			} else if len(repo.notifications) != 0 {
				t.Errorf("invalid request must not persist, got %d rows", len(repo.notifications))
			}
		})
	}
}

func TestCreateNotification_UrgentRequiresAck(t *testing.T) {
	repo := NewMockRepository()
	handler := newTestHandler(repo, nil, nil, nil)

	body := `{"user_id":"00000000-0000-0000-0000-000000000002","category":"clearance","title":"Action needed","message":"Visit the office.","urgency":"urgent"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/notifications", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	handler.CreateNotification(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	for _, n := range repo.notifications {
		if !n.RequiresAck {
			t.Error("urgent notifications must require acknowledgment")
		}
	}
}

func TestListNotifications_RequiresIdentity(t *testing.T) {
	handler := newTestHandler(NewMockRepository(), nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
	rec := httptest.NewRecorder()

	handler.ListNotifications(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without X-User-ID, got %d", rec.Code)
	}
}

func TestListNotifications(t *testing.T) {
	repo := NewMockRepository()
	userID := uuid.New()
	repo.notifications[uuid.New()] = &db.Notification{ID: uuid.New(), UserID: userID, Category: "exams"}
	otherID := uuid.New()
	repo.notifications[otherID] = &db.Notification{ID: otherID, UserID: uuid.New(), Category: "exams"}

	handler := newTestHandler(repo, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications?category=exams", nil)
	req.Header.Set("X-User-ID", userID.String())
	rec := httptest.NewRecorder()

	handler.ListNotifications(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("expected only the caller's notifications, got count %d", resp.Count)
	}
}

func TestGetNotification_OtherUsersHidden(t *testing.T) {
	repo := NewMockRepository()
	owner := uuid.New()
	notifID := uuid.New()
	repo.notifications[notifID] = &db.Notification{ID: notifID, UserID: owner}

	handler := newTestHandler(repo, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications/"+notifID.String(), nil)
	req.Header.Set("X-User-ID", uuid.New().String())
	req = withURLParam(req, "id", notifID.String())
	rec := httptest.NewRecorder()

	handler.GetNotification(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another user's notification, got %d", rec.Code)
	}
}

func TestMarkRead(t *testing.T) {
	repo := NewMockRepository()
	userID := uuid.New()
	notifID := uuid.New()
	repo.notifications[notifID] = &db.Notification{ID: notifID, UserID: userID}

	handler := newTestHandler(repo, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/notifications/"+notifID.String()+"/read", nil)
	req.Header.Set("X-User-ID", userID.String())
	req = withURLParam(req, "id", notifID.String())
	rec := httptest.NewRecorder()

	handler.MarkRead(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !repo.notifications[notifID].IsRead {
		t.Error("notification should be marked read")
	}
}

func TestAcknowledge_NotAckable(t *testing.T) {
	repo := NewMockRepository()
	userID := uuid.New()
	notifID := uuid.New()
	repo.notifications[notifID] = &db.Notification{ID: notifID, UserID: userID, RequiresAck: false}

	handler := newTestHandler(repo, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/notifications/"+notifID.String()+"/ack", nil)
	req.Header.Set("X-User-ID", userID.String())
	req = withURLParam(req, "id", notifID.String())
	rec := httptest.NewRecorder()

	handler.Acknowledge(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for non-ack notification, got %d", rec.Code)
	}
}

func TestUnreadCount(t *testing.T) {
	repo := NewMockRepository()
	repo.unread = 7

	handler := newTestHandler(repo, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications/unread-count", nil)
	req.Header.Set("X-User-ID", uuid.New().String())
	rec := httptest.NewRecorder()

	handler.UnreadCount(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["unread"] != 7 {
		t.Errorf("expected unread 7, got %d", resp["unread"])
	}
}

func TestUpdatePreferences(t *testing.T) {
	repo := NewMockRepository()
	inv := &mockInvalidator{}
	handler := newTestHandler(repo, nil, nil, inv)

	userID := uuid.New()
	body := `{"channels":["in_app","sms"],"categories":["exams","finance"],"urgent_sms":false}`
	req := httptest.NewRequest(http.MethodPut, "/v1/preferences", bytes.NewBufferString(body))
	req.Header.Set("X-User-ID", userID.String())
	rec := httptest.NewRecorder()

	handler.UpdatePreferences(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	stored := repo.preferences[userID]
	if stored == nil {
		t.Fatal("preference not persisted")
	}
	if stored.UrgentSMS {
		t.Error("urgent_sms opt-out not stored")
	}
	if inv.calls != 1 {
		t.Errorf("expected cache invalidation, got %d calls", inv.calls)
	}
}

func TestUpdatePreferences_UnknownCategory(t *testing.T) {
	repo := NewMockRepository()
	handler := newTestHandler(repo, nil, nil, nil)

	body := `{"channels":["in_app"],"categories":["astrology"]}`
	req := httptest.NewRequest(http.MethodPut, "/v1/preferences", bytes.NewBufferString(body))
	req.Header.Set("X-User-ID", uuid.New().String())
	rec := httptest.NewRecorder()

	handler.UpdatePreferences(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown category, got %d", rec.Code)
	}
	if len(repo.preferences) != 0 {
		t.Error("invalid update must not persist")
	}
}

func TestWebhook_StatusMapping(t *testing.T) {
	tests := []struct {
		name           string
		result         payments.Result
		err            error
		expectedStatus int
	}{
		{"processed", payments.ResultProcessed, nil, http.StatusOK},
		{"duplicate", payments.ResultDuplicate, nil, http.StatusOK},
		{"invalid secret", payments.ResultRejected, payments.ErrInvalidSecret, http.StatusForbidden},
		{"unknown reference", payments.ResultRejected, payments.ErrUnknownPayment, http.StatusBadRequest},
		{"malformed payload", payments.ResultRejected, payments.ErrMissingCallbackID, http.StatusBadRequest},
		// Internal failures answer 5xx so the provider keeps redelivering a
		// callback that was never applied.
		{"internal failure", payments.Result(""), errors.New("apply callback: connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestHandler(NewMockRepository(), nil, &mockIngestor{result: tt.result, err: tt.err}, nil)

			req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/mpesa", bytes.NewBufferString(`{}`))
			req.Header.Set("X-Webhook-Secret", "whatever")
			req = withURLParam(req, "provider", "mpesa")
			rec := httptest.NewRecorder()

			handler.Webhook(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCreatePayment_DuplicateReference(t *testing.T) {
	repo := NewMockRepository()
	handler := newTestHandler(repo, nil, nil, nil)

	body := `{"user_id":"00000000-0000-0000-0000-000000000002","reference":"FEE-1","amount":"1000.00","method":"mpesa"}`

	req := httptest.NewRequest(http.MethodPost, "/v1/payments", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.CreatePayment(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/payments", bytes.NewBufferString(body))
	rec = httptest.NewRecorder()
	handler.CreatePayment(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate reference, got %d", rec.Code)
	}
}

func TestResendNotification_InvalidState(t *testing.T) {
	d := &mockDispatcher{resendErr: dispatch.ErrNotResendable}
	handler := newTestHandler(NewMockRepository(), d, nil, nil)

	notifID := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/ops/notifications/"+notifID.String()+"/resend", nil)
	req = withURLParam(req, "id", notifID.String())
	rec := httptest.NewRecorder()

	handler.ResendNotification(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for non-resendable notification, got %d", rec.Code)
	}
	if d.resendCalls != 1 {
		t.Errorf("expected dispatcher consulted once, got %d", d.resendCalls)
	}
}

func TestCancelNotification(t *testing.T) {
	d := &mockDispatcher{}
	handler := newTestHandler(NewMockRepository(), d, nil, nil)

	notifID := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/ops/notifications/"+notifID.String()+"/cancel", nil)
	req = withURLParam(req, "id", notifID.String())
	rec := httptest.NewRecorder()

	handler.CancelNotification(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if d.cancelCalls != 1 {
		t.Errorf("expected 1 cancel call, got %d", d.cancelCalls)
	}
}

func TestDeliveryStats(t *testing.T) {
	handler := newTestHandler(NewMockRepository(), nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/delivery-stats", nil)
	rec := httptest.NewRecorder()

	handler.DeliveryStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Data []*db.ChannelStat `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].Delivered != 10 {
		t.Errorf("unexpected stats payload: %+v", resp.Data)
	}
}

func TestListFailedDeliveries(t *testing.T) {
	repo := NewMockRepository()
	failedID := uuid.New()
	repo.notifications[failedID] = &db.Notification{ID: failedID, UserID: uuid.New(), Status: db.StatusFailed}
	sentID := uuid.New()
	repo.notifications[sentID] = &db.Notification{ID: sentID, UserID: uuid.New(), Status: db.StatusSent}

	handler := newTestHandler(repo, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/failed-deliveries", nil)
	rec := httptest.NewRecorder()

	handler.ListFailedDeliveries(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("expected 1 failed notification, got %d", resp.Count)
	}
}
