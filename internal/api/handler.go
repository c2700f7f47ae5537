package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uzurihq/notify/internal/db"
	"github.com/uzurihq/notify/internal/dispatch"
	"github.com/uzurihq/notify/internal/events"
	"github.com/uzurihq/notify/internal/payments"
)

// Repository defines the database operations the API handlers need.
type Repository interface {
	CreateNotification(ctx context.Context, n *db.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotificationsByUser(ctx context.Context, userID uuid.UUID, category string, unreadOnly bool, limit, offset int) ([]*db.Notification, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int, error)
	MarkRead(ctx context.Context, id, userID uuid.UUID) error
	Acknowledge(ctx context.Context, id, userID uuid.UUID) error
	ListFailedNotifications(ctx context.Context, limit, offset int) ([]*db.Notification, error)
	ListDeliveriesByNotification(ctx context.Context, notificationID uuid.UUID) ([]*db.ChannelDelivery, error)
	ListDeliveryLog(ctx context.Context, notificationID uuid.UUID) ([]*db.DeliveryLogEntry, error)
	DeliveryStats(ctx context.Context) ([]*db.ChannelStat, error)
	GetPreference(ctx context.Context, userID uuid.UUID) (*db.Preference, error)
	UpdatePreference(ctx context.Context, p *db.Preference) error
	CreatePayment(ctx context.Context, p *db.Payment) error
	GetPaymentByReference(ctx context.Context, reference string) (*db.Payment, error)
}

// Dispatcher is the subset of the dispatch service the operator endpoints use.
type Dispatcher interface {
	Resend(ctx context.Context, id uuid.UUID) error
	Cancel(ctx context.Context, id uuid.UUID) error
}

// Ingestor processes provider webhook deliveries.
type Ingestor interface {
	Ingest(ctx context.Context, provider, secret string, payload []byte) (payments.Result, error)
}

// PreferenceInvalidator drops a user's cached preference after an update.
type PreferenceInvalidator interface {
	Invalidate(ctx context.Context, userID uuid.UUID)
}

// NotificationRequest is the body of POST /v1/notifications.
type NotificationRequest struct {
	UserID      string          `json:"user_id" validate:"required,uuid"`
	Category    string          `json:"category" validate:"required"`
	Title       string          `json:"title" validate:"required,max=255"`
	Message     string          `json:"message" validate:"required"`
	Urgency     string          `json:"urgency" validate:"omitempty,oneof=info warning urgent"`
	Channels    []string        `json:"channels" validate:"omitempty,dive,oneof=in_app email sms push"`
	Language    string          `json:"language" validate:"omitempty,bcp47_language_tag"`
	ActionLinks json.RawMessage `json:"action_links,omitempty"`
}

// PreferenceRequest is the body of PUT /v1/preferences.
type PreferenceRequest struct {
	Channels   []string `json:"channels" validate:"required,min=1,dive,oneof=in_app email sms push"`
	Categories []string `json:"categories" validate:"required,dive,required"`
	Language   string   `json:"language" validate:"omitempty,bcp47_language_tag"`
	UrgentSMS  *bool    `json:"urgent_sms"`
}

// PaymentRequest is the body of POST /v1/payments.
type PaymentRequest struct {
	UserID    string `json:"user_id" validate:"required,uuid"`
	Reference string `json:"reference" validate:"required,max=64"`
	Amount    string `json:"amount" validate:"required"`
	Method    string `json:"method" validate:"required,oneof=mpesa bank generic"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        Repository
	bus         *events.Bus
	dispatcher  Dispatcher
	ingestor    Ingestor
	invalidator PreferenceInvalidator // nil if Redis not configured
	validate    *validator.Validate
}

// NewHandler creates a new API handler.
func NewHandler(
	logger *zap.Logger,
	repo Repository,
	bus *events.Bus,
	dispatcher Dispatcher,
	ingestor Ingestor,
	invalidator PreferenceInvalidator,
) *Handler {
	return &Handler{
		logger:      logger,
		repo:        repo,
		bus:         bus,
		dispatcher:  dispatcher,
		ingestor:    ingestor,
		invalidator: invalidator,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// userID extracts the authenticated user from the X-User-ID header set by the
// API gateway. An empty or malformed value is a client error.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		h.writeError(w, http.StatusUnauthorized, "missing_identity", "Missing user identity", "X-User-ID header is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "invalid_identity", "Invalid user identity", "X-User-ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// CreateNotification handles POST /v1/notifications.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Validation failed", err.Error())
		return
	}

	if !db.ValidCategory(req.Category) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid category", "unknown notification category: "+req.Category)
		return
	}

	if req.ActionLinks != nil && !json.Valid(req.ActionLinks) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid action_links", "action_links must be valid JSON")
		return
	}

	userID, _ := uuid.Parse(req.UserID)

	urgency := req.Urgency
	if urgency == "" {
		urgency = db.UrgencyInfo
	}
	channels := req.Channels
	if len(channels) == 0 {
		channels = []string{db.ChannelInApp}
	}
	language := req.Language
	if language == "" {
		language = "en"
	}

	notif := &db.Notification{
		ID:                uuid.New(),
		UserID:            userID,
		Category:          req.Category,
		Title:             req.Title,
		Message:           req.Message,
		Urgency:           urgency,
		RequestedChannels: channels,
		Language:          language,
		ActionLinks:       req.ActionLinks,
		Status:            db.StatusPending,
		RequiresAck:       urgency == db.UrgencyUrgent,
	}

	if err := h.repo.CreateNotification(ctx, notif); err != nil {
		h.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("user_id", req.UserID),
			zap.String("category", req.Category),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create notification", "")
		return
	}

	h.bus.Publish(ctx, events.NotificationCreated{Notification: notif})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(notif)
}

// GetNotification handles GET /v1/notifications/{id}.
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	notifID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	notif, err := h.repo.GetNotification(ctx, notifID)
	if err != nil || notif.UserID != userID {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(notif)
}

// ListNotifications handles GET /v1/notifications?category=exams&unread=true&limit=20&offset=0.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	category := r.URL.Query().Get("category")
	if category != "" && !db.ValidCategory(category) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid category", "unknown notification category: "+category)
		return
	}
	unreadOnly := r.URL.Query().Get("unread") == "true"
	limit, offset := parsePagination(r)

	notifications, err := h.repo.ListNotificationsByUser(ctx, userID, category, unreadOnly, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	if notifications == nil {
		notifications = []*db.Notification{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// MarkRead handles POST /v1/notifications/{id}/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.recipientAction(w, r, "read", h.repo.MarkRead)
}

// Acknowledge handles POST /v1/notifications/{id}/ack.
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	h.recipientAction(w, r, "acknowledged", h.repo.Acknowledge)
}

func (h *Handler) recipientAction(
	w http.ResponseWriter,
	r *http.Request,
	verb string,
	action func(ctx context.Context, id, userID uuid.UUID) error,
) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	notifID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	if err := action(ctx, notifID, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to update notification",
			zap.Error(err),
			zap.String("id", notifID.String()),
			zap.String("action", verb),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update notification", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     notifID.String(),
		"status": verb,
	})
}

// UnreadCount handles GET /v1/notifications/unread-count.
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	count, err := h.repo.UnreadCount(ctx, userID)
	if err != nil {
		h.logger.Error("failed to count unread notifications",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to count unread notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{"unread": count})
}

// GetPreferences handles GET /v1/preferences.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	pref, err := h.repo.GetPreference(ctx, userID)
	if err != nil {
		h.logger.Error("failed to get preferences",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get preferences", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(pref)
}

// UpdatePreferences handles PUT /v1/preferences.
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req PreferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Validation failed", err.Error())
		return
	}

	for _, c := range req.Categories {
		if !db.ValidCategory(c) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid category", "unknown notification category: "+c)
			return
		}
	}

	pref := &db.Preference{
		UserID:     userID,
		Channels:   req.Channels,
		Categories: req.Categories,
		Language:   req.Language,
		UrgentSMS:  true,
	}
	if pref.Language == "" {
		pref.Language = "en"
	}
	if req.UrgentSMS != nil {
		pref.UrgentSMS = *req.UrgentSMS
	}

	if err := h.repo.UpdatePreference(ctx, pref); err != nil {
		h.logger.Error("failed to update preferences",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update preferences", "")
		return
	}

	if h.invalidator != nil {
		h.invalidator.Invalidate(ctx, userID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(pref)
}

// Webhook handles POST /v1/callbacks/{provider}. Secret mismatches map to
// 403, malformed or unmatchable payloads to 400, and both processed and
// duplicate deliveries to 200 so the provider stops redelivering. Internal
// failures map to 500: nothing was applied, and the provider's at-least-once
// redelivery must keep trying until the callback lands.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	provider := chi.URLParam(r, "provider")
	secret := r.Header.Get("X-Webhook-Secret")

	payload, err := readBody(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable request body", err.Error())
		return
	}

	result, err := h.ingestor.Ingest(ctx, provider, secret, payload)
	switch {
	case errors.Is(err, payments.ErrInvalidSecret):
		h.writeError(w, http.StatusForbidden, "forbidden", "Invalid webhook secret", "")
		return
	case result == payments.ResultRejected:
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		h.writeError(w, http.StatusBadRequest, "invalid_callback", "Callback rejected", detail)
		return
	case err != nil:
		h.logger.Error("callback ingest failed",
			zap.Error(err),
			zap.String("provider", provider),
		)
		h.writeError(w, http.StatusInternalServerError, "callback_not_processed", "Callback could not be processed", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"result": string(result)})
}

// CreatePayment handles POST /v1/payments.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Validation failed", err.Error())
		return
	}

	userID, _ := uuid.Parse(req.UserID)

	payment := &db.Payment{
		ID:        uuid.New(),
		UserID:    userID,
		Reference: req.Reference,
		Amount:    req.Amount,
		Method:    req.Method,
		Status:    db.PaymentPending,
	}

	if err := h.repo.CreatePayment(ctx, payment); err != nil {
		if errors.Is(err, db.ErrDuplicateReference) {
			h.writeError(w, http.StatusConflict, "duplicate_reference", "Payment reference already exists", req.Reference)
			return
		}
		h.logger.Error("failed to create payment",
			zap.Error(err),
			zap.String("reference", req.Reference),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create payment", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(payment)
}

// GetPayment handles GET /v1/payments/{reference}.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	reference := chi.URLParam(r, "reference")

	payment, err := h.repo.GetPaymentByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Payment not found", "")
			return
		}
		h.logger.Error("failed to get payment",
			zap.Error(err),
			zap.String("reference", reference),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get payment", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(payment)
}

// ListFailedDeliveries handles GET /v1/ops/failed-deliveries. Each failed
// notification is returned with its per-channel attempt ledger so an operator
// can see exactly what was tried and why it failed.
func (h *Handler) ListFailedDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, offset := parsePagination(r)

	notifications, err := h.repo.ListFailedNotifications(ctx, limit, offset)
	if err != nil {
		h.logger.Error("failed to list failed notifications", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list failed deliveries", "")
		return
	}

	type failedEntry struct {
		Notification *db.Notification       `json:"notification"`
		Deliveries   []*db.ChannelDelivery  `json:"deliveries"`
		Attempts     []*db.DeliveryLogEntry `json:"attempts"`
	}

	entries := make([]failedEntry, 0, len(notifications))
	for _, n := range notifications {
		deliveries, err := h.repo.ListDeliveriesByNotification(ctx, n.ID)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load delivery detail", "")
			return
		}
		attempts, err := h.repo.ListDeliveryLog(ctx, n.ID)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load delivery log", "")
			return
		}
		entries = append(entries, failedEntry{Notification: n, Deliveries: deliveries, Attempts: attempts})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   entries,
		"limit":  limit,
		"offset": offset,
		"count":  len(entries),
	})
}

// DeliveryStats handles GET /v1/ops/delivery-stats.
func (h *Handler) DeliveryStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.repo.DeliveryStats(ctx)
	if err != nil {
		h.logger.Error("failed to compute delivery stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to compute delivery stats", "")
		return
	}

	if stats == nil {
		stats = []*db.ChannelStat{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": stats})
}

// ResendNotification handles POST /v1/ops/notifications/{id}/resend.
func (h *Handler) ResendNotification(w http.ResponseWriter, r *http.Request) {
	h.operatorAction(w, r, "resent", h.dispatcher.Resend)
}

// CancelNotification handles POST /v1/ops/notifications/{id}/cancel.
func (h *Handler) CancelNotification(w http.ResponseWriter, r *http.Request) {
	h.operatorAction(w, r, "cancelled", h.dispatcher.Cancel)
}

func (h *Handler) operatorAction(
	w http.ResponseWriter,
	r *http.Request,
	verb string,
	action func(ctx context.Context, id uuid.UUID) error,
) {
	ctx := r.Context()

	notifID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	if err := action(ctx, notifID); err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		case errors.Is(err, dispatch.ErrNotResendable), errors.Is(err, db.ErrNotCancelable):
			h.writeError(w, http.StatusConflict, "invalid_state", "Notification is not in a valid state for this action", err.Error())
		default:
			h.logger.Error("operator action failed",
				zap.Error(err),
				zap.String("id", notifID.String()),
				zap.String("action", verb),
			)
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Action failed", "")
		}
		return
	}

	h.logger.Info("operator action applied",
		zap.String("id", notifID.String()),
		zap.String("action", verb),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     notifID.String(),
		"status": verb,
	})
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = 20
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// readBody reads the request body with a 1 MiB cap; provider callbacks are
// small and anything larger is junk.
func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(nil, r.Body, 1<<20))
}
