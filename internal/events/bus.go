// Package events provides explicit in-process event emission. Domain
// operations publish typed events; subscribers react to them. This replaces
// implicit framework hooks with a trigger path that is visible and testable.
package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/uzurihq/notify/internal/db"
)

// NotificationCreated is emitted whenever a notification row is persisted,
// whether by a staff action or a payment confirmation. The dispatch
// subscriber turns it into channel delivery tasks.
type NotificationCreated struct {
	Notification *db.Notification
}

// Handler consumes NotificationCreated events.
type Handler func(ctx context.Context, ev NotificationCreated)

// Bus fans out events to subscribers on a background goroutine so publishers
// (request handlers, the webhook ingestor) return without waiting on
// dispatch planning.
type Bus struct {
	ch       chan NotificationCreated
	handlers []Handler
	logger   *zap.Logger
}

// NewBus creates an event bus with a bounded queue. Subscribe before Start.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		ch:     make(chan NotificationCreated, 256),
		logger: logger,
	}
}

// Subscribe registers a handler. Not safe to call after Start.
func (b *Bus) Subscribe(h Handler) {
	b.handlers = append(b.handlers, h)
}

// Start runs the fan-out loop until ctx is cancelled.
func (b *Bus) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("event bus stopping")
			return
		case ev := <-b.ch:
			for _, h := range b.handlers {
				h(ctx, ev)
			}
		}
	}
}

// Publish enqueues an event. When the queue is full the event is handed off
// synchronously rather than dropped; a notification must never be lost
// between creation and dispatch planning.
func (b *Bus) Publish(ctx context.Context, ev NotificationCreated) {
	select {
	case b.ch <- ev:
	default:
		b.logger.Warn("event queue full, delivering synchronously",
			zap.String("notification_id", ev.Notification.ID.String()),
		)
		for _, h := range b.handlers {
			h(ctx, ev)
		}
	}
}
