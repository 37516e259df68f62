package digest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openparl/commons-tracker/internal/parliament"
)

// Event is one delivery callback from the email provider.
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData carries the provider's per-message payload.
type EventData struct {
	MessageID string    `json:"message_id"`
	Email     string    `json:"email"`
	Timestamp time.Time `json:"timestamp"`
}

// EventStore remembers processed provider event ids so redelivered
// webhooks are no-ops.
type EventStore interface {
	// MarkProcessed records the event id. Returns false when the id
	// was already recorded.
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
}

// Processor applies provider delivery events to sent records and
// subscriptions.
type Processor struct {
	store  Store
	events EventStore
	subs   parliament.SubscriptionStore
	logger *zap.Logger
}

// NewProcessor wires a Processor.
func NewProcessor(store Store, events EventStore, subs parliament.SubscriptionStore, logger *zap.Logger) *Processor {
	return &Processor{store: store, events: events, subs: subs, logger: logger}
}

// statusForEvent maps provider event types to delivery statuses.
// Unknown types are ignored.
func statusForEvent(eventType string) (DeliveryStatus, bool) {
	switch eventType {
	case "email.sent":
		return StatusSent, true
	case "email.delivered":
		return StatusDelivered, true
	case "email.bounced":
		return StatusBounced, true
	case "email.complained":
		return StatusComplained, true
	}
	return "", false
}

// Process applies one event, idempotently keyed by the provider's
// event id. Bounces and complaints additionally deactivate the user's
// subscription.
func (p *Processor) Process(ctx context.Context, ev Event) error {
	status, known := statusForEvent(ev.Type)
	if !known {
		p.logger.Debug("ignoring unknown webhook event type",
			zap.String("event_id", ev.ID),
			zap.String("type", ev.Type),
		)
		return nil
	}

	fresh, err := p.events.MarkProcessed(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	if !fresh {
		p.logger.Debug("webhook event already processed", zap.String("event_id", ev.ID))
		return nil
	}

	rec, err := p.store.GetSentByMessageID(ctx, ev.Data.MessageID)
	if err != nil {
		return fmt.Errorf("resolve message %s: %w", ev.Data.MessageID, err)
	}

	at := ev.Data.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := p.store.UpdateDelivery(ctx, rec.ID, status, at); err != nil {
		return fmt.Errorf("update delivery for record %d: %w", rec.ID, err)
	}

	if status == StatusBounced || status == StatusComplained {
		if err := p.subs.DeactivateSubscription(ctx, rec.UserID); err != nil {
			return fmt.Errorf("deactivate subscription for user %s: %w", rec.UserID, err)
		}
		p.logger.Info("subscription deactivated by provider event",
			zap.String("user_id", rec.UserID),
			zap.String("type", ev.Type),
		)
	}
	return nil
}
