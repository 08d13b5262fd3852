// README: Rider-facing offer notifications. Real push delivery is handled
// downstream by whoever consumes the rider.offer events; this package only
// fans the offer out, fire-and-forget.
package notify

import (
	"context"
	"log/slog"

	"souk/internal/events"
	"souk/internal/modules/dispatch"
	"souk/internal/types"
)

// Publisher is the slice of the event producer the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, eventType, key string, payload any)
}

// EventDispatcher pushes offers onto the audit stream keyed by rider.
type EventDispatcher struct {
	pub    Publisher
	logger *slog.Logger
}

func NewEventDispatcher(pub Publisher, logger *slog.Logger) *EventDispatcher {
	return &EventDispatcher{pub: pub, logger: logger}
}

func (d *EventDispatcher) Notify(ctx context.Context, riderID types.ID, payload dispatch.OfferPayload) {
	d.pub.Publish(ctx, events.EventRiderOffer, string(riderID), payload)
	d.logger.Info("offer notified",
		"rider_id", riderID, "assignment_id", payload.AssignmentID, "expires_at", payload.ExpiresAt)
}

// LogDispatcher is the fallback when no broker is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Notify(_ context.Context, riderID types.ID, payload dispatch.OfferPayload) {
	d.logger.Info("offer notification (no broker)",
		"rider_id", riderID, "assignment_id", payload.AssignmentID, "delivery_id", payload.DeliveryID)
}
