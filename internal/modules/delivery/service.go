// README: Delivery lifecycle tracker; rider- and operator-driven transitions plus telemetry intake.
package delivery

import (
	"context"
	"log/slog"
	"time"

	"souk/internal/clock"
	"souk/internal/types"
)

// Store is implemented by PgStore; tests use an in-memory fake.
type Store interface {
	Get(ctx context.Context, id types.ID) (*Delivery, error)
	ForOrder(ctx context.Context, orderID types.ID) (*Delivery, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, at time.Time) (bool, error)
	AppendPing(ctx context.Context, p *Ping) error
	Pings(ctx context.Context, deliveryID types.ID) ([]Ping, error)
	Delivered(ctx context.Context, orderID types.ID) (bool, error)
	ProgressedPastAssigned(ctx context.Context, orderID types.ID) (bool, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Delivery, error)
}

// Fulfiller is notified when a delivery reaches delivered, so the order can
// move to fulfilled.
type Fulfiller interface {
	OrderDelivered(ctx context.Context, orderID, riderID types.ID) error
}

// Positions mirrors the latest rider position into the live index.
type Positions interface {
	UpdatePosition(ctx context.Context, riderID types.ID, pos types.Point) error
}

type Service struct {
	store     Store
	fulfiller Fulfiller
	positions Positions
	clock     clock.Clock
	logger    *slog.Logger
}

func NewService(store Store, fulfiller Fulfiller, positions Positions, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, fulfiller: fulfiller, positions: positions, clock: clk, logger: logger}
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Delivery, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ForOrder(ctx context.Context, orderID types.ID) (*Delivery, error) {
	return s.store.ForOrder(ctx, orderID)
}

func (s *Service) Delivered(ctx context.Context, orderID types.ID) (bool, error) {
	return s.store.Delivered(ctx, orderID)
}

func (s *Service) ProgressedPastAssigned(ctx context.Context, orderID types.ID) (bool, error) {
	return s.store.ProgressedPastAssigned(ctx, orderID)
}

// List returns the oldest deliveries in the given state. Operators use it
// to find jobs that exhausted matching and need a manual dispatch.
func (s *Service) List(ctx context.Context, status Status, limit int) ([]Delivery, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	return s.store.ListByStatus(ctx, status, limit)
}

type UpdateCommand struct {
	DeliveryID types.ID
	Actor      Actor
	ActorID    types.ID
	To         Status
}

// UpdateStatus advances the lifecycle. Riders may only move their own
// delivery; operators may override any non-terminal delivery to failed.
func (s *Service) UpdateStatus(ctx context.Context, cmd UpdateCommand) error {
	d, err := s.store.Get(ctx, cmd.DeliveryID)
	if err != nil {
		return err
	}
	if !CanTransition(d.Status, cmd.To) {
		return ErrInvalidTransition
	}
	if cmd.Actor == ActorRider {
		if d.RiderID == nil || *d.RiderID != cmd.ActorID {
			return ErrNotYourDelivery
		}
	}

	ok, err := s.store.UpdateStatus(ctx, d.ID, d.Status, cmd.To, s.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}

	if cmd.To == StatusDelivered && s.fulfiller != nil && d.RiderID != nil {
		if err := s.fulfiller.OrderDelivered(ctx, d.OrderID, *d.RiderID); err != nil {
			// The delivery stays delivered; order fulfillment is retried
			// out of band by an operator.
			s.logger.Error("order fulfillment after delivery",
				slog.String("order_id", string(d.OrderID)), slog.String("error", err.Error()))
		}
	}
	return nil
}

type LocationCommand struct {
	DeliveryID types.ID
	RiderID    types.ID
	Position   types.Point
}

// RecordLocation accepts telemetry only while the delivery is in transit.
func (s *Service) RecordLocation(ctx context.Context, cmd LocationCommand) error {
	d, err := s.store.Get(ctx, cmd.DeliveryID)
	if err != nil {
		return err
	}
	if d.Status != StatusAssigned && d.Status != StatusPickedUp {
		return ErrNotInTransit
	}
	if d.RiderID == nil || *d.RiderID != cmd.RiderID {
		return ErrNotYourDelivery
	}

	if err := s.store.AppendPing(ctx, &Ping{
		DeliveryID: cmd.DeliveryID,
		RiderID:    cmd.RiderID,
		Position:   cmd.Position,
		RecordedAt: s.clock.Now(),
	}); err != nil {
		return err
	}
	if s.positions != nil {
		if err := s.positions.UpdatePosition(ctx, cmd.RiderID, cmd.Position); err != nil {
			s.logger.Warn("live position update",
				slog.String("rider_id", string(cmd.RiderID)), slog.String("error", err.Error()))
		}
	}
	return nil
}

// Track returns the telemetry trail for a delivery.
func (s *Service) Track(ctx context.Context, deliveryID types.ID) ([]Ping, error) {
	if _, err := s.store.Get(ctx, deliveryID); err != nil {
		return nil, err
	}
	return s.store.Pings(ctx, deliveryID)
}
