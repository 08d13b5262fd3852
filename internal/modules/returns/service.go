// README: Return/cancellation workflow service. Requests claim their next
// state with a CAS before touching the order, and roll the claim back if
// the order-side action fails, so a retried saga never double-applies.
package returns

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"souk/internal/clock"
	"souk/internal/modules/order"
	"souk/internal/types"
)

// Store is the persistence surface the workflow drives.
type Store interface {
	Create(ctx context.Context, r *Request) (bool, error)
	Get(ctx context.Context, id types.ID) (*Request, error)
	ForOrder(ctx context.Context, orderID types.ID) ([]Request, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, at time.Time) (bool, error)
	SetRefundAmount(ctx context.Context, id types.ID, amount int64) error
}

// Orders is the slice of the order service the workflow needs.
type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	Cancel(ctx context.Context, cmd order.CancelCommand) error
	Refund(ctx context.Context, orderID types.ID, amount int64, actor order.Actor, trigger string) error
}

type Service struct {
	store  Store
	orders Orders
	clk    clock.Clock
	logger *slog.Logger
}

func NewService(store Store, orders Orders, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{store: store, orders: orders, clk: clk, logger: logger}
}

type SubmitCommand struct {
	OrderID     types.ID
	Kind        Kind
	RequestedBy types.ID
	Reason      string
}

// Submit opens a request. Cancellations are only accepted while the order
// could still be canceled; returns only once it has been fulfilled. At most
// one open request per kind exists per order.
func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (types.ID, error) {
	if !cmd.Kind.Valid() || cmd.RequestedBy == "" {
		return "", ErrNotEligible
	}
	o, err := s.orders.Get(ctx, cmd.OrderID)
	if err != nil {
		return "", err
	}
	switch cmd.Kind {
	case KindCancel:
		if !order.CanTransition(o.Status, order.StatusCanceled) {
			return "", ErrNotEligible
		}
	case KindReturn:
		if o.Status != order.StatusFulfilled {
			return "", ErrNotEligible
		}
	}

	r := &Request{
		ID:          newID(),
		OrderID:     cmd.OrderID,
		Kind:        cmd.Kind,
		Status:      StatusRequested,
		RequestedBy: cmd.RequestedBy,
		Reason:      cmd.Reason,
		CreatedAt:   s.clk.Now(),
	}
	created, err := s.store.Create(ctx, r)
	if err != nil {
		return "", err
	}
	if !created {
		return "", ErrDuplicateRequest
	}
	s.logger.Info("request submitted", "request_id", r.ID, "order_id", cmd.OrderID, "kind", cmd.Kind)
	return r.ID, nil
}

// Approve accepts the request. For a cancellation this is the end of the
// workflow and cancels the order on the spot (releasing stock and refunding
// captured payment); for a return it merely authorizes the trip back.
func (s *Service) Approve(ctx context.Context, requestID types.ID, actor order.Actor) error {
	r, err := s.store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	ok, err := s.store.UpdateStatus(ctx, requestID, StatusRequested, StatusApproved, s.clk.Now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}

	if r.Kind == KindCancel {
		err := s.orders.Cancel(ctx, order.CancelCommand{
			OrderID: r.OrderID,
			Actor:   actor,
			Reason:  r.Reason,
		})
		if err != nil {
			// Give the claim back so the request can be re-reviewed.
			if _, rbErr := s.store.UpdateStatus(ctx, requestID, StatusApproved, StatusRequested, s.clk.Now()); rbErr != nil {
				s.logger.Error("rollback approval", "request_id", requestID, "error", rbErr)
			}
			return err
		}
	}
	return nil
}

// Reject closes the request without touching the order.
func (s *Service) Reject(ctx context.Context, requestID types.ID, actor order.Actor) error {
	ok, err := s.store.UpdateStatus(ctx, requestID, StatusRequested, StatusRejected, s.clk.Now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	s.logger.Info("request rejected", "request_id", requestID, "actor", actor.Type)
	return nil
}

// Withdraw lets the requester pull an unreviewed request.
func (s *Service) Withdraw(ctx context.Context, requestID, by types.ID) error {
	r, err := s.store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if r.RequestedBy != by {
		return ErrNotYourRequest
	}
	ok, err := s.store.UpdateStatus(ctx, requestID, StatusRequested, StatusWithdrawn, s.clk.Now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// MarkInTransit records that the buyer handed the goods over. Only return
// requests ship anything back.
func (s *Service) MarkInTransit(ctx context.Context, requestID types.ID) error {
	return s.advanceReturn(ctx, requestID, StatusApproved, StatusInTransit)
}

// MarkReceived records arrival at the vendor.
func (s *Service) MarkReceived(ctx context.Context, requestID types.ID) error {
	return s.advanceReturn(ctx, requestID, StatusInTransit, StatusReceived)
}

func (s *Service) advanceReturn(ctx context.Context, requestID types.ID, from, to Status) error {
	r, err := s.store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if r.Kind != KindReturn {
		return ErrInvalidTransition
	}
	ok, err := s.store.UpdateStatus(ctx, requestID, from, to, s.clk.Now())
	if err != nil {
		return err
	}
	if !ok {
		if !CanTransition(r.Status, to) {
			return ErrInvalidTransition
		}
		return ErrConflict
	}
	return nil
}

// CompleteRefund closes a received return by refunding the buyer. A zero
// amount refunds the full order total.
func (s *Service) CompleteRefund(ctx context.Context, requestID types.ID, amount int64, actor order.Actor) error {
	r, err := s.store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if r.Kind != KindReturn {
		return ErrInvalidTransition
	}
	if amount == 0 {
		o, err := s.orders.Get(ctx, r.OrderID)
		if err != nil {
			return err
		}
		amount = o.Total
	}

	ok, err := s.store.UpdateStatus(ctx, requestID, StatusReceived, StatusRefunded, s.clk.Now())
	if err != nil {
		return err
	}
	if !ok {
		if !CanTransition(r.Status, StatusRefunded) {
			return ErrInvalidTransition
		}
		return ErrConflict
	}

	if err := s.orders.Refund(ctx, r.OrderID, amount, actor, "return_received"); err != nil {
		if _, rbErr := s.store.UpdateStatus(ctx, requestID, StatusRefunded, StatusReceived, s.clk.Now()); rbErr != nil {
			s.logger.Error("rollback refund claim", "request_id", requestID, "error", rbErr)
		}
		return err
	}
	if err := s.store.SetRefundAmount(ctx, requestID, amount); err != nil {
		s.logger.Error("record refund amount", "request_id", requestID, "error", err)
	}
	s.logger.Info("return refunded", "request_id", requestID, "order_id", r.OrderID, "amount", amount)
	return nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Request, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ForOrder(ctx context.Context, orderID types.ID) ([]Request, error) {
	return s.store.ForOrder(ctx, orderID)
}

func newID() types.ID {
	return types.ID(uuid.NewString())
}
