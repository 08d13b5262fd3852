// README: Order service implements the status state machine and the checkout/cancel sagas.
package order

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"souk/internal/clock"
	"souk/internal/types"
)

var (
	ErrNotFound           = errors.New("order not found")
	ErrInvalidTransition  = errors.New("invalid order transition")
	ErrConflict           = errors.New("order state conflict")
	ErrBadRequest         = errors.New("bad request")
	ErrNotDelivered       = errors.New("delivery not completed")
	ErrDeliveryInProgress = errors.New("delivery already in progress")
)

// Store is implemented by PgStore; tests use an in-memory fake.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id types.ID) (*Order, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, paymentRef *string) (bool, error)
	AppendTransition(ctx context.Context, t *Transition) error
	Transitions(ctx context.Context, orderID types.ID) ([]Transition, error)
	StalePending(ctx context.Context, before time.Time, limit int) ([]types.ID, error)
	MarkLineCommitted(ctx context.Context, orderID, productID types.ID) (bool, error)
	UnmarkLineCommitted(ctx context.Context, orderID, productID types.ID) error
	UnmatchedPaidRider(ctx context.Context, limit int) ([]types.ID, error)
	UnledgeredFulfilled(ctx context.Context, limit int) ([]FulfillmentRef, error)
}

// Inventory is the reservation protocol the checkout saga drives.
type Inventory interface {
	Reserve(ctx context.Context, productID types.ID, qty int64) error
	Release(ctx context.Context, productID types.ID, qty int64) error
	Commit(ctx context.Context, productID types.ID, qty int64) error
}

// DeliveryRequest is handed to the matching scheduler when a rider-fulfilled
// order is paid.
type DeliveryRequest struct {
	OrderID        types.ID
	Pickup         types.Point
	Dropoff        types.Point
	PickupAddress  string
	DropoffAddress string
	Fee            int64
}

// Dispatch kicks off rider matching and tears it down again when the
// order dies. Nil when rider fulfillment is disabled.
type Dispatch interface {
	Kickoff(ctx context.Context, req DeliveryRequest) error
	Abort(ctx context.Context, orderID types.ID) error
}

// Deliveries answers questions about the delivery bound to an order.
type Deliveries interface {
	Delivered(ctx context.Context, orderID types.ID) (bool, error)
	ProgressedPastAssigned(ctx context.Context, orderID types.ID) (bool, error)
}

// Ledger generates revenue splits and compensating refund entries.
type Ledger interface {
	Validate(o *Order) error
	Generate(ctx context.Context, o *Order, transitionID types.ID) error
	Refund(ctx context.Context, o *Order, amount int64, transitionID types.ID) error
}

// EventSink receives outbound audit events; publishing is best-effort.
type EventSink interface {
	Publish(ctx context.Context, eventType, key string, payload any)
}

type Deps struct {
	Store      Store
	Inventory  Inventory
	Ledger     Ledger
	Dispatch   Dispatch
	Deliveries Deliveries
	Events     EventSink
	Clock      clock.Clock
	Logger     *slog.Logger
}

type Service struct {
	store      Store
	inventory  Inventory
	ledger     Ledger
	dispatch   Dispatch
	deliveries Deliveries
	events     EventSink
	clock      clock.Clock
	logger     *slog.Logger
}

func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.NewSystem()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		store:      d.Store,
		inventory:  d.Inventory,
		ledger:     d.Ledger,
		dispatch:   d.Dispatch,
		deliveries: d.Deliveries,
		events:     d.Events,
		clock:      d.Clock,
		logger:     d.Logger,
	}
}

type CreateCommand struct {
	BuyerID        types.ID
	VendorID       types.ID
	CommunityID    types.ID
	Currency       string
	Method         Method
	Lines          []Line
	ShippingFee    int64
	MemberDiscount bool
	Pickup         types.Point
	Dropoff        types.Point
	PickupAddress  string
	DropoffAddress string
}

// Create reserves stock for every line all-or-nothing and writes the order
// in pending. A failed reservation rolls back the holds taken so far.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (types.ID, error) {
	if cmd.BuyerID == "" || cmd.VendorID == "" || !cmd.Method.Valid() || len(cmd.Lines) == 0 {
		return "", ErrBadRequest
	}
	for _, l := range cmd.Lines {
		if l.ProductID == "" || l.Quantity <= 0 || l.UnitPrice < 0 {
			return "", ErrBadRequest
		}
	}
	if cmd.ShippingFee < 0 {
		return "", ErrBadRequest
	}

	var reserved []Line
	rollback := func() {
		for _, l := range reserved {
			if err := s.inventory.Release(ctx, l.ProductID, l.Quantity); err != nil {
				s.logger.Error("release after failed checkout",
					slog.String("product_id", string(l.ProductID)), slog.String("error", err.Error()))
			}
		}
	}
	for _, l := range cmd.Lines {
		if err := s.inventory.Reserve(ctx, l.ProductID, l.Quantity); err != nil {
			rollback()
			return "", err
		}
		reserved = append(reserved, l)
	}

	var subtotal int64
	for _, l := range cmd.Lines {
		subtotal += l.Subtotal()
	}

	now := s.clock.Now()
	o := &Order{
		ID:             newID(),
		BuyerID:        cmd.BuyerID,
		VendorID:       cmd.VendorID,
		CommunityID:    cmd.CommunityID,
		Currency:       cmd.Currency,
		Method:         cmd.Method,
		Status:         StatusPending,
		Lines:          cmd.Lines,
		Subtotal:       subtotal,
		ShippingFee:    cmd.ShippingFee,
		Total:          subtotal + cmd.ShippingFee,
		MemberDiscount: cmd.MemberDiscount,
		Pickup:         cmd.Pickup,
		Dropoff:        cmd.Dropoff,
		PickupAddress:  cmd.PickupAddress,
		DropoffAddress: cmd.DropoffAddress,
		CreatedAt:      now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		rollback()
		return "", err
	}
	s.appendTransition(ctx, &Transition{
		OrderID: o.ID, From: StatusNone, To: StatusPending,
		Actor: UserActor(ActorBuyer, cmd.BuyerID), CreatedAt: now,
	})
	return o.ID, nil
}

// MarkPaid records payment confirmation. It is idempotent on the payment
// reference: repeating the processor callback is a no-op.
func (s *Service) MarkPaid(ctx context.Context, orderID types.ID, paymentRef string) error {
	if paymentRef == "" {
		return ErrBadRequest
	}
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status == StatusPaid {
		if o.PaymentRef == paymentRef {
			return nil
		}
		return ErrConflict
	}
	if !CanTransition(o.Status, StatusPaid) {
		return ErrInvalidTransition
	}
	ok, err := s.store.UpdateStatus(ctx, o.ID, o.Status, StatusPaid, o.StatusVersion, &paymentRef)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	s.appendTransition(ctx, &Transition{
		OrderID: o.ID, From: o.Status, To: StatusPaid,
		Actor: SystemActor(), Automated: true, Trigger: "payment_confirmed",
		Meta:      map[string]string{"payment_ref": paymentRef},
		CreatedAt: s.clock.Now(),
	})

	if o.Method == MethodRider && s.dispatch != nil {
		if err := s.kickoffDispatch(ctx, o); err != nil {
			// Matching failures never unwind a confirmed payment; the
			// reconcile pass re-kicks orders left without a delivery job.
			s.logger.Error("delivery matching kickoff",
				slog.String("order_id", string(o.ID)), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (s *Service) kickoffDispatch(ctx context.Context, o *Order) error {
	return s.dispatch.Kickoff(ctx, DeliveryRequest{
		OrderID:        o.ID,
		Pickup:         o.Pickup,
		Dropoff:        o.Dropoff,
		PickupAddress:  o.PickupAddress,
		DropoffAddress: o.DropoffAddress,
		Fee:            o.ShippingFee,
	})
}

// MarkFulfilled completes the order: the delivery must have reached its
// terminal delivered state, inventory reservations are committed, and the
// revenue split is generated exactly once for the fulfilling transition.
func (s *Service) MarkFulfilled(ctx context.Context, orderID types.ID, actor Actor) error {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if !CanTransition(o.Status, StatusFulfilled) {
		return ErrInvalidTransition
	}
	if o.Method == MethodRider && s.deliveries != nil {
		done, err := s.deliveries.Delivered(ctx, o.ID)
		if err != nil {
			return err
		}
		if !done {
			return ErrNotDelivered
		}
	}
	// An invalid split policy must block fulfillment before any state moves.
	if err := s.ledger.Validate(o); err != nil {
		return err
	}

	ok, err := s.store.UpdateStatus(ctx, o.ID, o.Status, StatusFulfilled, o.StatusVersion, nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	transitionID := newID()
	s.appendTransition(ctx, &Transition{
		ID: transitionID, OrderID: o.ID, From: o.Status, To: StatusFulfilled,
		Actor: actor, CreatedAt: s.clock.Now(),
	})
	return s.finalizeFulfillment(ctx, o, transitionID)
}

// finalizeFulfillment commits the stock holds and generates the revenue
// split for an order that has reached fulfilled. Every step is idempotent
// against the fulfilling transition, so the reconcile pass can re-drive a
// run that failed partway.
func (s *Service) finalizeFulfillment(ctx context.Context, o *Order, transitionID types.ID) error {
	for _, l := range o.Lines {
		if l.Committed {
			continue
		}
		claimed, err := s.store.MarkLineCommitted(ctx, o.ID, l.ProductID)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}
		if err := s.inventory.Commit(ctx, l.ProductID, l.Quantity); err != nil {
			if uerr := s.store.UnmarkLineCommitted(ctx, o.ID, l.ProductID); uerr != nil {
				s.logger.Error("unclaim line after failed commit",
					slog.String("order_id", string(o.ID)),
					slog.String("product_id", string(l.ProductID)),
					slog.String("error", uerr.Error()))
			}
			return err
		}
	}
	return s.ledger.Generate(ctx, o, transitionID)
}

type CancelCommand struct {
	OrderID types.ID
	Actor   Actor
	Reason  string
}

// Cancel aborts a pending or paid order: reservations are released and,
// when payment was captured, a compensating refund entry is written. Each
// step is idempotent so the saga can be retried after a partial failure.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) error {
	return s.cancel(ctx, cmd, false, "")
}

func (s *Service) cancel(ctx context.Context, cmd CancelCommand, automated bool, trigger string) error {
	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return err
	}
	if !CanTransition(o.Status, StatusCanceled) {
		return ErrInvalidTransition
	}
	if o.Method == MethodRider && s.deliveries != nil {
		progressed, err := s.deliveries.ProgressedPastAssigned(ctx, o.ID)
		if err != nil {
			return err
		}
		if progressed {
			return ErrDeliveryInProgress
		}
	}
	ok, err := s.store.UpdateStatus(ctx, o.ID, o.Status, StatusCanceled, o.StatusVersion, nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	transitionID := newID()
	s.appendTransition(ctx, &Transition{
		ID: transitionID, OrderID: o.ID, From: o.Status, To: StatusCanceled,
		Actor: cmd.Actor, Automated: automated, Trigger: trigger,
		Meta:      map[string]string{"reason": cmd.Reason},
		CreatedAt: s.clock.Now(),
	})

	if o.Method == MethodRider && s.dispatch != nil {
		// Tear down the delivery job so riders stop being offered a dead
		// order. The dispatch sweep closes anything this call misses.
		if err := s.dispatch.Abort(ctx, o.ID); err != nil {
			s.logger.Error("abort delivery on cancel",
				slog.String("order_id", string(o.ID)), slog.String("error", err.Error()))
		}
	}
	for _, l := range o.Lines {
		if err := s.inventory.Release(ctx, l.ProductID, l.Quantity); err != nil {
			s.logger.Error("inventory release on cancel",
				slog.String("order_id", string(o.ID)),
				slog.String("product_id", string(l.ProductID)),
				slog.String("error", err.Error()))
		}
	}
	if o.PaymentRef != "" {
		return s.ledger.Refund(ctx, o, o.Total, transitionID)
	}
	return nil
}

// Refund moves a paid or fulfilled order to refunded and writes the
// compensating ledger entry. For not-yet-fulfilled orders the stock holds
// are returned as well.
func (s *Service) Refund(ctx context.Context, orderID types.ID, amount int64, actor Actor, trigger string) error {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if amount <= 0 || amount > o.Total {
		return ErrBadRequest
	}
	if !CanTransition(o.Status, StatusRefunded) {
		return ErrInvalidTransition
	}
	ok, err := s.store.UpdateStatus(ctx, o.ID, o.Status, StatusRefunded, o.StatusVersion, nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	transitionID := newID()
	s.appendTransition(ctx, &Transition{
		ID: transitionID, OrderID: o.ID, From: o.Status, To: StatusRefunded,
		Actor: actor, Trigger: trigger, CreatedAt: s.clock.Now(),
	})
	if o.Status == StatusPaid {
		if o.Method == MethodRider && s.dispatch != nil {
			if err := s.dispatch.Abort(ctx, o.ID); err != nil {
				s.logger.Error("abort delivery on refund",
					slog.String("order_id", string(o.ID)), slog.String("error", err.Error()))
			}
		}
		for _, l := range o.Lines {
			if err := s.inventory.Release(ctx, l.ProductID, l.Quantity); err != nil {
				s.logger.Error("inventory release on refund",
					slog.String("order_id", string(o.ID)),
					slog.String("product_id", string(l.ProductID)),
					slog.String("error", err.Error()))
			}
		}
	}
	return s.ledger.Refund(ctx, o, amount, transitionID)
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.store.Get(ctx, id)
}

// History returns the ordered transition log for an order.
func (s *Service) History(ctx context.Context, orderID types.ID) ([]Transition, error) {
	if _, err := s.store.Get(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.Transitions(ctx, orderID)
}

// AutoCancelStale cancels unpaid pending orders older than the cutoff.
// It is an idempotent reconciliation pass: re-running it, or running it
// concurrently, cannot cancel an order twice.
func (s *Service) AutoCancelStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := s.clock.Now().Add(-olderThan)
	ids, err := s.store.StalePending(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	canceled := 0
	for _, id := range ids {
		cmd := CancelCommand{OrderID: id, Actor: SystemActor(), Reason: "payment window elapsed"}
		err := s.cancel(ctx, cmd, true, "payment_timeout")
		switch {
		case err == nil:
			canceled++
		case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition):
			// Lost the race to a payment or another sweep; fine.
		default:
			s.logger.Error("auto-cancel", slog.String("order_id", string(id)), slog.String("error", err.Error()))
		}
	}
	return canceled, nil
}

// RunAutoCancel drives AutoCancelStale on a ticker until ctx is done.
func (s *Service) RunAutoCancel(ctx context.Context, tick, olderThan time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.AutoCancelStale(ctx, olderThan, 100); err != nil {
				s.logger.Error("auto-cancel pass", slog.String("error", err.Error()))
			} else if n > 0 {
				s.logger.Info("auto-canceled stale orders", slog.Int("count", n))
			}
		}
	}
}

// Reconcile repairs orders stranded by a failure between their status CAS
// and the side effects that follow it: paid rider orders whose matching
// kickoff never ran, and fulfilled orders whose revenue split never
// landed. Every repair is idempotent, so re-running or racing another
// instance is harmless.
func (s *Service) Reconcile(ctx context.Context, limit int) (int, error) {
	repaired := 0

	if s.dispatch != nil {
		ids, err := s.store.UnmatchedPaidRider(ctx, limit)
		if err != nil {
			return repaired, err
		}
		for _, id := range ids {
			o, err := s.store.Get(ctx, id)
			if err != nil {
				s.logger.Error("reconcile: load order", slog.String("order_id", string(id)), slog.String("error", err.Error()))
				continue
			}
			if err := s.kickoffDispatch(ctx, o); err != nil {
				s.logger.Error("reconcile: kickoff", slog.String("order_id", string(id)), slog.String("error", err.Error()))
				continue
			}
			repaired++
		}
	}

	refs, err := s.store.UnledgeredFulfilled(ctx, limit)
	if err != nil {
		return repaired, err
	}
	for _, ref := range refs {
		o, err := s.store.Get(ctx, ref.OrderID)
		if err != nil {
			s.logger.Error("reconcile: load order", slog.String("order_id", string(ref.OrderID)), slog.String("error", err.Error()))
			continue
		}
		if err := s.finalizeFulfillment(ctx, o, ref.TransitionID); err != nil {
			s.logger.Error("reconcile: finalize fulfillment",
				slog.String("order_id", string(ref.OrderID)), slog.String("error", err.Error()))
			continue
		}
		repaired++
	}
	return repaired, nil
}

// RunReconcile drives Reconcile on a ticker until ctx is done.
func (s *Service) RunReconcile(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Reconcile(ctx, 100); err != nil {
				s.logger.Error("reconcile pass", slog.String("error", err.Error()))
			} else if n > 0 {
				s.logger.Info("reconciled stranded orders", slog.Int("count", n))
			}
		}
	}
}

func (s *Service) appendTransition(ctx context.Context, t *Transition) {
	if t.ID == "" {
		t.ID = newID()
	}
	if err := s.store.AppendTransition(ctx, t); err != nil {
		s.logger.Error("append order transition",
			slog.String("order_id", string(t.OrderID)), slog.String("error", err.Error()))
	}
	if s.events != nil {
		s.events.Publish(ctx, "order.transition", string(t.OrderID), transitionEvent{
			TransitionID: string(t.ID),
			OrderID:      string(t.OrderID),
			From:         string(t.From),
			To:           string(t.To),
			Actor:        string(t.Actor.Type),
			Automated:    t.Automated,
			Trigger:      t.Trigger,
			At:           t.CreatedAt,
		})
	}
}

type transitionEvent struct {
	TransitionID string    `json:"transition_id"`
	OrderID      string    `json:"order_id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Actor        string    `json:"actor"`
	Automated    bool      `json:"automated"`
	Trigger      string    `json:"trigger,omitempty"`
	At           time.Time `json:"at"`
}

func newID() types.ID {
	return types.ID(uuid.NewString())
}
