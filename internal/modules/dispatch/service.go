// README: Matching scheduler. Offers deliveries to the nearest available
// rider one at a time, each offer time-boxed; the sweep is the sole
// authority that expires stale offers and re-runs the search.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"souk/internal/clock"
	"souk/internal/modules/delivery"
	"souk/internal/modules/order"
	"souk/internal/types"
)

const sweepBatch = 100

// Store is the persistence surface the scheduler drives.
type Store interface {
	CreateDelivery(ctx context.Context, d *delivery.Delivery) (bool, error)
	GetDelivery(ctx context.Context, id types.ID) (*delivery.Delivery, error)
	DeliveryForOrder(ctx context.Context, orderID types.ID) (*delivery.Delivery, error)
	GetAssignment(ctx context.Context, id types.ID) (*Assignment, error)
	CreateOffer(ctx context.Context, a *Assignment) (bool, error)
	AcceptOffer(ctx context.Context, id types.ID, now time.Time) (bool, error)
	ResolveOffer(ctx context.Context, id types.ID, to AssignmentStatus, now time.Time) (bool, error)
	ExpireSiblings(ctx context.Context, deliveryID, keep types.ID, now time.Time) error
	AssignDelivery(ctx context.Context, deliveryID, riderID types.ID, at time.Time) (bool, error)
	FailDelivery(ctx context.Context, id types.ID, at time.Time) (bool, error)
	ExpireOpenOffers(ctx context.Context, deliveryID types.ID, now time.Time) error
	SetOfferWindow(ctx context.Context, deliveryID types.ID, expiresAt *time.Time, attempts int, retryAt *time.Time) error
	OfferedRiderIDs(ctx context.Context, deliveryID types.ID, round int) ([]types.ID, error)
	StaleOffers(ctx context.Context, now time.Time, limit int) ([]Assignment, error)
	RetryableDeliveries(ctx context.Context, now time.Time, limit int) ([]delivery.Delivery, error)
	AbandonedDeliveries(ctx context.Context, limit int) ([]delivery.Delivery, error)
}

// CandidateSource yields eligible riders near a pickup point.
type CandidateSource interface {
	CandidateRiders(ctx context.Context, pickup types.Point, radiusKm float64) ([]Candidate, error)
}

// Notifier pushes an offer to a rider's device. Delivery of the
// notification is best effort and never gates matching.
type Notifier interface {
	Notify(ctx context.Context, riderID types.ID, payload OfferPayload)
}

type Options struct {
	OfferWindow   time.Duration
	RadiusKm      float64
	SweepTick     time.Duration
	RetryBackoff  time.Duration
	MaxRetryDelay time.Duration
}

type Service struct {
	store    Store
	riders   CandidateSource
	notifier Notifier
	clk      clock.Clock
	logger   *slog.Logger
	opts     Options
}

func NewService(store Store, riders CandidateSource, notifier Notifier, clk clock.Clock, logger *slog.Logger, opts Options) *Service {
	return &Service{
		store:    store,
		riders:   riders,
		notifier: notifier,
		clk:      clk,
		logger:   logger,
		opts:     opts,
	}
}

// Kickoff creates the delivery job for a freshly paid order and runs the
// first round of matching. Repeat calls for the same order are no-ops while
// a job is in flight. An empty candidate pool is not an error here; the
// sweep retries on the backoff schedule.
func (s *Service) Kickoff(ctx context.Context, req order.DeliveryRequest) error {
	d := &delivery.Delivery{
		ID:             newID(),
		OrderID:        req.OrderID,
		Pickup:         req.Pickup,
		Dropoff:        req.Dropoff,
		PickupAddress:  req.PickupAddress,
		DropoffAddress: req.DropoffAddress,
		Fee:            req.Fee,
		Status:         delivery.StatusUnassigned,
		CreatedAt:      s.clk.Now(),
	}
	created, err := s.store.CreateDelivery(ctx, d)
	if err != nil {
		return err
	}
	if !created {
		s.logger.Info("kickoff skipped, delivery already in flight", "order_id", req.OrderID)
		return nil
	}

	if err := s.advance(ctx, d); err != nil && err != ErrNoCandidates {
		return err
	}
	return nil
}

// Abort closes the delivery job for an order that was canceled or
// refunded: the job moves to failed and any outstanding offer is voided.
// A job already picked up, finished, or missing is left alone.
func (s *Service) Abort(ctx context.Context, orderID types.ID) error {
	d, err := s.store.DeliveryForOrder(ctx, orderID)
	if err != nil {
		if err == delivery.ErrNotFound {
			return nil
		}
		return err
	}
	return s.abort(ctx, d)
}

func (s *Service) abort(ctx context.Context, d *delivery.Delivery) error {
	now := s.clk.Now()
	failed, err := s.store.FailDelivery(ctx, d.ID, now)
	if err != nil {
		return err
	}
	if err := s.store.ExpireOpenOffers(ctx, d.ID, now); err != nil {
		return err
	}
	if failed {
		s.logger.Info("delivery aborted", "delivery_id", d.ID, "order_id", d.OrderID)
	}
	return nil
}

// Respond records a rider's answer to an offer. Accepting is a single
// conditional update racing the sweep: whoever resolves the row first wins.
func (s *Service) Respond(ctx context.Context, assignmentID, riderID types.ID, accept bool) error {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if a.RiderID != riderID {
		return ErrNotYourOffer
	}
	now := s.clk.Now()

	if !accept {
		ok, err := s.store.ResolveOffer(ctx, assignmentID, AssignmentDeclined, now)
		if err != nil || !ok {
			// Already expired or voided; nothing left to decline.
			return err
		}
		d, err := s.store.GetDelivery(ctx, a.DeliveryID)
		if err != nil {
			return err
		}
		if err := s.advance(ctx, d); err != nil && err != ErrNoCandidates {
			return err
		}
		return nil
	}

	ok, err := s.store.AcceptOffer(ctx, assignmentID, now)
	if err != nil {
		return err
	}
	if !ok {
		return s.lateAcceptError(ctx, a)
	}

	if err := s.store.ExpireSiblings(ctx, a.DeliveryID, assignmentID, now); err != nil {
		return err
	}
	bound, err := s.store.AssignDelivery(ctx, a.DeliveryID, riderID, now)
	if err != nil {
		return err
	}
	if !bound {
		s.logger.Error("accepted offer but delivery no longer unassigned",
			"delivery_id", a.DeliveryID, "rider_id", riderID)
		return ErrOfferClaimed
	}
	s.logger.Info("delivery assigned", "delivery_id", a.DeliveryID, "rider_id", riderID)
	return nil
}

// lateAcceptError classifies a lost accept race: claimed if the delivery
// went to someone in the meantime, expired otherwise.
func (s *Service) lateAcceptError(ctx context.Context, a *Assignment) error {
	d, err := s.store.GetDelivery(ctx, a.DeliveryID)
	if err != nil {
		return ErrOfferExpired
	}
	if d.RiderID != nil && *d.RiderID != a.RiderID {
		return ErrOfferClaimed
	}
	return ErrOfferExpired
}

// Sweep expires stale offers, closes jobs whose order died, and advances
// any delivery due for another matching round. Returns the number of
// deliveries it acted on.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.clk.Now()
	acted := 0

	// Orders canceled or refunded between the saga and now: close their
	// jobs before anyone else is offered them.
	abandoned, err := s.store.AbandonedDeliveries(ctx, sweepBatch)
	if err != nil {
		return 0, err
	}
	for _, d := range abandoned {
		if err := s.abort(ctx, &d); err != nil {
			s.logger.Error("sweep: abort", "delivery_id", d.ID, "error", err)
			continue
		}
		acted++
	}

	stale, err := s.store.StaleOffers(ctx, now, sweepBatch)
	if err != nil {
		return 0, err
	}
	for _, a := range stale {
		ok, err := s.store.ResolveOffer(ctx, a.ID, AssignmentExpired, now)
		if err != nil {
			return acted, err
		}
		if !ok {
			// The rider answered between the query and the update.
			continue
		}
		acted++
		d, err := s.store.GetDelivery(ctx, a.DeliveryID)
		if err != nil {
			s.logger.Error("sweep: load delivery", "delivery_id", a.DeliveryID, "error", err)
			continue
		}
		if d.Status != delivery.StatusUnassigned {
			continue
		}
		if err := s.advance(ctx, d); err != nil && err != ErrNoCandidates {
			s.logger.Error("sweep: advance", "delivery_id", d.ID, "error", err)
		}
	}

	due, err := s.store.RetryableDeliveries(ctx, now, sweepBatch)
	if err != nil {
		return acted, err
	}
	for _, d := range due {
		acted++
		if err := s.advance(ctx, &d); err != nil && err != ErrNoCandidates {
			s.logger.Error("sweep: retry", "delivery_id", d.ID, "error", err)
		}
	}
	return acted, nil
}

// RunSweep drives Sweep on a fixed tick until the context is canceled.
func (s *Service) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("dispatch sweep", "error", err)
			}
		}
	}
}

// advance runs one matching round: find riders still eligible this round,
// offer to the best one, or schedule a backed-off retry when the pool is
// empty.
func (s *Service) advance(ctx context.Context, d *delivery.Delivery) error {
	if d.Status != delivery.StatusUnassigned {
		return nil
	}
	now := s.clk.Now()

	cands, err := s.riders.CandidateRiders(ctx, d.Pickup, s.opts.RadiusKm)
	if err != nil {
		return err
	}
	offered, err := s.store.OfferedRiderIDs(ctx, d.ID, d.Attempts)
	if err != nil {
		return err
	}
	seen := make(map[types.ID]bool, len(offered))
	for _, id := range offered {
		seen[id] = true
	}
	fresh := cands[:0]
	for _, c := range cands {
		if !seen[c.RiderID] && c.DistanceKm <= s.opts.RadiusKm {
			fresh = append(fresh, c)
		}
	}

	if len(fresh) == 0 {
		retryAt := now.Add(s.backoff(d.Attempts))
		if err := s.store.SetOfferWindow(ctx, d.ID, nil, d.Attempts+1, &retryAt); err != nil {
			return err
		}
		s.logger.Info("no candidate riders, retry scheduled",
			"delivery_id", d.ID, "attempts", d.Attempts+1, "retry_at", retryAt)
		return ErrNoCandidates
	}

	rankCandidates(fresh)
	best := fresh[0]

	a := &Assignment{
		ID:         newID(),
		DeliveryID: d.ID,
		RiderID:    best.RiderID,
		Status:     AssignmentOffered,
		Round:      d.Attempts,
		DistanceKm: best.DistanceKm,
		NotifiedAt: now,
		ExpiresAt:  now.Add(s.opts.OfferWindow),
	}
	created, err := s.store.CreateOffer(ctx, a)
	if err != nil {
		return err
	}
	if !created {
		// Another scheduler instance already holds an open offer.
		return nil
	}
	if err := s.store.SetOfferWindow(ctx, d.ID, &a.ExpiresAt, d.Attempts, nil); err != nil {
		return err
	}

	if s.notifier != nil {
		s.notifier.Notify(ctx, best.RiderID, OfferPayload{
			AssignmentID:   a.ID,
			DeliveryID:     d.ID,
			OrderID:        d.OrderID,
			PickupAddress:  d.PickupAddress,
			DropoffAddress: d.DropoffAddress,
			DistanceKm:     best.DistanceKm,
			TripKm:         haversineKm(d.Pickup, d.Dropoff),
			Fee:            d.Fee,
			ExpiresAt:      a.ExpiresAt,
		})
	}
	s.logger.Info("offer created",
		"delivery_id", d.ID, "rider_id", best.RiderID,
		"distance_km", best.DistanceKm, "expires_at", a.ExpiresAt)
	return nil
}

// backoff doubles the retry delay per exhausted round, capped.
func (s *Service) backoff(attempts int) time.Duration {
	delay := s.opts.RetryBackoff
	for i := 0; i < attempts && delay < s.opts.MaxRetryDelay; i++ {
		delay *= 2
	}
	if delay > s.opts.MaxRetryDelay {
		delay = s.opts.MaxRetryDelay
	}
	return delay
}

func newID() types.ID {
	return types.ID(uuid.NewString())
}
