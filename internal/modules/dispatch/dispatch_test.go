package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"souk/internal/clock"
	"souk/internal/modules/delivery"
	"souk/internal/modules/order"
	"souk/internal/types"
)

// fakeStore mirrors the conditional-update semantics of the SQL store
// under a mutex, so races resolve the same way they would in Postgres.
type fakeStore struct {
	mu          sync.Mutex
	deliveries  map[types.ID]*delivery.Delivery
	assignments map[types.ID]*Assignment
	deadOrders  map[types.ID]bool // canceled or refunded upstream
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deliveries:  make(map[types.ID]*delivery.Delivery),
		assignments: make(map[types.ID]*Assignment),
		deadOrders:  make(map[types.ID]bool),
	}
}

func (f *fakeStore) CreateDelivery(_ context.Context, d *delivery.Delivery) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.deliveries {
		if existing.OrderID == d.OrderID &&
			existing.Status != delivery.StatusDelivered && existing.Status != delivery.StatusFailed {
			return false, nil
		}
	}
	cp := *d
	f.deliveries[d.ID] = &cp
	return true, nil
}

func (f *fakeStore) GetDelivery(_ context.Context, id types.ID) (*delivery.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[id]
	if !ok {
		return nil, delivery.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeStore) DeliveryForOrder(_ context.Context, orderID types.ID) (*delivery.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.deliveries {
		if d.OrderID == orderID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, delivery.ErrNotFound
}

func (f *fakeStore) GetAssignment(_ context.Context, id types.ID) (*Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeStore) CreateOffer(_ context.Context, a *Assignment) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.assignments {
		if existing.DeliveryID == a.DeliveryID && existing.Status == AssignmentOffered {
			return false, nil
		}
	}
	cp := *a
	f.assignments[a.ID] = &cp
	return true, nil
}

func (f *fakeStore) AcceptOffer(_ context.Context, id types.ID, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[id]
	if !ok || a.Status != AssignmentOffered || !a.ExpiresAt.After(now) {
		return false, nil
	}
	a.Status = AssignmentAccepted
	a.RespondedAt = &now
	return true, nil
}

func (f *fakeStore) ResolveOffer(_ context.Context, id types.ID, to AssignmentStatus, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[id]
	if !ok || a.Status != AssignmentOffered {
		return false, nil
	}
	a.Status = to
	a.RespondedAt = &now
	return true, nil
}

func (f *fakeStore) ExpireSiblings(_ context.Context, deliveryID, keep types.ID, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.assignments {
		if a.DeliveryID == deliveryID && a.ID != keep && a.Status == AssignmentOffered {
			a.Status = AssignmentExpired
			a.RespondedAt = &now
		}
	}
	return nil
}

func (f *fakeStore) AssignDelivery(_ context.Context, deliveryID, riderID types.ID, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[deliveryID]
	if !ok || d.Status != delivery.StatusUnassigned {
		return false, nil
	}
	d.Status = delivery.StatusAssigned
	rid := riderID
	d.RiderID = &rid
	d.AssignedAt = &at
	d.OfferExpiresAt = nil
	d.RetryAt = nil
	return true, nil
}

func (f *fakeStore) FailDelivery(_ context.Context, id types.ID, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[id]
	if !ok || (d.Status != delivery.StatusUnassigned && d.Status != delivery.StatusAssigned) {
		return false, nil
	}
	d.Status = delivery.StatusFailed
	d.FailedAt = &at
	d.OfferExpiresAt = nil
	d.RetryAt = nil
	return true, nil
}

func (f *fakeStore) ExpireOpenOffers(_ context.Context, deliveryID types.ID, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.assignments {
		if a.DeliveryID == deliveryID && a.Status == AssignmentOffered {
			a.Status = AssignmentExpired
			a.RespondedAt = &now
		}
	}
	return nil
}

func (f *fakeStore) AbandonedDeliveries(_ context.Context, limit int) ([]delivery.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []delivery.Delivery
	for _, d := range f.deliveries {
		if !f.deadOrders[d.OrderID] {
			continue
		}
		if d.Status == delivery.StatusUnassigned || d.Status == delivery.StatusAssigned {
			out = append(out, *d)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) SetOfferWindow(_ context.Context, deliveryID types.ID, expiresAt *time.Time, attempts int, retryAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[deliveryID]
	if !ok {
		return delivery.ErrNotFound
	}
	d.OfferExpiresAt = expiresAt
	d.Attempts = attempts
	d.RetryAt = retryAt
	return nil
}

func (f *fakeStore) OfferedRiderIDs(_ context.Context, deliveryID types.ID, round int) ([]types.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []types.ID
	for _, a := range f.assignments {
		if a.DeliveryID != deliveryID {
			continue
		}
		switch a.Status {
		case AssignmentOffered, AssignmentAccepted, AssignmentDeclined:
			ids = append(ids, a.RiderID)
		case AssignmentExpired:
			if a.Round == round {
				ids = append(ids, a.RiderID)
			}
		}
	}
	return ids, nil
}

func (f *fakeStore) StaleOffers(_ context.Context, now time.Time, limit int) ([]Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Assignment
	for _, a := range f.assignments {
		if a.Status == AssignmentOffered && !a.ExpiresAt.After(now) {
			out = append(out, *a)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) RetryableDeliveries(_ context.Context, now time.Time, limit int) ([]delivery.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []delivery.Delivery
	for _, d := range f.deliveries {
		if d.Status != delivery.StatusUnassigned {
			continue
		}
		if d.RetryAt != nil && d.RetryAt.After(now) {
			continue
		}
		open := false
		for _, a := range f.assignments {
			if a.DeliveryID == d.ID && a.Status == AssignmentOffered {
				open = true
				break
			}
		}
		if !open {
			out = append(out, *d)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) offersFor(deliveryID types.ID) []Assignment {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Assignment
	for _, a := range f.assignments {
		if a.DeliveryID == deliveryID {
			out = append(out, *a)
		}
	}
	return out
}

func (f *fakeStore) openOffer(deliveryID types.ID) *Assignment {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.assignments {
		if a.DeliveryID == deliveryID && a.Status == AssignmentOffered {
			cp := *a
			return &cp
		}
	}
	return nil
}

type fakeRiders struct {
	mu    sync.Mutex
	cands []Candidate
}

func (f *fakeRiders) CandidateRiders(_ context.Context, _ types.Point, radiusKm float64) ([]Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Candidate
	for _, c := range f.cands {
		if c.DistanceKm <= radiusKm {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRiders) set(cands ...Candidate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cands = cands
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []OfferPayload
}

func (f *fakeNotifier) Notify(_ context.Context, _ types.ID, payload OfferPayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
}

type env struct {
	svc      *Service
	store    *fakeStore
	riders   *fakeRiders
	notifier *fakeNotifier
	clk      *clock.Fixed
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := newFakeStore()
	riders := &fakeRiders{}
	notifier := &fakeNotifier{}
	clk := clock.NewFixed(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(store, riders, notifier, clk,
		slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Options{
			OfferWindow:   90 * time.Second,
			RadiusKm:      5.0,
			SweepTick:     10 * time.Second,
			RetryBackoff:  30 * time.Second,
			MaxRetryDelay: 15 * time.Minute,
		})
	return &env{svc: svc, store: store, riders: riders, notifier: notifier, clk: clk}
}

func marketRequest() order.DeliveryRequest {
	return order.DeliveryRequest{
		OrderID:        "order-1",
		Pickup:         types.Point{Lat: 25.0478, Lng: 121.5170},
		Dropoff:        types.Point{Lat: 25.0330, Lng: 121.5654},
		PickupAddress:  "vendor stall 12",
		DropoffAddress: "101 Xinyi Rd",
		Fee:            500,
	}
}

func (e *env) kickoff(t *testing.T) *delivery.Delivery {
	t.Helper()
	if err := e.svc.Kickoff(context.Background(), marketRequest()); err != nil {
		t.Fatalf("Kickoff: %v", err)
	}
	d, err := e.store.DeliveryForOrder(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("DeliveryForOrder: %v", err)
	}
	return d
}

func TestKickoffOffersNearestRider(t *testing.T) {
	e := newEnv(t)
	e.riders.set(
		Candidate{RiderID: "r-far", DistanceKm: 4.0, Rating: 5.0},
		Candidate{RiderID: "r-near", DistanceKm: 0.8, Rating: 4.2},
		Candidate{RiderID: "r-mid", DistanceKm: 2.5, Rating: 4.9},
	)
	d := e.kickoff(t)

	offer := e.store.openOffer(d.ID)
	if offer == nil {
		t.Fatal("expected an open offer")
	}
	if offer.RiderID != "r-near" {
		t.Fatalf("offered to %s, want r-near", offer.RiderID)
	}
	wantExpiry := e.clk.Now().Add(90 * time.Second)
	if !offer.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expires_at = %v, want %v", offer.ExpiresAt, wantExpiry)
	}
	if len(e.notifier.sent) != 1 || e.notifier.sent[0].AssignmentID != offer.ID {
		t.Fatalf("notifier sent = %+v, want one payload for the offer", e.notifier.sent)
	}
	if e.notifier.sent[0].Fee != 500 {
		t.Fatalf("notified fee = %d, want 500", e.notifier.sent[0].Fee)
	}
}

func TestKickoffIdempotentWhileInFlight(t *testing.T) {
	e := newEnv(t)
	e.riders.set(Candidate{RiderID: "r1", DistanceKm: 1.0, Rating: 4.0})
	d := e.kickoff(t)

	if err := e.svc.Kickoff(context.Background(), marketRequest()); err != nil {
		t.Fatalf("second Kickoff: %v", err)
	}
	if got := len(e.store.offersFor(d.ID)); got != 1 {
		t.Fatalf("offers = %d, want 1", got)
	}
	e.store.mu.Lock()
	n := len(e.store.deliveries)
	e.store.mu.Unlock()
	if n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
}

func TestAcceptBindsRiderAndAssigns(t *testing.T) {
	e := newEnv(t)
	e.riders.set(Candidate{RiderID: "r1", DistanceKm: 1.0, Rating: 4.0})
	d := e.kickoff(t)
	offer := e.store.openOffer(d.ID)

	e.clk.Advance(30 * time.Second)
	if err := e.svc.Respond(context.Background(), offer.ID, "r1", true); err != nil {
		t.Fatalf("Respond accept: %v", err)
	}

	got, _ := e.store.GetDelivery(context.Background(), d.ID)
	if got.Status != delivery.StatusAssigned {
		t.Fatalf("status = %s, want assigned", got.Status)
	}
	if got.RiderID == nil || *got.RiderID != "r1" {
		t.Fatalf("rider = %v, want r1", got.RiderID)
	}
	if got.OfferExpiresAt != nil {
		t.Fatal("offer deadline should be cleared on assignment")
	}
}

func TestAcceptByWrongRiderRejected(t *testing.T) {
	e := newEnv(t)
	e.riders.set(Candidate{RiderID: "r1", DistanceKm: 1.0, Rating: 4.0})
	d := e.kickoff(t)
	offer := e.store.openOffer(d.ID)

	err := e.svc.Respond(context.Background(), offer.ID, "r2", true)
	if !errors.Is(err, ErrNotYourOffer) {
		t.Fatalf("err = %v, want ErrNotYourOffer", err)
	}
	got, _ := e.store.GetDelivery(context.Background(), d.ID)
	if got.Status != delivery.StatusUnassigned {
		t.Fatalf("status = %s, want unassigned", got.Status)
	}
}

// A rider answering after the window, then again after the sweep has moved
// the job to someone else, sees expired first and claimed second.
func TestLateAcceptExpiredThenClaimed(t *testing.T) {
	e := newEnv(t)
	e.riders.set(
		Candidate{RiderID: "rider-a", DistanceKm: 1.0, Rating: 4.0},
		Candidate{RiderID: "rider-b", DistanceKm: 2.0, Rating: 4.5},
	)
	d := e.kickoff(t)
	offerA := e.store.openOffer(d.ID)

	e.clk.Advance(91 * time.Second)
	err := e.svc.Respond(context.Background(), offerA.ID, "rider-a", true)
	if !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("accept at t+91s: err = %v, want ErrOfferExpired", err)
	}

	if _, err := e.svc.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	offerB := e.store.openOffer(d.ID)
	if offerB == nil || offerB.RiderID != "rider-b" {
		t.Fatalf("after sweep, open offer = %+v, want rider-b", offerB)
	}

	e.clk.Advance(4 * time.Second)
	if err := e.svc.Respond(context.Background(), offerB.ID, "rider-b", true); err != nil {
		t.Fatalf("rider-b accept: %v", err)
	}
	err = e.svc.Respond(context.Background(), offerA.ID, "rider-a", true)
	if !errors.Is(err, ErrOfferClaimed) {
		t.Fatalf("stale accept after claim: err = %v, want ErrOfferClaimed", err)
	}
	got, _ := e.store.GetDelivery(context.Background(), d.ID)
	if got.RiderID == nil || *got.RiderID != "rider-b" {
		t.Fatalf("rider = %v, want rider-b", got.RiderID)
	}
}

func TestDeclineAdvancesToNextRider(t *testing.T) {
	e := newEnv(t)
	e.riders.set(
		Candidate{RiderID: "r1", DistanceKm: 1.0, Rating: 4.0},
		Candidate{RiderID: "r2", DistanceKm: 2.0, Rating: 4.0},
	)
	d := e.kickoff(t)
	first := e.store.openOffer(d.ID)

	if err := e.svc.Respond(context.Background(), first.ID, "r1", false); err != nil {
		t.Fatalf("decline: %v", err)
	}
	next := e.store.openOffer(d.ID)
	if next == nil || next.RiderID != "r2" {
		t.Fatalf("next offer = %+v, want r2", next)
	}
}

// Once a rider has passed on a delivery they are never offered it again,
// even if they remain the nearest candidate.
func TestDeclinedRiderNeverReofferedSameDelivery(t *testing.T) {
	e := newEnv(t)
	e.riders.set(Candidate{RiderID: "r1", DistanceKm: 1.0, Rating: 4.0})
	d := e.kickoff(t)
	first := e.store.openOffer(d.ID)

	if err := e.svc.Respond(context.Background(), first.ID, "r1", false); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if open := e.store.openOffer(d.ID); open != nil {
		t.Fatalf("unexpected open offer after pool exhausted: %+v", open)
	}

	e.clk.Advance(time.Hour)
	if _, err := e.svc.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := len(e.store.offersFor(d.ID)); got != 1 {
		t.Fatalf("offers = %d, want 1 (no re-offer to the decliner)", got)
	}
}

func TestExhaustedPoolSchedulesBackoffRetry(t *testing.T) {
	e := newEnv(t)
	e.riders.set() // nobody around
	d := e.kickoff(t)

	got, _ := e.store.GetDelivery(context.Background(), d.ID)
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	wantRetry := e.clk.Now().Add(30 * time.Second)
	if got.RetryAt == nil || !got.RetryAt.Equal(wantRetry) {
		t.Fatalf("retry_at = %v, want %v", got.RetryAt, wantRetry)
	}

	// Sweeping before the horizon does nothing.
	e.clk.Advance(10 * time.Second)
	if _, err := e.svc.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got, _ = e.store.GetDelivery(context.Background(), d.ID)
	if got.Attempts != 1 {
		t.Fatalf("attempts after early sweep = %d, want 1", got.Attempts)
	}

	// Past the horizon the delay doubles: 30s, 60s, 120s.
	e.clk.Advance(30 * time.Second)
	if _, err := e.svc.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got, _ = e.store.GetDelivery(context.Background(), d.ID)
	if got.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", got.Attempts)
	}
	wantRetry = e.clk.Now().Add(60 * time.Second)
	if got.RetryAt == nil || !got.RetryAt.Equal(wantRetry) {
		t.Fatalf("retry_at = %v, want %v", got.RetryAt, wantRetry)
	}

	// A rider showing up on the next round gets the offer.
	e.riders.set(Candidate{RiderID: "r-late", DistanceKm: 3.0, Rating: 4.0})
	e.clk.Advance(60 * time.Second)
	if _, err := e.svc.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	offer := e.store.openOffer(d.ID)
	if offer == nil || offer.RiderID != "r-late" {
		t.Fatalf("offer = %+v, want r-late", offer)
	}
}

func TestBackoffCapped(t *testing.T) {
	e := newEnv(t)
	if got := e.svc.backoff(0); got != 30*time.Second {
		t.Fatalf("backoff(0) = %v, want 30s", got)
	}
	if got := e.svc.backoff(3); got != 4*time.Minute {
		t.Fatalf("backoff(3) = %v, want 4m", got)
	}
	if got := e.svc.backoff(20); got != 15*time.Minute {
		t.Fatalf("backoff(20) = %v, want 15m cap", got)
	}
}

func TestRidersBeyondRadiusIgnored(t *testing.T) {
	e := newEnv(t)
	e.riders.set(Candidate{RiderID: "r-out", DistanceKm: 7.5, Rating: 5.0})
	d := e.kickoff(t)

	if open := e.store.openOffer(d.ID); open != nil {
		t.Fatalf("offer to out-of-radius rider: %+v", open)
	}
	got, _ := e.store.GetDelivery(context.Background(), d.ID)
	if got.RetryAt == nil {
		t.Fatal("expected a retry horizon")
	}
}

func TestSweepExpiresStaleOfferAndReoffers(t *testing.T) {
	e := newEnv(t)
	e.riders.set(
		Candidate{RiderID: "r1", DistanceKm: 1.0, Rating: 4.0},
		Candidate{RiderID: "r2", DistanceKm: 2.0, Rating: 4.0},
	)
	d := e.kickoff(t)
	first := e.store.openOffer(d.ID)

	e.clk.Advance(90 * time.Second)
	acted, err := e.svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if acted != 1 {
		t.Fatalf("acted = %d, want 1", acted)
	}

	got, _ := e.store.GetAssignment(context.Background(), first.ID)
	if got.Status != AssignmentExpired {
		t.Fatalf("first offer status = %s, want expired", got.Status)
	}
	next := e.store.openOffer(d.ID)
	if next == nil || next.RiderID != "r2" {
		t.Fatalf("next offer = %+v, want r2", next)
	}
}

// A rider who simply let an offer lapse is excluded for the rest of that
// round but comes back into the pool once the backoff retry opens a new
// one. With a single rider in radius the job must not starve.
func TestExpiredRiderEligibleAgainAfterBackoff(t *testing.T) {
	e := newEnv(t)
	e.riders.set(Candidate{RiderID: "r1", DistanceKm: 1.0, Rating: 4.0})
	d := e.kickoff(t)
	first := e.store.openOffer(d.ID)
	if first == nil {
		t.Fatal("expected an initial offer")
	}

	// The offer lapses; the same sweep round must not re-offer immediately.
	e.clk.Advance(91 * time.Second)
	if _, err := e.svc.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if open := e.store.openOffer(d.ID); open != nil {
		t.Fatalf("re-offered within the same round: %+v", open)
	}
	got, _ := e.store.GetDelivery(context.Background(), d.ID)
	if got.Attempts != 1 || got.RetryAt == nil {
		t.Fatalf("attempts=%d retry_at=%v, want a backed-off retry", got.Attempts, got.RetryAt)
	}

	// After the backoff the rider is eligible again.
	e.clk.Advance(30 * time.Second)
	if _, err := e.svc.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	second := e.store.openOffer(d.ID)
	if second == nil || second.RiderID != "r1" {
		t.Fatalf("offer after backoff = %+v, want r1 again", second)
	}
	if got := len(e.store.offersFor(d.ID)); got != 2 {
		t.Fatalf("offers = %d, want 2", got)
	}

	if err := e.svc.Respond(context.Background(), second.ID, "r1", true); err != nil {
		t.Fatalf("accept second offer: %v", err)
	}
	got, _ = e.store.GetDelivery(context.Background(), d.ID)
	if got.Status != delivery.StatusAssigned {
		t.Fatalf("status = %s, want assigned", got.Status)
	}
}

// Aborting a canceled order's job closes it and voids the outstanding
// offer; the rider who held it sees an expired offer, and the sweep never
// revives the job.
func TestAbortFailsJobAndVoidsOffer(t *testing.T) {
	e := newEnv(t)
	e.riders.set(Candidate{RiderID: "r1", DistanceKm: 1.0, Rating: 4.0})
	d := e.kickoff(t)
	offer := e.store.openOffer(d.ID)

	if err := e.svc.Abort(context.Background(), "order-1"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	got, _ := e.store.GetDelivery(context.Background(), d.ID)
	if got.Status != delivery.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	a, _ := e.store.GetAssignment(context.Background(), offer.ID)
	if a.Status != AssignmentExpired {
		t.Fatalf("offer status = %s, want expired", a.Status)
	}

	err := e.svc.Respond(context.Background(), offer.ID, "r1", true)
	if !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("accept after abort: err = %v, want ErrOfferExpired", err)
	}

	e.clk.Advance(time.Hour)
	if _, err := e.svc.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := len(e.store.offersFor(d.ID)); got != 1 {
		t.Fatalf("offers = %d, want 1 (no offers on a failed job)", got)
	}
}

// Aborting an order with no delivery yet is a no-op.
func TestAbortWithoutDelivery(t *testing.T) {
	e := newEnv(t)
	if err := e.svc.Abort(context.Background(), "order-none"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
}

// The sweep closes jobs whose order died after kickoff, even when nothing
// in the saga reached the scheduler.
func TestSweepClosesJobsForDeadOrders(t *testing.T) {
	e := newEnv(t)
	e.riders.set(Candidate{RiderID: "r1", DistanceKm: 1.0, Rating: 4.0})
	d := e.kickoff(t)
	offer := e.store.openOffer(d.ID)

	e.store.mu.Lock()
	e.store.deadOrders["order-1"] = true
	e.store.mu.Unlock()

	if _, err := e.svc.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got, _ := e.store.GetDelivery(context.Background(), d.ID)
	if got.Status != delivery.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	a, _ := e.store.GetAssignment(context.Background(), offer.ID)
	if a.Status != AssignmentExpired {
		t.Fatalf("offer status = %s, want expired", a.Status)
	}
}

// A decline landing after an operator already failed the delivery must not
// open another matching round.
func TestDeclineOnClosedDeliveryStops(t *testing.T) {
	e := newEnv(t)
	e.riders.set(
		Candidate{RiderID: "r1", DistanceKm: 1.0, Rating: 4.0},
		Candidate{RiderID: "r2", DistanceKm: 2.0, Rating: 4.0},
	)
	d := e.kickoff(t)
	offer := e.store.openOffer(d.ID)

	e.store.mu.Lock()
	e.store.deliveries[d.ID].Status = delivery.StatusFailed
	e.store.mu.Unlock()

	if err := e.svc.Respond(context.Background(), offer.ID, "r1", false); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if open := e.store.openOffer(d.ID); open != nil {
		t.Fatalf("new offer on a failed delivery: %+v", open)
	}
	if got := len(e.store.offersFor(d.ID)); got != 1 {
		t.Fatalf("offers = %d, want 1", got)
	}
}

// An accept racing the sweep at the deadline resolves exactly one way:
// either the rider keeps the job or the sweep re-offers it, never both.
func TestAcceptRacingSweepResolvesOnce(t *testing.T) {
	e := newEnv(t)
	e.riders.set(
		Candidate{RiderID: "rider-a", DistanceKm: 1.0, Rating: 4.0},
		Candidate{RiderID: "rider-b", DistanceKm: 2.0, Rating: 4.0},
	)
	d := e.kickoff(t)
	offer := e.store.openOffer(d.ID)

	e.clk.Advance(90 * time.Second)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = e.svc.Respond(context.Background(), offer.ID, "rider-a", true)
	}()
	go func() {
		defer wg.Done()
		_, _ = e.svc.Sweep(context.Background())
	}()
	wg.Wait()

	got, _ := e.store.GetDelivery(context.Background(), d.ID)
	accepted := 0
	for _, a := range e.store.offersFor(d.ID) {
		if a.Status == AssignmentAccepted {
			accepted++
		}
	}
	switch got.Status {
	case delivery.StatusAssigned:
		if accepted != 1 || got.RiderID == nil || *got.RiderID != "rider-a" {
			t.Fatalf("assigned but acceptance state inconsistent: accepted=%d rider=%v", accepted, got.RiderID)
		}
	case delivery.StatusUnassigned:
		if accepted != 0 {
			t.Fatalf("unassigned with %d accepted offers", accepted)
		}
		next := e.store.openOffer(d.ID)
		if next == nil || next.RiderID != "rider-b" {
			t.Fatalf("expected re-offer to rider-b, got %+v", next)
		}
	default:
		t.Fatalf("unexpected delivery status %s", got.Status)
	}
}
