// README: Revenue split generator and payout workflow. Generation is
// triggered by order transitions and keyed to the transition id, so a
// replayed trigger writes nothing.
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"souk/internal/clock"
	"souk/internal/modules/order"
	"souk/internal/types"
)

// Store is the persistence surface the generator drives.
type Store interface {
	InsertEntries(ctx context.Context, entries []Entry) (int, error)
	EntriesForOrder(ctx context.Context, orderID types.ID) ([]Entry, error)
	BalanceFor(ctx context.Context, acct AccountType, id types.ID) (int64, error)
	CreatePayout(ctx context.Context, p *Payout) error
	GetPayout(ctx context.Context, id types.ID) (*Payout, error)
	ApprovePayout(ctx context.Context, id types.ID, at time.Time) (bool, error)
	MarkPayoutPaid(ctx context.Context, id types.ID, reference string, at time.Time) (bool, error)
	RejectPayout(ctx context.Context, id types.ID, at time.Time) (bool, error)
	PayoutsFor(ctx context.Context, acct AccountType, id types.ID) ([]Payout, error)
}

// Riders resolves which rider delivered an order, for the earning entry.
type Riders interface {
	DeliveredRider(ctx context.Context, orderID types.ID) (types.ID, error)
}

type Service struct {
	store  Store
	riders Riders
	policy Policy
	clk    clock.Clock
	logger *slog.Logger
}

func NewService(store Store, riders Riders, policy Policy, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{store: store, riders: riders, policy: policy, clk: clk, logger: logger}
}

// Validate checks that the active policy divides this order without
// driving the vendor residual negative. Called before an order is allowed
// to reach fulfilled, so a bad policy surfaces loudly instead of writing a
// broken ledger.
func (s *Service) Validate(o *order.Order) error {
	_, err := computeSplit(o, s.policy)
	return err
}

// Generate writes the split entries for a fulfilled order. All entries
// share the triggering transition id; re-running for the same transition
// inserts nothing. Zero-amount shares produce no entry.
func (s *Service) Generate(ctx context.Context, o *order.Order, transitionID types.ID) error {
	split, err := computeSplit(o, s.policy)
	if err != nil {
		return err
	}

	now := s.clk.Now()
	entry := func(t EntryType, acct AccountType, acctID types.ID, amount int64) Entry {
		return Entry{
			OrderID:      o.ID,
			Type:         t,
			TransitionID: transitionID,
			AccountType:  acct,
			AccountID:    acctID,
			Amount:       amount,
			Currency:     o.Currency,
			CreatedAt:    now,
		}
	}

	var entries []Entry
	if split.PlatformFee > 0 {
		entries = append(entries, entry(EntryPlatformFee, AccountPlatform, "", split.PlatformFee))
	}
	if split.CoopShare > 0 {
		entries = append(entries, entry(EntryCoopShare, AccountCoop, "", split.CoopShare))
	}
	if split.CommunityShare > 0 {
		entries = append(entries, entry(EntryCommunityShare, AccountCommunity, o.CommunityID, split.CommunityShare))
	}
	if split.RiderEarning > 0 {
		riderID, err := s.riders.DeliveredRider(ctx, o.ID)
		if err != nil {
			return err
		}
		entries = append(entries, entry(EntryRiderEarning, AccountRider, riderID, split.RiderEarning))
	}
	entries = append(entries, entry(EntryVendorPayout, AccountVendor, o.VendorID, split.VendorPayout))

	inserted, err := s.store.InsertEntries(ctx, entries)
	if err != nil {
		return err
	}
	if inserted == 0 {
		s.logger.Info("ledger generation replayed, no new entries",
			"order_id", o.ID, "transition_id", transitionID)
		return nil
	}
	s.logger.Info("ledger entries generated",
		"order_id", o.ID, "entries", inserted, "total", split.Total())
	return nil
}

// Refund writes the compensating entry for money returned to the buyer.
// The amount is stored negative so a plain sum over the order's entries
// reconciles to what the marketplace actually kept.
func (s *Service) Refund(ctx context.Context, o *order.Order, amount int64, transitionID types.ID) error {
	_, err := s.store.InsertEntries(ctx, []Entry{{
		OrderID:      o.ID,
		Type:         EntryRefund,
		TransitionID: transitionID,
		AccountType:  AccountBuyer,
		AccountID:    o.BuyerID,
		Amount:       -amount,
		Currency:     o.Currency,
		CreatedAt:    s.clk.Now(),
	}})
	return err
}

func (s *Service) EntriesForOrder(ctx context.Context, orderID types.ID) ([]Entry, error) {
	return s.store.EntriesForOrder(ctx, orderID)
}

func (s *Service) Balance(ctx context.Context, acct AccountType, id types.ID) (int64, error) {
	return s.store.BalanceFor(ctx, acct, id)
}

// RequestPayout opens a withdrawal request. The fast balance check here is
// advisory; the authoritative one runs inside approval.
func (s *Service) RequestPayout(ctx context.Context, acct AccountType, accountID types.ID, amount int64, method string) (types.ID, error) {
	if amount <= 0 {
		return "", ErrBadPayoutAmount
	}
	balance, err := s.store.BalanceFor(ctx, acct, accountID)
	if err != nil {
		return "", err
	}
	if amount > balance {
		return "", ErrOverBalance
	}
	p := &Payout{
		ID:          types.ID(uuid.NewString()),
		AccountType: acct,
		AccountID:   accountID,
		Amount:      amount,
		Status:      PayoutRequested,
		Method:      method,
		CreatedAt:   s.clk.Now(),
	}
	if err := s.store.CreatePayout(ctx, p); err != nil {
		return "", err
	}
	return p.ID, nil
}

// ApprovePayout grants the request if the account's credits still cover
// it alongside everything already approved or paid.
func (s *Service) ApprovePayout(ctx context.Context, id types.ID) error {
	ok, err := s.store.ApprovePayout(ctx, id, s.clk.Now())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	p, err := s.store.GetPayout(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != PayoutRequested {
		return ErrConflict
	}
	return ErrOverBalance
}

func (s *Service) MarkPayoutPaid(ctx context.Context, id types.ID, reference string) error {
	ok, err := s.store.MarkPayoutPaid(ctx, id, reference, s.clk.Now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

func (s *Service) RejectPayout(ctx context.Context, id types.ID) error {
	ok, err := s.store.RejectPayout(ctx, id, s.clk.Now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

func (s *Service) GetPayout(ctx context.Context, id types.ID) (*Payout, error) {
	return s.store.GetPayout(ctx, id)
}

func (s *Service) PayoutsFor(ctx context.Context, acct AccountType, id types.ID) ([]Payout, error) {
	return s.store.PayoutsFor(ctx, acct, id)
}
