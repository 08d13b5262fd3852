// README: Inventory service validates quantities and maps guard failures to errors.
package inventory

import (
	"context"
	"log/slog"

	"souk/internal/types"
)

// Ledger is the store surface the service needs. The Postgres Store
// implements it; tests use an in-memory fake.
type Ledger interface {
	Get(ctx context.Context, productID types.ID) (*Record, error)
	Reserve(ctx context.Context, productID types.ID, qty int64) (bool, error)
	Release(ctx context.Context, productID types.ID, qty int64) error
	Commit(ctx context.Context, productID types.ID, qty int64) (bool, error)
	Adjust(ctx context.Context, productID types.ID, delta int64) (bool, error)
	LowStock(ctx context.Context) ([]Record, error)
}

type Service struct {
	store  Ledger
	logger *slog.Logger
}

func NewService(store Ledger, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

func (s *Service) Get(ctx context.Context, productID types.ID) (*Record, error) {
	return s.store.Get(ctx, productID)
}

// Reserve places a temporary hold on stock. Callers must not retry
// ErrInsufficientStock silently; the cart needs re-quoting.
func (s *Service) Reserve(ctx context.Context, productID types.ID, qty int64) error {
	if qty <= 0 {
		return ErrBadQuantity
	}
	ok, err := s.store.Reserve(ctx, productID, qty)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	// The guard failed: distinguish a missing record from a stock shortage.
	if _, err := s.store.Get(ctx, productID); err != nil {
		return err
	}
	return ErrInsufficientStock
}

// Release returns a hold to available stock. Releasing more than is
// reserved is clamped by the store, which makes retries harmless.
func (s *Service) Release(ctx context.Context, productID types.ID, qty int64) error {
	if qty <= 0 {
		return ErrBadQuantity
	}
	return s.store.Release(ctx, productID, qty)
}

// Commit converts a reservation into a permanent deduction on fulfillment.
func (s *Service) Commit(ctx context.Context, productID types.ID, qty int64) error {
	if qty <= 0 {
		return ErrBadQuantity
	}
	ok, err := s.store.Commit(ctx, productID, qty)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.store.Get(ctx, productID); err != nil {
			return err
		}
		// Reservation smaller than qty means the release/commit pairing is off.
		s.logger.Warn("inventory commit guard failed",
			slog.String("product_id", string(productID)), slog.Int64("qty", qty))
		return ErrInsufficientStock
	}
	return nil
}

// Adjust applies a vendor restock or stock correction.
func (s *Service) Adjust(ctx context.Context, productID types.ID, delta int64) error {
	ok, err := s.store.Adjust(ctx, productID, delta)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.store.Get(ctx, productID); err != nil {
			return err
		}
		return ErrInsufficientStock
	}
	return nil
}

// LowStock lists tracked products at or below their threshold.
func (s *Service) LowStock(ctx context.Context) ([]Record, error) {
	return s.store.LowStock(ctx)
}
