// README: Inventory store backed by PostgreSQL; all counter mutations are single conditional updates.
package inventory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"souk/internal/types"
)

// DB is the subset of pgxpool.Pool the store uses; pgxmock satisfies it too.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, productID types.ID) (*Record, error) {
	row := s.db.QueryRow(ctx, `
		SELECT product_id, stock_quantity, reserved_quantity, low_stock_threshold, tracking_enabled, updated_at
		FROM inventory
		WHERE product_id = $1`, string(productID),
	)
	var r Record
	err := row.Scan(&r.ProductID, &r.Stock, &r.Reserved, &r.LowStockThreshold, &r.Tracked, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Reserve increments reserved_quantity iff enough stock is available.
// Untracked products always succeed. Returns false when the guard fails.
func (s *Store) Reserve(ctx context.Context, productID types.ID, qty int64) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE inventory
		SET reserved_quantity = CASE WHEN tracking_enabled THEN reserved_quantity + $2 ELSE reserved_quantity END,
		    updated_at = NOW()
		WHERE product_id = $1
		  AND (NOT tracking_enabled OR stock_quantity - reserved_quantity >= $2)`,
		string(productID), qty,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Release decrements reserved_quantity by at most what is currently reserved.
func (s *Store) Release(ctx context.Context, productID types.ID, qty int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE inventory
		SET reserved_quantity = reserved_quantity - LEAST($2, reserved_quantity),
		    updated_at = NOW()
		WHERE product_id = $1 AND tracking_enabled`,
		string(productID), qty,
	)
	return err
}

// Commit converts a reservation into a permanent deduction.
func (s *Store) Commit(ctx context.Context, productID types.ID, qty int64) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE inventory
		SET stock_quantity = CASE WHEN tracking_enabled THEN stock_quantity - $2 ELSE stock_quantity END,
		    reserved_quantity = CASE WHEN tracking_enabled THEN reserved_quantity - $2 ELSE reserved_quantity END,
		    updated_at = NOW()
		WHERE product_id = $1
		  AND (NOT tracking_enabled OR reserved_quantity >= $2)`,
		string(productID), qty,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Adjust applies a vendor restock (or correction) to stock_quantity.
func (s *Store) Adjust(ctx context.Context, productID types.ID, delta int64) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE inventory
		SET stock_quantity = stock_quantity + $2,
		    updated_at = NOW()
		WHERE product_id = $1 AND stock_quantity + $2 >= reserved_quantity`,
		string(productID), delta,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) LowStock(ctx context.Context) ([]Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT product_id, stock_quantity, reserved_quantity, low_stock_threshold, tracking_enabled, updated_at
		FROM inventory
		WHERE tracking_enabled
		  AND stock_quantity - reserved_quantity <= low_stock_threshold
		ORDER BY product_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ProductID, &r.Stock, &r.Reserved, &r.LowStockThreshold, &r.Tracked, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
