// README: Per-product stock and reservation counters.
package inventory

import (
	"errors"
	"time"

	"souk/internal/types"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNotFound          = errors.New("inventory record not found")
	ErrBadQuantity       = errors.New("quantity must be positive")
)

// Record is the inventory row for one product. Available stock is
// Stock minus Reserved; the store guarantees 0 <= Reserved <= Stock.
type Record struct {
	ProductID         types.ID
	Stock             int64
	Reserved          int64
	LowStockThreshold int64
	Tracked           bool
	UpdatedAt         time.Time
}

func (r Record) Available() int64 {
	return r.Stock - r.Reserved
}

func (r Record) LowStock() bool {
	return r.Tracked && r.Available() <= r.LowStockThreshold
}
