// README: Revenue ledger types. Entries are immutable, append-only, and
// generated exactly once per (order, entry type, triggering transition).
package ledger

import (
	"errors"
	"time"

	"souk/internal/types"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrLedgerConfig    = errors.New("split configuration produces a negative vendor payout")
	ErrRiderUnknown    = errors.New("no delivered rider on record for order")
	ErrConflict        = errors.New("payout changed concurrently")
	ErrOverBalance     = errors.New("payout exceeds available ledger credits")
	ErrBadPayoutAmount = errors.New("payout amount must be positive")
)

type EntryType string

const (
	EntryVendorPayout   EntryType = "vendor_payout"
	EntryCommunityShare EntryType = "community_share"
	EntryCoopShare      EntryType = "coop_share"
	EntryPlatformFee    EntryType = "platform_fee"
	EntryRiderEarning   EntryType = "rider_earning"
	EntryRefund         EntryType = "refund"
)

type AccountType string

const (
	AccountVendor    AccountType = "vendor"
	AccountCommunity AccountType = "community"
	AccountCoop      AccountType = "coop"
	AccountPlatform  AccountType = "platform"
	AccountRider     AccountType = "rider"
	AccountBuyer     AccountType = "buyer"
)

// Entry is one signed movement on a beneficiary account. Refund entries
// carry negative amounts; everything else is positive.
type Entry struct {
	ID           int64
	OrderID      types.ID
	Type         EntryType
	TransitionID types.ID
	AccountType  AccountType
	AccountID    types.ID
	Amount       int64
	Currency     string
	CreatedAt    time.Time
}

type PayoutStatus string

const (
	PayoutRequested PayoutStatus = "requested"
	PayoutApproved  PayoutStatus = "approved"
	PayoutPaid      PayoutStatus = "paid"
	PayoutRejected  PayoutStatus = "rejected"
)

// Payout is a beneficiary's request to withdraw accumulated credits.
type Payout struct {
	ID          types.ID
	AccountType AccountType
	AccountID   types.ID
	Amount      int64
	Status      PayoutStatus
	Method      string
	Reference   string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

// Split is the computed division of one order's total.
type Split struct {
	PlatformFee    int64
	CoopShare      int64
	CommunityShare int64
	RiderEarning   int64
	VendorPayout   int64
}

// Total returns the sum of all shares, which must equal the order total.
func (s Split) Total() int64 {
	return s.PlatformFee + s.CoopShare + s.CommunityShare + s.RiderEarning + s.VendorPayout
}
