// Package ledger — split.go computes the revenue division for one order.
package ledger

import (
	"souk/internal/modules/order"
	"souk/internal/types"
)

// Policy is the split configuration in basis points. Platform and coop
// fees come off the subtotal; the community share comes off the vendor
// net after those fees; the rider earning comes out of the shipping fee;
// the vendor payout is the residual.
type Policy struct {
	PlatformBps       int
	CoopBps           int
	CommunityBps      int
	MemberDiscountBps int
	RiderBps          int

	// VendorCoopBps overrides CoopBps for specific vendors.
	VendorCoopBps map[types.ID]int
}

func (p Policy) coopBpsFor(vendorID types.ID) int {
	if b, ok := p.VendorCoopBps[vendorID]; ok {
		return b
	}
	return p.CoopBps
}

func bps(amount int64, b int) int64 {
	return amount * int64(b) / 10000
}

// computeSplit divides the order total. Integer bps arithmetic truncates,
// so every rounding remainder lands in the vendor residual and the shares
// always sum exactly to the total. A policy that drives the residual
// negative is a configuration error, never a clamped value.
func computeSplit(o *order.Order, p Policy) (Split, error) {
	var s Split
	s.PlatformFee = bps(o.Subtotal, p.PlatformBps)
	s.CoopShare = bps(o.Subtotal, p.coopBpsFor(o.VendorID))

	net := o.Subtotal - s.PlatformFee - s.CoopShare
	if net < 0 {
		return Split{}, ErrLedgerConfig
	}
	communityBps := p.CommunityBps
	if o.MemberDiscount {
		communityBps -= p.MemberDiscountBps
		if communityBps < 0 {
			communityBps = 0
		}
	}
	s.CommunityShare = bps(net, communityBps)

	if o.Method == order.MethodRider {
		s.RiderEarning = bps(o.ShippingFee, p.RiderBps)
	}

	s.VendorPayout = o.Total - s.PlatformFee - s.CoopShare - s.CommunityShare - s.RiderEarning
	if s.VendorPayout < 0 {
		return Split{}, ErrLedgerConfig
	}
	return s, nil
}
