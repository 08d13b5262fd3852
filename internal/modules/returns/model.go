// README: Buyer-initiated cancellation and return requests. A request is a
// small review workflow layered on top of the order state machine; the
// order itself only moves when a request is approved or completed.
package returns

import (
	"errors"
	"time"

	"souk/internal/types"
)

var (
	ErrNotFound          = errors.New("request not found")
	ErrDuplicateRequest  = errors.New("an open request of this kind already exists")
	ErrInvalidTransition = errors.New("invalid request transition")
	ErrNotEligible       = errors.New("order not eligible for this request")
	ErrNotYourRequest    = errors.New("request belongs to another buyer")
	ErrConflict          = errors.New("request changed concurrently")
)

type Kind string

const (
	KindCancel Kind = "cancel"
	KindReturn Kind = "return"
)

func (k Kind) Valid() bool {
	return k == KindCancel || k == KindReturn
}

type Status string

const (
	StatusRequested Status = "requested"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusWithdrawn Status = "withdrawn"
	StatusInTransit Status = "in_transit"
	StatusReceived  Status = "received"
	StatusRefunded  Status = "refunded"
)

// Open reports whether the request still occupies the one-open-per-kind
// slot for its order.
func (s Status) Open() bool {
	switch s {
	case StatusRequested, StatusApproved, StatusInTransit, StatusReceived:
		return true
	}
	return false
}

// AllowedTransitions represents the request flow as code. Cancellation
// requests end at approved; return requests continue through the physical
// trip back to the vendor.
var AllowedTransitions = map[Status][]Status{
	StatusRequested: {StatusApproved, StatusRejected, StatusWithdrawn},
	StatusApproved:  {StatusInTransit},
	StatusInTransit: {StatusReceived},
	StatusReceived:  {StatusRefunded},
}

func CanTransition(from, to Status) bool {
	for _, next := range AllowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Request struct {
	ID           types.ID
	OrderID      types.ID
	Kind         Kind
	Status       Status
	RequestedBy  types.ID
	Reason       string
	RefundAmount int64
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}
