// README: Order aggregate, status transition table, and the append-only transition log.
package order

import (
	"time"

	"souk/internal/types"
)

type Status string

const (
	StatusNone      Status = ""
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusFulfilled Status = "fulfilled"
	StatusCanceled  Status = "canceled"
	StatusRefunded  Status = "refunded"
)

// Method is the fulfillment channel chosen at checkout.
type Method string

const (
	MethodRider   Method = "rider"
	MethodCarrier Method = "carrier"
)

func (m Method) Valid() bool {
	return m == MethodRider || m == MethodCarrier
}

// ActorType identifies who drove a transition.
type ActorType string

const (
	ActorSystem   ActorType = "system"
	ActorBuyer    ActorType = "buyer"
	ActorVendor   ActorType = "vendor"
	ActorRider    ActorType = "rider"
	ActorOperator ActorType = "operator"
)

type Actor struct {
	Type ActorType
	ID   *types.ID
}

func SystemActor() Actor {
	return Actor{Type: ActorSystem}
}

func UserActor(t ActorType, id types.ID) Actor {
	return Actor{Type: t, ID: &id}
}

// AllowedTransitions represents the order state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:   {StatusPaid, StatusCanceled},
	StatusPaid:      {StatusFulfilled, StatusCanceled, StatusRefunded},
	StatusFulfilled: {StatusRefunded},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is legal.
func Terminal(s Status) bool {
	return len(AllowedTransitions[s]) == 0
}

// Line is an order line item, captured at checkout time and immutable once
// paid. Committed flips once the line's reservation has been turned into a
// sale, so a replayed fulfillment pass never commits stock twice.
type Line struct {
	ProductID types.ID
	Quantity  int64
	UnitPrice int64
	Committed bool
}

func (l Line) Subtotal() int64 {
	return l.Quantity * l.UnitPrice
}

type Order struct {
	ID             types.ID
	BuyerID        types.ID
	VendorID       types.ID
	CommunityID    types.ID
	Currency       string
	Method         Method
	Status         Status
	StatusVersion  int
	Lines          []Line
	Subtotal       int64
	ShippingFee    int64
	Total          int64
	MemberDiscount bool
	PaymentRef     string
	Pickup         types.Point
	Dropoff        types.Point
	PickupAddress  string
	DropoffAddress string
	CreatedAt      time.Time
	PaidAt         *time.Time
	FulfilledAt    *time.Time
	CanceledAt     *time.Time
	RefundedAt     *time.Time
}

// Transition is one row of the append-only status audit log. The order's
// current status always equals the To of its latest transition.
type Transition struct {
	ID        types.ID
	OrderID   types.ID
	From      Status
	To        Status
	Actor     Actor
	Automated bool
	Trigger   string
	Meta      map[string]string
	CreatedAt time.Time
}
