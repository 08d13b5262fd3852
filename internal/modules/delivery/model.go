// README: Delivery aggregate, lifecycle transition table, and location telemetry.
package delivery

import (
	"errors"
	"time"

	"souk/internal/types"
)

var (
	ErrNotFound          = errors.New("delivery not found")
	ErrInvalidTransition = errors.New("invalid delivery transition")
	ErrConflict          = errors.New("delivery state conflict")
	ErrNotYourDelivery   = errors.New("delivery bound to another rider")
	ErrNotInTransit      = errors.New("delivery not accepting location updates")
	ErrInvalidStatus     = errors.New("unknown delivery status")
)

type Status string

const (
	StatusUnassigned Status = "unassigned"
	StatusAssigned   Status = "assigned"
	StatusPickedUp   Status = "picked_up"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusUnassigned, StatusAssigned, StatusPickedUp, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// Actor identifies who drove a lifecycle transition.
type Actor string

const (
	ActorRider    Actor = "rider"
	ActorOperator Actor = "operator"
	ActorSystem   Actor = "system"
)

// AllowedTransitions is the lifecycle flow. failed is reachable from every
// non-terminal state (rider-reported failure or operator override).
var AllowedTransitions = map[Status][]Status{
	StatusUnassigned: {StatusAssigned, StatusFailed},
	StatusAssigned:   {StatusPickedUp, StatusFailed},
	StatusPickedUp:   {StatusDelivered, StatusFailed},
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

func Terminal(s Status) bool {
	return len(AllowedTransitions[s]) == 0
}

// Delivery is 1:1 with an order; at most one non-terminal delivery exists
// per order (enforced by a partial unique index).
type Delivery struct {
	ID             types.ID
	OrderID        types.ID
	RiderID        *types.ID
	Pickup         types.Point
	Dropoff        types.Point
	PickupAddress  string
	DropoffAddress string
	Fee            int64
	Status         Status
	Attempts       int
	OfferExpiresAt *time.Time
	RetryAt        *time.Time
	AssignedAt     *time.Time
	PickedUpAt     *time.Time
	DeliveredAt    *time.Time
	FailedAt       *time.Time
	CreatedAt      time.Time
}

// Ping is append-only telemetry, not part of the state machine.
type Ping struct {
	ID         int64
	DeliveryID types.ID
	RiderID    types.ID
	Position   types.Point
	RecordedAt time.Time
}
