// README: Delivery offers, rider candidates, and matching errors.
package dispatch

import (
	"errors"
	"time"

	"souk/internal/types"
)

var (
	ErrNotFound     = errors.New("assignment not found")
	ErrOfferExpired = errors.New("offer expired")
	ErrOfferClaimed = errors.New("offer already claimed")
	ErrNotYourOffer = errors.New("offer belongs to another rider")
	ErrNoCandidates = errors.New("no candidate riders")
)

type AssignmentStatus string

const (
	AssignmentOffered  AssignmentStatus = "offered"
	AssignmentAccepted AssignmentStatus = "accepted"
	AssignmentDeclined AssignmentStatus = "declined"
	AssignmentExpired  AssignmentStatus = "expired"
)

// Assignment is one time-boxed offer of a delivery to one rider. For a
// given delivery at most one assignment is in offered at any instant, and
// at most one ever reaches accepted. Round is the delivery's attempt
// counter at offer time: a rider whose offer merely ran out becomes
// eligible again in later rounds, a decliner never does.
type Assignment struct {
	ID          types.ID
	DeliveryID  types.ID
	RiderID     types.ID
	Status      AssignmentStatus
	Round       int
	DistanceKm  float64
	NotifiedAt  time.Time
	ExpiresAt   time.Time
	RespondedAt *time.Time
}

// Outstanding reports whether the offer is still open at the given instant.
func (a Assignment) Outstanding(now time.Time) bool {
	return a.Status == AssignmentOffered && a.ExpiresAt.After(now)
}

// Candidate is a rider eligible for an offer, as reported by the
// availability source. Distance is from the pickup point.
type Candidate struct {
	RiderID    types.ID
	DistanceKm float64
	Rating     float64
}

// Rider is the dispatch-facing view of a courier profile.
type Rider struct {
	ID        types.ID
	Name      string
	Available bool
	Verified  bool
	Rating    float64
}

// OfferPayload is what the notification dispatcher sends to a rider.
type OfferPayload struct {
	AssignmentID   types.ID  `json:"assignment_id"`
	DeliveryID     types.ID  `json:"delivery_id"`
	OrderID        types.ID  `json:"order_id"`
	PickupAddress  string    `json:"pickup_address"`
	DropoffAddress string    `json:"dropoff_address"`
	DistanceKm     float64   `json:"distance_km"`
	TripKm         float64   `json:"trip_km"`
	Fee            int64     `json:"fee"`
	ExpiresAt      time.Time `json:"expires_at"`
}
