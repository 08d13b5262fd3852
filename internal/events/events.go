// README: Outbound audit events. Every message on the wire is the same
// envelope with a typed JSON payload; consumers route on event_type.
package events

import (
	"encoding/json"
	"time"
)

const (
	EventOrderTransition  = "order.transition"
	EventDeliveryAssigned = "delivery.assigned"
	EventLedgerGenerated  = "ledger.generated"
	EventRiderOffer       = "rider.offer"
)

type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	Version    int             `json:"event_version"`
	OccurredAt time.Time       `json:"occurred_at"`
	Producer   string          `json:"producer"`
	Key        string          `json:"key,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}
