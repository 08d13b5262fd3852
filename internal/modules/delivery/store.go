// README: Delivery store backed by PostgreSQL; lifecycle moves are CAS on the current status.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"souk/internal/types"
)

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const deliveryColumns = `
	id, order_id, rider_id,
	pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	pickup_address, dropoff_address, fee, status, attempts,
	offer_expires_at, retry_at, assigned_at, picked_up_at, delivered_at, failed_at, created_at`

type PgStore struct {
	db DB
}

func NewStore(db DB) *PgStore {
	return &PgStore{db: db}
}

func scanDelivery(row pgx.Row) (*Delivery, error) {
	var d Delivery
	var riderID *string
	err := row.Scan(
		&d.ID, &d.OrderID, &riderID,
		&d.Pickup.Lat, &d.Pickup.Lng, &d.Dropoff.Lat, &d.Dropoff.Lng,
		&d.PickupAddress, &d.DropoffAddress, &d.Fee, &d.Status, &d.Attempts,
		&d.OfferExpiresAt, &d.RetryAt, &d.AssignedAt, &d.PickedUpAt, &d.DeliveredAt, &d.FailedAt, &d.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if riderID != nil {
		v := types.ID(*riderID)
		d.RiderID = &v
	}
	return &d, nil
}

func (s *PgStore) Get(ctx context.Context, id types.ID) (*Delivery, error) {
	row := s.db.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, string(id))
	return scanDelivery(row)
}

func (s *PgStore) ForOrder(ctx context.Context, orderID types.ID) (*Delivery, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, string(orderID))
	return scanDelivery(row)
}

// ListByStatus returns the oldest deliveries in a given state, for
// operator review of jobs the matcher could not place.
func (s *PgStore) ListByStatus(ctx context.Context, status Status, limit int) ([]Delivery, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`, string(status), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// UpdateStatus moves the lifecycle forward iff the delivery is still in the
// expected state.
func (s *PgStore) UpdateStatus(ctx context.Context, id types.ID, from, to Status, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE deliveries
		SET status = $1,
		    picked_up_at = CASE WHEN $1 = 'picked_up' THEN $2 ELSE picked_up_at END,
		    delivered_at = CASE WHEN $1 = 'delivered' THEN $2 ELSE delivered_at END,
		    failed_at = CASE WHEN $1 = 'failed' THEN $2 ELSE failed_at END
		WHERE id = $3 AND status = $4`,
		string(to), at, string(id), string(from),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) AppendPing(ctx context.Context, p *Ping) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO delivery_locations (delivery_id, rider_id, lat, lng, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(p.DeliveryID), string(p.RiderID), p.Position.Lat, p.Position.Lng, p.RecordedAt,
	)
	return err
}

func (s *PgStore) Pings(ctx context.Context, deliveryID types.ID) ([]Ping, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, delivery_id, rider_id, lat, lng, recorded_at
		FROM delivery_locations
		WHERE delivery_id = $1
		ORDER BY recorded_at, id`, string(deliveryID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Ping
	for rows.Next() {
		var p Ping
		if err := rows.Scan(&p.ID, &p.DeliveryID, &p.RiderID, &p.Position.Lat, &p.Position.Lng, &p.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PgStore) Delivered(ctx context.Context, orderID types.ID) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM deliveries WHERE order_id = $1 AND status = 'delivered'
		)`, string(orderID),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *PgStore) ProgressedPastAssigned(ctx context.Context, orderID types.ID) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM deliveries
			WHERE order_id = $1 AND status IN ('picked_up', 'delivered')
		)`, string(orderID),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}
