// README: Matching store backed by PostgreSQL. Every contended write is a
// single conditional statement; the row count tells the caller who won.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"souk/internal/modules/delivery"
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

const assignmentColumns = `
	id, delivery_id, rider_id, status, round, distance_km, notified_at, expires_at, responded_at`

type PgStore struct {
	db DB
}

func NewStore(db DB) *PgStore {
	return &PgStore{db: db}
}

// CreateDelivery inserts the job unless a non-terminal delivery for the
// order already exists, making kickoff safe to repeat.
func (s *PgStore) CreateDelivery(ctx context.Context, d *delivery.Delivery) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO deliveries (
			id, order_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			pickup_address, dropoff_address, fee, status, attempts, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11
		WHERE NOT EXISTS (
			SELECT 1 FROM deliveries
			WHERE order_id = $2 AND status NOT IN ('delivered', 'failed'))`,
		string(d.ID), string(d.OrderID),
		d.Pickup.Lat, d.Pickup.Lng, d.Dropoff.Lat, d.Dropoff.Lng,
		d.PickupAddress, d.DropoffAddress, d.Fee, string(d.Status), d.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) GetDelivery(ctx context.Context, id types.ID) (*delivery.Delivery, error) {
	row := s.db.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, string(id))
	return scanDelivery(row)
}

func (s *PgStore) DeliveryForOrder(ctx context.Context, orderID types.ID) (*delivery.Delivery, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, string(orderID))
	return scanDelivery(row)
}

func (s *PgStore) GetAssignment(ctx context.Context, id types.ID) (*Assignment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM delivery_assignments WHERE id = $1`, string(id))
	return scanAssignment(row)
}

// CreateOffer inserts the offer unless the delivery already has an
// outstanding one. The partial unique index on (delivery_id) WHERE
// status = 'offered' backs the guard under concurrency.
func (s *PgStore) CreateOffer(ctx context.Context, a *Assignment) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO delivery_assignments (
			id, delivery_id, rider_id, status, round, distance_km, notified_at, expires_at)
		SELECT $1, $2, $3, 'offered', $4, $5, $6, $7
		WHERE NOT EXISTS (
			SELECT 1 FROM delivery_assignments
			WHERE delivery_id = $2 AND status = 'offered')
		ON CONFLICT DO NOTHING`,
		string(a.ID), string(a.DeliveryID), string(a.RiderID),
		a.Round, a.DistanceKm, a.NotifiedAt, a.ExpiresAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AcceptOffer claims the offer iff it is still open. The wall-clock check
// lives in SQL so a sweep racing the rider cannot double-resolve.
func (s *PgStore) AcceptOffer(ctx context.Context, id types.ID, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE delivery_assignments
		SET status = 'accepted', responded_at = $2
		WHERE id = $1 AND status = 'offered' AND expires_at > $2`,
		string(id), now,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ResolveOffer moves an offered assignment to declined or expired.
func (s *PgStore) ResolveOffer(ctx context.Context, id types.ID, to AssignmentStatus, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE delivery_assignments
		SET status = $2, responded_at = $3
		WHERE id = $1 AND status = 'offered'`,
		string(id), string(to), now,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireSiblings voids every other open offer for the delivery after one
// rider has accepted.
func (s *PgStore) ExpireSiblings(ctx context.Context, deliveryID, keep types.ID, now time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE delivery_assignments
		SET status = 'expired', responded_at = $3
		WHERE delivery_id = $1 AND id <> $2 AND status = 'offered'`,
		string(deliveryID), string(keep), now,
	)
	return err
}

// AssignDelivery binds the rider and opens the lifecycle, iff the delivery
// is still unassigned.
func (s *PgStore) AssignDelivery(ctx context.Context, deliveryID, riderID types.ID, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE deliveries
		SET status = 'assigned', rider_id = $2, assigned_at = $3,
		    offer_expires_at = NULL, retry_at = NULL
		WHERE id = $1 AND status = 'unassigned'`,
		string(deliveryID), string(riderID), at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FailDelivery closes a job that can no longer be fulfilled, iff it has
// not progressed past assigned.
func (s *PgStore) FailDelivery(ctx context.Context, id types.ID, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE deliveries
		SET status = 'failed', failed_at = $2,
		    offer_expires_at = NULL, retry_at = NULL
		WHERE id = $1 AND status IN ('unassigned', 'assigned')`,
		string(id), at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireOpenOffers voids whatever offer is still outstanding for a
// delivery that has been closed.
func (s *PgStore) ExpireOpenOffers(ctx context.Context, deliveryID types.ID, now time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE delivery_assignments
		SET status = 'expired', responded_at = $2
		WHERE delivery_id = $1 AND status = 'offered'`,
		string(deliveryID), now,
	)
	return err
}

// SetOfferWindow records scheduler bookkeeping on the delivery row: the
// deadline of the outstanding offer, or the retry horizon when the
// candidate pool came up empty.
func (s *PgStore) SetOfferWindow(ctx context.Context, deliveryID types.ID, expiresAt *time.Time, attempts int, retryAt *time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE deliveries
		SET offer_expires_at = $2, attempts = $3, retry_at = $4
		WHERE id = $1`,
		string(deliveryID), expiresAt, attempts, retryAt,
	)
	return err
}

// OfferedRiderIDs lists the riders ineligible for the delivery's current
// matching round: anyone with an open or accepted offer, anyone who
// declined, and anyone whose offer already ran out this round. Riders whose
// offer expired in an earlier round come back into the pool.
func (s *PgStore) OfferedRiderIDs(ctx context.Context, deliveryID types.ID, round int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT rider_id FROM delivery_assignments
		WHERE delivery_id = $1
		  AND (status IN ('offered', 'accepted', 'declined')
		       OR (status = 'expired' AND round = $2))`,
		string(deliveryID), round)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, types.ID(id))
	}
	return ids, rows.Err()
}

// StaleOffers returns open offers whose window has elapsed.
func (s *PgStore) StaleOffers(ctx context.Context, now time.Time, limit int) ([]Assignment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM delivery_assignments
		WHERE status = 'offered' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// RetryableDeliveries returns unassigned jobs with no open offer whose
// backoff horizon has passed.
func (s *PgStore) RetryableDeliveries(ctx context.Context, now time.Time, limit int) ([]delivery.Delivery, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries d
		WHERE status = 'unassigned'
		  AND (retry_at IS NULL OR retry_at <= $1)
		  AND NOT EXISTS (
			SELECT 1 FROM delivery_assignments
			WHERE delivery_id = d.id AND status = 'offered')
		ORDER BY created_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []delivery.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// AbandonedDeliveries returns live jobs whose order has since been
// canceled or refunded, so the sweep can close them instead of offering
// dead work to riders.
func (s *PgStore) AbandonedDeliveries(ctx context.Context, limit int) ([]delivery.Delivery, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries d
		WHERE d.status IN ('unassigned', 'assigned')
		  AND EXISTS (
			SELECT 1 FROM orders o
			WHERE o.id = d.order_id AND o.status IN ('canceled', 'refunded'))
		ORDER BY d.created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []delivery.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDelivery(row pgx.Row) (*delivery.Delivery, error) {
	var d delivery.Delivery
	var riderID *string
	err := row.Scan(
		&d.ID, &d.OrderID, &riderID,
		&d.Pickup.Lat, &d.Pickup.Lng, &d.Dropoff.Lat, &d.Dropoff.Lng,
		&d.PickupAddress, &d.DropoffAddress, &d.Fee, &d.Status, &d.Attempts,
		&d.OfferExpiresAt, &d.RetryAt, &d.AssignedAt, &d.PickedUpAt, &d.DeliveredAt, &d.FailedAt, &d.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, delivery.ErrNotFound
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

func scanAssignment(row pgx.Row) (*Assignment, error) {
	var a Assignment
	err := row.Scan(
		&a.ID, &a.DeliveryID, &a.RiderID, &a.Status, &a.Round,
		&a.DistanceKm, &a.NotifiedAt, &a.ExpiresAt, &a.RespondedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
