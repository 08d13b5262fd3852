// README: Order store backed by PostgreSQL; status updates are CAS on (status, status_version).
package order

import (
	"context"
	"encoding/json"
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
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgStore struct {
	db DB
}

func NewStore(db DB) *PgStore {
	return &PgStore{db: db}
}

func (s *PgStore) Create(ctx context.Context, o *Order) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (
			id, buyer_id, vendor_id, community_id, currency, method,
			status, status_version, subtotal, shipping_fee, total, member_discount,
			pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			pickup_address, dropoff_address, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19
		)`,
		string(o.ID), string(o.BuyerID), string(o.VendorID), string(o.CommunityID),
		o.Currency, string(o.Method),
		string(o.Status), o.StatusVersion, o.Subtotal, o.ShippingFee, o.Total, o.MemberDiscount,
		o.Pickup.Lat, o.Pickup.Lng, o.Dropoff.Lat, o.Dropoff.Lng,
		o.PickupAddress, o.DropoffAddress, o.CreatedAt,
	)
	if err != nil {
		return err
	}

	for _, l := range o.Lines {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_lines (order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4)`,
			string(o.ID), string(l.ProductID), l.Quantity, l.UnitPrice,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PgStore) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, buyer_id, vendor_id, community_id, currency, method,
		       status, status_version, subtotal, shipping_fee, total, member_discount,
		       payment_ref,
		       pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
		       pickup_address, dropoff_address,
		       created_at, paid_at, fulfilled_at, canceled_at, refunded_at
		FROM orders
		WHERE id = $1`, string(id),
	)

	var o Order
	var paymentRef *string
	var paidAt, fulfilledAt, canceledAt, refundedAt *time.Time

	err := row.Scan(
		&o.ID, &o.BuyerID, &o.VendorID, &o.CommunityID, &o.Currency, &o.Method,
		&o.Status, &o.StatusVersion, &o.Subtotal, &o.ShippingFee, &o.Total, &o.MemberDiscount,
		&paymentRef,
		&o.Pickup.Lat, &o.Pickup.Lng, &o.Dropoff.Lat, &o.Dropoff.Lng,
		&o.PickupAddress, &o.DropoffAddress,
		&o.CreatedAt, &paidAt, &fulfilledAt, &canceledAt, &refundedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if paymentRef != nil {
		o.PaymentRef = *paymentRef
	}
	o.PaidAt = paidAt
	o.FulfilledAt = fulfilledAt
	o.CanceledAt = canceledAt
	o.RefundedAt = refundedAt

	rows, err := s.db.Query(ctx, `
		SELECT product_id, quantity, unit_price, committed
		FROM order_lines
		WHERE order_id = $1
		ORDER BY product_id`, string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ProductID, &l.Quantity, &l.UnitPrice, &l.Committed); err != nil {
			return nil, err
		}
		o.Lines = append(o.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdateStatus performs the compare-and-swap that gates every transition.
// paymentRef is recorded only when moving to paid.
func (s *PgStore) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, paymentRef *string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE orders
		SET status = $1,
		    status_version = status_version + 1,
		    payment_ref = COALESCE($2, payment_ref),
		    paid_at = CASE WHEN $1 = 'paid' THEN NOW() ELSE paid_at END,
		    fulfilled_at = CASE WHEN $1 = 'fulfilled' THEN NOW() ELSE fulfilled_at END,
		    canceled_at = CASE WHEN $1 = 'canceled' THEN NOW() ELSE canceled_at END,
		    refunded_at = CASE WHEN $1 = 'refunded' THEN NOW() ELSE refunded_at END
		WHERE id = $3 AND status = $4 AND status_version = $5`,
		string(to), paymentRef, string(id), string(from), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) AppendTransition(ctx context.Context, t *Transition) error {
	var meta []byte
	if t.Meta != nil {
		b, err := json.Marshal(t.Meta)
		if err != nil {
			return err
		}
		meta = b
	}
	var actorID *string
	if t.Actor.ID != nil {
		v := string(*t.Actor.ID)
		actorID = &v
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO order_transitions (
			id, order_id, from_status, to_status, actor_type, actor_id,
			automated, trigger_tag, meta, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(t.ID), string(t.OrderID), string(t.From), string(t.To),
		string(t.Actor.Type), actorID, t.Automated, t.Trigger, meta, t.CreatedAt,
	)
	return err
}

func (s *PgStore) Transitions(ctx context.Context, orderID types.ID) ([]Transition, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, order_id, from_status, to_status, actor_type, actor_id,
		       automated, trigger_tag, meta, created_at
		FROM order_transitions
		WHERE order_id = $1
		ORDER BY created_at, id`, string(orderID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var actorID *string
		var meta []byte
		if err := rows.Scan(&t.ID, &t.OrderID, &t.From, &t.To, &t.Actor.Type, &actorID,
			&t.Automated, &t.Trigger, &meta, &t.CreatedAt); err != nil {
			return nil, err
		}
		if actorID != nil {
			v := types.ID(*actorID)
			t.Actor.ID = &v
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Meta); err != nil {
				return nil, err
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkLineCommitted claims a line for inventory commit. A line claims
// exactly once; a replayed fulfillment pass gets false and moves on.
func (s *PgStore) MarkLineCommitted(ctx context.Context, orderID, productID types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE order_lines
		SET committed = TRUE
		WHERE order_id = $1 AND product_id = $2 AND NOT committed`,
		string(orderID), string(productID),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UnmarkLineCommitted returns the claim after a failed inventory commit so
// a later pass retries the line.
func (s *PgStore) UnmarkLineCommitted(ctx context.Context, orderID, productID types.ID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE order_lines
		SET committed = FALSE
		WHERE order_id = $1 AND product_id = $2`,
		string(orderID), string(productID),
	)
	return err
}

// UnmatchedPaidRider lists paid rider orders with no delivery job at all:
// the kickoff failed or the process died before it ran.
func (s *PgStore) UnmatchedPaidRider(ctx context.Context, limit int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT o.id FROM orders o
		WHERE o.status = 'paid' AND o.method = 'rider'
		  AND NOT EXISTS (SELECT 1 FROM deliveries d WHERE d.order_id = o.id)
		ORDER BY o.paid_at
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, types.ID(id))
	}
	return out, rows.Err()
}

// FulfillmentRef points at the transition that moved an order to fulfilled.
type FulfillmentRef struct {
	OrderID      types.ID
	TransitionID types.ID
}

// UnledgeredFulfilled lists fulfilled orders whose revenue split never
// landed, with the fulfilling transition to key the retry to. The vendor
// payout entry is written by every generation, so its absence marks an
// interrupted one.
func (s *PgStore) UnledgeredFulfilled(ctx context.Context, limit int) ([]FulfillmentRef, error) {
	rows, err := s.db.Query(ctx, `
		SELECT o.id, t.id
		FROM orders o
		JOIN order_transitions t ON t.order_id = o.id AND t.to_status = 'fulfilled'
		WHERE o.status = 'fulfilled'
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_entries e
			WHERE e.order_id = o.id AND e.entry_type = 'vendor_payout')
		ORDER BY o.fulfilled_at
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FulfillmentRef
	for rows.Next() {
		var ref FulfillmentRef
		if err := rows.Scan(&ref.OrderID, &ref.TransitionID); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// StalePending lists unpaid pending orders created before the cutoff,
// for the auto-cancel reconciliation pass.
func (s *PgStore) StalePending(ctx context.Context, before time.Time, limit int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM orders
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, types.ID(id))
	}
	return out, rows.Err()
}
