// README: Return request store backed by PostgreSQL. The one-open-request
// guard and every status move are single conditional statements.
package returns

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

const requestColumns = `
	id, order_id, kind, status, requested_by, reason, refund_amount, created_at, resolved_at`

type PgStore struct {
	db DB
}

func NewStore(db DB) *PgStore {
	return &PgStore{db: db}
}

// Create inserts the request unless an open one of the same kind already
// exists for the order. The partial unique index on (order_id, kind) over
// open statuses backs the guard under concurrency.
func (s *PgStore) Create(ctx context.Context, r *Request) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO return_requests (
			id, order_id, kind, status, requested_by, reason, refund_amount, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE NOT EXISTS (
			SELECT 1 FROM return_requests
			WHERE order_id = $2 AND kind = $3
			  AND status IN ('requested', 'approved', 'in_transit', 'received'))
		ON CONFLICT DO NOTHING`,
		string(r.ID), string(r.OrderID), string(r.Kind), string(r.Status),
		string(r.RequestedBy), r.Reason, r.RefundAmount, r.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) Get(ctx context.Context, id types.ID) (*Request, error) {
	row := s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM return_requests WHERE id = $1`, string(id))
	return scanRequest(row)
}

func (s *PgStore) ForOrder(ctx context.Context, orderID types.ID) ([]Request, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+requestColumns+`
		FROM return_requests
		WHERE order_id = $1
		ORDER BY created_at`, string(orderID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpdateStatus moves the request iff it is still in the expected state.
// Terminal moves stamp resolved_at.
func (s *PgStore) UpdateStatus(ctx context.Context, id types.ID, from, to Status, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE return_requests
		SET status = $1,
		    resolved_at = CASE WHEN $1 IN ('rejected', 'withdrawn', 'refunded', 'approved') THEN $2 ELSE resolved_at END
		WHERE id = $3 AND status = $4`,
		string(to), at, string(id), string(from),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) SetRefundAmount(ctx context.Context, id types.ID, amount int64) error {
	_, err := s.db.Exec(ctx, `UPDATE return_requests SET refund_amount = $2 WHERE id = $1`,
		string(id), amount)
	return err
}

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	err := row.Scan(
		&r.ID, &r.OrderID, &r.Kind, &r.Status,
		&r.RequestedBy, &r.Reason, &r.RefundAmount, &r.CreatedAt, &r.ResolvedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
