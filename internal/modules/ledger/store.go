// README: Ledger store backed by PostgreSQL. The unique index on
// (order_id, entry_type, transition_id) makes entry generation idempotent;
// payout approval locks the account's requests before re-checking the balance.
package ledger

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
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const entryColumns = `
	id, order_id, entry_type, transition_id, account_type, account_id, amount, currency, created_at`

type PgStore struct {
	db DB
}

func NewStore(db DB) *PgStore {
	return &PgStore{db: db}
}

// InsertEntries appends the batch atomically. Entries whose idempotency
// key already exists are skipped; the count of new rows is returned, so a
// caller can tell a fresh generation (all inserted) from a replay (none).
func (s *PgStore) InsertEntries(ctx context.Context, entries []Entry) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, e := range entries {
		tag, err := tx.Exec(ctx, `
			INSERT INTO ledger_entries (
				order_id, entry_type, transition_id, account_type, account_id,
				amount, currency, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (order_id, entry_type, transition_id) DO NOTHING`,
			string(e.OrderID), string(e.Type), string(e.TransitionID),
			string(e.AccountType), string(e.AccountID), e.Amount, e.Currency, e.CreatedAt,
		)
		if err != nil {
			return 0, err
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *PgStore) EntriesForOrder(ctx context.Context, orderID types.ID) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE order_id = $1
		ORDER BY id`, string(orderID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.OrderID, &e.Type, &e.TransitionID,
			&e.AccountType, &e.AccountID, &e.Amount, &e.Currency, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// BalanceFor sums all signed entries credited to an account.
func (s *PgStore) BalanceFor(ctx context.Context, acct AccountType, id types.ID) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE account_type = $1 AND account_id = $2`,
		string(acct), string(id)).Scan(&balance)
	return balance, err
}

func (s *PgStore) CreatePayout(ctx context.Context, p *Payout) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payout_requests (
			id, account_type, account_id, amount, status, method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(p.ID), string(p.AccountType), string(p.AccountID),
		p.Amount, string(p.Status), p.Method, p.CreatedAt,
	)
	return err
}

func (s *PgStore) GetPayout(ctx context.Context, id types.ID) (*Payout, error) {
	var p Payout
	err := s.db.QueryRow(ctx, `
		SELECT id, account_type, account_id, amount, status, method, reference, created_at, resolved_at
		FROM payout_requests WHERE id = $1`, string(id)).Scan(
		&p.ID, &p.AccountType, &p.AccountID, &p.Amount, &p.Status,
		&p.Method, &p.Reference, &p.CreatedAt, &p.ResolvedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ApprovePayout moves the request to approved iff it is still pending and
// the account's credits cover it on top of everything already approved or
// paid. Approvals for one account serialize on row locks: the transaction
// locks every request of the account before the balance check, so two
// approvals cannot both read a balance that only covers one of them.
func (s *PgStore) ApprovePayout(ctx context.Context, id types.ID, at time.Time) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id FROM payout_requests
		WHERE (account_type, account_id) = (
			SELECT account_type, account_id FROM payout_requests WHERE id = $1)
		FOR UPDATE`, string(id))
	if err != nil {
		return false, err
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE payout_requests p
		SET status = 'approved', resolved_at = $2
		WHERE p.id = $1 AND p.status = 'requested'
		  AND p.amount <= (
			SELECT COALESCE(SUM(e.amount), 0)
			FROM ledger_entries e
			WHERE e.account_type = p.account_type AND e.account_id = p.account_id
		  ) - (
			SELECT COALESCE(SUM(q.amount), 0)
			FROM payout_requests q
			WHERE q.account_type = p.account_type AND q.account_id = p.account_id
			  AND q.status IN ('approved', 'paid') AND q.id <> p.id
		  )`,
		string(id), at,
	)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkPayoutPaid records the transfer reference on an approved payout.
func (s *PgStore) MarkPayoutPaid(ctx context.Context, id types.ID, reference string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE payout_requests
		SET status = 'paid', reference = $2, resolved_at = $3
		WHERE id = $1 AND status = 'approved'`,
		string(id), reference, at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) RejectPayout(ctx context.Context, id types.ID, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE payout_requests
		SET status = 'rejected', resolved_at = $2
		WHERE id = $1 AND status = 'requested'`,
		string(id), at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// PayoutsFor lists a beneficiary's requests, newest first.
func (s *PgStore) PayoutsFor(ctx context.Context, acct AccountType, id types.ID) ([]Payout, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, account_type, account_id, amount, status, method, reference, created_at, resolved_at
		FROM payout_requests
		WHERE account_type = $1 AND account_id = $2
		ORDER BY created_at DESC`, string(acct), string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payout
	for rows.Next() {
		var p Payout
		if err := rows.Scan(
			&p.ID, &p.AccountType, &p.AccountID, &p.Amount, &p.Status,
			&p.Method, &p.Reference, &p.CreatedAt, &p.ResolvedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
