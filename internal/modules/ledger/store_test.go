package ledger

import (
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
)

func newMockStore(t *testing.T) (*PgStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("create mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewStore(mock), mock
}

func TestStoreApprovePayout(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("locks account requests then approves", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM payout_requests").
			WithArgs("po-1").
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("po-1").AddRow("po-2"))
		mock.ExpectExec("UPDATE payout_requests").
			WithArgs("po-1", at).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		ok, err := store.ApprovePayout(ctx, "po-1", at)
		if err != nil {
			t.Fatalf("approve: %v", err)
		}
		if !ok {
			t.Fatal("expected approval to succeed")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("balance guard fails", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM payout_requests").
			WithArgs("po-1").
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("po-1"))
		mock.ExpectExec("UPDATE payout_requests").
			WithArgs("po-1", at).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectCommit()

		ok, err := store.ApprovePayout(ctx, "po-1", at)
		if err != nil {
			t.Fatalf("approve: %v", err)
		}
		if ok {
			t.Fatal("expected approval to be rejected")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatal(err)
		}
	})
}
