package sqlutil

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %s", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func TestWithTransactionCommits(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO things").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := WithTransaction(db, func(txn *sqlx.Tx) error {
		_, err := txn.Exec("INSERT INTO things VALUES(1)")
		return err
	})
	if err != nil {
		t.Fatalf("WithTransaction: %s", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	wantErr := errors.New("nope")
	err := WithTransaction(db, func(txn *sqlx.Tx) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v want %v", err, wantErr)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWithTransactionRollsBackOnPanic(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := WithTransaction(db, func(txn *sqlx.Tx) error {
		panic("boom")
	})
	if err == nil {
		t.Fatalf("expected error from panic")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWithSerializableTransactionRetries(t *testing.T) {
	db, mock := newMockDB(t)
	serializationErr := &pq.Error{Code: "40001"}
	// two aborted attempts then success
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	var retries []int
	err := WithSerializableTransaction(context.Background(), db, 5, func(attempt int, err error) {
		retries = append(retries, attempt)
	}, func(txn *sqlx.Tx) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("select: %w", serializationErr)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithSerializableTransaction: %s", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("got retries %v want [1 2]", retries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWithSerializableTransactionGivesUp(t *testing.T) {
	db, mock := newMockDB(t)
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}
	calls := 0
	err := WithSerializableTransaction(context.Background(), db, 1, nil, func(txn *sqlx.Tx) error {
		calls++
		return &pq.Error{Code: "40001"}
	})
	if !IsSerializationFailure(err) {
		t.Fatalf("got %v want serialization failure", err)
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2", calls)
	}
}

func TestWithSerializableTransactionDoesNotRetryOtherErrors(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()
	calls := 0
	err := WithSerializableTransaction(context.Background(), db, 5, nil, func(txn *sqlx.Tx) error {
		calls++
		return &pq.Error{Code: "23505"} // unique_violation
	})
	if err == nil || calls != 1 {
		t.Fatalf("got err=%v calls=%d, want one failed call", err, calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
