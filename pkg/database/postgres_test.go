package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// mockDB wraps a sqlmock connection as a postgres-flavored DB so the
// transaction helper's failure paths can be exercised without a server.
func mockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	return &DB{DB: raw, postgres: true}, mock
}

func TestWithTx_PostgresCommit(t *testing.T) {
	d, mock := mockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO probe \(name\) VALUES \(\$1\)`).
		WithArgs("a").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := d.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(d.Rebind("INSERT INTO probe (name) VALUES (?)"), "a")
		return err
	})
	if err != nil {
		t.Fatalf("with tx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestWithTx_PostgresRollbackOnError(t *testing.T) {
	d, mock := mockDB(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("handler failed")
	err := d.WithTx(context.Background(), func(tx *sql.Tx) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("rollback not issued: %v", err)
	}
}

func TestWithTx_PostgresCommitFailure(t *testing.T) {
	d, mock := mockDB(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	err := d.WithTx(context.Background(), func(tx *sql.Tx) error { return nil })
	if err == nil {
		t.Fatal("expected commit failure to surface")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestWithTx_PostgresBeginFailure(t *testing.T) {
	d, mock := mockDB(t)

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	err := d.WithTx(context.Background(), func(tx *sql.Tx) error { return nil })
	if err == nil {
		t.Fatal("expected begin failure to surface")
	}
}
