package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/scrypster/memento/internal/config"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreWithDB(config.RelationalConfig{}, db), mock
}

func TestSetupSchemaIssuesDDL(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS session_checkpoint_jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS session_checkpoint_jobs_status_queued_at").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.SetupSchema(context.Background()); err != nil {
		t.Fatalf("SetupSchema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestQueryCollectsRows(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT job_id, status FROM session_checkpoint_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "status"}).
			AddRow("job-1", "queued").
			AddRow("job-2", []byte("running")))

	rows, err := store.Query(context.Background(), "SELECT job_id, status FROM session_checkpoint_jobs")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0]["job_id"] != "job-1" || rows[0]["status"] != "queued" {
		t.Errorf("row 0 = %v", rows[0])
	}
	// []byte columns come back as strings
	if rows[1]["status"] != "running" {
		t.Errorf("row 1 status = %v (%T)", rows[1]["status"], rows[1]["status"])
	}
}

func TestTransactionCommitsOnSuccess(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE session_checkpoint_jobs SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Transaction(context.Background(), nil, func(tx RelationalQuerier) error {
		n, err := tx.Exec(context.Background(), "UPDATE session_checkpoint_jobs SET status = $1 WHERE job_id = $2", "running", "job-1")
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("affected = %d, want 1", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := store.Transaction(context.Background(), nil, func(tx RelationalQuerier) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error to propagate, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestBulkQuerySingleTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO session_checkpoint_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE session_checkpoint_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.BulkQuery(context.Background(), []Statement{
		{SQL: "INSERT INTO session_checkpoint_jobs (job_id) VALUES ($1)", Args: []any{"job-1"}},
		{SQL: "UPDATE session_checkpoint_jobs SET attempts = attempts + 1 WHERE job_id = $1", Args: []any{"job-1"}},
	})
	if err != nil {
		t.Fatalf("BulkQuery: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
