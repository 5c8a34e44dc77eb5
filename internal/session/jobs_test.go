package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

func newMockJobStore(t *testing.T) (*JobStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := NewJobStore(storage.NewPostgresStoreWithDB(config.RelationalConfig{}, db))
	store.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return store, mock
}

func TestEnqueueJobUpserts(t *testing.T) {
	store, mock := newMockJobStore(t)
	mock.ExpectExec(`INSERT INTO session_checkpoint_jobs`).
		WithArgs("job-1", "sess-1", sqlmock.AnyArg(), "queued", 0, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.EnqueueJob(context.Background(), &types.CheckpointJob{
		JobID:     "job-1",
		SessionID: "sess-1",
		Payload: types.CheckpointJobPayload{
			SessionID:     "sess-1",
			SeedEntityIDs: []string{"e1", "e2"},
			Reason:        "session",
			HopCount:      2,
		},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLoadPendingParsesPayload(t *testing.T) {
	store, mock := newMockJobStore(t)
	payload, _ := json.Marshal(types.CheckpointJobPayload{
		SessionID:     "sess-1",
		SeedEntityIDs: []string{"e1"},
		Reason:        "session",
		HopCount:      2,
	})
	queuedAt := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT job_id, session_id, payload, status, attempts, last_error, queued_at, updated_at`).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{
			"job_id", "session_id", "payload", "status", "attempts", "last_error", "queued_at", "updated_at",
		}).AddRow("job-1", "sess-1", payload, "queued", int64(1), nil, queuedAt, queuedAt))

	jobs, err := store.LoadPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("load pending: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	job := jobs[0]
	if job.JobID != "job-1" || job.Status != types.JobQueued || job.Attempts != 1 {
		t.Errorf("job = %+v", job)
	}
	if len(job.Payload.SeedEntityIDs) != 1 || job.Payload.SeedEntityIDs[0] != "e1" {
		t.Errorf("payload = %+v", job.Payload)
	}
	if !job.QueuedAt.Equal(queuedAt) {
		t.Errorf("queuedAt = %s", job.QueuedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestStatusTransitions(t *testing.T) {
	store, mock := newMockJobStore(t)

	mock.ExpectExec(`UPDATE session_checkpoint_jobs`).
		WithArgs("job-1", "running", 1, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.MarkRunning(context.Background(), "job-1"); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	mock.ExpectExec(`UPDATE session_checkpoint_jobs`).
		WithArgs("job-1", "completed", 0, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.MarkCompleted(context.Background(), "job-1"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	mock.ExpectExec(`UPDATE session_checkpoint_jobs`).
		WithArgs("job-2", "manual_intervention", 0, "graph down", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.MarkFailed(context.Background(), "job-2", "graph down", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	mock.ExpectExec(`UPDATE session_checkpoint_jobs`).
		WithArgs("job-3", "queued", 0, "transient", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.MarkFailed(context.Background(), "job-3", "transient", false); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestStatusTransitionUnknownJob(t *testing.T) {
	store, mock := newMockJobStore(t)
	mock.ExpectExec(`UPDATE session_checkpoint_jobs`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.MarkCompleted(context.Background(), "job-missing"); !types.IsNotFound(err) {
		t.Fatalf("got %v, want not found", err)
	}
}

func TestDeadLetters(t *testing.T) {
	store, mock := newMockJobStore(t)
	mock.ExpectQuery(`WHERE status = 'manual_intervention'`).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{
			"job_id", "session_id", "payload", "status", "attempts", "last_error", "queued_at", "updated_at",
		}).AddRow("job-9", "sess-9", `{"sessionId":"sess-9"}`, "manual_intervention", int64(3), "boom", time.Now(), time.Now()))

	jobs, err := store.DeadLetters(context.Background(), 0)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != types.JobManualIntervention || jobs[0].LastError != "boom" {
		t.Fatalf("jobs = %+v", jobs)
	}
}
