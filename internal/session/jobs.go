package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scrypster/memento/internal/metrics"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// JobStore persists checkpoint jobs in session_checkpoint_jobs so a
// queued checkpoint survives process restarts.
type JobStore struct {
	db  storage.RelationalStore
	now func() time.Time
}

func NewJobStore(db storage.RelationalStore) *JobStore {
	return &JobStore{db: db, now: time.Now}
}

// EnqueueJob upserts a job row. Re-enqueueing an existing job id
// refreshes its payload and status but keeps the original queued_at so
// pending ordering is stable.
func (s *JobStore) EnqueueJob(ctx context.Context, job *types.CheckpointJob) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	_, err = s.db.Exec(ctx, `INSERT INTO session_checkpoint_jobs
	(job_id, session_id, payload, status, attempts, queued_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (job_id) DO UPDATE SET
	payload = EXCLUDED.payload,
	status = EXCLUDED.status,
	updated_at = EXCLUDED.updated_at`,
		job.JobID, job.SessionID, string(payload), string(types.JobQueued), 0, now, now)
	if err != nil {
		return &types.ErrStoreUnavailable{Store: "relational", Err: err}
	}
	metrics.CheckpointJobs.WithLabelValues(string(types.JobQueued)).Inc()
	return nil
}

// LoadPending returns jobs in pending states, oldest first. Running
// jobs are included: after a crash they are simply retried.
func (s *JobStore) LoadPending(ctx context.Context, limit int) ([]*types.CheckpointJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `SELECT job_id, session_id, payload, status, attempts, last_error, queued_at, updated_at
FROM session_checkpoint_jobs
WHERE status IN ('queued', 'pending', 'running')
ORDER BY queued_at ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, &types.ErrStoreUnavailable{Store: "relational", Err: err}
	}
	jobs := make([]*types.CheckpointJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, jobFromRow(row))
	}
	return jobs, nil
}

// DeadLetters returns jobs parked for manual intervention.
func (s *JobStore) DeadLetters(ctx context.Context, limit int) ([]*types.CheckpointJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `SELECT job_id, session_id, payload, status, attempts, last_error, queued_at, updated_at
FROM session_checkpoint_jobs
WHERE status = 'manual_intervention'
ORDER BY updated_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, &types.ErrStoreUnavailable{Store: "relational", Err: err}
	}
	jobs := make([]*types.CheckpointJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, jobFromRow(row))
	}
	return jobs, nil
}

// MarkRunning claims a job and bumps its attempt counter.
func (s *JobStore) MarkRunning(ctx context.Context, jobID string) error {
	return s.setStatus(ctx, jobID, types.JobRunning, "", true)
}

// MarkCompleted finishes a job.
func (s *JobStore) MarkCompleted(ctx context.Context, jobID string) error {
	return s.setStatus(ctx, jobID, types.JobCompleted, "", false)
}

// MarkFailed records a failure. With dead set the job parks in
// manual_intervention; otherwise it goes back to queued for another
// attempt.
func (s *JobStore) MarkFailed(ctx context.Context, jobID, lastError string, dead bool) error {
	status := types.JobQueued
	if dead {
		status = types.JobManualIntervention
	}
	return s.setStatus(ctx, jobID, status, lastError, false)
}

func (s *JobStore) setStatus(ctx context.Context, jobID string, status types.JobStatus, lastError string, bumpAttempts bool) error {
	attempts := 0
	if bumpAttempts {
		attempts = 1
	}
	n, err := s.db.Exec(ctx, `UPDATE session_checkpoint_jobs
SET status = $2, attempts = attempts + $3, last_error = NULLIF($4, ''), updated_at = $5
WHERE job_id = $1`,
		jobID, string(status), attempts, lastError, s.now().UTC())
	if err != nil {
		return &types.ErrStoreUnavailable{Store: "relational", Err: err}
	}
	if n == 0 {
		return &types.ErrNotFound{Kind: "job", ID: jobID}
	}
	metrics.CheckpointJobs.WithLabelValues(string(status)).Inc()
	return nil
}

func jobFromRow(row storage.Row) *types.CheckpointJob {
	job := &types.CheckpointJob{
		JobID:     asStr(row["job_id"]),
		SessionID: asStr(row["session_id"]),
		Status:    types.JobStatus(asStr(row["status"])),
		LastError: asStr(row["last_error"]),
	}
	switch v := row["attempts"].(type) {
	case int64:
		job.Attempts = int(v)
	case int:
		job.Attempts = v
	}
	if t, ok := row["queued_at"].(time.Time); ok {
		job.QueuedAt = t
	}
	if t, ok := row["updated_at"].(time.Time); ok {
		job.UpdatedAt = t
	}
	if payload := asStr(row["payload"]); payload != "" {
		if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
			log.Warn().Str("job_id", job.JobID).Err(err).Msg("bad job payload")
		}
	}
	return job
}

func asStr(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return ""
}
