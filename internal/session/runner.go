package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/pkg/types"
)

// CheckpointCreator anchors session outcomes into the graph. The
// history service satisfies it.
type CheckpointCreator interface {
	CreateCheckpoint(ctx context.Context, seeds []string, opts types.CheckpointOptions) (*types.CheckpointResult, error)
}

// Notifier announces a finished checkpoint to session subscribers.
// The manager satisfies it; nil disables notifications.
type Notifier interface {
	NotifyCheckpointComplete(ctx context.Context, sessionID, checkpointID, outcome string) error
}

// jobQueue is the slice of JobStore the runner needs.
type jobQueue interface {
	LoadPending(ctx context.Context, limit int) ([]*types.CheckpointJob, error)
	MarkRunning(ctx context.Context, jobID string) error
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, lastError string, dead bool) error
}

// Runner drains the durable checkpoint job queue. Jobs survive
// restarts: anything still queued, pending, or running is picked up
// again on the next poll, so checkpoint creation must tolerate a
// repeat.
type Runner struct {
	jobs        jobQueue
	checkpoints CheckpointCreator
	notify      Notifier
	cfg         config.SessionConfig

	batchSize int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewRunner(jobs jobQueue, checkpoints CheckpointCreator, notify Notifier, cfg config.SessionConfig) *Runner {
	return &Runner{
		jobs:        jobs,
		checkpoints: checkpoints,
		notify:      notify,
		cfg:         cfg,
		batchSize:   10,
	}
}

// Start begins polling. Starting a running runner is an error.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return &types.ErrConflict{Kind: "job_runner", Reason: "already started"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true
	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

// Stop halts polling. In-flight jobs finish; queued ones wait for the
// next start.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	interval := time.Duration(r.cfg.JobPollInterval)
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Drain(ctx)
		}
	}
}

// Drain processes one batch of pending jobs. It is exported so the
// serve loop can flush synchronously at startup.
func (r *Runner) Drain(ctx context.Context) {
	jobs, err := r.jobs.LoadPending(ctx, r.batchSize)
	if err != nil {
		log.Warn().Err(err).Msg("load pending checkpoint jobs failed")
		return
	}
	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		r.process(ctx, job)
	}
}

func (r *Runner) process(ctx context.Context, job *types.CheckpointJob) {
	if err := r.jobs.MarkRunning(ctx, job.JobID); err != nil {
		log.Warn().Str("job_id", job.JobID).Err(err).Msg("claim job failed")
		return
	}
	attempt := job.Attempts + 1

	result, err := r.checkpoints.CreateCheckpoint(ctx, job.Payload.SeedEntityIDs, types.CheckpointOptions{
		Reason:      types.CheckpointReason(job.Payload.Reason),
		Hops:        job.Payload.HopCount,
		Window:      job.Payload.Window,
		Description: "session " + job.Payload.SessionID,
	})
	if err != nil {
		dead := attempt >= r.maxRetries() || !retryable(err)
		if markErr := r.jobs.MarkFailed(ctx, job.JobID, err.Error(), dead); markErr != nil {
			log.Warn().Str("job_id", job.JobID).Err(markErr).Msg("record job failure failed")
		}
		log.Warn().Str("job_id", job.JobID).Int("attempt", attempt).
			Bool("dead", dead).Err(err).Msg("checkpoint job failed")
		if dead && r.notify != nil {
			r.notify.NotifyCheckpointComplete(ctx, job.SessionID, "", "failed")
		}
		return
	}

	if err := r.jobs.MarkCompleted(ctx, job.JobID); err != nil {
		log.Warn().Str("job_id", job.JobID).Err(err).Msg("complete job failed")
		return
	}
	if r.notify != nil {
		r.notify.NotifyCheckpointComplete(ctx, job.SessionID, result.CheckpointID, "completed")
	}
	log.Info().Str("job_id", job.JobID).Str("checkpoint_id", result.CheckpointID).
		Int("members", result.MemberCount).Msg("session checkpoint created")
}

func (r *Runner) maxRetries() int {
	if r.cfg.JobMaxRetries > 0 {
		return r.cfg.JobMaxRetries
	}
	return 3
}

// retryable: validation and not-found never heal on retry; everything
// else might.
func retryable(err error) bool {
	return !types.IsValidation(err) && !types.IsNotFound(err)
}
