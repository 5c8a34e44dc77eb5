package pipeline

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/metrics"
	"github.com/scrypster/memento/pkg/types"
)

// Handler processes one task. Handlers must be idempotent: after a
// timeout the same task may run again on another worker.
type Handler func(ctx context.Context, task *types.TaskPayload) error

// worker is one drain loop. Counters are read by the health check
// while the loop is running.
type worker struct {
	id        int
	cancel    context.CancelFunc
	processed atomic.Int64
	failed    atomic.Int64
	heartbeat atomic.Int64 // unix nanos
	busy      atomic.Bool
}

// WorkerPool drains the queue manager with a dynamic set of workers.
// Scaling reacts to sustained queue depth; unhealthy workers are
// replaced.
type WorkerPool struct {
	cfg   config.WorkerConfig
	auto  config.AutoScaleConfig
	queue *QueueManager

	pollInterval time.Duration
	now          func() time.Time

	mu       sync.Mutex
	handlers map[types.TaskType]Handler
	workers  map[int]*worker
	nextID   int
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	aboveSince time.Time
	belowSince time.Time
}

func NewWorkerPool(queue *QueueManager, cfg config.WorkerConfig, auto config.AutoScaleConfig) *WorkerPool {
	if cfg.Min <= 0 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	return &WorkerPool{
		cfg:          cfg,
		auto:         auto,
		queue:        queue,
		pollInterval: 50 * time.Millisecond,
		now:          time.Now,
		handlers:     map[types.TaskType]Handler{},
		workers:      map[int]*worker{},
	}
}

// RegisterHandler binds a handler to a task type. Later registrations
// replace earlier ones.
func (p *WorkerPool) RegisterHandler(t types.TaskType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[t] = h
}

// Start spins up the minimum worker set plus the supervisor. Starting
// a running pool is an error.
func (p *WorkerPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return &types.ErrConflict{Kind: "worker_pool", Reason: "already started"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true
	for i := 0; i < p.cfg.Min; i++ {
		p.spawnLocked(ctx)
	}
	p.wg.Add(1)
	go p.supervise(ctx)
	log.Info().Int("workers", p.cfg.Min).Msg("worker pool started")
	return nil
}

// Stop drains in-flight tasks, shuts the workers down, and clears the
// queue. The context bounds how long the drain may take.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.queue.Close()
	err := p.awaitDrain(ctx)
	p.cancel()
	p.wg.Wait()
	p.queue.Clear()

	p.mu.Lock()
	p.workers = map[int]*worker{}
	p.mu.Unlock()
	metrics.WorkerCount.Set(0)
	log.Info().Msg("worker pool stopped")
	return err
}

func (p *WorkerPool) awaitDrain(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		if p.queue.Depth() == 0 && !p.anyBusy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *WorkerPool) anyBusy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.busy.Load() {
			return true
		}
	}
	return false
}

// spawnLocked starts one worker. Caller holds p.mu.
func (p *WorkerPool) spawnLocked(ctx context.Context) {
	p.nextID++
	wctx, cancel := context.WithCancel(ctx)
	w := &worker{id: p.nextID, cancel: cancel}
	w.heartbeat.Store(p.now().UnixNano())
	p.workers[w.id] = w
	metrics.WorkerCount.Set(float64(len(p.workers)))
	p.wg.Add(1)
	go p.run(wctx, w)
}

func (p *WorkerPool) run(ctx context.Context, w *worker) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.heartbeat.Store(p.now().UnixNano())
		tasks := p.queue.DequeueBatch(-1, 1)
		if len(tasks) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}
		w.busy.Store(true)
		p.execute(ctx, w, tasks[0])
		w.busy.Store(false)
	}
}

func (p *WorkerPool) execute(ctx context.Context, w *worker, task *types.TaskPayload) {
	p.mu.Lock()
	handler := p.handlers[task.Type]
	p.mu.Unlock()

	if handler == nil {
		w.failed.Add(1)
		metrics.TasksProcessed.WithLabelValues(string(task.Type), "no_handler").Inc()
		metrics.TasksDeadLettered.Inc()
		log.Error().Str("task_id", task.ID).Str("type", string(task.Type)).
			Msg("no handler registered, task dropped")
		return
	}

	start := p.now()
	tctx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.Timeout))
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- handler(tctx, task) }()

	var err error
	select {
	case err = <-done:
	case <-tctx.Done():
		err = &types.ErrTimeout{Op: string(task.Type), Elapsed: p.now().Sub(start)}
	}
	metrics.TaskDuration.WithLabelValues(string(task.Type)).Observe(p.now().Sub(start).Seconds())

	if err == nil {
		w.processed.Add(1)
		metrics.TasksProcessed.WithLabelValues(string(task.Type), "ok").Inc()
		return
	}

	w.failed.Add(1)
	metrics.TasksProcessed.WithLabelValues(string(task.Type), "error").Inc()
	if types.IsValidation(err) {
		metrics.TasksDeadLettered.Inc()
		log.Error().Str("task_id", task.ID).Err(err).Msg("task failed permanently")
		return
	}
	p.queue.RequeueTask(task, err)
}

// supervise promotes due retries, replaces failing workers, and
// applies the scaling rules.
func (p *WorkerPool) supervise(ctx context.Context) {
	defer p.wg.Done()
	interval := time.Duration(p.cfg.HealthCheckInterval)
	if interval <= 0 {
		interval = 15 * time.Second
	}
	health := time.NewTicker(interval)
	defer health.Stop()
	promote := time.NewTicker(p.pollInterval * 4)
	defer promote.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			p.queue.ProcessScheduledTasks()
			p.autoScale(ctx)
		case <-health.C:
			p.checkHealth(ctx)
		}
	}
}

func (p *WorkerPool) checkHealth(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, w := range p.workers {
		if int(w.failed.Load()) >= p.cfg.RestartThreshold {
			log.Warn().Int("worker", id).Int64("failed", w.failed.Load()).
				Msg("replacing unhealthy worker")
			w.cancel()
			delete(p.workers, id)
			p.spawnLocked(ctx)
		}
	}
}

// autoScale adds workers when depth stays above the up threshold for
// the up cooldown, and removes idle ones when it stays below the down
// threshold for the down cooldown.
func (p *WorkerPool) autoScale(ctx context.Context) {
	if !p.auto.Enabled {
		return
	}
	depth := p.queue.Depth()
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if depth > p.auto.ScaleUpThreshold {
		if p.aboveSince.IsZero() {
			p.aboveSince = now
		}
		if now.Sub(p.aboveSince) >= time.Duration(p.auto.ScaleUpCooldown) && len(p.workers) < p.cfg.Max {
			p.spawnLocked(ctx)
			p.aboveSince = now
			log.Info().Int("workers", len(p.workers)).Int("depth", depth).Msg("scaled up")
		}
	} else {
		p.aboveSince = time.Time{}
	}

	if depth < p.auto.ScaleDownThreshold {
		if p.belowSince.IsZero() {
			p.belowSince = now
		}
		if now.Sub(p.belowSince) >= time.Duration(p.auto.ScaleDownCooldown) && len(p.workers) > p.cfg.Min {
			for id, w := range p.workers {
				if w.busy.Load() {
					continue
				}
				w.cancel()
				delete(p.workers, id)
				metrics.WorkerCount.Set(float64(len(p.workers)))
				p.belowSince = now
				log.Info().Int("workers", len(p.workers)).Int("depth", depth).Msg("scaled down")
				break
			}
		}
	} else {
		p.belowSince = time.Time{}
	}
}

// Health reports per-worker counters, ordered by worker id.
func (p *WorkerPool) Health() []types.WorkerHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.WorkerHealth, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, types.WorkerHealth{
			WorkerID:       w.id,
			TasksProcessed: w.processed.Load(),
			FailedTasks:    w.failed.Load(),
			LastHeartbeat:  time.Unix(0, w.heartbeat.Load()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// WorkerCount is the number of live workers.
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
