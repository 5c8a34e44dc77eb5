package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/pkg/types"
)

// Pipeline wires the queue manager and worker pool together and runs
// the periodic stats emitter. Callers register handlers before Start
// and feed work through Enqueue.
type Pipeline struct {
	cfg   config.IngestionConfig
	queue *QueueManager
	pool  *WorkerPool

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.IngestionConfig) *Pipeline {
	queue := NewQueueManager(cfg.Queue)
	return &Pipeline{
		cfg:   cfg,
		queue: queue,
		pool:  NewWorkerPool(queue, cfg.Workers, cfg.AutoScale),
	}
}

func (p *Pipeline) RegisterHandler(t types.TaskType, h Handler) {
	p.pool.RegisterHandler(t, h)
}

func (p *Pipeline) Enqueue(task *types.TaskPayload) error {
	return p.queue.Enqueue(task)
}

// Start brings up the worker pool and the metrics loop. Starting a
// running pipeline is an error.
func (p *Pipeline) Start() error {
	if err := p.pool.Start(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.emitStats(ctx)
	return nil
}

// Stop drains the queue and shuts everything down. The context bounds
// the drain.
func (p *Pipeline) Stop(ctx context.Context) error {
	err := p.pool.Stop(ctx)
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	return err
}

func (p *Pipeline) emitStats(ctx context.Context) {
	defer close(p.done)
	interval := time.Duration(p.cfg.Queue.MetricsInterval)
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := p.queue.Stats()
			log.Debug().Int("depth", stats.QueueDepth).Int("scheduled", stats.ScheduledDepth).
				Dur("oldest_age", stats.OldestEventAge).
				Float64("throughput", stats.ThroughputPerSecond).
				Float64("error_rate", stats.ErrorRate).Msg("queue stats")
		}
	}
}

// Stats snapshots queue health.
func (p *Pipeline) Stats() types.QueueStats { return p.queue.Stats() }

// Health reports per-worker counters.
func (p *Pipeline) Health() []types.WorkerHealth { return p.pool.Health() }
