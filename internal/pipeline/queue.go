// Package pipeline implements the ingestion side of the knowledge
// graph: a partitioned in-memory task queue with backpressure and
// retry scheduling, and an auto-scaling worker pool that drains it.
//
// Tasks are at-least-once: a handler may see the same task twice after
// a timeout, so handlers must be idempotent. Tasks that share a
// partition key land on the same partition and execute in FIFO order
// at equal priority.
package pipeline

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/metrics"
	"github.com/scrypster/memento/pkg/types"
)

const (
	defaultPriority = 5
	maxRetryDelay   = 60 * time.Second
)

var errQueueStopped = errors.New("queue stopped")

// queuedTask pairs a payload with its arrival sequence so equal
// priorities stay FIFO.
type queuedTask struct {
	task *types.TaskPayload
	seq  uint64
}

// QueueManager owns N partitions of pending tasks plus a side list of
// requeued tasks waiting out their backoff delay.
type QueueManager struct {
	cfg config.QueueConfig
	now func() time.Time
	rng *rand.Rand

	mu         sync.Mutex
	partitions [][]queuedTask
	scheduled  []*types.TaskPayload
	rrEnqueue  int
	rrDequeue  int
	seq        uint64
	closed     bool

	// Snapshot counters, reset by Stats.
	dequeuedSince int64
	failedSince   int64
	lastSnapshot  time.Time
}

func NewQueueManager(cfg config.QueueConfig) *QueueManager {
	if cfg.PartitionCount <= 0 {
		cfg.PartitionCount = 8
	}
	now := time.Now
	return &QueueManager{
		cfg:          cfg,
		now:          now,
		rng:          rand.New(rand.NewSource(now().UnixNano())),
		partitions:   make([][]queuedTask, cfg.PartitionCount),
		lastSnapshot: now(),
	}
}

// Enqueue accepts a task, fills in defaults, and places it on a
// partition. It fails with a queue overflow when the total depth has
// hit the backpressure threshold or the chosen partition is full.
func (q *QueueManager) Enqueue(task *types.TaskPayload) error {
	if task == nil {
		return &types.ErrValidation{Field: "task", Reason: "task required"}
	}
	if !task.Type.Valid() {
		return &types.ErrValidation{Field: "type", Reason: fmt.Sprintf("unknown task type %q", task.Type)}
	}
	if task.Priority == 0 {
		task.Priority = defaultPriority
	}
	if task.Priority < 1 {
		task.Priority = 1
	}
	if task.Priority > 10 {
		task.Priority = 10
	}
	if task.ID == "" {
		task.ID = "task_" + uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = q.now().UTC()
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = q.cfg.MaxRetries
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueStopped
	}
	if depth := q.depthLocked(); depth >= q.cfg.BackpressureThreshold {
		metrics.QueueOverflows.Inc()
		return &types.ErrQueueOverflow{Partition: "global", Current: depth, Limit: q.cfg.BackpressureThreshold}
	}
	pid := q.partitionFor(task)
	if len(q.partitions[pid]) >= q.cfg.MaxSize {
		metrics.QueueOverflows.Inc()
		return &types.ErrQueueOverflow{Partition: strconv.Itoa(pid), Current: len(q.partitions[pid]), Limit: q.cfg.MaxSize}
	}
	q.insertLocked(pid, task)
	metrics.TasksEnqueued.WithLabelValues(string(task.Type)).Inc()
	return nil
}

// partitionFor picks a partition. An explicit partition key always
// hashes, regardless of strategy, so same-key tasks stay ordered.
func (q *QueueManager) partitionFor(task *types.TaskPayload) int {
	n := len(q.partitions)
	if task.PartitionKey != "" {
		return hashKey(task.PartitionKey) % n
	}
	switch q.cfg.PartitionStrategy {
	case "hash":
		return hashKey(task.ID) % n
	case "priority":
		// Priority 10 lands on partition 0, priority 1 near the tail.
		pid := (10 - task.Priority) * n / 10
		if pid >= n {
			pid = n - 1
		}
		return pid
	default: // round_robin
		pid := q.rrEnqueue % n
		q.rrEnqueue++
		return pid
	}
}

func hashKey(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() & 0x7fffffff)
}

// insertLocked keeps the partition ordered by priority descending,
// FIFO within a priority.
func (q *QueueManager) insertLocked(pid int, task *types.TaskPayload) {
	q.seq++
	p := q.partitions[pid]
	idx := sort.Search(len(p), func(i int) bool { return p[i].task.Priority < task.Priority })
	p = append(p, queuedTask{})
	copy(p[idx+1:], p[idx:])
	p[idx] = queuedTask{task: task, seq: q.seq}
	q.partitions[pid] = p
}

// DequeueBatch pops up to max tasks. With partition >= 0 it drains
// only that partition; with a negative partition it round-robins
// across all of them, one task per visit.
func (q *QueueManager) DequeueBatch(partition, max int) []*types.TaskPayload {
	if max <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.TaskPayload
	if partition >= 0 && partition < len(q.partitions) {
		for len(out) < max && len(q.partitions[partition]) > 0 {
			out = append(out, q.popLocked(partition))
		}
	} else {
		n := len(q.partitions)
		for len(out) < max {
			found := false
			for i := 0; i < n; i++ {
				pid := (q.rrDequeue + i) % n
				if len(q.partitions[pid]) > 0 {
					out = append(out, q.popLocked(pid))
					q.rrDequeue = (pid + 1) % n
					found = true
					break
				}
			}
			if !found {
				break
			}
		}
	}
	q.dequeuedSince += int64(len(out))
	return out
}

// DequeueByPriority pops up to max tasks in global priority order,
// ignoring partition boundaries.
func (q *QueueManager) DequeueByPriority(max int) []*types.TaskPayload {
	if max <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.TaskPayload
	for len(out) < max {
		best := -1
		for pid := range q.partitions {
			if len(q.partitions[pid]) == 0 {
				continue
			}
			head := q.partitions[pid][0]
			if best < 0 {
				best = pid
				continue
			}
			cur := q.partitions[best][0]
			if head.task.Priority > cur.task.Priority ||
				(head.task.Priority == cur.task.Priority && head.seq < cur.seq) {
				best = pid
			}
		}
		if best < 0 {
			break
		}
		out = append(out, q.popLocked(best))
	}
	q.dequeuedSince += int64(len(out))
	return out
}

func (q *QueueManager) popLocked(pid int) *types.TaskPayload {
	head := q.partitions[pid][0]
	q.partitions[pid] = q.partitions[pid][1:]
	return head.task
}

// RequeueTask schedules a failed task for retry with exponential
// backoff and jitter. It reports false when retries are exhausted and
// the task was dropped instead.
func (q *QueueManager) RequeueTask(task *types.TaskPayload, cause error) bool {
	task.RetryCount++
	maxRetries := task.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.cfg.MaxRetries
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.failedSince++

	if task.RetryCount >= maxRetries {
		metrics.TasksDeadLettered.Inc()
		log.Warn().Str("task_id", task.ID).Str("type", string(task.Type)).
			Int("retries", task.RetryCount).Err(cause).Msg("task dropped after exhausting retries")
		return false
	}

	delay := time.Duration(q.cfg.RetryDelay) * (1 << task.RetryCount)
	// ±25% jitter keeps a burst of failures from retrying in lockstep.
	delay = time.Duration(float64(delay) * (0.75 + q.rng.Float64()*0.5))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	at := q.now().Add(delay)
	task.ScheduledAt = &at
	q.scheduled = append(q.scheduled, task)
	metrics.TasksRequeued.Inc()
	log.Debug().Str("task_id", task.ID).Dur("delay", delay).
		Int("retry", task.RetryCount).Msg("task requeued")
	return true
}

// ProcessScheduledTasks promotes requeued tasks whose backoff has
// elapsed back into the active partitions. Promotion bypasses the
// backpressure check: a retry is already-accepted work, not new load.
func (q *QueueManager) ProcessScheduledTasks() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	now := q.now()
	var promoted int
	remaining := q.scheduled[:0]
	for _, task := range q.scheduled {
		if task.ScheduledAt != nil && task.ScheduledAt.After(now) {
			remaining = append(remaining, task)
			continue
		}
		task.ScheduledAt = nil
		q.insertLocked(q.partitionFor(task), task)
		promoted++
	}
	q.scheduled = remaining
	return promoted
}

// Depth is the number of tasks in active partitions, excluding
// scheduled retries.
func (q *QueueManager) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *QueueManager) depthLocked() int {
	var n int
	for _, p := range q.partitions {
		n += len(p)
	}
	return n
}

// Stats snapshots queue health and resets the throughput window. It
// also refreshes the per-partition depth gauges.
func (q *QueueManager) Stats() types.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	stats := types.QueueStats{
		QueueDepth:     q.depthLocked(),
		ScheduledDepth: len(q.scheduled),
		PartitionLag:   make(map[int]int, len(q.partitions)),
	}
	var oldest time.Time
	for pid, p := range q.partitions {
		stats.PartitionLag[pid] = len(p)
		metrics.QueueDepth.WithLabelValues(strconv.Itoa(pid)).Set(float64(len(p)))
		for _, item := range p {
			if oldest.IsZero() || item.task.CreatedAt.Before(oldest) {
				oldest = item.task.CreatedAt
			}
		}
	}
	if !oldest.IsZero() {
		stats.OldestEventAge = now.Sub(oldest)
	}
	if elapsed := now.Sub(q.lastSnapshot).Seconds(); elapsed > 0 {
		stats.ThroughputPerSecond = float64(q.dequeuedSince) / elapsed
	}
	if q.dequeuedSince > 0 {
		stats.ErrorRate = float64(q.failedSince) / float64(q.dequeuedSince)
	}
	q.dequeuedSince, q.failedSince = 0, 0
	q.lastSnapshot = now
	return stats
}

// Close refuses further enqueues. Queued tasks stay drainable so the
// worker pool can finish what was accepted.
func (q *QueueManager) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Clear drops everything, including scheduled retries.
func (q *QueueManager) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.partitions = make([][]queuedTask, len(q.partitions))
	q.scheduled = nil
}
