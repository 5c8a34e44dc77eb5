package types

import "time"

// ── Ingestion tasks ──────────────────────────────────────────

type TaskType string

const (
	TaskEntityUpsert       TaskType = "entity_upsert"
	TaskRelationshipUpsert TaskType = "relationship_upsert"
	TaskEmbedding          TaskType = "embedding"
	TaskParse              TaskType = "parse"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskEntityUpsert, TaskRelationshipUpsert, TaskEmbedding, TaskParse:
		return true
	}
	return false
}

// TaskPayload is one unit of work flowing through the ingestion
// pipeline. Tasks sharing a PartitionKey execute in FIFO order at
// equal priority; callers pass the file path there to get per-file
// ordering. ScheduledAt is set only on requeued tasks awaiting their
// backoff delay.
type TaskPayload struct {
	ID           string            `json:"id"`
	Type         TaskType          `json:"type"`
	Priority     int               `json:"priority"` // 1..10, higher drains first
	Data         map[string]any    `json:"data,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	PartitionKey string            `json:"partitionKey,omitempty"`
	RetryCount   int               `json:"retryCount,omitempty"`
	MaxRetries   int               `json:"maxRetries,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	ScheduledAt  *time.Time        `json:"scheduledAt,omitempty"`
}

// QueueStats is the periodic snapshot the queue manager emits.
type QueueStats struct {
	QueueDepth          int           `json:"queueDepth"`
	ScheduledDepth      int           `json:"scheduledDepth"`
	OldestEventAge      time.Duration `json:"oldestEventAge"`
	PartitionLag        map[int]int   `json:"partitionLag"`
	ThroughputPerSecond float64       `json:"throughputPerSecond"`
	ErrorRate           float64       `json:"errorRate"`
}

// WorkerHealth is one worker's self-reported state.
type WorkerHealth struct {
	WorkerID       int       `json:"workerId"`
	TasksProcessed int64     `json:"tasksProcessed"`
	FailedTasks    int64     `json:"failedTasks"`
	LastHeartbeat  time.Time `json:"lastHeartbeat"`
}
