package types

import "time"

// ── Sessions ─────────────────────────────────────────────────

type SessionState string

const (
	SessionWorking      SessionState = "working"
	SessionBroken       SessionState = "broken"
	SessionCoordinating SessionState = "coordinating"
	SessionCompleted    SessionState = "completed"
)

var sessionTransitions = map[SessionState][]SessionState{
	SessionWorking:      {SessionBroken, SessionCoordinating, SessionCompleted},
	SessionBroken:       {SessionWorking, SessionCompleted},
	SessionCoordinating: {SessionWorking, SessionCompleted},
	SessionCompleted:    {},
}

// CanTransition reports whether the session state machine allows
// moving from one state to another. Completed is terminal.
func CanTransition(from, to SessionState) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is an ephemeral multi-agent workspace held in the KV store.
// The ordered event log lives in its own sorted set keyed by seq.
type Session struct {
	SessionID         string         `json:"sessionId"`
	AgentIDs          []string       `json:"agentIds"`
	State             SessionState   `json:"state"`
	CurrentCheckpoint string         `json:"currentCheckpoint,omitempty"`
	InitialEntityIDs  []string       `json:"initialEntityIds,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

type SessionEventType string

const (
	EventStart      SessionEventType = "start"
	EventModified   SessionEventType = "modified"
	EventBroke      SessionEventType = "broke"
	EventCheckpoint SessionEventType = "checkpoint"
	EventHandoff    SessionEventType = "handoff"
	EventTestPass   SessionEventType = "test_pass"
)

// StateTransition records a session state change carried on an event.
// VerifiedBy names the evidence ("test", "build", "manual") and
// Confidence is in [0,1].
type StateTransition struct {
	From       SessionState `json:"from"`
	To         SessionState `json:"to"`
	VerifiedBy string       `json:"verifiedBy,omitempty"`
	Confidence float64      `json:"confidence,omitempty"`
}

// EventImpact summarizes what an event touched.
type EventImpact struct {
	EntityIDs    []string `json:"entityIds,omitempty"`
	Severity     string   `json:"severity,omitempty"`
	TestsBroken  int      `json:"testsBroken,omitempty"`
	FilesChanged int      `json:"filesChanged,omitempty"`
}

// SessionEvent is one entry in a session's ordered log. Seq is assigned
// by the session manager, strictly monotonic per session, starting at 1.
type SessionEvent struct {
	Seq             int64            `json:"seq"`
	Type            SessionEventType `json:"type"`
	Timestamp       time.Time        `json:"timestamp"`
	Actor           string           `json:"actor,omitempty"`
	ChangeInfo      map[string]any   `json:"changeInfo,omitempty"`
	StateTransition *StateTransition `json:"stateTransition,omitempty"`
	Impact          *EventImpact     `json:"impact,omitempty"`
}

// ── Pub/Sub ──────────────────────────────────────────────────

type SessionMessageType string

const (
	MessageNew                SessionMessageType = "new"
	MessageModified           SessionMessageType = "modified"
	MessageCheckpointComplete SessionMessageType = "checkpoint_complete"
	MessageHandoff            SessionMessageType = "handoff"
)

// SessionMessage is published on the global and per-session channels.
type SessionMessage struct {
	Type         SessionMessageType `json:"type"`
	SessionID    string             `json:"sessionId"`
	Seq          int64              `json:"seq,omitempty"`
	Actor        string             `json:"actor,omitempty"`
	Initiator    string             `json:"initiator,omitempty"`
	CheckpointID string             `json:"checkpointId,omitempty"`
	Outcome      string             `json:"outcome,omitempty"`
	Summary      string             `json:"summary,omitempty"`
}

// ── Session operations ───────────────────────────────────────

type CreateSessionOptions struct {
	InitialEntityIDs []string       `json:"initialEntityIds,omitempty"`
	TTL              time.Duration  `json:"ttl,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

type SessionCheckpointOptions struct {
	ForceSnapshot          bool          `json:"forceSnapshot,omitempty"`
	GraceTTL               time.Duration `json:"graceTTL,omitempty"`
	IncludeFailureSnapshot bool          `json:"includeFailureSnapshot,omitempty"`
}

// ── Checkpoint jobs ──────────────────────────────────────────

type JobStatus string

const (
	JobQueued             JobStatus = "queued"
	JobPending            JobStatus = "pending"
	JobRunning            JobStatus = "running"
	JobCompleted          JobStatus = "completed"
	JobFailed             JobStatus = "failed"
	JobManualIntervention JobStatus = "manual_intervention"
)

// PendingJobStatuses are the states loadPending picks up after a
// restart.
var PendingJobStatuses = []JobStatus{JobQueued, JobPending, JobRunning}

// CheckpointJobPayload is the durable instruction stored with a job.
// SeedEntityIDs are deduped before the job is queued.
type CheckpointJobPayload struct {
	SessionID      string     `json:"sessionId"`
	SeedEntityIDs  []string   `json:"seedEntityIds"`
	Reason         string     `json:"reason"`
	HopCount       int        `json:"hopCount"`
	OperationID    string     `json:"operationId,omitempty"`
	SequenceNumber int64      `json:"sequenceNumber,omitempty"`
	EventID        string     `json:"eventId,omitempty"`
	Actor          string     `json:"actor,omitempty"`
	Annotations    []string   `json:"annotations,omitempty"`
	TriggeredBy    string     `json:"triggeredBy,omitempty"`
	Window         *TimeRange `json:"window,omitempty"`
}

// CheckpointJob is one row of the session_checkpoint_jobs table.
type CheckpointJob struct {
	JobID     string               `json:"jobId"`
	SessionID string               `json:"sessionId"`
	Payload   CheckpointJobPayload `json:"payload"`
	Status    JobStatus            `json:"status"`
	Attempts  int                  `json:"attempts"`
	LastError string               `json:"lastError,omitempty"`
	QueuedAt  time.Time            `json:"queuedAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
}
