package types

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// The services return typed errors so callers (and the pipeline) can
// decide retry vs. fail without matching message strings.

// ── Not retryable ────────────────────────────────────────────

// ErrValidation is returned when a parameter is malformed or out of range.
type ErrValidation struct {
	Field  string
	Reason string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrNotFound is returned when the referenced id does not exist.
type ErrNotFound struct {
	Kind string // "entity", "relationship", "session", "checkpoint", ...
	ID   string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ErrConflict is returned on stale-version updates and mismatched
// duplicate open temporal edges. The caller refetches and retries.
type ErrConflict struct {
	Kind   string
	ID     string
	Reason string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Kind, e.ID, e.Reason)
}

// ErrInvalidTransition is returned when a session event requests a
// state change the state machine forbids.
type ErrInvalidTransition struct {
	SessionID string
	From      SessionState
	To        SessionState
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("session %s: invalid transition %s -> %s", e.SessionID, e.From, e.To)
}

// ErrNoHandler is returned by the worker pool for task types nothing
// registered for.
type ErrNoHandler struct {
	TaskType string
}

func (e *ErrNoHandler) Error() string {
	return fmt.Sprintf("no handler registered for task type %q", e.TaskType)
}

// ErrSessionExpired is returned when a session's keys have passed
// their TTL.
type ErrSessionExpired struct {
	SessionID string
}

func (e *ErrSessionExpired) Error() string {
	return fmt.Sprintf("session expired: %s", e.SessionID)
}

// ── Retryable ────────────────────────────────────────────────

// ErrQueueOverflow signals backpressure: the ingestion queue refused a
// new task. Partition is "global" when the total-depth threshold
// tripped rather than a single partition cap.
type ErrQueueOverflow struct {
	Partition string
	Current   int
	Limit     int
}

func (e *ErrQueueOverflow) Error() string {
	return fmt.Sprintf("queue overflow on partition %s: %d of %d", e.Partition, e.Current, e.Limit)
}

// ErrTimeout is returned when an operation exceeded its deadline.
type ErrTimeout struct {
	Op      string
	Elapsed time.Duration
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Elapsed)
}

// ErrStoreUnavailable wraps connectivity failures from a storage
// adapter. Store names which one ("graph", "relational", "kv").
type ErrStoreUnavailable struct {
	Store string
	Err   error
}

func (e *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("%s store unavailable: %v", e.Store, e.Err)
}

func (e *ErrStoreUnavailable) Unwrap() error { return e.Err }

// ErrProviderUnavailable wraps embedding-provider failures. The
// embedding service falls back to deterministic pseudo-embeddings
// rather than surfacing this to callers.
type ErrProviderUnavailable struct {
	Provider string
	Err      error
}

func (e *ErrProviderUnavailable) Error() string {
	return fmt.Sprintf("embedding provider %s unavailable: %v", e.Provider, e.Err)
}

func (e *ErrProviderUnavailable) Unwrap() error { return e.Err }

// ── Predicates ───────────────────────────────────────────────

func IsValidation(err error) bool {
	var e *ErrValidation
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e *ErrConflict
	return errors.As(err, &e)
}

func IsQueueOverflow(err error) bool {
	var e *ErrQueueOverflow
	return errors.As(err, &e)
}

func IsTimeout(err error) bool {
	var e *ErrTimeout
	return errors.As(err, &e)
}

func IsStoreUnavailable(err error) bool {
	var e *ErrStoreUnavailable
	return errors.As(err, &e)
}

func IsInvalidTransition(err error) bool {
	var e *ErrInvalidTransition
	return errors.As(err, &e)
}

// IsRetryable reports whether the pipeline should requeue a task that
// failed with this error. Overflow, timeout, and store connectivity
// are transient; everything else dead-letters.
func IsRetryable(err error) bool {
	switch {
	case IsQueueOverflow(err), IsTimeout(err), IsStoreUnavailable(err):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
