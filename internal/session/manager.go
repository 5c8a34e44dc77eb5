// Package session tracks ephemeral multi-agent work sessions in the
// KV store and turns their checkpoints into durable jobs in the
// relational store. Session state is a JSON hash per session, the
// event log is a sorted set scored by seq, and liveness is TTL-based:
// the event log outlives the session hash by the grace TTL so an
// expired session is distinguishable from one that never existed.
package session

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/metrics"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/internal/telemetry"
	"github.com/scrypster/memento/pkg/types"
)

const defaultCheckpointHops = 2

// JobEnqueuer persists a checkpoint job so it survives restarts.
type JobEnqueuer interface {
	EnqueueJob(ctx context.Context, job *types.CheckpointJob) error
}

// Manager owns session lifecycle, the per-session event log, and
// pub/sub notifications.
type Manager struct {
	kv     storage.KVStore
	jobs   JobEnqueuer
	cfg    config.SessionConfig
	tracer trace.Tracer
	now    func() time.Time
}

func NewManager(kv storage.KVStore, jobs JobEnqueuer, cfg config.SessionConfig) *Manager {
	return &Manager{
		kv:     kv,
		jobs:   jobs,
		cfg:    cfg,
		tracer: telemetry.Tracer("memento/session"),
		now:    time.Now,
	}
}

func sessionKey(id string) string { return "session:" + id }
func eventsKey(id string) string  { return "session:" + id + ":events" }
func seqKey(id string) string     { return "session:" + id + ":seq" }

func (m *Manager) channel(id string) string { return m.cfg.SessionChannelPrefix + id }

// CreateSession opens a new session in the working state and announces
// it on the global channel.
func (m *Manager) CreateSession(ctx context.Context, agentID string, opts types.CreateSessionOptions) (string, error) {
	if agentID == "" {
		return "", &types.ErrValidation{Field: "agentId", Reason: "agent id required"}
	}
	ctx, span := m.tracer.Start(ctx, "session.create", trace.WithAttributes(
		attribute.String("agent_id", agentID)))
	defer span.End()

	now := m.now().UTC().Truncate(time.Millisecond)
	sess := &types.Session{
		SessionID:        "sess_" + uuid.New().String(),
		AgentIDs:         []string{agentID},
		State:            types.SessionWorking,
		InitialEntityIDs: opts.InitialEntityIDs,
		Metadata:         opts.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Duration(m.cfg.DefaultTTL)
	}
	if err := m.save(ctx, sess, ttl); err != nil {
		return "", err
	}
	metrics.SessionsActive.Inc()

	m.publish(ctx, m.cfg.GlobalChannel, &types.SessionMessage{
		Type: types.MessageNew, SessionID: sess.SessionID, Initiator: agentID,
	})
	log.Info().Str("session_id", sess.SessionID).Str("agent", agentID).Msg("session created")
	return sess.SessionID, nil
}

// GetSession loads one session, distinguishing expired from unknown.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	raw, found, err := m.kv.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, &types.ErrStoreUnavailable{Store: "kv", Err: err}
	}
	if !found {
		// Event logs carry a grace TTL past the session hash, so a
		// surviving log means the session expired rather than never was.
		if n, err := m.kv.ZCard(ctx, eventsKey(sessionID)); err == nil && n > 0 {
			return nil, &types.ErrSessionExpired{SessionID: sessionID}
		}
		return nil, &types.ErrNotFound{Kind: "session", ID: sessionID}
	}
	var sess types.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (m *Manager) save(ctx context.Context, sess *types.Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := m.kv.Set(ctx, sessionKey(sess.SessionID), string(data), ttl); err != nil {
		return &types.ErrStoreUnavailable{Store: "kv", Err: err}
	}
	grace := ttl + time.Duration(m.cfg.GraceTTL)
	m.kv.Expire(ctx, eventsKey(sess.SessionID), grace)
	m.kv.Expire(ctx, seqKey(sess.SessionID), grace)
	return nil
}

func (m *Manager) publish(ctx context.Context, channel string, msg *types.SessionMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := m.kv.Publish(ctx, channel, string(data)); err != nil {
		log.Warn().Str("channel", channel).Err(err).Msg("session publish failed")
	}
}

// JoinSession adds an agent to a session.
func (m *Manager) JoinSession(ctx context.Context, sessionID, agentID string) error {
	if agentID == "" {
		return &types.ErrValidation{Field: "agentId", Reason: "agent id required"}
	}
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, id := range sess.AgentIDs {
		if id == agentID {
			return nil
		}
	}
	sess.AgentIDs = append(sess.AgentIDs, agentID)
	sess.UpdatedAt = m.now().UTC().Truncate(time.Millisecond)
	if err := m.save(ctx, sess, time.Duration(m.cfg.DefaultTTL)); err != nil {
		return err
	}
	m.publish(ctx, m.channel(sessionID), &types.SessionMessage{
		Type: types.MessageModified, SessionID: sessionID, Actor: agentID,
	})
	return nil
}

// LeaveSession removes an agent. The session stays open even when the
// last agent leaves; expiry or checkpoint closes it.
func (m *Manager) LeaveSession(ctx context.Context, sessionID, agentID string) error {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	kept := sess.AgentIDs[:0]
	for _, id := range sess.AgentIDs {
		if id != agentID {
			kept = append(kept, id)
		}
	}
	sess.AgentIDs = kept
	sess.UpdatedAt = m.now().UTC().Truncate(time.Millisecond)
	if err := m.save(ctx, sess, time.Duration(m.cfg.DefaultTTL)); err != nil {
		return err
	}
	m.publish(ctx, m.channel(sessionID), &types.SessionMessage{
		Type: types.MessageModified, SessionID: sessionID, Actor: agentID,
	})
	return nil
}

// EmitEvent appends one event to the session log. Seq is assigned
// here, strictly monotonic from 1, and each append resets the TTL.
// Events carrying a state transition move the state machine; illegal
// moves are rejected before anything is written.
func (m *Manager) EmitEvent(ctx context.Context, sessionID string, ev *types.SessionEvent, actor string) (*types.SessionEvent, error) {
	if ev == nil || ev.Type == "" {
		return nil, &types.ErrValidation{Field: "event", Reason: "event type required"}
	}
	ctx, span := m.tracer.Start(ctx, "session.emit", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("type", string(ev.Type))))
	defer span.End()

	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st := ev.StateTransition; st != nil {
		if st.Confidence < 0 || st.Confidence > 1 {
			return nil, &types.ErrValidation{Field: "confidence", Reason: "must be in [0,1]"}
		}
		if !types.CanTransition(sess.State, st.To) {
			return nil, &types.ErrInvalidTransition{SessionID: sessionID, From: sess.State, To: st.To}
		}
		st.From = sess.State
		sess.State = st.To
	}

	seq, err := m.kv.Incr(ctx, seqKey(sessionID))
	if err != nil {
		return nil, &types.ErrStoreUnavailable{Store: "kv", Err: err}
	}
	ev.Seq = seq
	ev.Timestamp = m.now().UTC().Truncate(time.Millisecond)
	ev.Actor = actor

	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	if err := m.kv.ZAdd(ctx, eventsKey(sessionID), float64(seq), string(data)); err != nil {
		return nil, &types.ErrStoreUnavailable{Store: "kv", Err: err}
	}

	sess.UpdatedAt = ev.Timestamp
	if err := m.save(ctx, sess, time.Duration(m.cfg.DefaultTTL)); err != nil {
		return nil, err
	}
	metrics.SessionEvents.WithLabelValues(string(ev.Type)).Inc()

	m.publish(ctx, m.channel(sessionID), &types.SessionMessage{
		Type: types.MessageModified, SessionID: sessionID, Seq: seq, Actor: actor,
	})
	return ev, nil
}

// GetEvents returns the event log from sinceSeq (exclusive) onward, in
// seq order.
func (m *Manager) GetEvents(ctx context.Context, sessionID string, sinceSeq int64) ([]*types.SessionEvent, error) {
	if _, err := m.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	min := "(" + strconv.FormatInt(sinceSeq, 10)
	if sinceSeq <= 0 {
		min = "-inf"
	}
	raw, err := m.kv.ZRangeByScore(ctx, eventsKey(sessionID), min, "+inf")
	if err != nil {
		return nil, &types.ErrStoreUnavailable{Store: "kv", Err: err}
	}
	events := make([]*types.SessionEvent, 0, len(raw))
	for _, item := range raw {
		var ev types.SessionEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

// Checkpoint freezes the session and durably queues a checkpoint job
// for the runner. The returned id is the job id; the graph checkpoint
// id arrives later on the checkpoint_complete message. The session
// moves to coordinating when a failure snapshot was requested (the
// work is not done), otherwise to completed, and its TTL drops to the
// grace window.
func (m *Manager) Checkpoint(ctx context.Context, sessionID string, opts types.SessionCheckpointOptions) (string, error) {
	ctx, span := m.tracer.Start(ctx, "session.checkpoint", trace.WithAttributes(
		attribute.String("session_id", sessionID)))
	defer span.End()

	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	events, err := m.GetEvents(ctx, sessionID, 0)
	if err != nil {
		return "", err
	}
	seeds := dedupe(sess.InitialEntityIDs, events)
	if len(seeds) == 0 && !opts.ForceSnapshot {
		return "", &types.ErrValidation{Field: "session", Reason: "no entities touched, nothing to checkpoint"}
	}

	var lastSeq int64
	if len(events) > 0 {
		lastSeq = events[len(events)-1].Seq
	}
	now := m.now().UTC().Truncate(time.Millisecond)
	job := &types.CheckpointJob{
		JobID:     "job_" + uuid.New().String(),
		SessionID: sessionID,
		Status:    types.JobQueued,
		QueuedAt:  now,
		UpdatedAt: now,
		Payload: types.CheckpointJobPayload{
			SessionID:      sessionID,
			SeedEntityIDs:  seeds,
			Reason:         string(types.CheckpointSession),
			HopCount:       defaultCheckpointHops,
			SequenceNumber: lastSeq,
			TriggeredBy:    strings.Join(sess.AgentIDs, ","),
		},
	}
	if m.jobs != nil {
		if err := m.jobs.EnqueueJob(ctx, job); err != nil {
			return "", err
		}
	}

	target := types.SessionCompleted
	if opts.IncludeFailureSnapshot {
		target = types.SessionCoordinating
	}
	if types.CanTransition(sess.State, target) {
		sess.State = target
	}
	sess.CurrentCheckpoint = job.JobID
	sess.UpdatedAt = now

	grace := opts.GraceTTL
	if grace <= 0 {
		grace = time.Duration(m.cfg.GraceTTL)
	}
	if err := m.save(ctx, sess, grace); err != nil {
		return "", err
	}
	log.Info().Str("session_id", sessionID).Str("job_id", job.JobID).
		Int("seeds", len(seeds)).Msg("session checkpoint queued")
	return job.JobID, nil
}

// NotifyCheckpointComplete publishes the runner's outcome on the
// session channel.
func (m *Manager) NotifyCheckpointComplete(ctx context.Context, sessionID, checkpointID, outcome string) error {
	m.publish(ctx, m.channel(sessionID), &types.SessionMessage{
		Type:         types.MessageCheckpointComplete,
		SessionID:    sessionID,
		CheckpointID: checkpointID,
		Outcome:      outcome,
	})
	return nil
}

// Cleanup deletes a session's keys outright. Callers normally let the
// grace TTL do this; explicit cleanup is for tests and admin tooling.
func (m *Manager) Cleanup(ctx context.Context, sessionID string) error {
	err := m.kv.Del(ctx, sessionKey(sessionID), eventsKey(sessionID), seqKey(sessionID))
	if err != nil {
		return &types.ErrStoreUnavailable{Store: "kv", Err: err}
	}
	metrics.SessionsActive.Dec()
	return nil
}

// ListActiveSessions returns every unexpired session, ordered by id.
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	keys, err := m.kv.Keys(ctx, "session:*")
	if err != nil {
		return nil, &types.ErrStoreUnavailable{Store: "kv", Err: err}
	}
	var sessions []*types.Session
	for _, key := range keys {
		if strings.HasSuffix(key, ":events") || strings.HasSuffix(key, ":seq") {
			continue
		}
		sess, err := m.GetSession(ctx, strings.TrimPrefix(key, "session:"))
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].SessionID < sessions[j].SessionID })
	return sessions, nil
}

// GetSessionsByAgent filters active sessions to those the agent is in.
func (m *Manager) GetSessionsByAgent(ctx context.Context, agentID string) ([]*types.Session, error) {
	all, err := m.ListActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	var out []*types.Session
	for _, sess := range all {
		for _, id := range sess.AgentIDs {
			if id == agentID {
				out = append(out, sess)
				break
			}
		}
	}
	return out, nil
}

// Subscribe streams session messages for one session, or for all
// sessions when sessionID is empty.
func (m *Manager) Subscribe(ctx context.Context, sessionID string) (storage.Subscription, error) {
	channel := m.cfg.GlobalChannel
	if sessionID != "" {
		channel = m.channel(sessionID)
	}
	return m.kv.Subscribe(ctx, channel)
}

// dedupe collects seed entity ids from the session's initial set and
// everything its events touched, first occurrence wins.
func dedupe(initial []string, events []*types.SessionEvent) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range initial {
		add(id)
	}
	for _, ev := range events {
		if ev.Impact == nil {
			continue
		}
		for _, id := range ev.Impact.EntityIDs {
			add(id)
		}
	}
	return out
}
