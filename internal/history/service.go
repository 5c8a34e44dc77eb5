// Package history owns the temporal model: immutable Version nodes
// chained by PREVIOUS_VERSION edges, timeline reads, retention
// pruning, and checkpoints capturing subgraph snapshots.
package history

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/events"
	"github.com/scrypster/memento/internal/metrics"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/internal/telemetry"
	"github.com/scrypster/memento/pkg/types"
)

// Service is the history service.
type Service struct {
	graph  storage.GraphStore
	cfg    config.HistoryConfig
	broker *events.Broker
	tracer trace.Tracer

	now func() time.Time
}

func NewService(graph storage.GraphStore, cfg config.HistoryConfig, broker *events.Broker) *Service {
	return &Service{
		graph:  graph,
		cfg:    cfg,
		broker: broker,
		tracer: telemetry.Tracer("memento/history"),
		now:    time.Now,
	}
}

// Enabled reports whether version history is being recorded.
func (s *Service) Enabled() bool { return s.cfg.Enabled }

// AppendVersion writes the immutable Version node for the entity's
// current (id, hash) state and links it to its immediate predecessor.
// The version id is deterministic, so re-appending the same state is
// a no-op. Linking runs in the same transaction as the merge and
// serializes on the entity node.
func (s *Service) AppendVersion(ctx context.Context, e *types.Entity, changeSetID string) error {
	if !s.cfg.Enabled {
		return nil
	}
	if e.ID == "" || e.Hash == "" {
		return &types.ErrValidation{Field: "entity", Reason: "id and hash required for versioning"}
	}
	versionID := types.VersionID(e.ID, e.Hash)
	ts := e.LastModified
	if ts.IsZero() {
		ts = s.now().UTC()
	}

	err := s.graph.Transaction(ctx, func(tx storage.GraphQuerier) error {
		_, err := tx.Query(ctx, `MERGE (v:Version {id: $versionId})
SET v.entityId = $entityId, v.hash = $hash, v.timestamp = $ts, v.path = $path, v.language = $language, v.changeSetId = $changeSetId
WITH v
MATCH (e:Entity {id: $entityId})
MERGE (v)-[:VERSION_OF]->(e)`, map[string]any{
			"versionId": versionID, "entityId": e.ID, "hash": e.Hash,
			"ts": ts.UnixMilli(), "path": e.Path, "language": e.Language,
			"changeSetId": changeSetID,
		})
		if err != nil {
			return err
		}
		_, err = tx.Query(ctx, `MATCH (v:Version {id: $versionId})
MATCH (:Entity {id: $entityId})<-[:VERSION_OF]-(p:Version)
WHERE p.id <> $versionId AND p.timestamp < $ts
WITH v, p ORDER BY p.timestamp DESC, p.hash DESC LIMIT 1
MERGE (v)-[:PREVIOUS_VERSION]->(p)`, map[string]any{
			"versionId": versionID, "entityId": e.ID, "ts": ts.UnixMilli(),
		})
		return err
	})
	if err != nil {
		return err
	}
	metrics.VersionsAppended.Inc()
	log.Debug().Str("entity_id", e.ID).Str("version_id", versionID).Msg("version appended")
	return nil
}

// GetEntityTimeline returns the entity's versions newest first.
// Versions sharing a timestamp tie-break by hash.
func (s *Service) GetEntityTimeline(ctx context.Context, entityID string, opts types.TimelineOptions) ([]*types.Version, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	params := map[string]any{"entityId": entityID, "limit": limit}
	where := ""
	if opts.StartTime != nil {
		where += " AND v.timestamp >= $start"
		params["start"] = opts.StartTime.UnixMilli()
	}
	if opts.EndTime != nil {
		where += " AND v.timestamp <= $end"
		params["end"] = opts.EndTime.UnixMilli()
	}

	rows, err := s.graph.Query(ctx, `MATCH (e:Entity {id: $entityId})<-[:VERSION_OF]-(v:Version)
WHERE true`+where+`
OPTIONAL MATCH (v)-[:PREVIOUS_VERSION]->(p:Version)
RETURN v.id AS versionId, v.entityId AS entityId, v.hash AS hash, v.timestamp AS timestamp,
       p.id AS previousVersionId, v.changeSetId AS changeSetId, v.path AS path, v.language AS language
ORDER BY v.timestamp DESC, v.hash DESC LIMIT $limit`, params)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Version, 0, len(rows))
	for _, row := range rows {
		out = append(out, versionFromRow(row))
	}
	return out, nil
}

// RepairPreviousVersionLink merges the missing PREVIOUS_VERSION edge
// the validator found. Used only by repair; normal appends link
// themselves.
func (s *Service) RepairPreviousVersionLink(ctx context.Context, entityID, versionID, prevVersionID string, _ time.Time) error {
	rows, err := s.graph.Query(ctx, `MATCH (v:Version {id: $versionId}), (p:Version {id: $prevId})
WHERE v.entityId = $entityId AND p.entityId = $entityId
MERGE (v)-[:PREVIOUS_VERSION]->(p)
RETURN v.id AS id`, map[string]any{
		"versionId": versionID, "prevId": prevVersionID, "entityId": entityID,
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return &types.ErrNotFound{Kind: "version", ID: versionID + " or " + prevVersionID}
	}
	log.Info().Str("entity_id", entityID).Str("version_id", versionID).Str("previous", prevVersionID).Msg("previous-version link repaired")
	return nil
}

// PruneHistory removes versions past the retention window, closes
// stale open temporal edges, and drops checkpoints that lost every
// member. A no-op when history is disabled.
func (s *Service) PruneHistory(ctx context.Context, retentionDays int, opts types.PruneOptions) (*types.PruneResult, error) {
	result := &types.PruneResult{}
	if !s.cfg.Enabled {
		return result, nil
	}
	if retentionDays < 0 {
		return nil, &types.ErrValidation{Field: "retentionDays", Reason: "must be >= 0"}
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays).UnixMilli()

	ctx, span := s.tracer.Start(ctx, "history.prune", trace.WithAttributes(
		attribute.Int("retention_days", retentionDays),
		attribute.Bool("dry_run", opts.DryRun),
	))
	defer span.End()

	if opts.DryRun {
		rows, err := s.graph.Query(ctx,
			"MATCH (v:Version) WHERE v.timestamp < $cutoff RETURN count(v) AS total",
			map[string]any{"cutoff": cutoff})
		if err != nil {
			return nil, err
		}
		result.Versions = rowInt(rows, "total")

		rows, err = s.graph.Query(ctx,
			"MATCH ()-[r]->() WHERE r.validFrom IS NOT NULL AND r.validTo IS NULL AND r.validFrom < $cutoff RETURN count(r) AS total",
			map[string]any{"cutoff": cutoff})
		if err != nil {
			return nil, err
		}
		result.ClosedEdges = rowInt(rows, "total")

		rows, err = s.graph.Query(ctx,
			"MATCH (c:Checkpoint) WHERE NOT (c)-[:INCLUDES]->(:Entity) RETURN count(c) AS total", nil)
		if err != nil {
			return nil, err
		}
		result.Checkpoints = rowInt(rows, "total")
		return result, nil
	}

	// Versions go in bounded batches so the store never holds a huge
	// delete transaction.
	for {
		rows, err := s.graph.Query(ctx,
			"MATCH (v:Version) WHERE v.timestamp < $cutoff WITH v LIMIT $batch DETACH DELETE v RETURN count(v) AS deleted",
			map[string]any{"cutoff": cutoff, "batch": batchSize})
		if err != nil {
			return nil, err
		}
		deleted := rowInt(rows, "deleted")
		result.Versions += deleted
		if deleted < batchSize {
			break
		}
	}

	rows, err := s.graph.Query(ctx,
		"MATCH ()-[r]->() WHERE r.validFrom IS NOT NULL AND r.validTo IS NULL AND r.validFrom < $cutoff SET r.validTo = $cutoff, r.active = false RETURN count(r) AS closed",
		map[string]any{"cutoff": cutoff})
	if err != nil {
		return nil, err
	}
	result.ClosedEdges = rowInt(rows, "closed")

	rows, err = s.graph.Query(ctx,
		"MATCH (c:Checkpoint) WHERE NOT (c)-[:INCLUDES]->(:Entity) DETACH DELETE c RETURN count(c) AS removed", nil)
	if err != nil {
		return nil, err
	}
	result.Checkpoints = rowInt(rows, "removed")

	metrics.VersionsPruned.Add(float64(result.Versions))
	if s.broker != nil {
		s.broker.Publish(events.Mutation{Kind: events.HistoryPruned})
	}
	log.Info().Int("versions", result.Versions).Int("closed_edges", result.ClosedEdges).
		Int("checkpoints", result.Checkpoints).Int("retention_days", retentionDays).Msg("🧹 history pruned")
	return result, nil
}

func versionFromRow(row storage.Row) *types.Version {
	return &types.Version{
		VersionID:         asString(row["versionId"]),
		EntityID:          asString(row["entityId"]),
		Hash:              asString(row["hash"]),
		Timestamp:         asTime(row["timestamp"]),
		PreviousVersionID: asString(row["previousVersionId"]),
		ChangeSetID:       asString(row["changeSetId"]),
		Path:              asString(row["path"]),
		Language:          asString(row["language"]),
	}
}

func rowInt(rows []storage.Row, key string) int {
	if len(rows) == 0 {
		return 0
	}
	return int(asInt64(rows[0][key]))
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asTime(v any) time.Time {
	ms := asInt64(v)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
