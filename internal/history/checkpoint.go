package history

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scrypster/memento/internal/entity"
	"github.com/scrypster/memento/internal/events"
	"github.com/scrypster/memento/internal/metrics"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

const (
	defaultCheckpointHops = 2
	maxCheckpointHops     = 5
)

var relTypePattern = regexp.MustCompile(`^[A-Z_]+$`)

// CreateCheckpoint snapshots the subgraph reachable from the seeds
// within opts.Hops hops over structural and code edges. The checkpoint
// node holds the parameters; membership is INCLUDES edges, so members
// deleted later simply fall out of the set.
func (s *Service) CreateCheckpoint(ctx context.Context, seeds []string, opts types.CheckpointOptions) (*types.CheckpointResult, error) {
	if len(seeds) == 0 {
		return nil, &types.ErrValidation{Field: "seedEntities", Reason: "at least one seed required"}
	}
	hops := opts.Hops
	if hops <= 0 {
		hops = defaultCheckpointHops
	}
	if hops > maxCheckpointHops {
		hops = maxCheckpointHops
	}
	reason := opts.Reason
	if reason == "" {
		reason = types.CheckpointManual
	}

	ctx, span := s.tracer.Start(ctx, "history.checkpoint.create", trace.WithAttributes(
		attribute.Int("seeds", len(seeds)),
		attribute.Int("hops", hops),
	))
	defer span.End()

	rows, err := s.graph.Query(ctx,
		"MATCH (s:Entity) WHERE s.id IN $seeds RETURN s.id AS id",
		map[string]any{"seeds": seeds})
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(rows))
	for _, row := range rows {
		present[asString(row["id"])] = true
	}
	for _, id := range seeds {
		if !present[id] {
			return nil, &types.ErrNotFound{Kind: "entity", ID: id}
		}
	}

	members, err := s.expandMembers(ctx, seeds, hops, opts.Window)
	if err != nil {
		return nil, err
	}

	checkpointID := "chk_" + uuid.NewString()
	now := s.now().UTC().Truncate(time.Millisecond)
	err = s.graph.Transaction(ctx, func(tx storage.GraphQuerier) error {
		_, err := tx.Query(ctx, "MERGE (c:Checkpoint {id: $checkpointId}) SET c += $props", map[string]any{
			"checkpointId": checkpointID,
			"props": map[string]any{
				"timestamp":    now.UnixMilli(),
				"reason":       string(reason),
				"description":  opts.Description,
				"hops":         int64(hops),
				"seedEntities": seeds,
			},
		})
		if err != nil {
			return err
		}
		_, err = tx.Query(ctx, `MATCH (c:Checkpoint {id: $checkpointId})
UNWIND $members AS mid
MATCH (m:Entity {id: mid})
MERGE (c)-[:INCLUDES]->(m)`, map[string]any{
			"checkpointId": checkpointID, "members": members,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.CheckpointsCreated.WithLabelValues(string(reason)).Inc()
	if s.broker != nil {
		s.broker.Publish(events.Mutation{Kind: events.CheckpointCreated, EntityID: checkpointID, At: now})
	}
	log.Info().Str("checkpoint_id", checkpointID).Int("members", len(members)).
		Str("reason", string(reason)).Int("hops", hops).Msg("📌 checkpoint created")
	return &types.CheckpointResult{CheckpointID: checkpointID, MemberCount: len(members)}, nil
}

// expandMembers is seeds plus everything reachable within hops over
// structural and code edges, deduplicated and optionally restricted to
// a lastModified window.
func (s *Service) expandMembers(ctx context.Context, seeds []string, hops int, window *types.TimeRange) ([]string, error) {
	params := map[string]any{"seeds": seeds}
	where := ""
	if window != nil {
		if !window.Since.IsZero() {
			where += " AND m.lastModified >= $windowStart"
			params["windowStart"] = window.Since.UnixMilli()
		}
		if !window.Until.IsZero() {
			where += " AND m.lastModified <= $windowEnd"
			params["windowEnd"] = window.Until.UnixMilli()
		}
	}

	stmt := fmt.Sprintf(`MATCH (s:Entity)-[:%s*1..%d]-(m:Entity)
WHERE s.id IN $seeds AND NOT m.id IN $seeds%s
RETURN DISTINCT m.id AS id`, checkpointEdgeTypes(), hops, where)
	rows, err := s.graph.Query(ctx, stmt, params)
	if err != nil {
		return nil, err
	}

	set := make(map[string]bool, len(seeds)+len(rows))
	for _, id := range seeds {
		set[id] = true
	}
	for _, row := range rows {
		if id := asString(row["id"]); id != "" {
			set[id] = true
		}
	}
	members := make([]string, 0, len(set))
	for id := range set {
		members = append(members, id)
	}
	sort.Strings(members)
	return members, nil
}

func checkpointEdgeTypes() string {
	ts := types.StructuralAndCodeTypes()
	names := make([]string, 0, len(ts))
	for _, t := range ts {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}

// ListCheckpoints returns checkpoint metadata newest first.
func (s *Service) ListCheckpoints(ctx context.Context, opts types.ListCheckpointsOptions) ([]*types.Checkpoint, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	params := map[string]any{"limit": limit, "offset": opts.Offset}
	where := ""
	if opts.Reason != "" {
		where += " AND c.reason = $reason"
		params["reason"] = string(opts.Reason)
	}
	if opts.Since != nil {
		where += " AND c.timestamp >= $since"
		params["since"] = opts.Since.UnixMilli()
	}
	if opts.Until != nil {
		where += " AND c.timestamp <= $until"
		params["until"] = opts.Until.UnixMilli()
	}

	rows, err := s.graph.Query(ctx, `MATCH (c:Checkpoint)
WHERE true`+where+`
OPTIONAL MATCH (c)-[:INCLUDES]->(m:Entity)
RETURN properties(c) AS props, count(m) AS members
ORDER BY c.timestamp DESC SKIP $offset LIMIT $limit`, params)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Checkpoint, 0, len(rows))
	for _, row := range rows {
		if cp := checkpointFromRow(row); cp != nil {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *Service) GetCheckpoint(ctx context.Context, checkpointID string) (*types.Checkpoint, error) {
	rows, err := s.graph.Query(ctx, `MATCH (c:Checkpoint {id: $checkpointId})
OPTIONAL MATCH (c)-[:INCLUDES]->(m:Entity)
RETURN properties(c) AS props, count(m) AS members`, map[string]any{"checkpointId": checkpointID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &types.ErrNotFound{Kind: "checkpoint", ID: checkpointID}
	}
	cp := checkpointFromRow(rows[0])
	if cp == nil {
		return nil, &types.ErrNotFound{Kind: "checkpoint", ID: checkpointID}
	}
	return cp, nil
}

// GetCheckpointMembers returns the current member entities, ordered by
// id for stable output.
func (s *Service) GetCheckpointMembers(ctx context.Context, checkpointID string) ([]*types.Entity, error) {
	if _, err := s.GetCheckpoint(ctx, checkpointID); err != nil {
		return nil, err
	}
	rows, err := s.graph.Query(ctx, `MATCH (:Checkpoint {id: $checkpointId})-[:INCLUDES]->(m:Entity)
RETURN properties(m) AS props ORDER BY m.id`, map[string]any{"checkpointId": checkpointID})
	if err != nil {
		return nil, err
	}
	out := make([]*types.Entity, 0, len(rows))
	for _, row := range rows {
		if e := entity.FromRow(row); e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Service) GetCheckpointSummary(ctx context.Context, checkpointID string) (*types.CheckpointSummary, error) {
	cp, err := s.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	members, err := s.GetCheckpointMembers(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	counts := make(map[types.EntityType]int)
	for _, m := range members {
		counts[m.Type]++
	}
	return &types.CheckpointSummary{Checkpoint: cp, MemberCount: len(members), CountsByType: counts}, nil
}

// ExportCheckpoint produces the portable document: the checkpoint, its
// members, and (optionally) the relationships between members.
func (s *Service) ExportCheckpoint(ctx context.Context, checkpointID string, includeRelationships bool) (*types.CheckpointExport, error) {
	cp, err := s.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	members, err := s.GetCheckpointMembers(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	export := &types.CheckpointExport{Checkpoint: cp, Members: members}
	if !includeRelationships {
		return export, nil
	}

	rows, err := s.graph.Query(ctx, `MATCH (:Checkpoint {id: $checkpointId})-[:INCLUDES]->(a:Entity)
MATCH (:Checkpoint {id: $checkpointId})-[:INCLUDES]->(b:Entity)
MATCH (a)-[r]->(b)
RETURN properties(r) AS props, type(r) AS relType, a.id AS from, b.id AS to
ORDER BY r.id`, map[string]any{"checkpointId": checkpointID})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if rel := relationshipFromRow(row); rel != nil {
			export.Relationships = append(export.Relationships, rel)
		}
	}
	return export, nil
}

// ImportCheckpoint materializes an exported snapshot into this graph.
// With useOriginalId the checkpoint and member ids are kept; otherwise
// every id is rewritten deterministically from the new checkpoint id so
// repeated imports of the same document stay disjoint from the source.
// Relationships whose endpoints are not in the member set are skipped
// and counted, never fatal.
func (s *Service) ImportCheckpoint(ctx context.Context, export *types.CheckpointExport, opts types.ImportOptions) (*types.ImportResult, error) {
	if export == nil || export.Checkpoint == nil {
		return nil, &types.ErrValidation{Field: "export", Reason: "checkpoint document required"}
	}

	checkpointID := export.Checkpoint.CheckpointID
	idFor := func(original string) string { return original }
	if !opts.UseOriginalID {
		checkpointID = "chk_" + uuid.NewString()
		idFor = func(original string) string { return rewriteID(checkpointID, original) }
	}

	memberIDs := make(map[string]string, len(export.Members)) // original -> imported
	batch := make([]map[string]any, 0, len(export.Members))
	for _, m := range export.Members {
		if m == nil || m.ID == "" {
			continue
		}
		imported := *m
		imported.ID = idFor(m.ID)
		memberIDs[m.ID] = imported.ID
		batch = append(batch, map[string]any{"id": imported.ID, "props": entity.Props(&imported)})
	}

	result := &types.ImportResult{CheckpointID: checkpointID}
	err := s.graph.Transaction(ctx, func(tx storage.GraphQuerier) error {
		if len(batch) > 0 {
			_, err := tx.Query(ctx, `UNWIND $batch AS row
MERGE (n:Entity {id: row.id})
SET n += row.props`, map[string]any{"batch": batch})
			if err != nil {
				return err
			}
		}
		_, err := tx.Query(ctx, "MERGE (c:Checkpoint {id: $checkpointId}) SET c += $props", map[string]any{
			"checkpointId": checkpointID,
			"props": map[string]any{
				"timestamp":    export.Checkpoint.Timestamp.UnixMilli(),
				"reason":       string(export.Checkpoint.Reason),
				"description":  export.Checkpoint.Description,
				"hops":         int64(export.Checkpoint.Hops),
				"seedEntities": rewriteAll(export.Checkpoint.SeedEntities, memberIDs),
			},
		})
		if err != nil {
			return err
		}
		members := make([]string, 0, len(memberIDs))
		for _, id := range memberIDs {
			members = append(members, id)
		}
		sort.Strings(members)
		_, err = tx.Query(ctx, `MATCH (c:Checkpoint {id: $checkpointId})
UNWIND $members AS mid
MATCH (m:Entity {id: mid})
MERGE (c)-[:INCLUDES]->(m)`, map[string]any{"checkpointId": checkpointID, "members": members})
		return err
	})
	if err != nil {
		return nil, err
	}
	result.EntitiesImported = len(batch)

	byType := make(map[types.RelationshipType][]map[string]any)
	for _, rel := range export.Relationships {
		if rel == nil {
			continue
		}
		from, okFrom := memberIDs[rel.FromEntityID]
		to, okTo := memberIDs[rel.ToEntityID]
		if !okFrom || !okTo || !relTypePattern.MatchString(string(rel.Type)) {
			result.RelationshipsSkipped++
			continue
		}
		imported := *rel
		imported.ID = idFor(rel.ID)
		byType[rel.Type] = append(byType[rel.Type], map[string]any{
			"from": from, "to": to, "props": relationshipProps(&imported),
		})
	}
	for relType, rows := range byType {
		stmt := fmt.Sprintf(`UNWIND $batch AS row
MATCH (a:Entity {id: row.from}), (b:Entity {id: row.to})
MERGE (a)-[r:%s {id: row.props.id}]->(b)
SET r += row.props`, relType)
		if _, err := s.graph.Query(ctx, stmt, map[string]any{"batch": rows}); err != nil {
			return nil, err
		}
	}

	log.Info().Str("checkpoint_id", checkpointID).Int("entities", result.EntitiesImported).
		Int("relationships_skipped", result.RelationshipsSkipped).
		Bool("original_ids", opts.UseOriginalID).Msg("checkpoint imported")
	return result, nil
}

func (s *Service) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	if _, err := s.GetCheckpoint(ctx, checkpointID); err != nil {
		return err
	}
	_, err := s.graph.Query(ctx,
		"MATCH (c:Checkpoint {id: $checkpointId}) DETACH DELETE c",
		map[string]any{"checkpointId": checkpointID})
	if err != nil {
		return err
	}
	log.Info().Str("checkpoint_id", checkpointID).Msg("checkpoint deleted")
	return nil
}

// rewriteID derives a stable imported id from the new checkpoint id and
// the original id.
func rewriteID(checkpointID, original string) string {
	sum := sha256.Sum256([]byte(checkpointID + ":" + original))
	return "imp_" + hex.EncodeToString(sum[:8])
}

func rewriteAll(ids []string, mapping map[string]string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if mapped, ok := mapping[id]; ok {
			out = append(out, mapped)
		} else {
			out = append(out, id)
		}
	}
	return out
}

func checkpointFromRow(row storage.Row) *types.Checkpoint {
	props, ok := row["props"].(map[string]any)
	if !ok {
		return nil
	}
	cp := &types.Checkpoint{
		CheckpointID: asString(props["id"]),
		Timestamp:    asTime(props["timestamp"]),
		Reason:       types.CheckpointReason(asString(props["reason"])),
		Description:  asString(props["description"]),
		Hops:         int(asInt64(props["hops"])),
		MemberCount:  int(asInt64(row["members"])),
	}
	switch seeds := props["seedEntities"].(type) {
	case []string:
		cp.SeedEntities = seeds
	case []any:
		for _, s := range seeds {
			cp.SeedEntities = append(cp.SeedEntities, asString(s))
		}
	}
	return cp
}

// relationshipFromRow and relationshipProps mirror the relationship
// package's edge mapping for export and import.
func relationshipFromRow(row storage.Row) *types.Relationship {
	props, ok := row["props"].(map[string]any)
	if !ok {
		return nil
	}
	rel := &types.Relationship{
		ID:           asString(props["id"]),
		FromEntityID: asString(row["from"]),
		ToEntityID:   asString(row["to"]),
		Type:         types.RelationshipType(asString(row["relType"])),
		Created:      asTime(props["created"]),
		LastModified: asTime(props["lastModified"]),
		Version:      asInt64(props["version"]),
		ChangeSetID:  asString(props["changeSetId"]),
	}
	if b, ok := props["active"].(bool); ok {
		rel.Active = b
	}
	if raw := asString(props["metadata"]); raw != "" {
		_ = json.Unmarshal([]byte(raw), &rel.Metadata)
	}
	if ms := asInt64(props["validFrom"]); ms != 0 {
		t := time.UnixMilli(ms).UTC()
		rel.ValidFrom = &t
	}
	if ms := asInt64(props["validTo"]); ms != 0 {
		t := time.UnixMilli(ms).UTC()
		rel.ValidTo = &t
	}
	return rel
}

func relationshipProps(r *types.Relationship) map[string]any {
	props := map[string]any{
		"id":           r.ID,
		"created":      r.Created.UnixMilli(),
		"lastModified": r.LastModified.UnixMilli(),
		"version":      r.Version,
		"active":       r.Active,
	}
	if len(r.Metadata) > 0 {
		if raw, err := json.Marshal(r.Metadata); err == nil {
			props["metadata"] = string(raw)
		}
	}
	if r.ValidFrom != nil {
		props["validFrom"] = r.ValidFrom.UnixMilli()
	}
	if r.ValidTo != nil {
		props["validTo"] = r.ValidTo.UnixMilli()
	}
	if r.ChangeSetID != "" {
		props["changeSetId"] = r.ChangeSetID
	}
	return props
}
