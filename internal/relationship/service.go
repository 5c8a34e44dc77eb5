// Package relationship implements CRUD and bulk upsert over typed
// graph edges, including the temporal open/close semantics: a temporal
// edge is closed by stamping validTo, never deleted, so history
// queries can reconstruct what held at any instant.
package relationship

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scrypster/memento/internal/events"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/internal/telemetry"
	"github.com/scrypster/memento/pkg/types"
)

// Service is the relationship service.
type Service struct {
	graph  storage.GraphStore
	broker *events.Broker
	tracer trace.Tracer

	now func() time.Time
}

func NewService(graph storage.GraphStore, broker *events.Broker) *Service {
	return &Service{
		graph:  graph,
		broker: broker,
		tracer: telemetry.Tracer("memento/relationship"),
		now:    time.Now,
	}
}

// Create upserts one edge. If an open row already exists for the
// (from, to, type) triple the rows merge: metadata unions shallowly,
// lastModified moves, version increments.
func (s *Service) Create(ctx context.Context, r *types.Relationship) (*types.Relationship, error) {
	if err := validate(r); err != nil {
		return nil, err
	}
	now := s.now().UTC().Truncate(time.Millisecond)

	var out *types.Relationship
	err := s.graph.Transaction(ctx, func(tx storage.GraphQuerier) error {
		existing, err := s.findOpen(ctx, tx, r.FromEntityID, r.ToEntityID, r.Type)
		if err != nil {
			return err
		}
		if existing != nil {
			merged := mergeOpen(existing, r, now)
			if _, err := tx.Query(ctx, fmt.Sprintf(
				"MATCH (a:Entity {id: $from})-[r:%s]->(b:Entity {id: $to}) WHERE r.id = $relId SET r += $props", r.Type),
				map[string]any{"from": r.FromEntityID, "to": r.ToEntityID, "relId": existing.ID, "props": relProps(merged)}); err != nil {
				return err
			}
			out = merged
			return nil
		}

		fresh := *r
		if fresh.ID == "" {
			fresh.ID = "rel_" + uuid.NewString()
		}
		fresh.Created, fresh.LastModified, fresh.Version = now, now, 1
		if fresh.Type.IsTemporal() && fresh.ValidFrom == nil {
			fresh.ValidFrom = &now
			fresh.Active = true
		}
		rows, err := tx.Query(ctx, fmt.Sprintf(
			"MATCH (a:Entity {id: $from}), (b:Entity {id: $to}) CREATE (a)-[r:%s]->(b) SET r = $props RETURN r.id AS id", fresh.Type),
			map[string]any{"from": fresh.FromEntityID, "to": fresh.ToEntityID, "props": relProps(&fresh)})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return &types.ErrNotFound{Kind: "entity", ID: fresh.FromEntityID + " or " + fresh.ToEntityID}
		}
		out = &fresh
		return nil
	})
	if err != nil {
		return nil, err
	}

	kind := events.RelationshipCreated
	if out.Version > 1 {
		kind = events.RelationshipUpdated
	}
	s.publish(kind, out)
	return out, nil
}

// Get fetches one relationship by id.
func (s *Service) Get(ctx context.Context, id string) (*types.Relationship, error) {
	rows, err := s.graph.Query(ctx,
		"MATCH (a:Entity)-[r]->(b:Entity) WHERE r.id = $relId RETURN properties(r) AS props, type(r) AS relType, a.id AS from, b.id AS to",
		map[string]any{"relId": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &types.ErrNotFound{Kind: "relationship", ID: id}
	}
	return relFromRow(rows[0]), nil
}

// Delete removes a relationship. Temporal edges are closed instead of
// deleted unless force is set.
func (s *Service) Delete(ctx context.Context, id string, force bool) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Type.IsTemporal() && !force {
		now := s.now().UTC().Truncate(time.Millisecond)
		_, err = s.graph.Query(ctx,
			"MATCH ()-[r]->() WHERE r.id = $relId SET r.validTo = $ts, r.active = false, r.lastModified = $ts",
			map[string]any{"relId": id, "ts": now.UnixMilli()})
		if err != nil {
			return err
		}
		log.Debug().Str("relationship_id", id).Str("type", string(r.Type)).Msg("temporal edge closed instead of deleted")
	} else {
		_, err = s.graph.Query(ctx,
			"MATCH ()-[r]->() WHERE r.id = $relId DELETE r", map[string]any{"relId": id})
		if err != nil {
			return err
		}
	}
	s.publish(events.RelationshipDeleted, r)
	return nil
}

// List filters relationships by endpoint ids and type.
func (s *Service) List(ctx context.Context, opts types.ListRelationshipsOptions) (*types.RelationshipList, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	where := ""
	params := map[string]any{"offset": opts.Offset, "limit": limit}
	conds := []string{}
	if opts.FromEntity != "" {
		conds = append(conds, "a.id = $from")
		params["from"] = opts.FromEntity
	}
	if opts.ToEntity != "" {
		conds = append(conds, "b.id = $to")
		params["to"] = opts.ToEntity
	}
	if opts.Type != "" {
		conds = append(conds, "type(r) = $relType")
		params["relType"] = string(opts.Type)
	}
	for i, c := range conds {
		if i == 0 {
			where = " WHERE " + c
		} else {
			where += " AND " + c
		}
	}

	countRows, err := s.graph.Query(ctx,
		"MATCH (a:Entity)-[r]->(b:Entity)"+where+" RETURN count(r) AS total", params)
	if err != nil {
		return nil, err
	}
	total := 0
	if len(countRows) > 0 {
		total = int(asInt64(countRows[0]["total"]))
	}

	rows, err := s.graph.Query(ctx,
		"MATCH (a:Entity)-[r]->(b:Entity)"+where+
			" RETURN properties(r) AS props, type(r) AS relType, a.id AS from, b.id AS to"+
			" ORDER BY r.id SKIP $offset LIMIT $limit", params)
	if err != nil {
		return nil, err
	}
	out := &types.RelationshipList{Total: total, Items: make([]*types.Relationship, 0, len(rows))}
	for _, row := range rows {
		if r := relFromRow(row); r != nil {
			out.Items = append(out.Items, r)
		}
	}
	return out, nil
}

// CreateBulk upserts relationships grouped by type, one transaction
// per group. Rows whose endpoints are missing are skipped and counted;
// duplicates of an open triple merge instead of duplicating.
func (s *Service) CreateBulk(ctx context.Context, rs []*types.Relationship) (*types.BulkRelationshipResult, error) {
	ctx, span := s.tracer.Start(ctx, "relationship.createBulk", trace.WithAttributes(
		attribute.Int("count", len(rs)),
	))
	defer span.End()

	result := &types.BulkRelationshipResult{}
	groups := make(map[types.RelationshipType][]*types.Relationship)
	for _, r := range rs {
		if err := validate(r); err != nil {
			result.Skipped++
			continue
		}
		groups[r.Type] = append(groups[r.Type], r)
	}

	for relType, group := range groups {
		created, updated, skipped, err := s.bulkGroup(ctx, relType, group)
		if err != nil {
			log.Warn().Err(err).Str("type", string(relType)).Int("count", len(group)).Msg("relationship bulk group failed")
			result.Skipped += len(group)
			continue
		}
		result.Created += created
		result.Updated += updated
		result.Skipped += skipped
	}
	return result, nil
}

func (s *Service) bulkGroup(ctx context.Context, relType types.RelationshipType, group []*types.Relationship) (created, updated, skipped int, err error) {
	now := s.now().UTC().Truncate(time.Millisecond)

	err = s.graph.Transaction(ctx, func(tx storage.GraphQuerier) error {
		// Endpoints that actually exist; rows referencing others skip.
		idSet := map[string]bool{}
		ids := []string{}
		for _, r := range group {
			for _, id := range []string{r.FromEntityID, r.ToEntityID} {
				if !idSet[id] {
					idSet[id] = true
					ids = append(ids, id)
				}
			}
		}
		rows, err := tx.Query(ctx, "MATCH (n:Entity) WHERE n.id IN $ids RETURN n.id AS id", map[string]any{"ids": ids})
		if err != nil {
			return err
		}
		present := map[string]bool{}
		for _, row := range rows {
			present[asString(row["id"])] = true
		}

		// Open rows already holding each triple.
		pairs := make([]map[string]any, 0, len(group))
		for _, r := range group {
			pairs = append(pairs, map[string]any{"from": r.FromEntityID, "to": r.ToEntityID})
		}
		openRows, err := tx.Query(ctx, fmt.Sprintf(
			"UNWIND $pairs AS pair MATCH (a:Entity {id: pair.from})-[r:%s]->(b:Entity {id: pair.to}) WHERE r.validTo IS NULL"+
				" RETURN properties(r) AS props, type(r) AS relType, a.id AS from, b.id AS to", relType),
			map[string]any{"pairs": pairs})
		if err != nil {
			return err
		}
		open := map[string]*types.Relationship{}
		for _, row := range openRows {
			if r := relFromRow(row); r != nil {
				open[r.Triple()] = r
			}
		}

		var creates, updates []map[string]any
		for _, r := range group {
			if !present[r.FromEntityID] || !present[r.ToEntityID] {
				skipped++
				continue
			}
			if existing, ok := open[r.Triple()]; ok {
				merged := mergeOpen(existing, r, now)
				*r = *merged
				updates = append(updates, map[string]any{"relId": merged.ID, "props": relProps(merged)})
				updated++
				continue
			}
			fresh := *r
			if fresh.ID == "" {
				fresh.ID = "rel_" + uuid.NewString()
			}
			fresh.Created, fresh.LastModified, fresh.Version = now, now, 1
			if fresh.Type.IsTemporal() && fresh.ValidFrom == nil {
				fresh.ValidFrom = &now
				fresh.Active = true
			}
			*r = fresh
			creates = append(creates, map[string]any{"from": fresh.FromEntityID, "to": fresh.ToEntityID, "props": relProps(&fresh)})
			created++
		}

		if len(creates) > 0 {
			if _, err := tx.Query(ctx, fmt.Sprintf(
				"UNWIND $batch AS row MATCH (a:Entity {id: row.from}), (b:Entity {id: row.to}) CREATE (a)-[r:%s]->(b) SET r = row.props", relType),
				map[string]any{"batch": creates}); err != nil {
				return err
			}
		}
		if len(updates) > 0 {
			if _, err := tx.Query(ctx, fmt.Sprintf(
				"UNWIND $batch AS row MATCH ()-[r:%s]->() WHERE r.id = row.relId SET r += row.props", relType),
				map[string]any{"batch": updates}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, 0, err
	}
	return created, updated, skipped, nil
}

// OpenTemporalEdge opens a validity window on the triple at ts. A
// still-open row makes this a no-op.
func (s *Service) OpenTemporalEdge(ctx context.Context, from, to string, relType types.RelationshipType, ts time.Time, changeSetID string) error {
	if !relType.IsTemporal() {
		return &types.ErrValidation{Field: "type", Reason: fmt.Sprintf("%s is not a temporal relationship type", relType)}
	}
	ts = ts.UTC().Truncate(time.Millisecond)

	return s.graph.Transaction(ctx, func(tx storage.GraphQuerier) error {
		existing, err := s.findOpen(ctx, tx, from, to, relType)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		r := &types.Relationship{
			ID:           "rel_" + uuid.NewString(),
			FromEntityID: from,
			ToEntityID:   to,
			Type:         relType,
			Created:      ts,
			LastModified: ts,
			Version:      1,
			ValidFrom:    &ts,
			Active:       true,
			ChangeSetID:  changeSetID,
		}
		rows, err := tx.Query(ctx, fmt.Sprintf(
			"MATCH (a:Entity {id: $from}), (b:Entity {id: $to}) CREATE (a)-[r:%s]->(b) SET r = $props RETURN r.id AS id", relType),
			map[string]any{"from": from, "to": to, "props": relProps(r)})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return &types.ErrNotFound{Kind: "entity", ID: from + " or " + to}
		}
		return nil
	})
}

// CloseTemporalEdge stamps validTo on the open row of the triple.
// Closing an already-closed triple is a no-op.
func (s *Service) CloseTemporalEdge(ctx context.Context, from, to string, relType types.RelationshipType, ts time.Time) error {
	if !relType.IsTemporal() {
		return &types.ErrValidation{Field: "type", Reason: fmt.Sprintf("%s is not a temporal relationship type", relType)}
	}
	ts = ts.UTC().Truncate(time.Millisecond)
	_, err := s.graph.Query(ctx, fmt.Sprintf(
		"MATCH (a:Entity {id: $from})-[r:%s]->(b:Entity {id: $to}) WHERE r.validTo IS NULL"+
			" SET r.validTo = $ts, r.active = false, r.lastModified = $ts", relType),
		map[string]any{"from": from, "to": to, "ts": ts.UnixMilli()})
	return err
}

func (s *Service) findOpen(ctx context.Context, tx storage.GraphQuerier, from, to string, relType types.RelationshipType) (*types.Relationship, error) {
	rows, err := tx.Query(ctx, fmt.Sprintf(
		"MATCH (a:Entity {id: $from})-[r:%s]->(b:Entity {id: $to}) WHERE r.validTo IS NULL"+
			" RETURN properties(r) AS props, type(r) AS relType, a.id AS from, b.id AS to", relType),
		map[string]any{"from": from, "to": to})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return relFromRow(rows[0]), nil
}

// mergeOpen folds an upsert onto the existing open row: shallow
// metadata union, fresh lastModified, bumped version.
func mergeOpen(existing, incoming *types.Relationship, now time.Time) *types.Relationship {
	merged := *existing
	merged.LastModified = now
	merged.Version = existing.Version + 1
	if len(incoming.Metadata) > 0 {
		union := make(map[string]any, len(existing.Metadata)+len(incoming.Metadata))
		for k, v := range existing.Metadata {
			union[k] = v
		}
		for k, v := range incoming.Metadata {
			union[k] = v
		}
		merged.Metadata = union
	}
	return &merged
}

func (s *Service) publish(kind events.Kind, r *types.Relationship) {
	if s.broker == nil || r == nil {
		return
	}
	s.broker.Publish(events.Mutation{
		Kind:           kind,
		RelationshipID: r.ID,
		FromEntityID:   r.FromEntityID,
		ToEntityID:     r.ToEntityID,
		RelType:        r.Type,
	})
}

func validate(r *types.Relationship) error {
	if r == nil {
		return &types.ErrValidation{Field: "relationship", Reason: "nil"}
	}
	if r.FromEntityID == "" || r.ToEntityID == "" {
		return &types.ErrValidation{Field: "endpoints", Reason: "fromEntityId and toEntityId required"}
	}
	if r.Type == "" {
		return &types.ErrValidation{Field: "type", Reason: "required"}
	}
	for _, c := range r.Type {
		if (c < 'A' || c > 'Z') && c != '_' {
			return &types.ErrValidation{Field: "type", Reason: fmt.Sprintf("bad relationship type %q", r.Type)}
		}
	}
	return nil
}
