// Package entity implements CRUD and bulk upsert over knowledge-graph
// entities. Writes go through short graph transactions, publish
// mutation events, and hand changed hashes to the history service for
// version appends.
package entity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/events"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/internal/telemetry"
	"github.com/scrypster/memento/pkg/types"
)

// VersionAppender receives entities whose hash changed. The history
// service implements it; tests swap in a recorder.
type VersionAppender interface {
	AppendVersion(ctx context.Context, e *types.Entity, changeSetID string) error
}

// BulkOptions tunes CreateBulk.
type BulkOptions struct {
	SkipExisting   bool
	UpdateExisting bool
	ChangeSetID    string
}

// Service is the entity service. Versions may be nil when history is
// disabled.
type Service struct {
	graph    storage.GraphStore
	broker   *events.Broker
	versions VersionAppender
	testsCfg config.TestMetricsConfig
	tracer   trace.Tracer

	now func() time.Time
}

func NewService(graph storage.GraphStore, broker *events.Broker, versions VersionAppender, testsCfg config.TestMetricsConfig) *Service {
	return &Service{
		graph:    graph,
		broker:   broker,
		versions: versions,
		testsCfg: testsCfg,
		tracer:   telemetry.Tracer("memento/entity"),
		now:      time.Now,
	}
}

// Create inserts a new entity; an existing id is a conflict.
func (s *Service) Create(ctx context.Context, e *types.Entity) (*types.Entity, error) {
	if err := validate(e); err != nil {
		return nil, err
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	e.Created, e.LastModified, e.Version = now, now, 1

	err := s.graph.Transaction(ctx, func(tx storage.GraphQuerier) error {
		rows, err := tx.Query(ctx, "MATCH (n:Entity {id: $id}) RETURN n.id AS id", map[string]any{"id": e.ID})
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			return &types.ErrConflict{Kind: "entity", ID: e.ID, Reason: "already exists"}
		}
		_, err = tx.Query(ctx, "CREATE (n:Entity) SET n = $props", map[string]any{"props": Props(e)})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.appendVersion(ctx, e, "")
	s.publish(events.EntityCreated, e)
	return e, nil
}

// Get fetches one entity by id.
func (s *Service) Get(ctx context.Context, id string) (*types.Entity, error) {
	rows, err := s.graph.Query(ctx, "MATCH (n:Entity {id: $id}) RETURN properties(n) AS props", map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &types.ErrNotFound{Kind: "entity", ID: id}
	}
	return FromRow(rows[0]), nil
}

// Exists reports whether an entity with the id is present.
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	rows, err := s.graph.Query(ctx, "MATCH (n:Entity {id: $id}) RETURN n.id AS id", map[string]any{"id": id})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// Update applies a patch under optimistic concurrency: a non-zero
// patch.Version that does not match the stored one is a conflict.
func (s *Service) Update(ctx context.Context, id string, patch *types.Entity) (*types.Entity, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Version != 0 && patch.Version != current.Version {
		return nil, &types.ErrConflict{Kind: "entity", ID: id,
			Reason: fmt.Sprintf("stale version %d, current %d", patch.Version, current.Version)}
	}

	merged := mergePatch(current, patch)
	merged.LastModified = s.now().UTC().Truncate(time.Millisecond)
	merged.Version = current.Version + 1

	_, err = s.graph.Query(ctx, "MATCH (n:Entity {id: $id}) SET n += $props", map[string]any{
		"id": id, "props": Props(merged),
	})
	if err != nil {
		return nil, err
	}
	if merged.Hash != current.Hash {
		s.appendVersion(ctx, merged, "")
	}
	s.publish(events.EntityUpdated, merged)
	return merged, nil
}

// Upsert creates or refreshes an entity by id. LastModified moves only
// when the hash differs from the stored one; a hash change also
// appends a version.
func (s *Service) Upsert(ctx context.Context, e *types.Entity) (*types.Entity, error) {
	return s.upsert(ctx, e, "")
}

func (s *Service) upsert(ctx context.Context, e *types.Entity, changeSetID string) (*types.Entity, error) {
	if err := validate(e); err != nil {
		return nil, err
	}
	current, err := s.Get(ctx, e.ID)
	if types.IsNotFound(err) {
		created, cerr := s.Create(ctx, e)
		if types.IsConflict(cerr) {
			// Raced another writer; retry as an update.
			return s.upsert(ctx, e, changeSetID)
		}
		return created, cerr
	}
	if err != nil {
		return nil, err
	}

	merged := mergePatch(current, e)
	changed := e.Hash != "" && e.Hash != current.Hash
	if changed {
		merged.LastModified = s.now().UTC().Truncate(time.Millisecond)
	} else {
		merged.LastModified = current.LastModified
	}
	merged.Version = current.Version + 1

	_, err = s.graph.Query(ctx, "MATCH (n:Entity {id: $id}) SET n += $props", map[string]any{
		"id": e.ID, "props": Props(merged),
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.appendVersion(ctx, merged, changeSetID)
	}
	s.publish(events.EntityUpdated, merged)
	return merged, nil
}

// Delete removes the entity and every incident relationship in one
// transaction.
func (s *Service) Delete(ctx context.Context, id string) error {
	var e *types.Entity
	err := s.graph.Transaction(ctx, func(tx storage.GraphQuerier) error {
		rows, err := tx.Query(ctx, "MATCH (n:Entity {id: $id}) RETURN properties(n) AS props", map[string]any{"id": id})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return &types.ErrNotFound{Kind: "entity", ID: id}
		}
		e = FromRow(rows[0])
		_, err = tx.Query(ctx, "MATCH (n:Entity {id: $id}) DETACH DELETE n", map[string]any{"id": id})
		return err
	})
	if err != nil {
		return err
	}
	s.publish(events.EntityDeleted, e)
	return nil
}

var orderableFields = map[string]bool{
	"id": true, "name": true, "path": true, "type": true,
	"created": true, "lastModified": true, "timestamp": true,
}

// List pages entities by offset or by the opaque cursor from a
// previous page. Cursor pagination keys on (orderBy value, id) so the
// page boundary survives concurrent writes.
func (s *Service) List(ctx context.Context, opts types.ListEntitiesOptions) (*types.EntityList, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	orderBy := opts.OrderBy
	if orderBy == "" {
		orderBy = "id"
	}
	if !orderableFields[orderBy] {
		return nil, &types.ErrValidation{Field: "orderBy", Reason: fmt.Sprintf("cannot order by %q", orderBy)}
	}
	dir := "ASC"
	cmp := ">"
	if opts.OrderDirection == types.OrderDesc {
		dir, cmp = "DESC", "<"
	}

	where, params := listFilters(opts)

	countRows, err := s.graph.Query(ctx,
		"MATCH (n:Entity)"+where+" RETURN count(n) AS total", params)
	if err != nil {
		return nil, err
	}
	total := 0
	if len(countRows) > 0 {
		total = int(asInt64(countRows[0]["total"]))
	}

	page := ""
	if opts.Cursor != "" {
		c, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
		conj := " WHERE "
		if where != "" {
			conj = " AND "
		}
		page = fmt.Sprintf("%s(n.%s %s $cursorValue OR (n.%s = $cursorValue AND n.id %s $cursorId))",
			conj, orderBy, cmp, orderBy, cmp)
		params["cursorValue"] = c.Value
		params["cursorId"] = c.ID
	} else {
		params["offset"] = opts.Offset
	}
	params["limit"] = limit

	stmt := fmt.Sprintf("MATCH (n:Entity)%s%s RETURN properties(n) AS props ORDER BY n.%s %s, n.id %s",
		where, page, orderBy, dir, dir)
	if opts.Cursor != "" {
		stmt += " LIMIT $limit"
	} else {
		stmt += " SKIP $offset LIMIT $limit"
	}

	rows, err := s.graph.Query(ctx, stmt, params)
	if err != nil {
		return nil, err
	}
	out := &types.EntityList{Total: total, Items: make([]*types.Entity, 0, len(rows))}
	for _, row := range rows {
		if e := FromRow(row); e != nil {
			out.Items = append(out.Items, e)
		}
	}
	if len(out.Items) == limit {
		last := out.Items[len(out.Items)-1]
		out.NextCursor = encodeCursor(cursor{OrderBy: orderBy, Value: orderValue(last, orderBy), ID: last.ID})
	}
	return out, nil
}

// CreateBulk upserts entities grouped by type, one transaction per
// group. A failing group fails all its entities; sibling groups still
// land.
func (s *Service) CreateBulk(ctx context.Context, entities []*types.Entity, opts BulkOptions) (*types.BulkEntityResult, error) {
	ctx, span := s.tracer.Start(ctx, "entity.createBulk", trace.WithAttributes(
		attribute.Int("count", len(entities)),
	))
	defer span.End()

	result := &types.BulkEntityResult{}
	groups := make(map[types.EntityType][]*types.Entity)
	for _, e := range entities {
		if err := validate(e); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, types.BulkError{ID: e.ID, Error: err.Error()})
			continue
		}
		groups[e.Type] = append(groups[e.Type], e)
	}

	for entityType, group := range groups {
		created, updated, err := s.bulkGroup(ctx, group, opts)
		if err != nil {
			log.Warn().Err(err).Str("type", string(entityType)).Int("count", len(group)).Msg("bulk group failed")
			result.Failed += len(group)
			for _, e := range group {
				result.Errors = append(result.Errors, types.BulkError{ID: e.ID, Error: err.Error()})
			}
			continue
		}
		result.Created += created
		result.Updated += updated
	}
	return result, nil
}

func (s *Service) bulkGroup(ctx context.Context, group []*types.Entity, opts BulkOptions) (created, updated int, err error) {
	ids := make([]string, len(group))
	for i, e := range group {
		ids[i] = e.ID
	}

	existing := make(map[string]*types.Entity)
	err = s.graph.Transaction(ctx, func(tx storage.GraphQuerier) error {
		rows, err := tx.Query(ctx,
			"MATCH (n:Entity) WHERE n.id IN $ids RETURN properties(n) AS props", map[string]any{"ids": ids})
		if err != nil {
			return err
		}
		for _, row := range rows {
			if e := FromRow(row); e != nil {
				existing[e.ID] = e
			}
		}

		now := s.now().UTC().Truncate(time.Millisecond)
		batch := make([]map[string]any, 0, len(group))
		for _, e := range group {
			prev, found := existing[e.ID]
			switch {
			case !found:
				e.Created, e.LastModified, e.Version = now, now, 1
				created++
			case opts.SkipExisting:
				continue
			default:
				merged := mergePatch(prev, e)
				if e.Hash != "" && e.Hash != prev.Hash {
					merged.LastModified = now
				} else {
					merged.LastModified = prev.LastModified
				}
				merged.Version = prev.Version + 1
				*e = *merged
				updated++
			}
			batch = append(batch, map[string]any{"id": e.ID, "props": Props(e)})
		}
		if len(batch) == 0 {
			return nil
		}
		_, err = tx.Query(ctx,
			"UNWIND $batch AS row MERGE (n:Entity {id: row.id}) SET n += row.props",
			map[string]any{"batch": batch})
		return err
	})
	if err != nil {
		return 0, 0, err
	}

	for _, e := range group {
		prev, found := existing[e.ID]
		if found && opts.SkipExisting {
			continue
		}
		if !found {
			s.appendVersion(ctx, e, opts.ChangeSetID)
			s.publish(events.EntityCreated, e)
			continue
		}
		if e.Hash != "" && e.Hash != prev.Hash {
			s.appendVersion(ctx, e, opts.ChangeSetID)
		}
		s.publish(events.EntityUpdated, e)
	}
	return created, updated, nil
}

// FindByProperties matches entities on exact top-level property values.
func (s *Service) FindByProperties(ctx context.Context, partial map[string]any) ([]*types.Entity, error) {
	if len(partial) == 0 {
		return nil, &types.ErrValidation{Field: "partial", Reason: "at least one property required"}
	}
	conds := make([]string, 0, len(partial))
	params := make(map[string]any, len(partial))
	i := 0
	for k := range partial {
		if !propertyNameOK(k) {
			return nil, &types.ErrValidation{Field: "partial", Reason: fmt.Sprintf("bad property name %q", k)}
		}
		p := fmt.Sprintf("p%d", i)
		conds = append(conds, fmt.Sprintf("n.%s = $%s", k, p))
		params[p] = partial[k]
		i++
	}
	stmt := "MATCH (n:Entity) WHERE " + strings.Join(conds, " AND ") + " RETURN properties(n) AS props LIMIT 500"
	rows, err := s.graph.Query(ctx, stmt, params)
	if err != nil {
		return nil, err
	}
	return rowsToEntities(rows), nil
}

// GetByFile returns the entities located in one file path.
func (s *Service) GetByFile(ctx context.Context, path string) ([]*types.Entity, error) {
	rows, err := s.graph.Query(ctx,
		"MATCH (n:Entity) WHERE n.path = $path RETURN properties(n) AS props ORDER BY n.id",
		map[string]any{"path": path})
	if err != nil {
		return nil, err
	}
	return rowsToEntities(rows), nil
}

// GetByType returns every entity of one type.
func (s *Service) GetByType(ctx context.Context, t types.EntityType) ([]*types.Entity, error) {
	rows, err := s.graph.Query(ctx,
		"MATCH (n:Entity) WHERE n.type = $type RETURN properties(n) AS props ORDER BY n.id",
		map[string]any{"type": string(t)})
	if err != nil {
		return nil, err
	}
	return rowsToEntities(rows), nil
}

// RecordTestExecution appends one run to a test entity's bounded
// execution window and recomputes its flakiness score. A score at or
// above the configured threshold flags the test flaky.
func (s *Service) RecordTestExecution(ctx context.Context, entityID string, exec types.TestExecution) (*types.Entity, error) {
	e, err := s.Get(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if e.Type != types.EntityTest {
		return nil, &types.ErrValidation{Field: "entityId", Reason: fmt.Sprintf("%s is a %s, not a test", entityID, e.Type)}
	}
	if e.Test == nil {
		e.Test = &types.TestData{TestType: types.TestUnit}
	}
	if exec.Timestamp.IsZero() {
		exec.Timestamp = s.now().UTC().Truncate(time.Millisecond)
	}

	e.Test.Executions = append(e.Test.Executions, exec)
	maxPoints := s.testsCfg.MaxTrendDataPoints
	if maxPoints > 0 && len(e.Test.Executions) > maxPoints {
		e.Test.Executions = e.Test.Executions[len(e.Test.Executions)-maxPoints:]
	}
	e.Test.FlakinessScore = flakiness(e.Test.Executions)
	e.Test.IsFlaky = s.testsCfg.FlakinessThreshold > 0 && e.Test.FlakinessScore >= s.testsCfg.FlakinessThreshold

	e.LastModified = s.now().UTC().Truncate(time.Millisecond)
	e.Version++
	_, err = s.graph.Query(ctx, "MATCH (n:Entity {id: $id}) SET n += $props", map[string]any{
		"id": entityID, "props": Props(e),
	})
	if err != nil {
		return nil, err
	}
	s.publish(events.EntityUpdated, e)
	return e, nil
}

// flakiness is the fraction of adjacent status flips over the window.
func flakiness(execs []types.TestExecution) float64 {
	if len(execs) < 2 {
		return 0
	}
	flips := 0
	for i := 1; i < len(execs); i++ {
		if execs[i].Status != execs[i-1].Status {
			flips++
		}
	}
	return float64(flips) / float64(len(execs)-1)
}

func (s *Service) appendVersion(ctx context.Context, e *types.Entity, changeSetID string) {
	if s.versions == nil {
		return
	}
	if err := s.versions.AppendVersion(ctx, e, changeSetID); err != nil {
		log.Warn().Err(err).Str("entity_id", e.ID).Msg("version append failed")
	}
}

func (s *Service) publish(kind events.Kind, e *types.Entity) {
	if s.broker == nil || e == nil {
		return
	}
	s.broker.Publish(events.Mutation{Kind: kind, EntityID: e.ID, EntityType: e.Type, Path: e.Path})
}

func validate(e *types.Entity) error {
	if e == nil {
		return &types.ErrValidation{Field: "entity", Reason: "nil"}
	}
	if e.ID == "" {
		return &types.ErrValidation{Field: "id", Reason: "required"}
	}
	if e.Type == "" {
		return &types.ErrValidation{Field: "type", Reason: "required"}
	}
	return nil
}

// mergePatch lays non-zero patch fields over current.
func mergePatch(current, patch *types.Entity) *types.Entity {
	merged := *current
	if patch.Name != "" {
		merged.Name = patch.Name
	}
	if patch.Path != "" {
		merged.Path = patch.Path
	}
	if patch.Hash != "" {
		merged.Hash = patch.Hash
	}
	if patch.Language != "" {
		merged.Language = patch.Language
	}
	if patch.Type != "" {
		merged.Type = patch.Type
	}
	if patch.Metadata != nil {
		if merged.Metadata == nil {
			merged.Metadata = make(map[string]any, len(patch.Metadata))
		} else {
			copied := make(map[string]any, len(merged.Metadata)+len(patch.Metadata))
			for k, v := range merged.Metadata {
				copied[k] = v
			}
			merged.Metadata = copied
		}
		for k, v := range patch.Metadata {
			merged.Metadata[k] = v
		}
	}
	if patch.File != nil {
		merged.File = patch.File
	}
	if patch.Directory != nil {
		merged.Directory = patch.Directory
	}
	if patch.Module != nil {
		merged.Module = patch.Module
	}
	if patch.Symbol != nil {
		merged.Symbol = patch.Symbol
	}
	if patch.Test != nil {
		merged.Test = patch.Test
	}
	if patch.Spec != nil {
		merged.Spec = patch.Spec
	}
	if patch.Checkpoint != nil {
		merged.Checkpoint = patch.Checkpoint
	}
	return &merged
}

func listFilters(opts types.ListEntitiesOptions) (string, map[string]any) {
	conds := []string{}
	params := map[string]any{}
	if opts.Type != "" {
		conds = append(conds, "n.type = $type")
		params["type"] = string(opts.Type)
	}
	if opts.Path != "" {
		conds = append(conds, "n.path STARTS WITH $path")
		params["path"] = opts.Path
	}
	if opts.Name != "" {
		conds = append(conds, "n.name CONTAINS $name")
		params["name"] = opts.Name
	}
	if opts.Language != "" {
		conds = append(conds, "n.language = $language")
		params["language"] = opts.Language
	}
	if len(opts.Tags) > 0 {
		conds = append(conds, "any(tag IN $tags WHERE n.metadata CONTAINS tag)")
		params["tags"] = opts.Tags
	}
	if len(conds) == 0 {
		return "", params
	}
	return " WHERE " + strings.Join(conds, " AND "), params
}

func orderValue(e *types.Entity, orderBy string) any {
	switch orderBy {
	case "name":
		return e.Name
	case "path":
		return e.Path
	case "type":
		return string(e.Type)
	case "created":
		return e.Created.UnixMilli()
	case "lastModified", "timestamp":
		return e.LastModified.UnixMilli()
	default:
		return e.ID
	}
}

func rowsToEntities(rows []storage.Row) []*types.Entity {
	out := make([]*types.Entity, 0, len(rows))
	for _, row := range rows {
		if e := FromRow(row); e != nil {
			out = append(out, e)
		}
	}
	return out
}

func propertyNameOK(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}
