// Package analysis answers read-only questions about graph shape:
// change impact, shortest and exhaustive paths, bottlenecks, and
// bounded traversals with time-travel filters. The graph is queried
// level by level with parameterized statements; path work happens on a
// bounded in-memory adjacency snapshot.
package analysis

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scrypster/memento/internal/entity"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/internal/telemetry"
	"github.com/scrypster/memento/pkg/types"
)

const (
	defaultImpactDepth = 3
	defaultPathDepth   = 5
	defaultMaxPaths    = 10

	// nodeCap bounds how much of the graph one analysis may pull in.
	nodeCap = 2000
)

// Service is the analysis service.
type Service struct {
	graph  storage.GraphStore
	tracer trace.Tracer
}

func NewService(graph storage.GraphStore) *Service {
	return &Service{graph: graph, tracer: telemetry.Tracer("memento/analysis")}
}

// impactRelTypes are the dependency edges considered when no explicit
// subset is given.
var impactRelTypes = []types.RelationshipType{
	types.RelCalls, types.RelUses, types.RelReferences,
	types.RelExtends, types.RelImplements, types.RelImports, types.RelDependsOn,
}

func changeWeight(c types.ChangeType) float64 {
	switch c {
	case types.ChangeDelete:
		return 3
	case types.ChangeRename:
		return 2
	default:
		return 1
	}
}

func relWeight(t types.RelationshipType) float64 {
	switch t {
	case types.RelExtends, types.RelImplements:
		return 3
	case types.RelCalls:
		return 2.5
	case types.RelReferences:
		return 2
	case types.RelUses:
		return 1.5
	default:
		return 1
	}
}

func severityFor(score float64) types.ImpactSeverity {
	switch {
	case score >= 6:
		return types.SeverityHigh
	case score >= 3:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

// AnalyzeImpact reports who breaks when the entity changes. Direct
// impact covers immediate dependents; with IncludeIndirect the blast
// radius expands level by level with decaying confidence.
func (s *Service) AnalyzeImpact(ctx context.Context, q *types.ImpactQuery) (*types.ImpactResult, error) {
	if q == nil || q.EntityID == "" {
		return nil, &types.ErrValidation{Field: "entityId", Reason: "entity id required"}
	}
	switch q.ChangeType {
	case types.ChangeModify, types.ChangeDelete, types.ChangeRename:
	default:
		return nil, &types.ErrValidation{Field: "changeType", Reason: fmt.Sprintf("unknown change type %q", q.ChangeType)}
	}
	maxDepth := q.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultImpactDepth
	}
	relTypes := q.RelationshipTypes
	if len(relTypes) == 0 {
		relTypes = impactRelTypes
	}

	ctx, span := s.tracer.Start(ctx, "analysis.impact", trace.WithAttributes(
		attribute.String("entity_id", q.EntityID),
		attribute.String("change", string(q.ChangeType)),
	))
	defer span.End()

	if err := s.requireEntity(ctx, q.EntityID); err != nil {
		return nil, err
	}

	result := &types.ImpactResult{EntityID: q.EntityID, Change: q.ChangeType}

	// Direct dependents point at the target.
	rows, err := s.graph.Query(ctx, fmt.Sprintf(`MATCH (m:Entity)-[r:%s]->(n:Entity {id: $id})
WHERE r.validTo IS NULL
RETURN properties(m) AS props, type(r) AS relType`, relTypeUnion(relTypes)),
		map[string]any{"id": q.EntityID})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{q.EntityID: true}
	for _, row := range rows {
		e := entity.FromRow(row)
		if e == nil {
			continue
		}
		relType := types.RelationshipType(asString(row["relType"]))
		score := changeWeight(q.ChangeType) * relWeight(relType)
		result.Direct = append(result.Direct, types.DirectImpact{
			Entity:       e,
			Severity:     severityFor(score),
			Relationship: relType,
			Reason:       fmt.Sprintf("%s via %s", q.ChangeType, relType),
		})
		seen[e.ID] = true
	}
	sort.SliceStable(result.Direct, func(i, j int) bool {
		return severityRank(result.Direct[i].Severity) > severityRank(result.Direct[j].Severity)
	})

	if !q.IncludeIndirect || maxDepth < 2 {
		return result, nil
	}

	frontier := make([]string, 0, len(result.Direct))
	for _, d := range result.Direct {
		frontier = append(frontier, d.Entity.ID)
	}
	confidence := 1.0
	for level := 2; level <= maxDepth && len(frontier) > 0 && len(seen) < nodeCap; level++ {
		confidence *= 0.8
		rows, err := s.graph.Query(ctx, fmt.Sprintf(`MATCH (m:Entity)-[r:%s]->(n:Entity)
WHERE n.id IN $frontier AND r.validTo IS NULL
RETURN properties(m) AS props, type(r) AS relType`, relTypeUnion(relTypes)),
			map[string]any{"frontier": frontier})
		if err != nil {
			return nil, err
		}
		var (
			levelEntities []*types.Entity
			next          []string
			typeCounts    = map[types.RelationshipType]int{}
		)
		for _, row := range rows {
			e := entity.FromRow(row)
			if e == nil || seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			levelEntities = append(levelEntities, e)
			next = append(next, e.ID)
			typeCounts[types.RelationshipType(asString(row["relType"]))]++
		}
		if len(levelEntities) == 0 {
			break
		}
		result.Cascading = append(result.Cascading, types.CascadingImpact{
			Level:        level,
			Entities:     levelEntities,
			Relationship: dominantType(typeCounts),
			Confidence:   confidence,
		})
		frontier = next
	}

	log.Debug().Str("entity_id", q.EntityID).Int("direct", len(result.Direct)).
		Int("levels", len(result.Cascading)).Msg("impact analyzed")
	return result, nil
}

func severityRank(s types.ImpactSeverity) int {
	switch s {
	case types.SeverityHigh:
		return 2
	case types.SeverityMedium:
		return 1
	default:
		return 0
	}
}

func dominantType(counts map[types.RelationshipType]int) types.RelationshipType {
	var (
		best  types.RelationshipType
		bestN int
	)
	keys := make([]string, 0, len(counts))
	for t := range counts {
		keys = append(keys, string(t))
	}
	sort.Strings(keys)
	for _, k := range keys {
		t := types.RelationshipType(k)
		if counts[t] > bestN {
			best, bestN = t, counts[t]
		}
	}
	return best
}

func (s *Service) requireEntity(ctx context.Context, id string) error {
	rows, err := s.graph.Query(ctx,
		"MATCH (n:Entity {id: $id}) RETURN n.id AS id",
		map[string]any{"id": id})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return &types.ErrNotFound{Kind: "entity", ID: id}
	}
	return nil
}

func relTypeUnion(relTypes []types.RelationshipType) string {
	names := make([]string, 0, len(relTypes))
	for _, t := range relTypes {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
