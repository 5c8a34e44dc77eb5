package analysis

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scrypster/memento/internal/entity"
	"github.com/scrypster/memento/pkg/types"
)

type edge struct {
	to      string
	relType types.RelationshipType
}

// loadAdjacency pulls the bounded neighborhood reachable from the
// seeds: one frontier query per level, open edges only, capped at
// nodeCap nodes.
func (s *Service) loadAdjacency(ctx context.Context, seeds []string, relTypes []types.RelationshipType, direction types.Direction, maxDepth int) (map[string][]edge, error) {
	if len(relTypes) == 0 {
		relTypes = types.StructuralAndCodeTypes()
	}
	var pattern string
	switch direction {
	case types.DirectionIncoming:
		pattern = "MATCH (m:Entity)-[r:%s]->(a:Entity)"
	case types.DirectionBoth:
		pattern = "MATCH (a:Entity)-[r:%s]-(m:Entity)"
	default:
		pattern = "MATCH (a:Entity)-[r:%s]->(m:Entity)"
	}
	stmt := fmt.Sprintf(pattern+`
WHERE a.id IN $frontier AND r.validTo IS NULL
RETURN a.id AS from, m.id AS to, type(r) AS relType`, relTypeUnion(relTypes))

	adj := make(map[string][]edge)
	visited := make(map[string]bool, len(seeds))
	frontier := append([]string(nil), seeds...)
	for _, id := range seeds {
		visited[id] = true
	}

	for depth := 0; depth < maxDepth && len(frontier) > 0 && len(visited) < nodeCap; depth++ {
		rows, err := s.graph.Query(ctx, stmt, map[string]any{"frontier": frontier})
		if err != nil {
			return nil, err
		}
		var next []string
		for _, row := range rows {
			from := asString(row["from"])
			to := asString(row["to"])
			if from == "" || to == "" {
				continue
			}
			adj[from] = append(adj[from], edge{to: to, relType: types.RelationshipType(asString(row["relType"]))})
			if !visited[to] {
				visited[to] = true
				next = append(next, to)
			}
		}
		frontier = next
	}
	for _, edges := range adj {
		sort.Slice(edges, func(i, j int) bool { return edges[i].to < edges[j].to })
	}
	return adj, nil
}

// enumeratePaths walks simple paths from start, depth-first in
// deterministic neighbor order. accept decides whether a node ends a
// path; enumeration stops after maxPaths accepted paths.
func enumeratePaths(adj map[string][]edge, start string, accept func(id string) bool, maxDepth, maxPaths int) []types.EntityPath {
	var (
		paths   []types.EntityPath
		nodes   = []string{start}
		rels    []types.RelationshipType
		onPath  = map[string]bool{start: true}
		recurse func() bool
	)
	recurse = func() bool {
		current := nodes[len(nodes)-1]
		if len(nodes) > 1 && accept(current) {
			paths = append(paths, types.EntityPath{
				EntityIDs:         append([]string(nil), nodes...),
				RelationshipTypes: append([]types.RelationshipType(nil), rels...),
				Length:            len(nodes) - 1,
			})
			if len(paths) >= maxPaths {
				return false
			}
		}
		if len(nodes)-1 >= maxDepth {
			return true
		}
		for _, e := range adj[current] {
			if onPath[e.to] {
				continue
			}
			nodes = append(nodes, e.to)
			rels = append(rels, e.relType)
			onPath[e.to] = true
			more := recurse()
			onPath[e.to] = false
			nodes = nodes[:len(nodes)-1]
			rels = rels[:len(rels)-1]
			if !more {
				return false
			}
		}
		return true
	}
	recurse()
	return paths
}

// FindPaths returns up to MaxPaths shortest paths from the start.
// With an end entity it is point-to-point; without one every reachable
// node terminates a path. Unit edge weights make breadth order and
// Dijkstra order identical. A query with start == end yields one
// degenerate path of length zero.
func (s *Service) FindPaths(ctx context.Context, q *types.PathQuery) (*types.PathResult, error) {
	if q == nil || q.StartEntityID == "" {
		return nil, &types.ErrValidation{Field: "startEntityId", Reason: "start entity required"}
	}
	maxDepth := q.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultPathDepth
	}
	maxPaths := q.MaxPaths
	if maxPaths <= 0 {
		maxPaths = defaultMaxPaths
	}

	ctx, span := s.tracer.Start(ctx, "analysis.paths", trace.WithAttributes(
		attribute.String("start", q.StartEntityID),
		attribute.String("end", q.EndEntityID),
	))
	defer span.End()

	if err := s.requireEntity(ctx, q.StartEntityID); err != nil {
		return nil, err
	}
	if q.EndEntityID == q.StartEntityID && q.EndEntityID != "" {
		return &types.PathResult{Paths: []types.EntityPath{{EntityIDs: []string{q.StartEntityID}, Length: 0}}}, nil
	}
	if q.EndEntityID != "" {
		if err := s.requireEntity(ctx, q.EndEntityID); err != nil {
			return nil, err
		}
	}

	adj, err := s.loadAdjacency(ctx, []string{q.StartEntityID}, q.RelationshipTypes, q.Direction, maxDepth)
	if err != nil {
		return nil, err
	}

	accept := func(string) bool { return true }
	if q.EndEntityID != "" {
		accept = func(id string) bool { return id == q.EndEntityID }
	}
	// Enumerate generously, then keep the shortest.
	paths := enumeratePaths(adj, q.StartEntityID, accept, maxDepth, maxPaths*10)
	sort.SliceStable(paths, func(i, j int) bool { return paths[i].Length < paths[j].Length })
	if len(paths) > maxPaths {
		paths = paths[:maxPaths]
	}
	return &types.PathResult{Paths: paths}, nil
}

// FindAllPaths enumerates every simple path between two entities up to
// the depth and count limits, in discovery order.
func (s *Service) FindAllPaths(ctx context.Context, startID, endID string, opts types.AllPathsOptions) (*types.PathResult, error) {
	if startID == "" || endID == "" {
		return nil, &types.ErrValidation{Field: "startEntityId", Reason: "start and end entities required"}
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultPathDepth
	}
	maxPaths := opts.MaxPaths
	if maxPaths <= 0 {
		maxPaths = defaultMaxPaths
	}
	if err := s.requireEntity(ctx, startID); err != nil {
		return nil, err
	}
	if startID == endID {
		return &types.PathResult{Paths: []types.EntityPath{{EntityIDs: []string{startID}, Length: 0}}}, nil
	}
	if err := s.requireEntity(ctx, endID); err != nil {
		return nil, err
	}

	adj, err := s.loadAdjacency(ctx, []string{startID}, opts.RelationshipTypes, types.DirectionOutgoing, maxDepth)
	if err != nil {
		return nil, err
	}
	paths := enumeratePaths(adj, startID, func(id string) bool { return id == endID }, maxDepth, maxPaths)
	return &types.PathResult{Paths: paths}, nil
}

// FindCriticalPaths ranks paths from the seeds that reach entities of
// the target types. Shorter routes to heavier targets score higher.
func (s *Service) FindCriticalPaths(ctx context.Context, startIDs []string, targetTypes []types.EntityType, maxDepth int) ([]types.CriticalPath, error) {
	if len(startIDs) == 0 {
		return nil, &types.ErrValidation{Field: "startIds", Reason: "at least one start entity required"}
	}
	if len(targetTypes) == 0 {
		return nil, &types.ErrValidation{Field: "targetTypes", Reason: "at least one target type required"}
	}
	if maxDepth <= 0 {
		maxDepth = defaultPathDepth
	}

	adj, err := s.loadAdjacency(ctx, startIDs, nil, types.DirectionOutgoing, maxDepth)
	if err != nil {
		return nil, err
	}

	// Resolve the type of every node the adjacency touches.
	ids := make([]string, 0, len(adj))
	idSet := make(map[string]bool)
	collect := func(id string) {
		if !idSet[id] {
			idSet[id] = true
			ids = append(ids, id)
		}
	}
	for from, edges := range adj {
		collect(from)
		for _, e := range edges {
			collect(e.to)
		}
	}
	typesByID, err := s.entityTypes(ctx, ids)
	if err != nil {
		return nil, err
	}
	wanted := make(map[types.EntityType]bool, len(targetTypes))
	for _, t := range targetTypes {
		wanted[t] = true
	}

	var critical []types.CriticalPath
	for _, start := range startIDs {
		paths := enumeratePaths(adj, start, func(id string) bool {
			return wanted[typesByID[id]]
		}, maxDepth, defaultMaxPaths*5)
		for _, p := range paths {
			target := p.EntityIDs[len(p.EntityIDs)-1]
			critical = append(critical, types.CriticalPath{
				Path:     p,
				TargetID: target,
				Score:    1.0 / float64(p.Length),
			})
		}
	}
	sort.SliceStable(critical, func(i, j int) bool {
		if critical[i].Score != critical[j].Score {
			return critical[i].Score > critical[j].Score
		}
		return critical[i].TargetID < critical[j].TargetID
	})
	return critical, nil
}

// FindBottleneckNodes counts how many enumerated paths from the seeds
// cross each intermediate node; nodes at or above the threshold are
// bottlenecks, heaviest first.
func (s *Service) FindBottleneckNodes(ctx context.Context, entityIDs []string, threshold int) ([]types.BottleneckNode, error) {
	if len(entityIDs) == 0 {
		return nil, &types.ErrValidation{Field: "entityIds", Reason: "at least one entity required"}
	}
	if threshold <= 0 {
		threshold = 10
	}

	adj, err := s.loadAdjacency(ctx, entityIDs, nil, types.DirectionOutgoing, defaultPathDepth)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, start := range entityIDs {
		paths := enumeratePaths(adj, start, func(string) bool { return true }, defaultPathDepth, nodeCap)
		for _, p := range paths {
			// Endpoints are not bottlenecks of their own paths.
			for _, id := range p.EntityIDs[1 : len(p.EntityIDs)-1] {
				counts[id]++
			}
		}
	}

	var out []types.BottleneckNode
	for id, n := range counts {
		if n >= threshold {
			out = append(out, types.BottleneckNode{EntityID: id, PathCount: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PathCount != out[j].PathCount {
			return out[i].PathCount > out[j].PathCount
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out, nil
}

// AnalyzePathCharacteristics summarizes the shape of the paths between
// two entities.
func (s *Service) AnalyzePathCharacteristics(ctx context.Context, startID, endID string) (*types.PathCharacteristics, error) {
	result, err := s.FindAllPaths(ctx, startID, endID, types.AllPathsOptions{MaxPaths: defaultMaxPaths * 5})
	if err != nil {
		return nil, err
	}
	paths := result.Paths
	if len(paths) == 0 {
		return &types.PathCharacteristics{}, nil
	}

	stats := &types.PathCharacteristics{
		PathCount: len(paths),
		MinLength: paths[0].Length,
		MaxLength: paths[0].Length,
	}
	total := 0
	intermediate := make(map[string]bool)
	slots := 0
	for _, p := range paths {
		total += p.Length
		if p.Length < stats.MinLength {
			stats.MinLength = p.Length
		}
		if p.Length > stats.MaxLength {
			stats.MaxLength = p.Length
		}
		for _, id := range p.EntityIDs[1 : max(len(p.EntityIDs)-1, 1)] {
			intermediate[id] = true
			slots++
		}
	}
	stats.MeanLength = float64(total) / float64(len(paths))
	if slots > 0 {
		stats.Diversity = float64(len(intermediate)) / float64(slots)
	} else {
		stats.Diversity = 1
	}
	return stats, nil
}

// Traverse walks outward from the start entity and returns the visited
// entities. AtTime restricts edges to those valid at the instant;
// Since/Until keeps edges whose validity window overlaps the range;
// with neither, only open edges are followed.
func (s *Service) Traverse(ctx context.Context, q *types.TraversalQuery) ([]*types.Entity, error) {
	if q == nil || q.StartEntityID == "" {
		return nil, &types.ErrValidation{Field: "startEntityId", Reason: "start entity required"}
	}
	if len(q.RelationshipTypes) == 0 {
		return nil, &types.ErrValidation{Field: "relationshipTypes", Reason: "at least one relationship type required"}
	}
	maxDepth := q.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultPathDepth
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if err := s.requireEntity(ctx, q.StartEntityID); err != nil {
		return nil, err
	}

	var pattern string
	switch q.Direction {
	case types.DirectionIncoming:
		pattern = "MATCH (m:Entity)-[r:%s]->(a:Entity)"
	case types.DirectionBoth:
		pattern = "MATCH (a:Entity)-[r:%s]-(m:Entity)"
	default:
		pattern = "MATCH (a:Entity)-[r:%s]->(m:Entity)"
	}

	params := map[string]any{}
	temporal := ""
	switch {
	case q.AtTime != nil:
		temporal = " AND (r.validFrom IS NULL OR r.validFrom <= $at) AND (r.validTo IS NULL OR r.validTo > $at)"
		params["at"] = q.AtTime.UnixMilli()
	case q.Since != nil || q.Until != nil:
		if q.Until != nil {
			temporal += " AND (r.validFrom IS NULL OR r.validFrom <= $until)"
			params["until"] = q.Until.UnixMilli()
		}
		if q.Since != nil {
			temporal += " AND (r.validTo IS NULL OR r.validTo >= $since)"
			params["since"] = q.Since.UnixMilli()
		}
	default:
		temporal = " AND r.validTo IS NULL"
	}

	stmt := fmt.Sprintf(pattern+`
WHERE a.id IN $frontier`+temporal+`
RETURN DISTINCT m.id AS id, properties(m) AS props`, relTypeUnion(q.RelationshipTypes))

	visited := map[string]bool{q.StartEntityID: true}
	frontier := []string{q.StartEntityID}
	var out []*types.Entity
	for depth := 0; depth < maxDepth && len(frontier) > 0 && len(out) < limit; depth++ {
		params["frontier"] = frontier
		rows, err := s.graph.Query(ctx, stmt, params)
		if err != nil {
			return nil, err
		}
		var next []string
		for _, row := range rows {
			id := asString(row["id"])
			if id == "" || visited[id] {
				continue
			}
			visited[id] = true
			next = append(next, id)
			e := entity.FromRow(row)
			if e == nil || !traversalMatch(e, q.Filter) {
				continue
			}
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
		frontier = next
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func traversalMatch(e *types.Entity, f *types.TraversalFilter) bool {
	if f == nil {
		return true
	}
	if len(f.EntityTypes) > 0 {
		ok := false
		for _, t := range f.EntityTypes {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for key, want := range f.Properties {
		switch key {
		case "name":
			if e.Name != want {
				return false
			}
		case "path":
			if e.Path != want {
				return false
			}
		case "language":
			if e.Language != want {
				return false
			}
		default:
			if e.Metadata[key] != want {
				return false
			}
		}
	}
	return true
}

// entityTypes resolves entity types for a set of ids in one query.
func (s *Service) entityTypes(ctx context.Context, ids []string) (map[string]types.EntityType, error) {
	if len(ids) == 0 {
		return map[string]types.EntityType{}, nil
	}
	rows, err := s.graph.Query(ctx,
		"MATCH (n:Entity) WHERE n.id IN $ids RETURN n.id AS id, n.type AS type",
		map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.EntityType, len(rows))
	for _, row := range rows {
		out[asString(row["id"])] = types.EntityType(asString(row["type"]))
	}
	return out, nil
}
