package analysis

import (
	"context"
	"math"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/scrypster/memento/internal/entity"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/internal/storage/storagetest"
	"github.com/scrypster/memento/pkg/types"
)

type memEdge struct {
	from, to  string
	relType   string
	validFrom *int64
	validTo   *int64
}

// memAnalysisGraph programs a FakeGraph into a small in-memory graph
// the analysis statements can walk.
type memAnalysisGraph struct {
	fake     *storagetest.FakeGraph
	entities map[string]map[string]any
	edges    []memEdge
}

var stmtRelTypes = regexp.MustCompile(`\[r:([A-Z_|]+)\]`)

func newMemAnalysisGraph(t *testing.T) *memAnalysisGraph {
	t.Helper()
	g := &memAnalysisGraph{
		fake:     storagetest.NewFakeGraph(),
		entities: make(map[string]map[string]any),
	}

	typeSet := func(stmt string) map[string]bool {
		set := make(map[string]bool)
		if m := stmtRelTypes.FindStringSubmatch(stmt); m != nil {
			for _, t := range strings.Split(m[1], "|") {
				set[t] = true
			}
		}
		return set
	}
	open := func(e memEdge) bool { return e.validTo == nil }

	g.fake.Stub("MATCH (n:Entity {id: $id}) RETURN n.id AS id", func(p map[string]any) ([]storage.Row, error) {
		if _, ok := g.entities[p["id"].(string)]; ok {
			return []storage.Row{{"id": p["id"]}}, nil
		}
		return nil, nil
	})

	g.fake.Stub("RETURN n.id AS id, n.type AS type", func(p map[string]any) ([]storage.Row, error) {
		var rows []storage.Row
		for _, id := range p["ids"].([]string) {
			if props, ok := g.entities[id]; ok {
				rows = append(rows, storage.Row{"id": id, "type": props["type"]})
			}
		}
		return rows, nil
	})

	g.fake.StubStmt("]->(n:Entity {id: $id})", func(stmt string, p map[string]any) ([]storage.Row, error) {
		allowed := typeSet(stmt)
		var rows []storage.Row
		for _, e := range g.edges {
			if e.to == p["id"].(string) && open(e) && allowed[e.relType] {
				rows = append(rows, storage.Row{"props": g.entities[e.from], "relType": e.relType})
			}
		}
		return rows, nil
	})

	g.fake.StubStmt("WHERE n.id IN $frontier", func(stmt string, p map[string]any) ([]storage.Row, error) {
		allowed := typeSet(stmt)
		frontier := make(map[string]bool)
		for _, id := range p["frontier"].([]string) {
			frontier[id] = true
		}
		var rows []storage.Row
		for _, e := range g.edges {
			if frontier[e.to] && open(e) && allowed[e.relType] {
				rows = append(rows, storage.Row{"props": g.entities[e.from], "relType": e.relType})
			}
		}
		return rows, nil
	})

	g.fake.StubStmt("RETURN a.id AS from, m.id AS to, type(r) AS relType", func(stmt string, p map[string]any) ([]storage.Row, error) {
		allowed := typeSet(stmt)
		incoming := strings.HasPrefix(stmt, "MATCH (m:Entity)")
		both := strings.Contains(stmt, "]-(m:Entity)")
		frontier := make(map[string]bool)
		for _, id := range p["frontier"].([]string) {
			frontier[id] = true
		}
		var rows []storage.Row
		for _, e := range g.edges {
			if !open(e) || !allowed[e.relType] {
				continue
			}
			switch {
			case both:
				if frontier[e.from] {
					rows = append(rows, storage.Row{"from": e.from, "to": e.to, "relType": e.relType})
				}
				if frontier[e.to] {
					rows = append(rows, storage.Row{"from": e.to, "to": e.from, "relType": e.relType})
				}
			case incoming:
				if frontier[e.to] {
					rows = append(rows, storage.Row{"from": e.to, "to": e.from, "relType": e.relType})
				}
			default:
				if frontier[e.from] {
					rows = append(rows, storage.Row{"from": e.from, "to": e.to, "relType": e.relType})
				}
			}
		}
		return rows, nil
	})

	g.fake.StubStmt("RETURN DISTINCT m.id AS id, properties(m) AS props", func(stmt string, p map[string]any) ([]storage.Row, error) {
		allowed := typeSet(stmt)
		incoming := strings.HasPrefix(stmt, "MATCH (m:Entity)")
		frontier := make(map[string]bool)
		for _, id := range p["frontier"].([]string) {
			frontier[id] = true
		}
		edgeVisible := func(e memEdge) bool {
			if at, ok := p["at"].(int64); ok {
				if e.validFrom != nil && *e.validFrom > at {
					return false
				}
				if e.validTo != nil && *e.validTo <= at {
					return false
				}
				return true
			}
			_, hasSince := p["since"]
			_, hasUntil := p["until"]
			if hasSince || hasUntil {
				if until, ok := p["until"].(int64); ok && e.validFrom != nil && *e.validFrom > until {
					return false
				}
				if since, ok := p["since"].(int64); ok && e.validTo != nil && *e.validTo < since {
					return false
				}
				return true
			}
			return e.validTo == nil
		}
		var rows []storage.Row
		seen := make(map[string]bool)
		for _, e := range g.edges {
			if !allowed[e.relType] || !edgeVisible(e) {
				continue
			}
			var target string
			if incoming {
				if !frontier[e.to] {
					continue
				}
				target = e.from
			} else {
				if !frontier[e.from] {
					continue
				}
				target = e.to
			}
			if seen[target] {
				continue
			}
			seen[target] = true
			rows = append(rows, storage.Row{"id": target, "props": g.entities[target]})
		}
		return rows, nil
	})

	return g
}

func (g *memAnalysisGraph) add(id string, entityType types.EntityType) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	g.entities[id] = entity.Props(&types.Entity{
		ID: id, Type: entityType, Name: id, Created: now, LastModified: now, Version: 1,
	})
}

func (g *memAnalysisGraph) link(from, to string, relType types.RelationshipType) {
	g.edges = append(g.edges, memEdge{from: from, to: to, relType: string(relType)})
}

func (g *memAnalysisGraph) linkWindow(from, to string, relType types.RelationshipType, validFrom, validTo *time.Time) {
	e := memEdge{from: from, to: to, relType: string(relType)}
	if validFrom != nil {
		ms := validFrom.UnixMilli()
		e.validFrom = &ms
	}
	if validTo != nil {
		ms := validTo.UnixMilli()
		e.validTo = &ms
	}
	g.edges = append(g.edges, e)
}

func TestAnalyzeImpactSeverityHeuristic(t *testing.T) {
	g := newMemAnalysisGraph(t)
	svc := NewService(g.fake)
	ctx := context.Background()

	g.add("target", types.EntitySymbol)
	g.add("child", types.EntitySymbol)
	g.add("caller", types.EntitySymbol)
	g.add("reader", types.EntitySymbol)
	g.link("child", "target", types.RelExtends)
	g.link("caller", "target", types.RelCalls)
	g.link("reader", "target", types.RelUses)

	res, err := svc.AnalyzeImpact(ctx, &types.ImpactQuery{EntityID: "target", ChangeType: types.ChangeDelete})
	if err != nil {
		t.Fatalf("impact: %v", err)
	}
	if len(res.Direct) != 3 {
		t.Fatalf("direct = %d, want 3", len(res.Direct))
	}
	bySeverity := make(map[string]types.ImpactSeverity)
	for _, d := range res.Direct {
		bySeverity[d.Entity.ID] = d.Severity
	}
	// delete(3) * EXTENDS(3)=9 high, CALLS(2.5)=7.5 high, USES(1.5)=4.5 medium.
	if bySeverity["child"] != types.SeverityHigh || bySeverity["caller"] != types.SeverityHigh {
		t.Fatalf("severities = %v", bySeverity)
	}
	if bySeverity["reader"] != types.SeverityMedium {
		t.Fatalf("reader severity = %s, want medium", bySeverity["reader"])
	}
	if res.Direct[len(res.Direct)-1].Entity.ID != "reader" {
		t.Fatalf("direct impacts not ordered by severity: %+v", res.Direct)
	}

	res, err = svc.AnalyzeImpact(ctx, &types.ImpactQuery{EntityID: "target", ChangeType: types.ChangeModify})
	if err != nil {
		t.Fatalf("modify impact: %v", err)
	}
	bySeverity = make(map[string]types.ImpactSeverity)
	for _, d := range res.Direct {
		bySeverity[d.Entity.ID] = d.Severity
	}
	// modify(1): EXTENDS=3 medium, CALLS=2.5 low, USES=1.5 low.
	if bySeverity["child"] != types.SeverityMedium || bySeverity["caller"] != types.SeverityLow || bySeverity["reader"] != types.SeverityLow {
		t.Fatalf("modify severities = %v", bySeverity)
	}
}

func TestAnalyzeImpactCascading(t *testing.T) {
	g := newMemAnalysisGraph(t)
	svc := NewService(g.fake)

	g.add("target", types.EntitySymbol)
	g.add("c1", types.EntitySymbol)
	g.add("c2", types.EntitySymbol)
	g.add("c3", types.EntitySymbol)
	g.link("c1", "target", types.RelCalls)
	g.link("c2", "c1", types.RelCalls)
	g.link("c3", "c2", types.RelReferences)

	res, err := svc.AnalyzeImpact(context.Background(), &types.ImpactQuery{
		EntityID: "target", ChangeType: types.ChangeModify, IncludeIndirect: true, MaxDepth: 3,
	})
	if err != nil {
		t.Fatalf("impact: %v", err)
	}
	if len(res.Direct) != 1 || res.Direct[0].Entity.ID != "c1" {
		t.Fatalf("direct = %+v, want c1", res.Direct)
	}
	if len(res.Cascading) != 2 {
		t.Fatalf("cascading levels = %d, want 2", len(res.Cascading))
	}
	l2 := res.Cascading[0]
	if l2.Level != 2 || len(l2.Entities) != 1 || l2.Entities[0].ID != "c2" {
		t.Fatalf("level 2 = %+v", l2)
	}
	if math.Abs(l2.Confidence-0.8) > 1e-9 {
		t.Fatalf("level 2 confidence = %f, want 0.8", l2.Confidence)
	}
	l3 := res.Cascading[1]
	if l3.Level != 3 || l3.Entities[0].ID != "c3" || l3.Relationship != types.RelReferences {
		t.Fatalf("level 3 = %+v", l3)
	}
}

func TestAnalyzeImpactValidation(t *testing.T) {
	g := newMemAnalysisGraph(t)
	svc := NewService(g.fake)

	_, err := svc.AnalyzeImpact(context.Background(), &types.ImpactQuery{EntityID: "ghost", ChangeType: types.ChangeModify})
	if !types.IsNotFound(err) {
		t.Fatalf("missing entity err = %v, want not found", err)
	}
	g.add("e1", types.EntityFile)
	_, err = svc.AnalyzeImpact(context.Background(), &types.ImpactQuery{EntityID: "e1", ChangeType: "explode"})
	if !types.IsValidation(err) {
		t.Fatalf("bad change err = %v, want validation", err)
	}
}

func diamondGraph(t *testing.T) *memAnalysisGraph {
	t.Helper()
	g := newMemAnalysisGraph(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		g.add(id, types.EntitySymbol)
	}
	g.link("a", "b", types.RelCalls)
	g.link("b", "d", types.RelCalls)
	g.link("a", "c", types.RelCalls)
	g.link("c", "d", types.RelCalls)
	g.link("a", "d", types.RelCalls)
	return g
}

func TestFindPathsShortestFirst(t *testing.T) {
	g := diamondGraph(t)
	svc := NewService(g.fake)

	res, err := svc.FindPaths(context.Background(), &types.PathQuery{
		StartEntityID: "a", EndEntityID: "d", MaxPaths: 2,
	})
	if err != nil {
		t.Fatalf("paths: %v", err)
	}
	if len(res.Paths) != 2 {
		t.Fatalf("paths = %d, want 2", len(res.Paths))
	}
	if res.Paths[0].Length != 1 || res.Paths[1].Length != 2 {
		t.Fatalf("lengths = %d, %d; want 1 then 2", res.Paths[0].Length, res.Paths[1].Length)
	}
	if diff := cmp.Diff([]string{"a", "d"}, res.Paths[0].EntityIDs); diff != "" {
		t.Fatalf("shortest path (-want +got):\n%s", diff)
	}
}

func TestFindPathsDegenerate(t *testing.T) {
	g := diamondGraph(t)
	svc := NewService(g.fake)

	res, err := svc.FindPaths(context.Background(), &types.PathQuery{StartEntityID: "a", EndEntityID: "a"})
	if err != nil {
		t.Fatalf("paths: %v", err)
	}
	if len(res.Paths) != 1 || res.Paths[0].Length != 0 || res.Paths[0].EntityIDs[0] != "a" {
		t.Fatalf("degenerate path = %+v", res.Paths)
	}
}

func TestFindAllPathsEnumeratesDiamond(t *testing.T) {
	g := diamondGraph(t)
	svc := NewService(g.fake)

	res, err := svc.FindAllPaths(context.Background(), "a", "d", types.AllPathsOptions{})
	if err != nil {
		t.Fatalf("all paths: %v", err)
	}
	if len(res.Paths) != 3 {
		t.Fatalf("paths = %d, want 3", len(res.Paths))
	}
	for _, p := range res.Paths {
		if p.EntityIDs[0] != "a" || p.EntityIDs[len(p.EntityIDs)-1] != "d" {
			t.Fatalf("path endpoints wrong: %+v", p)
		}
	}
}

func TestFindCriticalPathsRanksShortRoutes(t *testing.T) {
	g := newMemAnalysisGraph(t)
	svc := NewService(g.fake)

	g.add("a", types.EntitySymbol)
	g.add("b", types.EntityFile)
	g.add("mod", types.EntityModule)
	g.link("a", "mod", types.RelCalls)
	g.link("a", "b", types.RelCalls)
	g.link("b", "mod", types.RelCalls)

	critical, err := svc.FindCriticalPaths(context.Background(), []string{"a"}, []types.EntityType{types.EntityModule}, 4)
	if err != nil {
		t.Fatalf("critical: %v", err)
	}
	if len(critical) != 2 {
		t.Fatalf("critical paths = %d, want 2", len(critical))
	}
	if critical[0].Path.Length != 1 || critical[0].TargetID != "mod" {
		t.Fatalf("top critical path = %+v, want direct route", critical[0])
	}
	if critical[0].Score <= critical[1].Score {
		t.Fatalf("scores not descending: %f, %f", critical[0].Score, critical[1].Score)
	}
}

func TestFindBottleneckNodes(t *testing.T) {
	g := newMemAnalysisGraph(t)
	svc := NewService(g.fake)

	for _, id := range []string{"a", "hub", "x", "y", "z"} {
		g.add(id, types.EntitySymbol)
	}
	g.link("a", "hub", types.RelCalls)
	g.link("hub", "x", types.RelCalls)
	g.link("hub", "y", types.RelCalls)
	g.link("hub", "z", types.RelCalls)

	nodes, err := svc.FindBottleneckNodes(context.Background(), []string{"a"}, 3)
	if err != nil {
		t.Fatalf("bottlenecks: %v", err)
	}
	if len(nodes) != 1 || nodes[0].EntityID != "hub" || nodes[0].PathCount != 3 {
		t.Fatalf("bottlenecks = %+v, want hub on 3 paths", nodes)
	}
}

func TestAnalyzePathCharacteristics(t *testing.T) {
	g := diamondGraph(t)
	svc := NewService(g.fake)

	stats, err := svc.AnalyzePathCharacteristics(context.Background(), "a", "d")
	if err != nil {
		t.Fatalf("characteristics: %v", err)
	}
	if stats.PathCount != 3 || stats.MinLength != 1 || stats.MaxLength != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if math.Abs(stats.MeanLength-5.0/3.0) > 1e-9 {
		t.Fatalf("mean = %f, want 5/3", stats.MeanLength)
	}
	// Intermediates b and c are distinct across both two-hop paths.
	if stats.Diversity != 1.0 {
		t.Fatalf("diversity = %f, want 1", stats.Diversity)
	}
}

func TestTraverseTimeTravel(t *testing.T) {
	g := newMemAnalysisGraph(t)
	svc := NewService(g.fake)
	ctx := context.Background()

	g.add("a", types.EntityFile)
	g.add("b", types.EntitySymbol)
	g.add("c", types.EntitySymbol)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)
	t2 := t0.Add(48 * time.Hour)
	g.linkWindow("a", "b", types.RelCalls, &t1, nil) // still open
	g.linkWindow("a", "c", types.RelCalls, &t0, &t2) // closed at t2

	query := func(at *time.Time) []string {
		out, err := svc.Traverse(ctx, &types.TraversalQuery{
			StartEntityID:     "a",
			RelationshipTypes: []types.RelationshipType{types.RelCalls},
			AtTime:            at,
		})
		if err != nil {
			t.Fatalf("traverse: %v", err)
		}
		var ids []string
		for _, e := range out {
			ids = append(ids, e.ID)
		}
		return ids
	}

	if diff := cmp.Diff([]string{"b"}, query(nil)); diff != "" {
		t.Fatalf("present-day traversal (-want +got):\n%s", diff)
	}
	mid := t1.Add(time.Hour)
	if diff := cmp.Diff([]string{"b", "c"}, query(&mid)); diff != "" {
		t.Fatalf("traversal at t1+1h (-want +got):\n%s", diff)
	}
	after := t2.Add(time.Hour)
	if diff := cmp.Diff([]string{"b"}, query(&after)); diff != "" {
		t.Fatalf("traversal after close (-want +got):\n%s", diff)
	}
}

func TestTraverseFiltersAndDirection(t *testing.T) {
	g := newMemAnalysisGraph(t)
	svc := NewService(g.fake)
	ctx := context.Background()

	g.add("a", types.EntityFile)
	g.add("b", types.EntitySymbol)
	g.add("c", types.EntityFile)
	g.link("b", "a", types.RelCalls)
	g.link("c", "a", types.RelCalls)

	out, err := svc.Traverse(ctx, &types.TraversalQuery{
		StartEntityID:     "a",
		RelationshipTypes: []types.RelationshipType{types.RelCalls},
		Direction:         types.DirectionIncoming,
		Filter:            &types.TraversalFilter{EntityTypes: []types.EntityType{types.EntitySymbol}},
	})
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if len(out) != 1 || out[0].ID != "b" {
		t.Fatalf("filtered traversal = %+v, want only b", out)
	}

	if _, err := svc.Traverse(ctx, &types.TraversalQuery{StartEntityID: "a"}); !types.IsValidation(err) {
		t.Fatalf("missing rel types err = %v, want validation", err)
	}
}
