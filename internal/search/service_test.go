package search

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/embedding"
	"github.com/scrypster/memento/internal/entity"
	"github.com/scrypster/memento/internal/events"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/internal/storage/storagetest"
	"github.com/scrypster/memento/pkg/types"
)

// memSearchGraph programs a FakeGraph so the search statements behave
// like a small entity table plus the fake's built-in vector index.
type memSearchGraph struct {
	fake     *storagetest.FakeGraph
	entities map[string]map[string]any
}

func newMemSearchGraph(t *testing.T) *memSearchGraph {
	t.Helper()
	g := &memSearchGraph{
		fake:     storagetest.NewFakeGraph(),
		entities: make(map[string]map[string]any),
	}

	asStr := func(v any) string {
		s, _ := v.(string)
		return s
	}
	sortedProps := func(match func(props map[string]any) bool) []storage.Row {
		var ids []string
		for id, props := range g.entities {
			if match(props) {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		rows := make([]storage.Row, 0, len(ids))
		for _, id := range ids {
			rows = append(rows, storage.Row{"props": g.entities[id]})
		}
		return rows
	}

	g.fake.Stub("toLower(n.name) CONTAINS $q", func(p map[string]any) ([]storage.Row, error) {
		q := p["q"].(string)
		return sortedProps(func(props map[string]any) bool {
			if q == "" {
				return true
			}
			return strings.Contains(strings.ToLower(asStr(props["name"])), q) ||
				strings.Contains(strings.ToLower(asStr(props["path"])), q)
		}), nil
	})

	g.fake.Stub("WHERE n.id IN $ids", func(p map[string]any) ([]storage.Row, error) {
		var rows []storage.Row
		for _, id := range p["ids"].([]string) {
			if props, ok := g.entities[id]; ok {
				rows = append(rows, storage.Row{"props": props})
			}
		}
		return rows, nil
	})

	g.fake.Stub("{type: 'symbol', name: $name}", func(p map[string]any) ([]storage.Row, error) {
		return sortedProps(func(props map[string]any) bool {
			return asStr(props["type"]) == "symbol" && asStr(props["name"]) == p["name"].(string)
		}), nil
	})

	g.fake.Stub("toLower(n.name) CONTAINS $name", func(p map[string]any) ([]storage.Row, error) {
		name := p["name"].(string)
		return sortedProps(func(props map[string]any) bool {
			return asStr(props["type"]) == "symbol" &&
				strings.Contains(strings.ToLower(asStr(props["name"])), name)
		}), nil
	})

	g.fake.Stub("{type: 'symbol', path: $path}", func(p map[string]any) ([]storage.Row, error) {
		return sortedProps(func(props map[string]any) bool {
			return asStr(props["type"]) == "symbol" && asStr(props["path"]) == p["path"].(string)
		}), nil
	})

	g.fake.Stub("n.name =~ $re", func(p map[string]any) ([]storage.Row, error) {
		// The service re-checks matches client side; return everything.
		return sortedProps(func(map[string]any) bool { return true }), nil
	})

	g.fake.Stub("REFERENCES|IMPORTS]", func(p map[string]any) ([]storage.Row, error) {
		return nil, nil
	})

	return g
}

func (g *memSearchGraph) add(e *types.Entity) {
	g.entities[e.ID] = entity.Props(e)
}

func newTestSearch(t *testing.T, g *memSearchGraph) (*Service, *embedding.Service) {
	t.Helper()
	embCfg := config.Default().Embedding
	embCfg.Dimensions = 64
	emb, err := embedding.NewService(embCfg, nil)
	if err != nil {
		t.Fatalf("embedding service: %v", err)
	}
	svc, err := NewService(g.fake, emb, config.Default().Search, nil)
	if err != nil {
		t.Fatalf("search service: %v", err)
	}
	return svc, emb
}

func searchEntity(id, name, path string) *types.Entity {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	return &types.Entity{
		ID: id, Type: types.EntityFile, Name: name, Path: path,
		Language: "go", Hash: "h_" + id, Created: now, LastModified: now, Version: 1,
	}
}

func symbolEntity(id, name, path string, line int) *types.Entity {
	e := searchEntity(id, name, path)
	e.Type = types.EntitySymbol
	e.Symbol = &types.SymbolData{
		Kind:      types.SymbolFunction,
		Signature: "func " + name + "()",
		Location:  types.SourceLocation{Line: line},
	}
	return e
}

func (g *memSearchGraph) seedVector(t *testing.T, emb *embedding.Service, e *types.Entity, content string) {
	t.Helper()
	res, err := emb.GenerateEmbedding(context.Background(), content, e.ID)
	if err != nil {
		t.Fatalf("embed %s: %v", e.ID, err)
	}
	err = g.fake.UpsertVector(context.Background(), vectorCollection, e.ID, res.Embedding, map[string]any{
		"entityId": e.ID, "language": e.Language,
	})
	if err != nil {
		t.Fatalf("upsert vector: %v", err)
	}
}

func TestStructuralSearchRanksNameAbovePath(t *testing.T) {
	g := newMemSearchGraph(t)
	svc, _ := newTestSearch(t, g)

	g.add(searchEntity("e1", "auth", "src/auth.go"))
	g.add(searchEntity("e2", "authorize", "src/authorize.go"))
	g.add(searchEntity("e3", "handler", "src/auth/handler.go"))
	g.add(searchEntity("e4", "render", "src/render.go"))

	resp, err := svc.Search(context.Background(), &types.GraphSearchRequest{
		Query: "auth", SearchType: types.SearchStructural,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Total != 3 {
		t.Fatalf("total = %d, want 3", resp.Total)
	}
	gotIDs := []string{resp.Results[0].Entity.ID, resp.Results[1].Entity.ID, resp.Results[2].Entity.ID}
	if gotIDs[0] != "e1" || gotIDs[1] != "e2" || gotIDs[2] != "e3" {
		t.Fatalf("order = %v, want [e1 e2 e3]", gotIDs)
	}
	if resp.Results[0].Score != 1.0 || resp.Results[0].MatchedOn != "name" {
		t.Fatalf("exact hit = %+v", resp.Results[0])
	}
	if resp.Results[2].MatchedOn != "path" {
		t.Fatalf("path hit matchedOn = %q", resp.Results[2].MatchedOn)
	}
}

func TestStructuralSearchAppliesFilters(t *testing.T) {
	g := newMemSearchGraph(t)
	svc, _ := newTestSearch(t, g)

	tagged := searchEntity("e1", "parser", "src/parser.go")
	tagged.Metadata = map[string]any{"tags": []any{"core", "hot"}}
	g.add(tagged)
	other := searchEntity("e2", "parser_util", "lib/parser_util.go")
	g.add(other)

	resp, err := svc.Search(context.Background(), &types.GraphSearchRequest{
		Query:      "parser",
		SearchType: types.SearchStructural,
		Filters:    &types.SearchFilters{Tags: []string{"core"}, Path: "src/"},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Total != 1 || resp.Results[0].Entity.ID != "e1" {
		t.Fatalf("results = %+v, want only e1", resp.Results)
	}
}

func TestSemanticSearchRanksBySimilarity(t *testing.T) {
	g := newMemSearchGraph(t)
	svc, emb := newTestSearch(t, g)

	a := searchEntity("e1", "connection pool", "src/pool.go")
	b := searchEntity("e2", "template renderer", "src/render.go")
	g.add(a)
	g.add(b)
	g.seedVector(t, emb, a, "database connection pooling with retry")
	g.seedVector(t, emb, b, "html template rendering engine")

	resp, err := svc.Search(context.Background(), &types.GraphSearchRequest{
		Query: "database connection pooling with retry", SearchType: types.SearchSemantic,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) == 0 || resp.Results[0].Entity.ID != "e1" {
		t.Fatalf("results = %+v, want e1 first", resp.Results)
	}
	if resp.Results[0].SemanticScore < 0.99 {
		t.Fatalf("identical content score = %f, want ~1", resp.Results[0].SemanticScore)
	}
}

func TestHybridSearchBlendsScores(t *testing.T) {
	g := newMemSearchGraph(t)
	svc, emb := newTestSearch(t, g)

	both := searchEntity("e1", "scheduler", "src/scheduler.go")
	structOnly := searchEntity("e2", "scheduler_test", "src/scheduler_test.go")
	semOnly := searchEntity("e3", "cron", "src/cron.go")
	g.add(both)
	g.add(structOnly)
	g.add(semOnly)
	g.seedVector(t, emb, both, "scheduler")
	g.seedVector(t, emb, semOnly, "scheduler")

	resp, err := svc.Search(context.Background(), &types.GraphSearchRequest{
		Query: "scheduler", SearchType: types.SearchHybrid,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Partial {
		t.Fatal("unexpected partial response")
	}
	byID := make(map[string]types.SearchResult)
	for _, r := range resp.Results {
		byID[r.Entity.ID] = r
	}
	if len(byID) != 3 {
		t.Fatalf("merged results = %d, want 3", len(byID))
	}

	r1 := byID["e1"]
	if r1.StructuralScore == 0 || r1.SemanticScore == 0 {
		t.Fatalf("e1 should carry both branch scores: %+v", r1)
	}
	want := 0.6*r1.StructuralScore + 0.4*r1.SemanticScore
	if math.Abs(r1.Score-want) > 1e-9 {
		t.Fatalf("e1 score = %f, want %f", r1.Score, want)
	}
	if byID["e2"].SemanticScore != 0 {
		t.Fatalf("e2 semantic score = %f, want 0", byID["e2"].SemanticScore)
	}
	if byID["e3"].StructuralScore != 0 {
		t.Fatalf("e3 structural score = %f, want 0", byID["e3"].StructuralScore)
	}
	if resp.Results[0].Entity.ID != "e1" {
		t.Fatalf("top result = %s, want e1", resp.Results[0].Entity.ID)
	}
}

func TestHybridSearchPartialOnBranchFailure(t *testing.T) {
	g := newMemSearchGraph(t)
	svc, _ := newTestSearch(t, g)

	g.add(searchEntity("e1", "metrics", "src/metrics.go"))
	g.fake.VectorErr = &types.ErrStoreUnavailable{Store: "graph", Err: errors.New("vector index offline")}

	resp, err := svc.Search(context.Background(), &types.GraphSearchRequest{
		Query: "metrics", SearchType: types.SearchHybrid,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !resp.Partial {
		t.Fatal("expected partial response")
	}
	if resp.Total != 1 || resp.Results[0].Entity.ID != "e1" {
		t.Fatalf("results = %+v, want the structural hit", resp.Results)
	}
}

func TestSearchCachesByCanonicalRequest(t *testing.T) {
	g := newMemSearchGraph(t)
	svc, _ := newTestSearch(t, g)
	ctx := context.Background()

	g.add(searchEntity("e1", "cache", "src/cache.go"))

	req := &types.GraphSearchRequest{Query: "Cache", SearchType: types.SearchStructural}
	if _, err := svc.Search(ctx, req); err != nil {
		t.Fatalf("first search: %v", err)
	}
	calls := len(g.fake.Calls())

	// Same request modulo case and whitespace hits the cache.
	if _, err := svc.Search(ctx, &types.GraphSearchRequest{Query: "  cache ", SearchType: types.SearchStructural}); err != nil {
		t.Fatalf("second search: %v", err)
	}
	if n := len(g.fake.Calls()); n != calls {
		t.Fatalf("graph calls grew %d -> %d on cached request", calls, n)
	}

	stats := svc.GetSearchStats()
	if stats.CacheHits != 1 || stats.CacheMisses != 1 {
		t.Fatalf("stats = %+v, want 1 hit / 1 miss", stats)
	}
	if stats.QueriesByType[types.SearchStructural] != 2 {
		t.Fatalf("query count = %d, want 2", stats.QueriesByType[types.SearchStructural])
	}
}

func TestMutationInvalidatesCache(t *testing.T) {
	g := newMemSearchGraph(t)
	svc, _ := newTestSearch(t, g)
	ctx := context.Background()

	g.add(searchEntity("e1", "watcher", "src/watcher.go"))
	req := &types.GraphSearchRequest{Query: "watcher", SearchType: types.SearchStructural}
	if _, err := svc.Search(ctx, req); err != nil {
		t.Fatalf("search: %v", err)
	}
	if svc.cache.Len() != 1 {
		t.Fatalf("cache len = %d, want 1", svc.cache.Len())
	}

	svc.onMutation(events.Mutation{Kind: events.EntityUpdated, EntityID: "e1"})
	if svc.cache.Len() != 0 {
		t.Fatalf("cache len after mutation = %d, want 0", svc.cache.Len())
	}
	if svc.GetSearchStats().Invalidations != 1 {
		t.Fatalf("invalidations = %d, want 1", svc.GetSearchStats().Invalidations)
	}
}

func TestNarrowPredicateReplacesCatchAll(t *testing.T) {
	g := newMemSearchGraph(t)
	svc, _ := newTestSearch(t, g)
	ctx := context.Background()

	svc.InvalidateCache(func(m events.Mutation) bool {
		return strings.HasPrefix(m.Path, "src/")
	})

	g.add(searchEntity("e1", "router", "src/router.go"))
	req := &types.GraphSearchRequest{Query: "router", SearchType: types.SearchStructural}
	if _, err := svc.Search(ctx, req); err != nil {
		t.Fatalf("search: %v", err)
	}

	svc.onMutation(events.Mutation{Kind: events.EntityUpdated, Path: "docs/readme.md"})
	if svc.cache.Len() != 1 {
		t.Fatal("non-matching mutation purged the cache")
	}
	svc.onMutation(events.Mutation{Kind: events.EntityUpdated, Path: "src/router.go"})
	if svc.cache.Len() != 0 {
		t.Fatal("matching mutation did not purge the cache")
	}
}

func TestUsageSearchWidensAlongIncomingEdges(t *testing.T) {
	g := newMemSearchGraph(t)
	svc, _ := newTestSearch(t, g)

	g.add(searchEntity("e1", "encode", "src/encode.go"))
	caller := searchEntity("e2", "writeFrame", "src/frame.go")
	g.add(caller)

	g.fake.Stub("[r:CALLS|USES|REFERENCES]->(n:Entity {id: $id})", func(p map[string]any) ([]storage.Row, error) {
		if p["id"].(string) == "e1" {
			return []storage.Row{{"props": g.entities["e2"]}}, nil
		}
		return nil, nil
	})

	resp, err := svc.Search(context.Background(), &types.GraphSearchRequest{
		Query: "encode", SearchType: types.SearchUsage,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Total != 2 {
		t.Fatalf("total = %d, want seed plus caller", resp.Total)
	}
	if resp.Results[0].Entity.ID != "e1" || resp.Results[1].Entity.ID != "e2" {
		t.Fatalf("order = %s, %s; want e1 then e2", resp.Results[0].Entity.ID, resp.Results[1].Entity.ID)
	}
	if resp.Results[1].MatchedOn != "traversal" {
		t.Fatalf("caller matchedOn = %q", resp.Results[1].MatchedOn)
	}
}

func TestSearchValidation(t *testing.T) {
	g := newMemSearchGraph(t)
	svc, _ := newTestSearch(t, g)

	if _, err := svc.Search(context.Background(), &types.GraphSearchRequest{}); !types.IsValidation(err) {
		t.Fatalf("empty request err = %v, want validation", err)
	}
	_, err := svc.Search(context.Background(), &types.GraphSearchRequest{Query: "x", SearchType: "fulltext"})
	if !types.IsValidation(err) {
		t.Fatalf("bad strategy err = %v, want validation", err)
	}
}

func TestFindSymbolsByName(t *testing.T) {
	g := newMemSearchGraph(t)
	svc, _ := newTestSearch(t, g)
	ctx := context.Background()

	g.add(symbolEntity("s1", "ParseConfig", "src/config.go", 10))
	g.add(symbolEntity("s2", "ParseConfigFile", "src/config.go", 40))
	g.add(symbolEntity("s3", "Render", "src/render.go", 5))

	exact, err := svc.FindSymbolsByName(ctx, "ParseConfig", types.SymbolSearchOptions{})
	if err != nil {
		t.Fatalf("exact: %v", err)
	}
	if len(exact) != 1 || exact[0].Entity.ID != "s1" {
		t.Fatalf("exact = %+v, want only s1", exact)
	}

	fuzzy, err := svc.FindSymbolsByName(ctx, "parseconfig", types.SymbolSearchOptions{Fuzzy: true})
	if err != nil {
		t.Fatalf("fuzzy: %v", err)
	}
	if len(fuzzy) != 2 {
		t.Fatalf("fuzzy = %d results, want 2", len(fuzzy))
	}
	if fuzzy[0].Entity.ID != "s1" {
		t.Fatalf("fuzzy top = %s, want the tighter match s1", fuzzy[0].Entity.ID)
	}
}

func TestFindNearbySymbols(t *testing.T) {
	g := newMemSearchGraph(t)
	svc, _ := newTestSearch(t, g)

	g.add(symbolEntity("s1", "open", "src/file.go", 10))
	g.add(symbolEntity("s2", "close", "src/file.go", 30))
	g.add(symbolEntity("s3", "flush", "src/file.go", 300))
	g.add(symbolEntity("s4", "other", "src/other.go", 20))

	results, err := svc.FindNearbySymbols(context.Background(), "src/file.go",
		types.Position{Line: 20}, types.NearbyOptions{Range: 25})
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	// Equal distance: id order breaks the tie.
	if results[0].Entity.ID != "s1" || results[1].Entity.ID != "s2" {
		t.Fatalf("order = %s, %s", results[0].Entity.ID, results[1].Entity.ID)
	}

	if _, err := svc.FindNearbySymbols(context.Background(), "", types.Position{Line: 1}, types.NearbyOptions{}); !types.IsValidation(err) {
		t.Fatalf("missing path err = %v, want validation", err)
	}
}

func TestPatternSearchGlobIsAnchored(t *testing.T) {
	g := newMemSearchGraph(t)
	svc, _ := newTestSearch(t, g)
	ctx := context.Background()

	g.add(searchEntity("e1", "main.go", "src/main.go"))
	g.add(searchEntity("e2", "main.go.bak", "src/main.go.bak"))
	g.add(searchEntity("e3", "util.go", "lib/util.go"))

	results, err := svc.PatternSearch(ctx, "*.go", types.PatternSearchOptions{Type: types.PatternGlob})
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	var names []string
	for _, r := range results {
		names = append(names, r.Entity.Name)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "main.go" || names[1] != "util.go" {
		t.Fatalf("glob matches = %v, want [main.go util.go]", names)
	}

	// Explicit .* lifts anchoring.
	results, err = svc.PatternSearch(ctx, "main.*", types.PatternSearchOptions{Type: types.PatternRegex})
	if err != nil {
		t.Fatalf("regex: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("regex matches = %d, want both main files", len(results))
	}

	if _, err := svc.PatternSearch(ctx, "(", types.PatternSearchOptions{Type: types.PatternRegex}); !types.IsValidation(err) {
		t.Fatalf("bad regex err = %v, want validation", err)
	}
}

func TestGetEntityExamples(t *testing.T) {
	g := newMemSearchGraph(t)
	svc, _ := newTestSearch(t, g)
	ctx := context.Background()

	target := symbolEntity("s1", "Encode", "src/encode.go", 12)
	ref := symbolEntity("s2", "writeFrame", "src/frame.go", 88)
	g.add(target)
	g.add(ref)

	g.fake.Stub("REFERENCES|IMPORTS]", func(p map[string]any) ([]storage.Row, error) {
		if p["id"].(string) == "s1" {
			return []storage.Row{{"props": g.entities["s2"]}}, nil
		}
		return nil, nil
	})

	examples, err := svc.GetEntityExamples(ctx, "s1")
	if err != nil {
		t.Fatalf("examples: %v", err)
	}
	if len(examples.References) != 1 || examples.References[0].ID != "s2" {
		t.Fatalf("references = %+v", examples.References)
	}
	if len(examples.Snippets) != 2 {
		t.Fatalf("snippets = %d, want definition plus reference", len(examples.Snippets))
	}
	if examples.Snippets[0].Line != 12 || examples.Snippets[1].Line != 88 {
		t.Fatalf("snippet lines = %d, %d", examples.Snippets[0].Line, examples.Snippets[1].Line)
	}

	if _, err := svc.GetEntityExamples(ctx, "ghost"); !types.IsNotFound(err) {
		t.Fatalf("missing entity err = %v, want not found", err)
	}
}
