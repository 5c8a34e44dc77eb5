package entity

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/internal/storage/storagetest"
	"github.com/scrypster/memento/pkg/types"
)

// memGraph programs the fake graph to behave like a tiny entity table
// for the statements the service issues.
type memGraph struct {
	*storagetest.FakeGraph
	mu    sync.Mutex
	nodes map[string]map[string]any

	failBulkForType string // UNWIND batches containing this type error out
}

func newMemGraph() *memGraph {
	g := &memGraph{FakeGraph: storagetest.NewFakeGraph(), nodes: make(map[string]map[string]any)}

	g.Stub("CREATE (n:Entity) SET n = $props", func(p map[string]any) ([]storage.Row, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		props := p["props"].(map[string]any)
		g.nodes[props["id"].(string)] = props
		return nil, nil
	})
	g.Stub("RETURN n.id AS id", func(p map[string]any) ([]storage.Row, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		if _, ok := g.nodes[p["id"].(string)]; ok {
			return []storage.Row{{"id": p["id"]}}, nil
		}
		return nil, nil
	})
	g.Stub("{id: $id}) RETURN properties(n) AS props", func(p map[string]any) ([]storage.Row, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		if props, ok := g.nodes[p["id"].(string)]; ok {
			return []storage.Row{{"props": props}}, nil
		}
		return nil, nil
	})
	g.Stub("WHERE n.id IN $ids", func(p map[string]any) ([]storage.Row, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		var rows []storage.Row
		for _, id := range p["ids"].([]string) {
			if props, ok := g.nodes[id]; ok {
				rows = append(rows, storage.Row{"props": props})
			}
		}
		return rows, nil
	})
	g.Stub("SET n += $props", func(p map[string]any) ([]storage.Row, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		id := p["id"].(string)
		if _, ok := g.nodes[id]; ok {
			for k, v := range p["props"].(map[string]any) {
				g.nodes[id][k] = v
			}
		}
		return nil, nil
	})
	g.Stub("UNWIND $batch AS row MERGE (n:Entity {id: row.id})", func(p map[string]any) ([]storage.Row, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		batch := p["batch"].([]map[string]any)
		for _, row := range batch {
			props := row["props"].(map[string]any)
			if g.failBulkForType != "" && props["type"] == g.failBulkForType {
				return nil, &types.ErrStoreUnavailable{Store: "graph"}
			}
		}
		for _, row := range batch {
			id := row["id"].(string)
			props := row["props"].(map[string]any)
			if existing, ok := g.nodes[id]; ok {
				for k, v := range props {
					existing[k] = v
				}
			} else {
				g.nodes[id] = props
			}
		}
		return nil, nil
	})
	g.Stub("DETACH DELETE n", func(p map[string]any) ([]storage.Row, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.nodes, p["id"].(string))
		return nil, nil
	})
	g.Stub("RETURN count(n) AS total", func(map[string]any) ([]storage.Row, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		return []storage.Row{{"total": int64(len(g.nodes))}}, nil
	})
	g.Stub("ORDER BY n.", func(p map[string]any) ([]storage.Row, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		ids := make([]string, 0, len(g.nodes))
		for id := range g.nodes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		var rows []storage.Row
		for _, id := range ids {
			rows = append(rows, storage.Row{"props": g.nodes[id]})
		}
		if off, ok := p["offset"].(int); ok && off < len(rows) {
			rows = rows[off:]
		}
		if lim, ok := p["limit"].(int); ok && lim < len(rows) {
			rows = rows[:lim]
		}
		return rows, nil
	})
	return g
}

type versionRecorder struct {
	mu       sync.Mutex
	appended []string
}

func (v *versionRecorder) AppendVersion(_ context.Context, e *types.Entity, _ string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.appended = append(v.appended, types.VersionID(e.ID, e.Hash))
	return nil
}

func (v *versionRecorder) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.appended)
}

func newTestService(t *testing.T) (*Service, *memGraph, *versionRecorder) {
	t.Helper()
	g := newMemGraph()
	rec := &versionRecorder{}
	svc := NewService(g, nil, rec, config.TestMetricsConfig{MaxTrendDataPoints: 5, FlakinessThreshold: 0.3})
	// Deterministic clock: the service truncates timestamps to the
	// millisecond, so back-to-back calls on a real clock can collide.
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	var tick int
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	return svc, g, rec
}

func TestCreateAndGetRoundtrip(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	in := &types.Entity{
		ID: "f:a.ts", Type: types.EntityFile, Name: "a.ts", Path: "src/a.ts",
		Hash: "h1", Language: "typescript",
		Metadata: map[string]any{"repo": "demo"},
		File:     &types.FileData{Extension: ".ts", Lines: 42, IsTest: false, Dependencies: []string{"f:b.ts"}},
	}
	if _, err := svc.Create(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := svc.Get(ctx, "f:a.ts")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Hash != "h1" || got.Language != "typescript" || got.Version != 1 {
		t.Errorf("got %+v", got)
	}
	if got.File == nil || got.File.Lines != 42 || len(got.File.Dependencies) != 1 {
		t.Errorf("file variant lost: %+v", got.File)
	}
	if got.Metadata["repo"] != "demo" {
		t.Errorf("metadata lost: %+v", got.Metadata)
	}
}

func TestCreateDuplicateIsConflict(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	e := &types.Entity{ID: "m:core", Type: types.EntityModule}
	if _, err := svc.Create(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := svc.Create(ctx, &types.Entity{ID: "m:core", Type: types.EntityModule})
	if !types.IsConflict(err) {
		t.Errorf("duplicate create: got %v, want conflict", err)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Get(context.Background(), "nope")
	if !types.IsNotFound(err) {
		t.Errorf("got %v, want not found", err)
	}
}

func TestUpsertBumpsOnlyWhenHashChanges(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	first, err := svc.Upsert(ctx, &types.Entity{ID: "f:a.ts", Type: types.EntityFile, Hash: "h1"})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("create should append a version, got %d", rec.count())
	}

	same, err := svc.Upsert(ctx, &types.Entity{ID: "f:a.ts", Type: types.EntityFile, Hash: "h1"})
	if err != nil {
		t.Fatalf("same-hash upsert: %v", err)
	}
	if !same.LastModified.Equal(first.LastModified) {
		t.Errorf("lastModified moved on identical hash: %v -> %v", first.LastModified, same.LastModified)
	}
	if rec.count() != 1 {
		t.Errorf("same-hash upsert appended a version: %d", rec.count())
	}

	changed, err := svc.Upsert(ctx, &types.Entity{ID: "f:a.ts", Type: types.EntityFile, Hash: "h2"})
	if err != nil {
		t.Fatalf("changed-hash upsert: %v", err)
	}
	if !changed.LastModified.After(first.LastModified) {
		t.Error("lastModified did not move on hash change")
	}
	if rec.count() != 2 {
		t.Errorf("changed-hash upsert should append a version, got %d", rec.count())
	}
}

func TestUpdateStaleVersionIsConflict(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, &types.Entity{ID: "s:f", Type: types.EntitySymbol}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Update(ctx, "s:f", &types.Entity{Name: "f2", Version: 1}); err != nil {
		t.Fatalf("fresh update: %v", err)
	}
	_, err := svc.Update(ctx, "s:f", &types.Entity{Name: "f3", Version: 1})
	if !types.IsConflict(err) {
		t.Errorf("stale update: got %v, want conflict", err)
	}
}

func TestDeleteDetaches(t *testing.T) {
	svc, g, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, &types.Entity{ID: "f:x", Type: types.EntityFile}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Delete(ctx, "f:x"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if g.CallsMatching("DETACH DELETE n") != 1 {
		t.Error("delete did not use DETACH DELETE")
	}
	if err := svc.Delete(ctx, "f:x"); !types.IsNotFound(err) {
		t.Errorf("second delete: got %v, want not found", err)
	}
}

func TestCreateBulkIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	batch := []*types.Entity{
		{ID: "f:a.ts", Type: types.EntityFile, Hash: "h1"},
		{ID: "f:b.ts", Type: types.EntityFile, Hash: "h1"},
		{ID: "m:core", Type: types.EntityModule, Hash: "h1"},
	}
	first, err := svc.CreateBulk(ctx, batch, BulkOptions{UpdateExisting: true})
	if err != nil {
		t.Fatalf("first bulk: %v", err)
	}
	if first.Created != 3 || first.Updated != 0 || first.Failed != 0 {
		t.Errorf("first bulk = %+v", first)
	}

	again := []*types.Entity{
		{ID: "f:a.ts", Type: types.EntityFile, Hash: "h1"},
		{ID: "f:b.ts", Type: types.EntityFile, Hash: "h1"},
		{ID: "m:core", Type: types.EntityModule, Hash: "h1"},
	}
	second, err := svc.CreateBulk(ctx, again, BulkOptions{UpdateExisting: true})
	if err != nil {
		t.Fatalf("second bulk: %v", err)
	}
	if second.Created != 0 || second.Updated != 3 {
		t.Errorf("second bulk = %+v, want 0 created / 3 updated", second)
	}

	list, err := svc.List(ctx, types.ListEntitiesOptions{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list.Total != 3 {
		t.Errorf("duplicate rows after repeat bulk: total=%d", list.Total)
	}
}

func TestCreateBulkFailingGroupDoesNotAbortSiblings(t *testing.T) {
	svc, g, _ := newTestService(t)
	g.failBulkForType = "module"
	ctx := context.Background()

	res, err := svc.CreateBulk(ctx, []*types.Entity{
		{ID: "f:a.ts", Type: types.EntityFile, Hash: "h1"},
		{ID: "m:bad", Type: types.EntityModule, Hash: "h1"},
		{ID: "m:bad2", Type: types.EntityModule, Hash: "h1"},
	}, BulkOptions{})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if res.Created != 1 {
		t.Errorf("file group should land, created=%d", res.Created)
	}
	if res.Failed != 2 || len(res.Errors) != 2 {
		t.Errorf("module group should fail both: %+v", res)
	}
}

func TestCreateBulkCountsInvalidEntities(t *testing.T) {
	svc, _, _ := newTestService(t)
	res, err := svc.CreateBulk(context.Background(), []*types.Entity{
		{ID: "", Type: types.EntityFile},
		{ID: "ok", Type: types.EntityFile},
	}, BulkOptions{})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if res.Failed != 1 || res.Created != 1 {
		t.Errorf("bulk = %+v", res)
	}
}

func TestRecordTestExecutionWindowAndFlakiness(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, &types.Entity{
		ID: "t:add", Type: types.EntityTest,
		Test: &types.TestData{TestType: types.TestUnit, TargetSymbol: "sym:add"},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Alternate pass/fail: every adjacent pair flips.
	statuses := []types.TestStatus{
		types.TestPassed, types.TestFailed, types.TestPassed,
		types.TestFailed, types.TestPassed, types.TestFailed, types.TestPassed,
	}
	var got *types.Entity
	var err error
	for i, st := range statuses {
		got, err = svc.RecordTestExecution(ctx, "t:add", types.TestExecution{
			Status:    st,
			Timestamp: time.Unix(int64(1000+i), 0),
		})
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	// maxTrendDataPoints=5 bounds the window.
	if len(got.Test.Executions) != 5 {
		t.Errorf("window size = %d, want 5", len(got.Test.Executions))
	}
	if got.Test.FlakinessScore != 1.0 {
		t.Errorf("flakiness = %f, want 1.0", got.Test.FlakinessScore)
	}
	if !got.Test.IsFlaky {
		t.Error("test should be flagged flaky")
	}
}

func TestRecordTestExecutionRejectsNonTests(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Create(ctx, &types.Entity{ID: "f:a", Type: types.EntityFile}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := svc.RecordTestExecution(ctx, "f:a", types.TestExecution{Status: types.TestPassed})
	if !types.IsValidation(err) {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestListPaginatesWithCursor(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := svc.Create(ctx, &types.Entity{ID: id, Type: types.EntityFile}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	page, err := svc.List(ctx, types.ListEntitiesOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 2 || page.Total != 3 {
		t.Fatalf("page = %d items, total %d", len(page.Items), page.Total)
	}
	if page.NextCursor == "" {
		t.Fatal("full page should carry a cursor")
	}
	c, err := decodeCursor(page.NextCursor)
	if err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	if c.ID != page.Items[1].ID {
		t.Errorf("cursor pins %q, want %q", c.ID, page.Items[1].ID)
	}
}

func TestListRejectsUnknownOrderBy(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.List(context.Background(), types.ListEntitiesOptions{OrderBy: "metadata; DROP"})
	if !types.IsValidation(err) {
		t.Errorf("got %v, want validation error", err)
	}
}
