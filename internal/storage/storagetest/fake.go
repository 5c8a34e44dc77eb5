// Package storagetest provides an in-memory GraphStore double for
// service tests. Statements are answered by programmed stubs matched
// on a distinctive substring, so tests control exactly what the graph
// "contains" without a running Neo4j.
package storagetest

import (
	"context"
	"math"
	"strings"
	"sync"

	"github.com/scrypster/memento/internal/storage"
)

// Call records one statement the service under test issued.
type Call struct {
	Statement string
	Params    map[string]any
}

type stub struct {
	match string
	fn    func(statement string, params map[string]any) ([]storage.Row, error)
}

type vectorPoint struct {
	vector   []float32
	metadata map[string]any
}

// FakeGraph implements storage.GraphStore. Query answers with the
// first stub whose match string appears in the statement; unmatched
// statements return no rows. All calls are logged.
type FakeGraph struct {
	mu    sync.Mutex
	stubs []stub
	calls []Call

	vectors map[string]map[string]vectorPoint

	QueryErr  error // returned by every Query when set
	VectorErr error // returned by every vector operation when set
}

func NewFakeGraph() *FakeGraph {
	return &FakeGraph{vectors: make(map[string]map[string]vectorPoint)}
}

// Stub registers a handler for statements containing match. Later
// registrations win over earlier ones.
func (f *FakeGraph) Stub(match string, fn func(params map[string]any) ([]storage.Row, error)) {
	f.StubStmt(match, func(_ string, params map[string]any) ([]storage.Row, error) {
		return fn(params)
	})
}

// StubStmt is Stub with access to the full statement, for handlers
// that need values interpolated into it (relationship types).
func (f *FakeGraph) StubStmt(match string, fn func(statement string, params map[string]any) ([]storage.Row, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stubs = append([]stub{{match: match, fn: fn}}, f.stubs...)
}

// StubRows registers a handler returning fixed rows.
func (f *FakeGraph) StubRows(match string, rows []storage.Row) {
	f.Stub(match, func(map[string]any) ([]storage.Row, error) { return rows, nil })
}

// Calls returns a copy of the statement log.
func (f *FakeGraph) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsMatching counts logged statements containing match.
func (f *FakeGraph) CallsMatching(match string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.Contains(c.Statement, match) {
			n++
		}
	}
	return n
}

func (f *FakeGraph) Query(_ context.Context, statement string, params map[string]any) ([]storage.Row, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Statement: statement, Params: params})
	stubs := f.stubs
	err := f.QueryErr
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	for _, s := range stubs {
		if strings.Contains(statement, s.match) {
			return s.fn(statement, params)
		}
	}
	return nil, nil
}

// Transaction runs fn against the fake itself; there is no rollback.
func (f *FakeGraph) Transaction(ctx context.Context, fn func(tx storage.GraphQuerier) error) error {
	return fn(f)
}

func (f *FakeGraph) SetupGraph(context.Context) error         { return nil }
func (f *FakeGraph) SetupVectorIndexes(context.Context) error { return nil }
func (f *FakeGraph) Initialize(context.Context) error         { return nil }
func (f *FakeGraph) Close(context.Context) error              { return nil }
func (f *FakeGraph) IsInitialized() bool                      { return true }
func (f *FakeGraph) HealthCheck(context.Context) error        { return nil }

func (f *FakeGraph) UpsertVector(_ context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.VectorErr != nil {
		return f.VectorErr
	}
	coll, ok := f.vectors[collection]
	if !ok {
		coll = make(map[string]vectorPoint)
		f.vectors[collection] = coll
	}
	coll[id] = vectorPoint{vector: vector, metadata: metadata}
	return nil
}

// SearchVector ranks stored points by cosine similarity.
func (f *FakeGraph) SearchVector(_ context.Context, collection string, vector []float32, limit int, filter map[string]any) ([]storage.VectorHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.VectorErr != nil {
		return nil, f.VectorErr
	}
	var hits []storage.VectorHit
	for id, p := range f.vectors[collection] {
		if !matchesFilter(p.metadata, filter) {
			continue
		}
		hits = append(hits, storage.VectorHit{ID: id, Score: cosine(vector, p.vector), Metadata: p.metadata})
	}
	sortHits(hits)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (f *FakeGraph) DeleteVector(_ context.Context, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vectors[collection], id)
	return nil
}

func (f *FakeGraph) ScrollVectors(_ context.Context, collection string, limit, offset int) (*storage.VectorScroll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hits []storage.VectorHit
	for id, p := range f.vectors[collection] {
		hits = append(hits, storage.VectorHit{ID: id, Metadata: p.metadata})
	}
	total := len(hits)
	if offset > len(hits) {
		offset = len(hits)
	}
	hits = hits[offset:]
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return &storage.VectorScroll{Points: hits, Total: total}, nil
}

func matchesFilter(metadata, filter map[string]any) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func sortHits(hits []storage.VectorHit) {
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Score > hits[j-1].Score; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
}
