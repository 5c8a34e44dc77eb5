// Package search answers structural, semantic, and hybrid queries over
// the knowledge graph. Responses go through a process-local LRU keyed
// by the canonicalized request; mutation events from the broker flush
// it through registered predicates.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/embedding"
	"github.com/scrypster/memento/internal/entity"
	"github.com/scrypster/memento/internal/events"
	"github.com/scrypster/memento/internal/metrics"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/internal/telemetry"
	"github.com/scrypster/memento/pkg/types"
)

// vectorCollection is where entity embeddings live.
const vectorCollection = "code_embeddings"

// Predicate decides whether a mutation invalidates cached results.
type Predicate func(events.Mutation) bool

// Service is the search service.
type Service struct {
	graph      storage.GraphStore
	embeddings *embedding.Service
	cfg        config.SearchConfig
	broker     *events.Broker
	tracer     trace.Tracer

	cache *lru.Cache[string, *types.SearchResponse]

	mu         sync.Mutex
	predicates map[string]Predicate
	nextPred   int

	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64

	queriesMu sync.Mutex
	queries   map[types.SearchType]int64

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewService(graph storage.GraphStore, embeddings *embedding.Service, cfg config.SearchConfig, broker *events.Broker) (*Service, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 512
	}
	cache, err := lru.New[string, *types.SearchResponse](size)
	if err != nil {
		return nil, fmt.Errorf("search cache: %w", err)
	}
	s := &Service{
		graph:      graph,
		embeddings: embeddings,
		cfg:        cfg,
		broker:     broker,
		tracer:     telemetry.Tracer("memento/search"),
		cache:      cache,
		predicates: make(map[string]Predicate),
		queries:    make(map[types.SearchType]int64),
		done:       make(chan struct{}),
	}
	// Any graph mutation makes cached results stale until a narrower
	// predicate replaces this one.
	s.InvalidateCache(func(events.Mutation) bool { return true })
	return s, nil
}

// Start begins consuming mutation events for cache invalidation.
func (s *Service) Start() {
	if s.broker == nil {
		return
	}
	s.startOnce.Do(func() {
		ch := s.broker.Subscribe("search-cache")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case m, ok := <-ch:
					if !ok {
						return
					}
					s.onMutation(m)
				case <-s.done:
					return
				}
			}
		}()
	})
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.broker != nil {
			s.broker.Unsubscribe("search-cache")
		}
		s.wg.Wait()
	})
}

func (s *Service) onMutation(m events.Mutation) {
	s.mu.Lock()
	preds := make([]Predicate, 0, len(s.predicates))
	for _, p := range s.predicates {
		preds = append(preds, p)
	}
	s.mu.Unlock()

	for _, p := range preds {
		if p(m) {
			s.cache.Purge()
			s.invalidations.Add(1)
			log.Debug().Str("kind", string(m.Kind)).Msg("search cache invalidated")
			return
		}
	}
}

// InvalidateCache registers a predicate; matching mutations flush the
// result cache. It replaces the catch-all default on first call and
// returns an id usable with RemovePredicate.
func (s *Service) InvalidateCache(pred Predicate) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextPred == 1 {
		delete(s.predicates, "pred_0")
	}
	id := "pred_" + strconv.Itoa(s.nextPred)
	s.nextPred++
	s.predicates[id] = pred
	return id
}

func (s *Service) RemovePredicate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.predicates, id)
}

// ClearCache drops every cached response.
func (s *Service) ClearCache() {
	s.cache.Purge()
	log.Debug().Msg("search cache cleared")
}

func (s *Service) GetSearchStats() *types.SearchStats {
	s.queriesMu.Lock()
	byType := make(map[types.SearchType]int64, len(s.queries))
	for k, v := range s.queries {
		byType[k] = v
	}
	s.queriesMu.Unlock()
	return &types.SearchStats{
		CacheHits:     s.hits.Load(),
		CacheMisses:   s.misses.Load(),
		CacheSize:     s.cache.Len(),
		Invalidations: s.invalidations.Load(),
		QueriesByType: byType,
	}
}

// Search dispatches on the request's strategy. Unset means hybrid.
func (s *Service) Search(ctx context.Context, req *types.GraphSearchRequest) (*types.SearchResponse, error) {
	if req == nil || (req.Query == "" && req.Filters == nil) {
		return nil, &types.ErrValidation{Field: "query", Reason: "query or filters required"}
	}
	strategy := req.SearchType
	if strategy == "" {
		strategy = types.SearchHybrid
	}
	switch strategy {
	case types.SearchSemantic, types.SearchStructural, types.SearchUsage, types.SearchDependency, types.SearchHybrid:
	default:
		return nil, &types.ErrValidation{Field: "searchType", Reason: fmt.Sprintf("unknown strategy %q", strategy)}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}

	ctx, span := s.tracer.Start(ctx, "search", trace.WithAttributes(
		attribute.String("strategy", string(strategy)),
		attribute.Int("limit", limit),
	))
	defer span.End()

	s.queriesMu.Lock()
	s.queries[strategy]++
	s.queriesMu.Unlock()
	metrics.SearchRequests.WithLabelValues(string(strategy)).Inc()

	key := s.cacheKey(req, strategy, limit)
	if resp, ok := s.cache.Get(key); ok {
		s.hits.Add(1)
		metrics.SearchCacheHits.Inc()
		return resp, nil
	}
	s.misses.Add(1)
	metrics.SearchCacheMisses.Inc()

	started := time.Now()
	var (
		resp *types.SearchResponse
		err  error
	)
	switch strategy {
	case types.SearchSemantic:
		var results []types.SearchResult
		results, err = s.SemanticSearch(ctx, req.Query, req, limit)
		resp = &types.SearchResponse{Results: results}
	case types.SearchStructural:
		var results []types.SearchResult
		results, err = s.StructuralSearch(ctx, req.Query, req, limit)
		resp = &types.SearchResponse{Results: results}
	case types.SearchUsage, types.SearchDependency:
		var results []types.SearchResult
		results, err = s.traversalSearch(ctx, req, strategy, limit)
		resp = &types.SearchResponse{Results: results}
	default:
		resp, err = s.HybridSearch(ctx, req, limit)
	}
	if err != nil {
		return nil, err
	}

	if req.IncludeRelated {
		if err := s.attachRelated(ctx, resp.Results); err != nil {
			return nil, err
		}
	}
	resp.Total = len(resp.Results)
	resp.TookMS = time.Since(started).Milliseconds()
	s.cache.Add(key, resp)
	return resp, nil
}

// StructuralSearch matches query text against entity names and paths.
func (s *Service) StructuralSearch(ctx context.Context, query string, req *types.GraphSearchRequest, limit int) ([]types.SearchResult, error) {
	params := map[string]any{
		"q": strings.ToLower(query),
		// Over-fetch: tag filtering happens client side.
		"limit": limit * 3,
	}
	where := "($q = '' OR toLower(n.name) CONTAINS $q OR toLower(n.path) CONTAINS $q)"
	where += filterClauses(req, params)

	rows, err := s.graph.Query(ctx, `MATCH (n:Entity)
WHERE `+where+`
RETURN properties(n) AS props
LIMIT $limit`, params)
	if err != nil {
		return nil, err
	}

	results := make([]types.SearchResult, 0, len(rows))
	for _, row := range rows {
		e := entity.FromRow(row)
		if e == nil || !matchesFilters(e, req.Filters) {
			continue
		}
		score, matched := structuralScore(e, query)
		results = append(results, types.SearchResult{
			Entity: e, Score: score, StructuralScore: score, MatchedOn: matched,
		})
	}
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// SemanticSearch embeds the query and ranks entities by vector
// similarity.
func (s *Service) SemanticSearch(ctx context.Context, query string, req *types.GraphSearchRequest, limit int) ([]types.SearchResult, error) {
	if query == "" {
		return nil, &types.ErrValidation{Field: "query", Reason: "semantic search requires a query"}
	}
	emb, err := s.embeddings.GenerateEmbedding(ctx, query, "")
	if err != nil {
		return nil, err
	}

	filter := map[string]any{}
	if req.Filters != nil && req.Filters.Language != "" {
		filter["language"] = req.Filters.Language
	}
	hits, err := s.graph.SearchVector(ctx, vectorCollection, emb.Embedding, limit*2, filter)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(hits))
	scores := make(map[string]float64, len(hits))
	for _, h := range hits {
		id := h.ID
		if v, ok := h.Metadata["entityId"].(string); ok && v != "" {
			id = v
		}
		ids = append(ids, id)
		scores[id] = h.Score
	}

	entities, err := s.fetchEntities(ctx, ids)
	if err != nil {
		return nil, err
	}
	results := make([]types.SearchResult, 0, len(ids))
	for _, id := range ids {
		e, ok := entities[id]
		if !ok || !matchesFilters(e, req.Filters) || !matchesTypes(e, req.EntityTypes) {
			continue
		}
		results = append(results, types.SearchResult{
			Entity: e, Score: scores[id], SemanticScore: scores[id], MatchedOn: "embedding",
		})
	}
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// HybridSearch runs both branches concurrently and blends scores. One
// failed branch degrades to a partial response instead of an error.
func (s *Service) HybridSearch(ctx context.Context, req *types.GraphSearchRequest, limit int) (*types.SearchResponse, error) {
	var (
		structural []types.SearchResult
		semantic   []types.SearchResult
		errStruct  error
		errSem     error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		structural, errStruct = s.StructuralSearch(gctx, req.Query, req, limit*2)
		return nil
	})
	g.Go(func() error {
		semantic, errSem = s.SemanticSearch(gctx, req.Query, req, limit*2)
		return nil
	})
	_ = g.Wait()

	if errStruct != nil && errSem != nil {
		return nil, errStruct
	}

	wStruct := s.cfg.StructuralWeight
	wSem := s.cfg.SemanticWeight
	if wStruct <= 0 && wSem <= 0 {
		wStruct, wSem = 0.6, 0.4
	}

	merged := make(map[string]*types.SearchResult)
	order := make([]string, 0, len(structural)+len(semantic))
	for i := range structural {
		r := structural[i]
		merged[r.Entity.ID] = &r
		order = append(order, r.Entity.ID)
	}
	for i := range semantic {
		r := semantic[i]
		if existing, ok := merged[r.Entity.ID]; ok {
			existing.SemanticScore = r.SemanticScore
		} else {
			merged[r.Entity.ID] = &r
			order = append(order, r.Entity.ID)
		}
	}

	results := make([]types.SearchResult, 0, len(order))
	for _, id := range order {
		r := merged[id]
		r.Score = wStruct*r.StructuralScore + wSem*r.SemanticScore
		results = append(results, *r)
	}
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return &types.SearchResponse{
		Results: results,
		Partial: (errStruct != nil) != (errSem != nil),
	}, nil
}

// traversalSearch is the structural branch widened one hop along
// dependency or usage edges.
func (s *Service) traversalSearch(ctx context.Context, req *types.GraphSearchRequest, strategy types.SearchType, limit int) ([]types.SearchResult, error) {
	seeds, err := s.StructuralSearch(ctx, req.Query, req, limit)
	if err != nil {
		return nil, err
	}

	var stmt string
	switch strategy {
	case types.SearchDependency:
		stmt = `MATCH (n:Entity {id: $id})-[r:DEPENDS_ON|IMPORTS|USES]->(m:Entity)
RETURN properties(m) AS props LIMIT $limit`
	default: // usage
		stmt = `MATCH (m:Entity)-[r:CALLS|USES|REFERENCES]->(n:Entity {id: $id})
RETURN properties(m) AS props LIMIT $limit`
	}

	seen := make(map[string]bool, len(seeds))
	for _, r := range seeds {
		seen[r.Entity.ID] = true
	}
	results := seeds
	for _, seed := range seeds {
		rows, err := s.graph.Query(ctx, stmt, map[string]any{"id": seed.Entity.ID, "limit": limit})
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			e := entity.FromRow(row)
			if e == nil || seen[e.ID] || !matchesFilters(e, req.Filters) {
				continue
			}
			seen[e.ID] = true
			results = append(results, types.SearchResult{
				Entity: e, Score: seed.Score * 0.8, StructuralScore: seed.Score * 0.8, MatchedOn: "traversal",
			})
		}
	}
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *Service) attachRelated(ctx context.Context, results []types.SearchResult) error {
	for i := range results {
		rows, err := s.graph.Query(ctx, `MATCH (a:Entity {id: $id})-[r]-(b:Entity)
RETURN properties(r) AS props, type(r) AS relType, startNode(r).id AS from, endNode(r).id AS to
LIMIT 10`, map[string]any{"id": results[i].Entity.ID})
		if err != nil {
			return err
		}
		for _, row := range rows {
			if rel := relatedFromRow(row); rel != nil {
				results[i].Related = append(results[i].Related, *rel)
			}
		}
	}
	return nil
}

func (s *Service) fetchEntities(ctx context.Context, ids []string) (map[string]*types.Entity, error) {
	rows, err := s.graph.Query(ctx,
		"MATCH (n:Entity) WHERE n.id IN $ids RETURN properties(n) AS props",
		map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*types.Entity, len(rows))
	for _, row := range rows {
		if e := entity.FromRow(row); e != nil {
			out[e.ID] = e
		}
	}
	return out, nil
}

// cacheKey canonicalizes the request so logically equal requests share
// a cache entry.
func (s *Service) cacheKey(req *types.GraphSearchRequest, strategy types.SearchType, limit int) string {
	norm := struct {
		Query          string
		Types          []string
		Strategy       string
		Filters        *types.SearchFilters
		Limit          int
		IncludeRelated bool
	}{
		Query:          strings.ToLower(strings.TrimSpace(req.Query)),
		Strategy:       string(strategy),
		Filters:        req.Filters,
		Limit:          limit,
		IncludeRelated: req.IncludeRelated,
	}
	for _, t := range req.EntityTypes {
		norm.Types = append(norm.Types, string(t))
	}
	sort.Strings(norm.Types)
	if norm.Filters != nil {
		f := *norm.Filters
		f.Tags = append([]string(nil), f.Tags...)
		sort.Strings(f.Tags)
		norm.Filters = &f
	}
	raw, _ := json.Marshal(norm)
	return string(raw)
}

func filterClauses(req *types.GraphSearchRequest, params map[string]any) string {
	where := ""
	if len(req.EntityTypes) > 0 {
		names := make([]string, 0, len(req.EntityTypes))
		for _, t := range req.EntityTypes {
			names = append(names, string(t))
		}
		where += " AND n.type IN $types"
		params["types"] = names
	}
	f := req.Filters
	if f == nil {
		return where
	}
	if f.Path != "" {
		where += " AND n.path STARTS WITH $path"
		params["path"] = f.Path
	}
	if f.Language != "" {
		where += " AND n.language = $language"
		params["language"] = f.Language
	}
	if f.CheckpointID != "" {
		where += " AND EXISTS { MATCH (:Checkpoint {id: $checkpointId})-[:INCLUDES]->(n) }"
		params["checkpointId"] = f.CheckpointID
	}
	if f.LastModified != nil {
		if !f.LastModified.Since.IsZero() {
			where += " AND n.lastModified >= $since"
			params["since"] = f.LastModified.Since.UnixMilli()
		}
		if !f.LastModified.Until.IsZero() {
			where += " AND n.lastModified <= $until"
			params["until"] = f.LastModified.Until.UnixMilli()
		}
	}
	return where
}

// matchesFilters applies the parts Cypher cannot express, notably tags
// living inside the metadata document.
func matchesFilters(e *types.Entity, f *types.SearchFilters) bool {
	if f == nil {
		return true
	}
	if f.Path != "" && !strings.HasPrefix(e.Path, f.Path) {
		return false
	}
	if f.Language != "" && e.Language != f.Language {
		return false
	}
	if f.LastModified != nil {
		if !f.LastModified.Since.IsZero() && e.LastModified.Before(f.LastModified.Since) {
			return false
		}
		if !f.LastModified.Until.IsZero() && e.LastModified.After(f.LastModified.Until) {
			return false
		}
	}
	if len(f.Tags) > 0 {
		have := entityTags(e)
		for _, want := range f.Tags {
			if !have[want] {
				return false
			}
		}
	}
	return true
}

func matchesTypes(e *types.Entity, wanted []types.EntityType) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, t := range wanted {
		if e.Type == t {
			return true
		}
	}
	return false
}

func entityTags(e *types.Entity) map[string]bool {
	out := make(map[string]bool)
	raw, ok := e.Metadata["tags"]
	if !ok {
		return out
	}
	switch tags := raw.(type) {
	case []string:
		for _, t := range tags {
			out[t] = true
		}
	case []any:
		for _, t := range tags {
			if s, ok := t.(string); ok {
				out[s] = true
			}
		}
	}
	return out
}

func structuralScore(e *types.Entity, query string) (float64, string) {
	q := strings.ToLower(query)
	name := strings.ToLower(e.Name)
	path := strings.ToLower(e.Path)
	switch {
	case q == "":
		return 0.5, "filters"
	case name == q:
		return 1.0, "name"
	case strings.HasPrefix(name, q):
		return 0.9, "name"
	case strings.Contains(name, q):
		return 0.75, "name"
	case strings.Contains(path, q):
		return 0.6, "path"
	default:
		return 0.5, "metadata"
	}
}

// sortResults orders by score desc, ties broken by lastModified desc
// then id for stability.
func sortResults(results []types.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Entity.LastModified.Equal(results[j].Entity.LastModified) {
			return results[i].Entity.LastModified.After(results[j].Entity.LastModified)
		}
		return results[i].Entity.ID < results[j].Entity.ID
	})
}

func relatedFromRow(row storage.Row) *types.Relationship {
	props, ok := row["props"].(map[string]any)
	if !ok {
		return nil
	}
	rel := &types.Relationship{
		ID:           asString(props["id"]),
		FromEntityID: asString(row["from"]),
		ToEntityID:   asString(row["to"]),
		Type:         types.RelationshipType(asString(row["relType"])),
	}
	if b, ok := props["active"].(bool); ok {
		rel.Active = b
	}
	return rel
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
