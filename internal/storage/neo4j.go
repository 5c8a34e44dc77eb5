package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/metrics"
	"github.com/scrypster/memento/pkg/types"
)

// Labels that get a uniqueness constraint on id.
var constrainedLabels = []string{
	"Entity", "Function", "Class", "Module", "Interface", "Type",
	"Variable", "Enum", "Parameter", "Property", "Method", "Constructor",
}

// Vector collections map to their own node label so each gets its own
// cosine index and searches never cross collections.
var vectorCollections = map[string]string{
	"code_embeddings":             "CodeEmbedding",
	"documentation_embeddings":    "DocumentationEmbedding",
	"integration_test_embeddings": "IntegrationTestEmbedding",
}

// Neo4jStore implements GraphStore over the Bolt protocol.
type Neo4jStore struct {
	cfg    config.GraphConfig
	driver neo4j.DriverWithContext
	tracer trace.Tracer

	initialized atomic.Bool
}

func NewNeo4jStore(cfg config.GraphConfig) *Neo4jStore {
	return &Neo4jStore{
		cfg:    cfg,
		tracer: otel.Tracer("memento/storage/neo4j"),
	}
}

func (s *Neo4jStore) Initialize(ctx context.Context) error {
	driver, err := neo4j.NewDriverWithContext(s.cfg.URI, neo4j.BasicAuth(s.cfg.Username, s.cfg.Password, ""))
	if err != nil {
		return &types.ErrStoreUnavailable{Store: "graph", Err: err}
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return &types.ErrStoreUnavailable{Store: "graph", Err: err}
	}
	s.driver = driver
	s.initialized.Store(true)
	log.Info().Str("uri", s.cfg.URI).Str("database", s.cfg.Database).Msg("🕸️ graph store connected")
	return nil
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	s.initialized.Store(false)
	return s.driver.Close(ctx)
}

func (s *Neo4jStore) IsInitialized() bool { return s.initialized.Load() }

func (s *Neo4jStore) HealthCheck(ctx context.Context) error {
	if s.driver == nil {
		metrics.StoreUp.WithLabelValues("graph").Set(0)
		return &types.ErrStoreUnavailable{Store: "graph", Err: fmt.Errorf("not initialized")}
	}
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		metrics.StoreUp.WithLabelValues("graph").Set(0)
		return &types.ErrStoreUnavailable{Store: "graph", Err: err}
	}
	metrics.StoreUp.WithLabelValues("graph").Set(1)
	return nil
}

// Query routes the statement to a read or write session based on its
// verbs and returns one Row per record, keyed by return alias.
func (s *Neo4jStore) Query(ctx context.Context, statement string, params map[string]any) ([]Row, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "neo4j.query", trace.WithAttributes(
		attribute.Bool("write", isWriteStatement(statement)),
	))
	defer span.End()

	start := time.Now()
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.cfg.Database})
	defer session.Close(ctx)

	work := func(tx neo4j.ManagedTransaction) (any, error) {
		return runAndCollect(ctx, tx, statement, params)
	}

	var (
		out any
		err error
	)
	if isWriteStatement(statement) {
		out, err = session.ExecuteWrite(ctx, work)
	} else {
		out, err = session.ExecuteRead(ctx, work)
	}
	metrics.StoreQueryDuration.WithLabelValues("graph", "query").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreErrors.WithLabelValues("graph", "query").Inc()
		return nil, wrapGraphErr(err)
	}
	return out.([]Row), nil
}

// Transaction runs fn inside a single managed write transaction. Every
// Query fn issues sees the same uncommitted state; an error rolls the
// whole transaction back.
func (s *Neo4jStore) Transaction(ctx context.Context, fn func(tx GraphQuerier) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "neo4j.transaction")
	defer span.End()

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.cfg.Database})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if err := fn(&managedTx{tx: tx}); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("graph", "transaction").Inc()
		return wrapGraphErr(err)
	}
	return nil
}

type managedTx struct {
	tx neo4j.ManagedTransaction
}

func (m *managedTx) Query(ctx context.Context, statement string, params map[string]any) ([]Row, error) {
	out, err := runAndCollect(ctx, m.tx, statement, params)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func runAndCollect(ctx context.Context, tx neo4j.ManagedTransaction, statement string, params map[string]any) ([]Row, error) {
	result, err := tx.Run(ctx, statement, params)
	if err != nil {
		return nil, err
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, Row(rec.AsMap()))
	}
	return rows, nil
}

// SetupGraph applies uniqueness constraints and the property indexes
// queries depend on. Idempotent.
func (s *Neo4jStore) SetupGraph(ctx context.Context) error {
	stmts := make([]string, 0, len(constrainedLabels)+4)
	for _, label := range constrainedLabels {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE CONSTRAINT %s_id_unique IF NOT EXISTS FOR (n:%s) REQUIRE n.id IS UNIQUE",
			strings.ToLower(label), label))
	}
	for _, prop := range []string{"name", "path", "type", "timestamp"} {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX entity_%s_idx IF NOT EXISTS FOR (n:Entity) ON (n.%s)", prop, prop))
	}
	for _, stmt := range stmts {
		if _, err := s.Query(ctx, stmt, nil); err != nil {
			return fmt.Errorf("setup graph: %w", err)
		}
	}
	log.Info().Int("constraints", len(constrainedLabels)).Msg("graph schema ready")
	return nil
}

// SetupVectorIndexes creates one cosine index per collection at the
// configured dimension. Index options cannot be parameterized, so the
// dimension is formatted into the statement.
func (s *Neo4jStore) SetupVectorIndexes(ctx context.Context) error {
	dims := s.cfg.VectorDimensions
	if dims <= 0 {
		dims = 1536
	}
	for collection, label := range vectorCollections {
		stmt := fmt.Sprintf(`CREATE VECTOR INDEX %s IF NOT EXISTS
FOR (p:%s) ON (p.embedding)
OPTIONS {indexConfig: {`+"`vector.dimensions`"+`: %d, `+"`vector.similarity_function`"+`: 'cosine'}}`,
			collection, label, dims)
		if _, err := s.Query(ctx, stmt, nil); err != nil {
			return fmt.Errorf("setup vector index %s: %w", collection, err)
		}
	}
	log.Info().Int("dimensions", dims).Int("collections", len(vectorCollections)).Msg("vector indexes ready")
	return nil
}

// UpsertVector writes one embedding point. Scalar metadata values are
// promoted to node properties so SearchVector can filter on them; the
// full metadata document rides along as JSON.
func (s *Neo4jStore) UpsertVector(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	label, err := collectionLabel(collection)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return &types.ErrValidation{Field: "metadata", Reason: err.Error()}
	}
	stmt := fmt.Sprintf(`MERGE (p:%s {id: $id})
SET p.embedding = $embedding, p.metadata = $metadataJson, p.updatedAt = timestamp()
SET p += $scalars`, label)
	_, err = s.Query(ctx, stmt, map[string]any{
		"id":           id,
		"embedding":    toFloat64s(vector),
		"metadataJson": string(metaJSON),
		"scalars":      scalarProps(metadata),
	})
	return err
}

// SearchVector returns the nearest neighbours by cosine similarity.
// Filter keys match promoted metadata properties; filtered hits are
// re-fetched with a widened candidate pool so limit stays honest.
func (s *Neo4jStore) SearchVector(ctx context.Context, collection string, vector []float32, limit int, filter map[string]any) ([]VectorHit, error) {
	if _, err := collectionLabel(collection); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	candidates := limit
	where := ""
	params := map[string]any{
		"vector": toFloat64s(vector),
	}
	if len(filter) > 0 {
		candidates = limit * 4
		conds := make([]string, 0, len(filter))
		i := 0
		for k, v := range filter {
			p := fmt.Sprintf("f%d", i)
			conds = append(conds, fmt.Sprintf("node.%s = $%s", k, p))
			params[p] = v
			i++
		}
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	params["k"] = candidates
	params["limit"] = limit
	params["index"] = collection

	stmt := fmt.Sprintf(`CALL db.index.vector.queryNodes($index, $k, $vector)
YIELD node, score
%s
RETURN node.id AS id, score, node.metadata AS metadata
LIMIT $limit`, where)

	rows, err := s.Query(ctx, stmt, params)
	if err != nil {
		return nil, err
	}
	hits := make([]VectorHit, 0, len(rows))
	for _, row := range rows {
		hit := VectorHit{}
		hit.ID, _ = row["id"].(string)
		if sc, ok := row["score"].(float64); ok {
			hit.Score = sc
		}
		if raw, ok := row["metadata"].(string); ok && raw != "" {
			_ = json.Unmarshal([]byte(raw), &hit.Metadata)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (s *Neo4jStore) DeleteVector(ctx context.Context, collection, id string) error {
	label, err := collectionLabel(collection)
	if err != nil {
		return err
	}
	_, err = s.Query(ctx, fmt.Sprintf("MATCH (p:%s {id: $id}) DETACH DELETE p", label), map[string]any{"id": id})
	return err
}

func (s *Neo4jStore) ScrollVectors(ctx context.Context, collection string, limit, offset int) (*VectorScroll, error) {
	label, err := collectionLabel(collection)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	countRows, err := s.Query(ctx, fmt.Sprintf("MATCH (p:%s) RETURN count(p) AS total", label), nil)
	if err != nil {
		return nil, err
	}
	total := 0
	if len(countRows) > 0 {
		if v, ok := countRows[0]["total"].(int64); ok {
			total = int(v)
		}
	}
	rows, err := s.Query(ctx, fmt.Sprintf(
		"MATCH (p:%s) RETURN p.id AS id, p.metadata AS metadata ORDER BY p.id SKIP $offset LIMIT $limit", label),
		map[string]any{"offset": offset, "limit": limit})
	if err != nil {
		return nil, err
	}
	scroll := &VectorScroll{Total: total, Points: make([]VectorHit, 0, len(rows))}
	for _, row := range rows {
		hit := VectorHit{}
		hit.ID, _ = row["id"].(string)
		if raw, ok := row["metadata"].(string); ok && raw != "" {
			_ = json.Unmarshal([]byte(raw), &hit.Metadata)
		}
		scroll.Points = append(scroll.Points, hit)
	}
	return scroll, nil
}

func (s *Neo4jStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.cfg.QueryTimeout.D() <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.QueryTimeout.D())
}

func collectionLabel(collection string) (string, error) {
	label, ok := vectorCollections[collection]
	if !ok {
		return "", &types.ErrValidation{Field: "collection", Reason: fmt.Sprintf("unknown vector collection %q", collection)}
	}
	return label, nil
}

func wrapGraphErr(err error) error {
	if neo4j.IsConnectivityError(err) {
		return &types.ErrStoreUnavailable{Store: "graph", Err: err}
	}
	return err
}

var writeVerbs = []string{"CREATE", "MERGE", "DELETE", "DETACH", "SET", "REMOVE", "DROP"}

// isWriteStatement reports whether the statement mutates the graph.
// Scans whole words so e.g. a property named "settings" never matches.
func isWriteStatement(statement string) bool {
	for _, field := range strings.Fields(strings.ToUpper(statement)) {
		word := strings.Trim(field, "(),;")
		for _, verb := range writeVerbs {
			if word == verb {
				return true
			}
		}
	}
	return false
}

func toFloat64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// scalarProps keeps only property-safe values out of a metadata map.
func scalarProps(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		switch v.(type) {
		case string, bool, int, int32, int64, float32, float64:
			out[k] = v
		}
	}
	return out
}
