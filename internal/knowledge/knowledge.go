// Package knowledge aggregates the stores and services into one
// consumer-facing graph: construction wires everything, Initialize
// brings the stores and background loops up in dependency order, and
// Close tears them down in reverse. Queries fan out to the owned
// Search, Analysis, and History services; writes flow through the
// ingestion pipeline whose handlers live here.
package knowledge

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/memento/internal/analysis"
	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/embedding"
	"github.com/scrypster/memento/internal/entity"
	"github.com/scrypster/memento/internal/events"
	"github.com/scrypster/memento/internal/history"
	"github.com/scrypster/memento/internal/pipeline"
	"github.com/scrypster/memento/internal/relationship"
	"github.com/scrypster/memento/internal/search"
	"github.com/scrypster/memento/internal/session"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/internal/telemetry"
	"github.com/scrypster/memento/internal/temporal"
	"github.com/scrypster/memento/pkg/types"
)

// Embeddings land in the same vector collection the search service
// reads from.
const vectorCollection = "code_embeddings"

// SourceFile is one file handed to the injected AST provider.
type SourceFile struct {
	Path     string `json:"path"`
	Language string `json:"language,omitempty"`
	Content  string `json:"content,omitempty"`
	Deleted  bool   `json:"deleted,omitempty"`
}

// ParseResult is what an AST provider extracts from one file.
type ParseResult struct {
	Entities      []*types.Entity
	Relationships []*types.Relationship
}

// ASTProvider turns source text into entities and relationships.
// Parsing is injected: the graph stores and queries code structure but
// never interprets syntax itself.
type ASTProvider interface {
	Parse(ctx context.Context, file SourceFile) (*ParseResult, error)
}

// Health is the fan-in of the three store health checks.
type Health struct {
	Healthy bool              `json:"healthy"`
	Stores  map[string]string `json:"stores"`
}

// Stats bundles the observable state of the running graph.
type Stats struct {
	Queue   types.QueueStats     `json:"queue"`
	Workers []types.WorkerHealth `json:"workers"`
	Search  *types.SearchStats   `json:"search"`
}

// Graph is the knowledge-graph facade. The service fields are exported
// for direct use; lifecycle and ingestion go through the facade.
type Graph struct {
	cfg *config.Config

	graph      storage.GraphStore
	relational storage.RelationalStore
	kv         storage.KVStore

	broker *events.Broker

	Entities      *entity.Service
	Relationships *relationship.Service
	Embeddings    *embedding.Service
	Search        *search.Service
	Analysis      *analysis.Service
	History       *history.Service
	Sessions      *session.Manager
	Jobs          *session.JobStore
	Validator     *temporal.Validator

	pipeline *pipeline.Pipeline
	runner   *session.Runner
	ast      ASTProvider

	tracer trace.Tracer

	mu          sync.Mutex
	initialized bool
}

// New wires the full service graph over the given stores. The AST
// provider may be nil; parse tasks are then rejected as invalid.
func New(cfg *config.Config, graph storage.GraphStore, relational storage.RelationalStore, kv storage.KVStore, ast ASTProvider) (*Graph, error) {
	broker := events.NewBroker()
	hist := history.NewService(graph, cfg.History, broker)
	ents := entity.NewService(graph, broker, hist, cfg.Tests)
	rels := relationship.NewService(graph, broker)

	emb, err := embedding.NewService(cfg.Embedding, providerFor(cfg.Embedding))
	if err != nil {
		return nil, err
	}
	srch, err := search.NewService(graph, emb, cfg.Search, broker)
	if err != nil {
		return nil, err
	}

	jobs := session.NewJobStore(relational)
	sessions := session.NewManager(kv, jobs, cfg.Session)

	g := &Graph{
		cfg:        cfg,
		graph:      graph,
		relational: relational,
		kv:         kv,
		broker:     broker,

		Entities:      ents,
		Relationships: rels,
		Embeddings:    emb,
		Search:        srch,
		Analysis:      analysis.NewService(graph),
		History:       hist,
		Sessions:      sessions,
		Jobs:          jobs,
		Validator:     temporal.NewValidator(ents, hist),

		pipeline: pipeline.New(cfg.Ingestion),
		runner:   session.NewRunner(jobs, hist, sessions, cfg.Session),
		ast:      ast,

		tracer: telemetry.Tracer("memento/knowledge"),
	}
	g.registerHandlers()
	return g, nil
}

func providerFor(cfg config.EmbeddingConfig) embedding.Provider {
	if cfg.Provider == "openai" {
		var opts []embedding.OpenAIOption
		if cfg.Endpoint != "" {
			opts = append(opts, embedding.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Dimensions > 0 {
			opts = append(opts, embedding.WithDimensions(cfg.Dimensions))
		}
		return embedding.NewOpenAIProvider(cfg.APIKey, cfg.Model, opts...)
	}
	return embedding.NewPseudoProvider(cfg.Model, cfg.Dimensions)
}

// Initialize connects the stores in parallel, applies schema and
// indexes, then starts the broker, search invalidation, pipeline, and
// checkpoint job runner. Initializing twice is an error.
func (g *Graph) Initialize(ctx context.Context) error {
	g.mu.Lock()
	if g.initialized {
		g.mu.Unlock()
		return &types.ErrConflict{Kind: "knowledge", Reason: "already initialized"}
	}
	g.initialized = true
	g.mu.Unlock()

	ctx, span := g.tracer.Start(ctx, "knowledge.initialize")
	defer span.End()

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.graph.Initialize(gctx) })
	eg.Go(func() error { return g.relational.Initialize(gctx) })
	eg.Go(func() error { return g.kv.Initialize(gctx) })
	if err := eg.Wait(); err != nil {
		return err
	}

	if err := g.graph.SetupGraph(ctx); err != nil {
		return err
	}
	if err := g.graph.SetupVectorIndexes(ctx); err != nil {
		return err
	}
	if err := g.relational.SetupSchema(ctx); err != nil {
		return err
	}

	g.broker.Start()
	g.Search.Start()
	if err := g.pipeline.Start(); err != nil {
		return err
	}
	if err := g.runner.Start(); err != nil {
		return err
	}

	log.Info().Str("version", g.cfg.Version).Msg("knowledge graph initialized")
	return nil
}

// Close drains the pipeline, stops the background loops, and closes
// the stores. The context bounds the drain.
func (g *Graph) Close(ctx context.Context) error {
	g.mu.Lock()
	if !g.initialized {
		g.mu.Unlock()
		return nil
	}
	g.initialized = false
	g.mu.Unlock()

	errs := []error{g.pipeline.Stop(ctx)}
	g.runner.Stop()
	g.Search.Stop()
	g.broker.Stop()

	errs = append(errs,
		g.graph.Close(ctx),
		g.relational.Close(ctx),
		g.kv.Close(ctx))

	log.Info().Msg("knowledge graph closed")
	return errors.Join(errs...)
}

// Health fans the three store health checks out in parallel and
// reports per-store outcomes.
func (g *Graph) Health(ctx context.Context) *Health {
	checks := map[string]storage.Lifecycle{
		"graph":      g.graph,
		"relational": g.relational,
		"kv":         g.kv,
	}

	h := &Health{Healthy: true, Stores: make(map[string]string, len(checks))}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, store := range checks {
		wg.Add(1)
		go func(name string, store storage.Lifecycle) {
			defer wg.Done()
			status := "ok"
			if err := store.HealthCheck(ctx); err != nil {
				status = err.Error()
			}
			mu.Lock()
			if status != "ok" {
				h.Healthy = false
			}
			h.Stores[name] = status
			mu.Unlock()
		}(name, store)
	}
	wg.Wait()
	return h
}

// Stats snapshots queue, worker, and search-cache state.
func (g *Graph) Stats() *Stats {
	return &Stats{
		Queue:   g.pipeline.Stats(),
		Workers: g.pipeline.Health(),
		Search:  g.Search.GetSearchStats(),
	}
}

// Enqueue feeds one task into the ingestion pipeline.
func (g *Graph) Enqueue(task *types.TaskPayload) error {
	return g.pipeline.Enqueue(task)
}

// EnqueueFileChange publishes a file add, modify, or delete. The path
// doubles as the partition key so changes to one file run in order.
func (g *Graph) EnqueueFileChange(file SourceFile, priority int) (string, error) {
	if file.Path == "" {
		return "", &types.ErrValidation{Field: "path", Reason: "is required"}
	}
	task := &types.TaskPayload{
		Type:         types.TaskParse,
		Priority:     priority,
		PartitionKey: file.Path,
		Data: map[string]any{
			"path":     file.Path,
			"language": file.Language,
			"content":  file.Content,
			"deleted":  file.Deleted,
		},
	}
	if err := g.pipeline.Enqueue(task); err != nil {
		return "", err
	}
	return task.ID, nil
}
