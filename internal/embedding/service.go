package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/metrics"
	"github.com/scrypster/memento/pkg/types"
)

// USD per 1K tokens. Unlisted models fall back to the smallest listed
// price with a one-time warning.
var modelPricing = map[string]float64{
	"text-embedding-3-small": 0.00002,
	"text-embedding-3-large": 0.00013,
	"text-embedding-ada-002": 0.0001,
}

const fallbackPricePer1K = 0.00002

// Service wraps a Provider with content-hash caching, batching, retry
// with exponential backoff, a circuit breaker, and cost accounting.
// When the provider trips or none is configured, deterministic
// pseudo-embeddings keep callers working.
type Service struct {
	cfg      config.EmbeddingConfig
	provider Provider
	fallback *PseudoProvider
	breaker  *gobreaker.CircuitBreaker
	cache    *lru.Cache[string, *types.EmbeddingResult]

	warnedModels sync.Map

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService builds the embedding service. provider may be nil, in
// which case every embedding is a deterministic pseudo-embedding.
func NewService(cfg config.EmbeddingConfig, provider Provider) (*Service, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	cache, err := lru.New[string, *types.EmbeddingResult](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:      cfg,
		provider: provider,
		fallback: NewPseudoProvider(cfg.Model, cfg.Dimensions),
		cache:    cache,
		sleep:    sleepCtx,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "embedding-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("embedding breaker state change")
		},
	})
	if provider == nil {
		log.Info().Str("model", cfg.Model).Int("dims", s.fallback.Dimensions()).Msg("no embedding provider configured, using deterministic pseudo-embeddings")
	}
	return s, nil
}

// GenerateEmbedding embeds one piece of content. Identical content for
// the same model is served from the cache with the original usage.
func (s *Service) GenerateEmbedding(ctx context.Context, content string, entityID string) (*types.EmbeddingResult, error) {
	key := s.cacheKey(content)
	if hit, ok := s.cache.Get(key); ok {
		metrics.EmbeddingCacheHits.Inc()
		out := *hit
		out.Cached = true
		return &out, nil
	}

	vectors, usage, err := s.embedWithRetry(ctx, []string{content})
	if err != nil {
		return nil, err
	}
	result := &types.EmbeddingResult{
		Embedding: vectors[0],
		Content:   content,
		Model:     s.cfg.Model,
		Usage:     usage,
	}
	s.cache.Add(key, result)
	if entityID != "" {
		log.Debug().Str("entity_id", entityID).Int("tokens", usage.TotalTokens).Msg("embedding generated")
	}
	return result, nil
}

// GenerateEmbeddingsBatch embeds inputs in provider batches of
// batchSize, pausing rateLimitDelay between batches. Cached inputs are
// answered locally and never re-billed.
func (s *Service) GenerateEmbeddingsBatch(ctx context.Context, inputs []types.EmbeddingInput) (*types.BatchEmbeddingResult, error) {
	start := time.Now()
	out := &types.BatchEmbeddingResult{
		Results: make([]*types.EmbeddingResult, len(inputs)),
	}

	// Partition into cache hits and misses, preserving input order.
	missIdx := make([]int, 0, len(inputs))
	for i, in := range inputs {
		if hit, ok := s.cache.Get(s.cacheKey(in.Content)); ok {
			metrics.EmbeddingCacheHits.Inc()
			r := *hit
			r.Cached = true
			out.Results[i] = &r
			continue
		}
		missIdx = append(missIdx, i)
	}

	for batchStart := 0; batchStart < len(missIdx); batchStart += s.cfg.BatchSize {
		end := batchStart + s.cfg.BatchSize
		if end > len(missIdx) {
			end = len(missIdx)
		}
		batch := missIdx[batchStart:end]
		texts := make([]string, len(batch))
		for j, i := range batch {
			texts[j] = inputs[i].Content
		}

		vectors, usage, err := s.embedWithRetry(ctx, texts)
		if err != nil {
			return nil, err
		}
		perText := 0
		if len(texts) > 0 {
			perText = usage.TotalTokens / len(texts)
		}
		for j, i := range batch {
			r := &types.EmbeddingResult{
				Embedding: vectors[j],
				Content:   inputs[i].Content,
				Model:     s.cfg.Model,
				Usage:     types.EmbeddingUsage{PromptTokens: perText, TotalTokens: perText},
			}
			s.cache.Add(s.cacheKey(inputs[i].Content), r)
			out.Results[i] = r
		}
		out.TotalTokens += usage.TotalTokens
		out.TotalCost += s.cost(usage.TotalTokens)

		if end < len(missIdx) && s.cfg.RateLimitDelay.D() > 0 {
			if err := s.sleep(ctx, s.cfg.RateLimitDelay.D()); err != nil {
				return nil, err
			}
		}
	}

	metrics.EmbeddingTokens.Add(float64(out.TotalTokens))
	metrics.EmbeddingCostUSD.Add(out.TotalCost)
	out.ProcessingTime = time.Since(start)
	return out, nil
}

// Dimensions reports the vector width this service produces.
func (s *Service) Dimensions() int {
	if s.provider != nil {
		return s.provider.Dimensions()
	}
	return s.fallback.Dimensions()
}

// ClearCache drops every cached embedding.
func (s *Service) ClearCache() { s.cache.Purge() }

// CacheLen reports how many embeddings the cache holds.
func (s *Service) CacheLen() int { return s.cache.Len() }

// embedWithRetry calls the provider through the breaker, retrying with
// exponential backoff. Provider-unavailable failures fall back to the
// pseudo provider rather than failing the caller.
func (s *Service) embedWithRetry(ctx context.Context, texts []string) ([][]float32, types.EmbeddingUsage, error) {
	if s.provider == nil {
		return s.fallback.Embed(ctx, texts)
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.cfg.RetryDelay.D() * (1 << (attempt - 1))
			if err := s.sleep(ctx, delay); err != nil {
				return nil, types.EmbeddingUsage{}, err
			}
		}
		res, err := s.breaker.Execute(func() (any, error) {
			vectors, usage, err := s.provider.Embed(ctx, texts)
			if err != nil {
				return nil, err
			}
			return &providerResult{vectors: vectors, usage: usage}, nil
		})
		if err == nil {
			metrics.EmbeddingCalls.WithLabelValues(s.provider.Kind(), "ok").Inc()
			pr := res.(*providerResult)
			return pr.vectors, pr.usage, nil
		}
		metrics.EmbeddingCalls.WithLabelValues(s.provider.Kind(), "error").Inc()
		lastErr = err

		var unavailable *types.ErrProviderUnavailable
		if !errors.As(err, &unavailable) &&
			!errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Terminal provider error (bad request, auth). Retrying
			// would repeat it.
			return nil, types.EmbeddingUsage{}, err
		}
	}

	log.Warn().Err(lastErr).Int("texts", len(texts)).Msg("embedding provider unavailable, falling back to pseudo-embeddings")
	metrics.EmbeddingCalls.WithLabelValues("pseudo", "fallback").Inc()
	return s.fallback.Embed(ctx, texts)
}

type providerResult struct {
	vectors [][]float32
	usage   types.EmbeddingUsage
}

func (s *Service) cacheKey(content string) string {
	sum := sha256.Sum256([]byte(content))
	return s.cfg.Model + ":" + hex.EncodeToString(sum[:])
}

func (s *Service) cost(tokens int) float64 {
	price, ok := modelPricing[s.cfg.Model]
	if !ok {
		price = fallbackPricePer1K
		if _, warned := s.warnedModels.LoadOrStore(s.cfg.Model, true); !warned {
			log.Warn().Str("model", s.cfg.Model).Float64("assumed_price_per_1k", price).Msg("no pricing for model, using smallest listed price")
		}
	}
	return float64(tokens) / 1000 * price
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
